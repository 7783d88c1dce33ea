package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/medicare/internal/history"
	"github.com/ent0n29/medicare/internal/inference"
	"github.com/ent0n29/medicare/internal/observability"
	"github.com/ent0n29/medicare/internal/protocol"
	"github.com/ent0n29/medicare/internal/ratelimit"
	"github.com/ent0n29/medicare/internal/session"
	"github.com/ent0n29/medicare/internal/sse"
)

type sourceFunc func(ctx context.Context, req inference.Request) (io.ReadCloser, error)

func (f sourceFunc) Open(ctx context.Context, req inference.Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func frame(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

type harness struct {
	svc      *Service
	sessions *session.Manager
	store    *history.InMemoryStore
	sess     *session.Session
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, src inference.Source, limiter *ratelimit.Limiter) *harness {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	store := history.NewInMemoryStore()
	conv, err := store.CreateConversation(context.Background(), "user-1", history.DefaultTitle)
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	metrics := observability.NewMetrics(fmt.Sprintf("medicare_test_chat_%d", time.Now().UnixNano()))
	svc := NewService(sessions, src, store, limiter, metrics, nil, Config{TurnTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		svc:      svc,
		sessions: sessions,
		store:    store,
		sess:     sessions.Create("user-1", conv.ID),
		inbound:  make(chan any, 8),
		outbound: make(chan any, 256),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	go func() { h.done <- svc.RunConnection(ctx, h.sess, h.inbound, h.outbound) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("RunConnection did not return")
		}
	})
	return h
}

func (h *harness) next(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-h.outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

// collectTurn reads outbound messages until a turn end and returns the deltas,
// error events and the turn end seen along the way.
func (h *harness) collectTurn(t *testing.T) ([]protocol.AssistantTextDelta, []protocol.ErrorEvent, protocol.AssistantTurnEnd) {
	t.Helper()
	var (
		deltas []protocol.AssistantTextDelta
		errs   []protocol.ErrorEvent
	)
	for {
		switch m := h.next(t).(type) {
		case protocol.AssistantTextDelta:
			deltas = append(deltas, m)
		case protocol.ErrorEvent:
			errs = append(errs, m)
		case protocol.AssistantTurnEnd:
			return deltas, errs, m
		}
	}
}

func (h *harness) expectWelcome(t *testing.T) {
	t.Helper()
	evt, ok := h.next(t).(protocol.SystemEvent)
	if !ok || evt.Code != "welcome" || evt.Detail != WelcomeText {
		t.Fatalf("first message = %#v, want welcome system event", evt)
	}
}

func (h *harness) messages(t *testing.T) []history.Message {
	t.Helper()
	msgs, err := h.store.RecentMessages(context.Background(), h.sess.ConversationID, 50)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	return msgs
}

func TestChatTurnStreamsAndPersistsReplyOnce(t *testing.T) {
	h := newHarness(t, inference.NewMockSource(), nil)
	h.expectWelcome(t)

	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "I have a headache"}
	deltas, errs, end := h.collectTurn(t)

	want := "You said: I have a headache. Please consult a qualified healthcare provider for medical advice."
	if len(errs) != 0 {
		t.Fatalf("error events = %#v, want none", errs)
	}
	if end.Reason != protocol.TurnEndDone || end.Text != want {
		t.Fatalf("turn end = %#v, want done with %q", end, want)
	}
	if end.MessageID == "" {
		t.Fatalf("turn end MessageID empty, want persisted assistant message id")
	}
	if len(deltas) == 0 || deltas[len(deltas)-1].Text != want {
		t.Fatalf("last delta text mismatch: %#v", deltas)
	}
	if deltas[0].Text != "" {
		t.Fatalf("first delta text = %q, want empty role-only delta", deltas[0].Text)
	}
	for _, d := range deltas {
		if d.TurnID != end.TurnID || d.Kind != protocol.TurnKindChat {
			t.Fatalf("delta %#v does not belong to turn %s", d, end.TurnID)
		}
	}

	msgs := h.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Content != "I have a headache" {
		t.Fatalf("user message = %#v", msgs[0])
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Content != want || msgs[1].ID != end.MessageID {
		t.Fatalf("assistant message = %#v", msgs[1])
	}
}

func TestChatTurnRedactsPersistedUserText(t *testing.T) {
	var (
		mu  sync.Mutex
		got inference.Request
	)
	src := sourceFunc(func(_ context.Context, req inference.Request) (io.ReadCloser, error) {
		mu.Lock()
		got = req
		mu.Unlock()
		return io.NopCloser(strings.NewReader(frame("ok") + "data: [DONE]\n\n")), nil
	})
	h := newHarness(t, src, nil)
	h.expectWelcome(t)

	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "email me at jane@example.com"}
	h.collectTurn(t)

	msgs := h.messages(t)
	if strings.Contains(msgs[0].Content, "jane@example.com") || !msgs[0].PIIRedacted {
		t.Fatalf("persisted user message = %#v, want redacted", msgs[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if n := len(got.Messages); n != 1 || got.Messages[0].Role != history.RoleUser {
		t.Fatalf("request messages = %#v, want single user message", got.Messages)
	}
}

func TestChatTurnIncludesRecentHistory(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []inference.Request
	)
	src := sourceFunc(func(_ context.Context, req inference.Request) (io.ReadCloser, error) {
		mu.Lock()
		calls = append(calls, req)
		mu.Unlock()
		return io.NopCloser(strings.NewReader(frame("noted") + "data: [DONE]\n\n")), nil
	})
	h := newHarness(t, src, nil)
	h.expectWelcome(t)

	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "first"}
	h.collectTurn(t)
	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "second"}
	h.collectTurn(t)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("source calls = %d, want 2", len(calls))
	}
	var roles []string
	for _, m := range calls[1].Messages {
		roles = append(roles, m.Role+":"+m.Content)
	}
	want := "user:first,assistant:noted,user:second"
	if strings.Join(roles, ",") != want {
		t.Fatalf("second request = %s, want %s", strings.Join(roles, ","), want)
	}
}

func TestFailedStreamApologizesAndPersistsNothing(t *testing.T) {
	src := sourceFunc(func(context.Context, inference.Request) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(
			strings.NewReader(frame("Hel")),
			failingReader{err: io.ErrUnexpectedEOF},
		)), nil
	})
	h := newHarness(t, src, nil)
	h.expectWelcome(t)

	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "hello"}
	deltas, errs, end := h.collectTurn(t)

	if len(deltas) != 1 || deltas[0].Text != "Hel" {
		t.Fatalf("deltas = %#v, want single partial delta", deltas)
	}
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want exactly 1", len(errs))
	}
	if errs[0].Code != "assistant_failed" || errs[0].Detail != ApologyText || !errs[0].Retryable {
		t.Fatalf("error event = %#v", errs[0])
	}
	if end.Reason != protocol.TurnEndFailed || end.Text != "Hel" || end.MessageID != "" {
		t.Fatalf("turn end = %#v, want failed with partial text", end)
	}
	if msgs := h.messages(t); len(msgs) != 1 || msgs[0].Role != history.RoleUser {
		t.Fatalf("persisted = %#v, want only the user message", msgs)
	}
}

func TestOpenFailureReportsTransportRetryability(t *testing.T) {
	src := sourceFunc(func(context.Context, inference.Request) (io.ReadCloser, error) {
		return nil, &inference.TransportError{StatusCode: 400, Detail: "bad request"}
	})
	h := newHarness(t, src, nil)
	h.expectWelcome(t)

	h.inbound <- protocol.SymptomCheck{Type: protocol.TypeSymptomCheck, SessionID: h.sess.ID, Symptoms: "cough"}
	deltas, errs, end := h.collectTurn(t)
	if len(deltas) != 0 {
		t.Fatalf("deltas = %#v, want none", deltas)
	}
	if len(errs) != 1 || errs[0].Retryable {
		t.Fatalf("error events = %#v, want one non-retryable", errs)
	}
	if end.Reason != protocol.TurnEndFailed || end.Kind != protocol.TurnKindSymptom {
		t.Fatalf("turn end = %#v", end)
	}
}

func TestCancelStopsActiveTurn(t *testing.T) {
	pr, pw := io.Pipe()
	src := sourceFunc(func(context.Context, inference.Request) (io.ReadCloser, error) {
		return pr, nil
	})
	h := newHarness(t, src, nil)
	h.expectWelcome(t)

	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "tell me"}
	go func() { _, _ = pw.Write([]byte(frame("Part"))) }()

	delta, ok := h.next(t).(protocol.AssistantTextDelta)
	if !ok || delta.Text != "Part" {
		t.Fatalf("first outbound = %#v, want delta Part", delta)
	}

	h.inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: h.sess.ID, Action: protocol.ActionCancel}
	_, errs, end := h.collectTurn(t)
	if len(errs) != 0 {
		t.Fatalf("error events = %#v, want none on cancel", errs)
	}
	if end.Reason != protocol.TurnEndCancelled || end.Text != "Part" {
		t.Fatalf("turn end = %#v, want cancelled with partial text", end)
	}
	if msgs := h.messages(t); len(msgs) != 1 {
		t.Fatalf("persisted %d messages, want only the user message", len(msgs))
	}
	if _, err := pw.Write([]byte(frame("more"))); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("write after cancel error = %v, want closed pipe", err)
	}
}

func TestSecondTurnRejectedWhileStreaming(t *testing.T) {
	pr, pw := io.Pipe()
	src := sourceFunc(func(context.Context, inference.Request) (io.ReadCloser, error) {
		return pr, nil
	})
	h := newHarness(t, src, nil)
	h.expectWelcome(t)

	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "one"}
	go func() { _, _ = pw.Write([]byte(frame("x"))) }()
	if _, ok := h.next(t).(protocol.AssistantTextDelta); !ok {
		t.Fatalf("expected first turn to stream")
	}

	h.inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: h.sess.ID, Text: "two"}
	evt, ok := h.next(t).(protocol.ErrorEvent)
	if !ok || evt.Code != "turn_in_progress" {
		t.Fatalf("outbound = %#v, want turn_in_progress error", evt)
	}
	if msgs := h.messages(t); len(msgs) != 1 || msgs[0].Content != "one" {
		t.Fatalf("persisted = %#v, want only the first user message", msgs)
	}

	go func() { _, _ = pw.Write([]byte("data: [DONE]\n\n")) }()
	if _, _, end := h.collectTurn(t); end.Reason != protocol.TurnEndDone {
		t.Fatalf("turn end = %#v, want done", end)
	}
}

func TestSymptomCheckUsesFixedPromptAndIsNotPersisted(t *testing.T) {
	var (
		mu  sync.Mutex
		got inference.Request
	)
	src := sourceFunc(func(_ context.Context, req inference.Request) (io.ReadCloser, error) {
		mu.Lock()
		got = req
		mu.Unlock()
		return io.NopCloser(strings.NewReader(frame("See a doctor.") + "data: [DONE]\n\n")), nil
	})
	h := newHarness(t, src, nil)
	h.expectWelcome(t)

	h.inbound <- protocol.SymptomCheck{Type: protocol.TypeSymptomCheck, SessionID: h.sess.ID, Symptoms: "fever and chills"}
	_, _, end := h.collectTurn(t)
	if end.Reason != protocol.TurnEndDone || end.Text != "See a doctor." || end.MessageID != "" {
		t.Fatalf("turn end = %#v", end)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("request = %#v, want system + user", got.Messages)
	}
	if got.Messages[1].Content != "Please analyze these symptoms: fever and chills" {
		t.Fatalf("user content = %q", got.Messages[1].Content)
	}
	if msgs := h.messages(t); len(msgs) != 0 {
		t.Fatalf("persisted %d messages, want none", len(msgs))
	}
}

func TestRateLimitedRequestsAreRejected(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Rate: 0.001, Burst: 1})
	h := newHarness(t, inference.NewMockSource(), limiter)
	h.expectWelcome(t)

	h.inbound <- protocol.SymptomCheck{Type: protocol.TypeSymptomCheck, SessionID: h.sess.ID, Symptoms: "rash"}
	h.inbound <- protocol.SymptomCheck{Type: protocol.TypeSymptomCheck, SessionID: h.sess.ID, Symptoms: "rash"}

	var limited bool
	for !limited {
		if evt, ok := h.next(t).(protocol.ErrorEvent); ok {
			if evt.Code != "rate_limited" || !evt.Retryable {
				t.Fatalf("error event = %#v, want retryable rate_limited", evt)
			}
			limited = true
		}
	}
}

func TestStreamReturnsPartialResultOnFailure(t *testing.T) {
	src := sourceFunc(func(context.Context, inference.Request) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(
			strings.NewReader(frame("a")+frame("b")),
			failingReader{err: errors.New("reset")},
		)), nil
	})
	svc := NewService(session.NewManager(time.Minute), src, history.NewInMemoryStore(), nil,
		observability.NewMetrics(fmt.Sprintf("medicare_test_stream_%d", time.Now().UnixNano())), nil, Config{})

	var seen []string
	res, err := svc.Stream(context.Background(), inference.Request{}, func(text, _ string) {
		seen = append(seen, text)
	})
	if !errors.Is(err, sse.ErrTransport) {
		t.Fatalf("Stream() error = %v, want ErrTransport", err)
	}
	if res.State != sse.StateFailed || res.Text != "ab" {
		t.Fatalf("result = %+v, want failed with text ab", res)
	}
	if strings.Join(seen, ",") != "a,ab" {
		t.Fatalf("observed = %v, want [a ab]", seen)
	}
}

func TestStreamStagesShareStartTime(t *testing.T) {
	src := sourceFunc(func(context.Context, inference.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(frame("ok") + "data: [DONE]\n\n")), nil
	})
	metrics := observability.NewMetrics(fmt.Sprintf("medicare_test_stages_%d", time.Now().UnixNano()))
	svc := NewService(session.NewManager(time.Minute), src, history.NewInMemoryStore(), nil, metrics, nil, Config{})

	accepted := time.Now().Add(-time.Second)
	if _, err := svc.stream(context.Background(), inference.Request{}, accepted, nil); err != nil {
		t.Fatalf("stream() error = %v", err)
	}

	got := map[string]float64{}
	for _, st := range metrics.SnapshotStreams().Stages {
		got[st.Stage] = st.LastMS
	}
	for _, stage := range []string{observability.StageStreamOpen, observability.StageStreamTotal} {
		ms, ok := got[stage]
		if !ok {
			t.Fatalf("stage %q not observed", stage)
		}
		if ms < 1000 {
			t.Fatalf("stage %q = %.2fms, want measured from acceptance (>= 1000ms)", stage, ms)
		}
	}
}
