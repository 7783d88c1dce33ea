package sse

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// chunkBody hands out fixed chunks, then returns err (io.EOF when nil).
type chunkBody struct {
	chunks []string
	err    error
	closed bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if b.chunks[0] == "" {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error {
	b.closed = true
	return nil
}

func frame(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n"
}

func runChunks(t *testing.T, chunks []string, readErr error) (Result, []string, error) {
	t.Helper()
	var seen []string
	d := NewDriver(WithOnText(func(text, _ string) {
		seen = append(seen, text)
	}))
	body := &chunkBody{chunks: chunks, err: readErr}
	res, err := d.Run(context.Background(), body)
	if !body.closed {
		t.Fatalf("body was not closed")
	}
	if d.State() != res.State {
		t.Fatalf("State() = %s, Result.State = %s", d.State(), res.State)
	}
	return res, seen, err
}

func TestDriverSentinelEndsStream(t *testing.T) {
	res, seen, err := runChunks(t, []string{frame("Hel"), frame("lo"), "data: [DONE]\n"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hello" || res.State != StateDone || !res.Sentinel {
		t.Fatalf("result = %+v, want Hello/done/sentinel", res)
	}
	if strings.Join(seen, "|") != "Hel|Hello" {
		t.Fatalf("observed = %q, want running text after every delta", seen)
	}
}

func TestDriverFrameSplitInsideJSON(t *testing.T) {
	second := frame("lo")
	for cut := 1; cut < len(second); cut++ {
		chunks := []string{frame("Hel"), second[:cut], second[cut:], "data: [DONE]\n"}
		res, _, err := runChunks(t, chunks, nil)
		if err != nil {
			t.Fatalf("cut %d: Run() error = %v", cut, err)
		}
		if res.Text != "Hello" || res.Malformed != 0 {
			t.Fatalf("cut %d: result = %+v, want Hello with no malformed frames", cut, res)
		}
	}
}

func TestDriverKeepaliveIgnored(t *testing.T) {
	res, _, err := runChunks(t, []string{frame("Hel"), ": keepalive\n", frame("lo"), "data: [DONE]\n"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hello" {
		t.Fatalf("Text = %q, want %q", res.Text, "Hello")
	}
}

func TestDriverEOFWithoutSentinelCompletes(t *testing.T) {
	res, _, err := runChunks(t, []string{frame("Hi")}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateDone || res.Sentinel || res.Text != "Hi" {
		t.Fatalf("result = %+v, want done without sentinel, text Hi", res)
	}
}

func TestDriverTransportErrorBeforeBytes(t *testing.T) {
	boom := errors.New("connection reset by peer")
	res, seen, err := runChunks(t, nil, boom)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want ErrTransport wrapping cause", err)
	}
	if res.State != StateFailed || res.Text != "" || len(seen) != 0 {
		t.Fatalf("result = %+v seen = %q, want failed with no text", res, seen)
	}
}

func TestDriverMidStreamErrorKeepsPartialText(t *testing.T) {
	res, _, err := runChunks(t, []string{frame("Hel")}, io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Run() error = %v, want ErrTransport", err)
	}
	if res.State != StateFailed || res.Text != "Hel" {
		t.Fatalf("result = %+v, want failed with partial text", res)
	}
}

func TestDriverMalformedFrameResilience(t *testing.T) {
	clean := []string{frame("Hel"), frame("lo"), "data: [DONE]\n"}
	dirty := []string{frame("Hel"), "data: {not-json}\n", frame("lo"), "data: [DONE]\n"}

	want, _, err := runChunks(t, clean, nil)
	if err != nil {
		t.Fatalf("clean Run() error = %v", err)
	}

	var malformed []string
	d := NewDriver(WithOnMalformed(func(payload string, err error) {
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("malformed err = %v", err)
		}
		malformed = append(malformed, payload)
	}))
	got, err := d.Run(context.Background(), &chunkBody{chunks: dirty})
	if err != nil {
		t.Fatalf("dirty Run() error = %v", err)
	}
	if got.Text != want.Text || got.State != StateDone {
		t.Fatalf("dirty result = %+v, want text %q", got, want.Text)
	}
	if got.Malformed != 1 || len(malformed) != 1 || malformed[0] != "{not-json}" {
		t.Fatalf("malformed = %d %q, want one {not-json}", got.Malformed, malformed)
	}
}

func TestDriverIgnoresFramesAfterSentinel(t *testing.T) {
	res, _, err := runChunks(t, []string{frame("Hel") + "data: [DONE]\n" + frame("XX")}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hel" || res.Deltas != 1 {
		t.Fatalf("result = %+v, want frozen Hel", res)
	}
}

func TestDriverDiscardsUnterminatedTrailingLine(t *testing.T) {
	res, _, err := runChunks(t, []string{frame("Hi"), `data: {"choices":[{"delta":{"content":"!"}}]}`}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hi" || res.DiscardedBytes == 0 {
		t.Fatalf("result = %+v, want Hi and discarded trailing bytes", res)
	}
}

func TestDriverReassemblesSplitRune(t *testing.T) {
	line := frame("café")
	cut := strings.Index(line, "é") + 1
	res, _, err := runChunks(t, []string{line[:cut], line[cut:]}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "café" {
		t.Fatalf("Text = %q, want %q", res.Text, "café")
	}
}

func TestDriverRunsOnce(t *testing.T) {
	d := NewDriver()
	if _, err := d.Run(context.Background(), &chunkBody{chunks: []string{frame("a")}}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if _, err := d.Run(context.Background(), &chunkBody{}); !errors.Is(err, ErrDriverReused) {
		t.Fatalf("second Run() error = %v, want ErrDriverReused", err)
	}
}

func TestDriverCancellationStopsReading(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan string, 8)
	d := NewDriver(WithOnText(func(text, _ string) { updates <- text }))

	type runResult struct {
		res Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := d.Run(ctx, pr)
		done <- runResult{res: res, err: err}
	}()

	if _, err := pw.Write([]byte(frame("Hel"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-updates:
		if got != "Hel" {
			t.Fatalf("update = %q, want Hel", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first delta")
	}

	cancel()

	var out runResult
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancellation")
	}
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", out.err)
	}
	if out.res.State != StateFailed || out.res.Text != "Hel" {
		t.Fatalf("result = %+v, want failed with Hel", out.res)
	}

	if _, err := pw.Write([]byte(frame("lo"))); err == nil {
		t.Fatalf("write after cancellation succeeded; transport should be closed")
	}
	select {
	case got := <-updates:
		t.Fatalf("unexpected update after cancellation: %q", got)
	default:
	}
}
