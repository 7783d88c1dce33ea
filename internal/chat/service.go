package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/medicare/internal/history"
	"github.com/ent0n29/medicare/internal/inference"
	"github.com/ent0n29/medicare/internal/observability"
	"github.com/ent0n29/medicare/internal/policy"
	"github.com/ent0n29/medicare/internal/protocol"
	"github.com/ent0n29/medicare/internal/ratelimit"
	"github.com/ent0n29/medicare/internal/reliability"
	"github.com/ent0n29/medicare/internal/session"
	"github.com/ent0n29/medicare/internal/sse"
)

const (
	WelcomeText = "Welcome to MediCare+! I'm your personal healthcare assistant. How can I help you today?"
	ApologyText = "I apologize, but I encountered an error. Please try again."

	symptomSystemPrompt = "You are a medical symptom analysis assistant. Analyze the symptoms provided and give a preliminary assessment. Always remind users to consult with a healthcare professional for proper diagnosis."

	historySaveTimeout    = 5 * time.Second
	historyLoadTimeout    = 2 * time.Second
	criticalSendTimeout   = 600 * time.Millisecond
	defaultTurnTimeout    = 2 * time.Minute
	defaultContextLimit   = 20
	outcomeDone           = "done"
	outcomeFailed         = "failed"
	outcomeCancelled      = "cancelled"
	outcomeTimedOut       = "timed_out"
	indicatorNoSentinel   = "eof_without_sentinel"
	indicatorMalformed    = "malformed_frame"
	indicatorEmptyMessage = "empty_assistant_message"
)

type Config struct {
	TurnTimeout  time.Duration
	ReadSize     int
	ContextLimit int
}

// Service runs chat and symptom-check turns for websocket sessions. Each turn
// opens one response stream from the source and drives it through the sse
// core, forwarding every applied delta to the client.
type Service struct {
	sessions *session.Manager
	source   inference.Source
	history  history.Store
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      Config
}

func NewService(
	sessions *session.Manager,
	source inference.Source,
	store history.Store,
	limiter *ratelimit.Limiter,
	metrics *observability.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = defaultContextLimit
	}
	return &Service{
		sessions: sessions,
		source:   source,
		history:  store,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Stream opens a response stream for req and decodes it. onText receives the
// full assistant text so far and the delta just applied. The returned Result
// holds the accumulated text even when err is non-nil.
func (s *Service) Stream(ctx context.Context, req inference.Request, onText func(text, delta string)) (sse.Result, error) {
	return s.stream(ctx, req, time.Now(), onText)
}

// stream times every stage from startedAt so turns measure from acceptance.
func (s *Service) stream(ctx context.Context, req inference.Request, startedAt time.Time, onText func(text, delta string)) (sse.Result, error) {
	body, err := s.source.Open(ctx, req)
	if err != nil {
		return sse.Result{State: sse.StateFailed}, err
	}
	s.metrics.ObserveStage(observability.StageStreamOpen, time.Since(startedAt))

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	driver := sse.NewDriver(
		sse.WithLogger(s.logger),
		sse.WithReadSize(s.cfg.ReadSize),
		sse.WithOnText(func(text, delta string) {
			s.metrics.StreamDeltas.Inc()
			if onText != nil {
				onText(text, delta)
			}
		}),
		sse.WithOnMalformed(func(string, error) {
			s.metrics.MalformedFrames.Inc()
			s.metrics.ObserveIndicator(indicatorMalformed)
		}),
	)
	res, err := driver.Run(ctx, body)
	s.metrics.ObserveStage(observability.StageStreamTotal, time.Since(startedAt))
	if err == nil && !res.Sentinel {
		s.metrics.ObserveIndicator(indicatorNoSentinel)
	}
	return res, err
}

// turn is one assistant response being produced for a session.
type turn struct {
	id       string
	kind     string
	req      inference.Request
	persist  bool
	accepted time.Time
}

// RunConnection serves one websocket connection until ctx is done or inbound
// is closed. Turns run in their own goroutine so a client_control cancel is
// handled while a response streams.
func (s *Service) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	s.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sess.ID,
		Code:      "welcome",
		Detail:    WelcomeText,
	})

	var (
		mu         sync.Mutex
		turnCancel context.CancelFunc
		wg         sync.WaitGroup
	)
	defer wg.Wait()

	cancelActive := func() {
		mu.Lock()
		cancel := turnCancel
		turnCancel = nil
		mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	defer cancelActive()

	begin := func(turnID string) bool {
		err := s.sessions.BeginTurn(sess.ID, turnID)
		if err == nil {
			s.metrics.SessionEvents.WithLabelValues("turn_started").Inc()
			return true
		}
		code := "turn_rejected"
		switch {
		case errors.Is(err, session.ErrTurnActive):
			code = "turn_in_progress"
		case errors.Is(err, session.ErrEnded):
			code = "session_ended"
		}
		s.sendError(outbound, sess.ID, "", code, "session", false, err.Error())
		return false
	}

	start := func(t turn) {
		turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
		mu.Lock()
		turnCancel = cancel
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			s.runTurn(turnCtx, sess, t, outbound)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = s.sessions.Touch(sess.ID)

			switch m := msg.(type) {
			case protocol.ChatMessage:
				if !s.allow(outbound, sess, protocol.TurnKindChat) {
					continue
				}
				turnID := uuid.NewString()
				if !begin(turnID) {
					continue
				}
				t, err := s.prepareChatTurn(ctx, sess, turnID, m.Text)
				if err != nil {
					_ = s.sessions.FinishTurn(sess.ID, turnID)
					s.sendError(outbound, sess.ID, turnID, "history_unavailable", "history", true, err.Error())
					continue
				}
				start(t)
			case protocol.SymptomCheck:
				if !s.allow(outbound, sess, protocol.TurnKindSymptom) {
					continue
				}
				turnID := uuid.NewString()
				if !begin(turnID) {
					continue
				}
				start(symptomTurn(turnID, m.Symptoms))
			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionCancel:
					turnID, _ := s.sessions.CancelTurn(sess.ID)
					if turnID != "" {
						s.metrics.SessionEvents.WithLabelValues("turn_cancelled").Inc()
					}
					cancelActive()
				default:
					s.sendError(outbound, sess.ID, "", "unsupported_action", "client", false, fmt.Sprintf("unsupported action %q", m.Action))
				}
			}
		}
	}
}

func (s *Service) allow(outbound chan<- any, sess *session.Session, kind string) bool {
	if s.limiter.Allow(sess.UserID) {
		return true
	}
	s.metrics.RateLimited.WithLabelValues(kind).Inc()
	s.sendError(outbound, sess.ID, "", "rate_limited", "session", true, "too many requests, slow down")
	return false
}

// prepareChatTurn persists the redacted user message and assembles the request
// from the conversation's recent history plus the new message.
func (s *Service) prepareChatTurn(ctx context.Context, sess *session.Session, turnID, text string) (turn, error) {
	accepted := time.Now()

	var recent []history.Message
	if n := s.cfg.ContextLimit - 1; n > 0 {
		loadCtx, cancel := context.WithTimeout(ctx, historyLoadTimeout)
		msgs, err := s.history.RecentMessages(loadCtx, sess.ConversationID, n)
		cancel()
		if err != nil {
			s.metrics.StoreErrors.WithLabelValues("recent_messages").Inc()
			return turn{}, fmt.Errorf("load history: %w", err)
		}
		recent = msgs
	}

	redacted, changed := policy.RedactPII(text)
	saveCtx, cancel := context.WithTimeout(ctx, historySaveTimeout)
	_, err := s.history.SaveMessage(saveCtx, history.Message{
		ConversationID: sess.ConversationID,
		Role:           history.RoleUser,
		Content:        redacted,
		PIIRedacted:    changed,
	})
	cancel()
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues("save_user_message").Inc()
		return turn{}, fmt.Errorf("save user message: %w", err)
	}

	messages := make([]inference.Message, 0, len(recent)+1)
	for _, m := range recent {
		messages = append(messages, inference.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, inference.Message{Role: history.RoleUser, Content: text})

	return turn{
		id:       turnID,
		kind:     protocol.TurnKindChat,
		req:      inference.Request{Messages: messages},
		persist:  true,
		accepted: accepted,
	}, nil
}

func symptomTurn(turnID, symptoms string) turn {
	return turn{
		id:   turnID,
		kind: protocol.TurnKindSymptom,
		req: inference.Request{Messages: []inference.Message{
			{Role: "system", Content: symptomSystemPrompt},
			{Role: history.RoleUser, Content: "Please analyze these symptoms: " + symptoms},
		}},
		accepted: time.Now(),
	}
}

func (s *Service) runTurn(ctx context.Context, sess *session.Session, t turn, outbound chan<- any) {
	var firstDelta sync.Once
	res, err := s.stream(ctx, t.req, t.accepted, func(text, delta string) {
		firstDelta.Do(func() {
			s.metrics.ObserveStage(observability.StageFirstDelta, time.Since(t.accepted))
		})
		s.send(outbound, protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: sess.ID,
			TurnID:    t.id,
			Kind:      t.kind,
			TextDelta: delta,
			Text:      text,
		})
	})

	end := protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: sess.ID,
		TurnID:    t.id,
		Kind:      t.kind,
		Text:      res.Text,
	}

	switch {
	case err == nil:
		if res.Text == "" {
			s.metrics.ObserveIndicator(indicatorEmptyMessage)
		}
		if t.persist {
			msg, saveErr := s.saveAssistant(sess.ConversationID, res.Text)
			if saveErr != nil {
				s.logger.Error("save assistant message", "session_id", sess.ID, "turn_id", t.id, "err", saveErr)
				s.sendError(outbound, sess.ID, t.id, "history_save_failed", "history", true, saveErr.Error())
			}
			end.MessageID = msg.ID
		}
		s.metrics.StreamOutcomes.WithLabelValues(t.kind, outcomeDone).Inc()
		end.Reason = protocol.TurnEndDone
	case errors.Is(err, context.Canceled):
		s.metrics.StreamOutcomes.WithLabelValues(t.kind, outcomeCancelled).Inc()
		end.Reason = protocol.TurnEndCancelled
	default:
		outcome := outcomeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = outcomeTimedOut
		}
		s.metrics.StreamOutcomes.WithLabelValues(t.kind, outcome).Inc()
		s.logger.Warn("assistant stream failed",
			"session_id", sess.ID,
			"turn_id", t.id,
			"kind", t.kind,
			"partial_chars", len(res.Text),
			"err", err,
		)
		s.sendError(outbound, sess.ID, t.id, "assistant_failed", "inference", retryable(err), ApologyText)
		end.Reason = protocol.TurnEndFailed
	}
	// Release the turn before announcing its end so a client may start the
	// next one as soon as it sees assistant_turn_end.
	_ = s.sessions.FinishTurn(sess.ID, t.id)
	s.send(outbound, end)
}

func (s *Service) saveAssistant(conversationID, text string) (history.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
	defer cancel()
	msg, err := s.history.SaveMessage(ctx, history.Message{
		ConversationID: conversationID,
		Role:           history.RoleAssistant,
		Content:        text,
	})
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues("save_assistant_message").Inc()
		return history.Message{}, err
	}
	return msg, nil
}

func retryable(err error) bool {
	var te *inference.TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return reliability.IsRetryableNetError(err)
}

func (s *Service) sendError(outbound chan<- any, sessionID, turnID, code, source string, retryable bool, detail string) {
	s.send(outbound, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		TurnID:    turnID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

// send delivers msg to the connection writer. Turn ends, errors and system
// events wait briefly for queue space; deltas are dropped when the queue is
// full since every delta carries the full text and the turn end repeats it.
func (s *Service) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)
	if critical {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case outbound <- msg:
			s.metrics.ObserveOutboundMessage(msgType, "delivered")
		case <-timer.C:
			s.metrics.ObserveOutboundMessage(msgType, "timeout")
			s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		return
	}

	select {
	case outbound <- msg:
		s.metrics.ObserveOutboundMessage(msgType, "delivered")
	default:
		s.metrics.ObserveOutboundMessage(msgType, "dropped")
		s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch msg.(type) {
	case protocol.AssistantTurnEnd, protocol.ErrorEvent, protocol.SystemEvent:
		t, _ := protocol.TypeOf(msg)
		return string(t), true
	default:
		t, ok := protocol.TypeOf(msg)
		if !ok {
			return "unknown", false
		}
		return string(t), false
	}
}
