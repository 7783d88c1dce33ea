package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/medicare/internal/protocol"
	"github.com/ent0n29/medicare/internal/session"
)

type perfOptions struct {
	baseURL        string
	userID         string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type      string `json:"type"`
	TurnID    string `json:"turn_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Text      string `json:"text,omitempty"`
	TextDelta string `json:"text_delta,omitempty"`
}

// turnTiming records one replayed turn as seen by the client.
type turnTiming struct {
	firstDelta time.Duration
	total      time.Duration
	reason     string
	chars      int
}

var defaultPrompts = []string{
	"What are common causes of a mild headache?",
	"How much water should I drink per day?",
	"When should I see a doctor for a cough?",
	"Tips for better sleep?",
}

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Replay chat turns against a running service and report stream latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := perfOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
		defer cancel()

		timings, err := runPerf(ctx, opts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), timings)
		return nil
	},
}

func init() {
	perfCmd.Flags().String("base-url", "http://127.0.0.1:8080", "service base URL")
	perfCmd.Flags().String("user-id", "perf-replay", "user_id for the synthetic session")
	perfCmd.Flags().Int("turns", 10, "number of chat turns to replay")
	perfCmd.Flags().Duration("inter-turn", 200*time.Millisecond, "delay between turns")
	perfCmd.Flags().Duration("turn-timeout", 30*time.Second, "timeout waiting for assistant_turn_end per turn")
	perfCmd.Flags().String("texts", "", "prompts separated by '|' (optional)")
	perfCmd.Flags().Bool("verbose", true, "print replay progress")
}

func perfOptionsFromFlags(cmd *cobra.Command) (perfOptions, error) {
	var opts perfOptions
	opts.baseURL, _ = cmd.Flags().GetString("base-url")
	opts.userID, _ = cmd.Flags().GetString("user-id")
	opts.turns, _ = cmd.Flags().GetInt("turns")
	opts.interTurnDelay, _ = cmd.Flags().GetDuration("inter-turn")
	opts.turnTimeout, _ = cmd.Flags().GetDuration("turn-timeout")
	opts.verbose, _ = cmd.Flags().GetBool("verbose")
	textsRaw, _ := cmd.Flags().GetString("texts")

	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if opts.baseURL == "" {
		return perfOptions{}, fmt.Errorf("base-url is required")
	}
	if opts.turns <= 0 {
		return perfOptions{}, fmt.Errorf("turns must be > 0")
	}
	if opts.interTurnDelay < 0 {
		opts.interTurnDelay = 0
	}
	if opts.turnTimeout < time.Second {
		opts.turnTimeout = time.Second
	}
	opts.texts = splitPrompts(textsRaw)
	return opts, nil
}

func splitPrompts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultPrompts...)
	}
	return out
}

func runPerf(ctx context.Context, opts perfOptions, out io.Writer) ([]turnTiming, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createPerfSession(ctx, httpClient, opts.baseURL, opts.userID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endPerfSession(context.Background(), httpClient, opts.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(opts.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	if opts.verbose {
		fmt.Fprintf(out, "perf: session=%s turns=%d\n", sessionID, opts.turns)
	}

	timings := make([]turnTiming, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		sentAt := time.Now()
		if err := conn.WriteJSON(protocol.ChatMessage{
			Type:      protocol.TypeChatMessage,
			SessionID: sessionID,
			Text:      text,
		}); err != nil {
			return timings, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		timing, err := awaitTurn(ctx, events, readErrCh, sentAt, opts.turnTimeout)
		if err != nil {
			return timings, fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if opts.verbose {
			fmt.Fprintf(out, "perf: turn %d/%d reason=%s first_delta=%s total=%s chars=%d\n",
				i+1, opts.turns, timing.reason, timing.firstDelta.Round(time.Millisecond), timing.total.Round(time.Millisecond), timing.chars)
		}
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}
	return timings, nil
}

func createPerfSession(ctx context.Context, client *http.Client, baseURL, userID string) (string, error) {
	payload, err := json.Marshal(session.CreateRequest{UserID: userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var created session.CreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return created.SessionID, nil
}

func endPerfSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

// awaitTurn consumes events until the next assistant_turn_end. An error_event
// that precedes the turn end is reported only when no turn end follows.
func awaitTurn(ctx context.Context, events <-chan wsEnvelope, readErrCh <-chan error, sentAt time.Time, timeout time.Duration) (turnTiming, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timing turnTiming
	for {
		select {
		case <-ctx.Done():
			return timing, ctx.Err()
		case err := <-readErrCh:
			return timing, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return timing, fmt.Errorf("timeout after %s", timeout)
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeAssistantTextDelta):
				if timing.firstDelta == 0 {
					timing.firstDelta = time.Since(sentAt)
				}
			case string(protocol.TypeErrorEvent):
				if env.TurnID == "" {
					return timing, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
				}
			case string(protocol.TypeAssistantTurnEnd):
				timing.total = time.Since(sentAt)
				timing.reason = env.Reason
				timing.chars = len(env.Text)
				return timing, nil
			}
		}
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func printSummary(out io.Writer, timings []turnTiming) {
	var first, total []time.Duration
	reasons := map[string]int{}
	for _, t := range timings {
		if t.firstDelta > 0 {
			first = append(first, t.firstDelta)
		}
		total = append(total, t.total)
		reasons[t.reason]++
	}
	sort.Slice(first, func(i, j int) bool { return first[i] < first[j] })
	sort.Slice(total, func(i, j int) bool { return total[i] < total[j] })

	fmt.Fprintf(out, "perf: turns=%d done=%d failed=%d cancelled=%d\n",
		len(timings), reasons[protocol.TurnEndDone], reasons[protocol.TurnEndFailed], reasons[protocol.TurnEndCancelled])
	fmt.Fprintf(out, "perf: first_delta p50=%s p95=%s\n",
		percentile(first, 0.50).Round(time.Millisecond), percentile(first, 0.95).Round(time.Millisecond))
	fmt.Fprintf(out, "perf: stream_total p50=%s p95=%s\n",
		percentile(total, 0.50).Round(time.Millisecond), percentile(total, 0.95).Round(time.Millisecond))
}
