package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MockSource streams a deterministic local reply in the chat-completions
// event-stream format when no chat function is configured.
type MockSource struct{}

func NewMockSource() *MockSource { return &MockSource{} }

func (s *MockSource) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, &TransportError{Err: ctx.Err()}
	default:
	}
	return io.NopCloser(strings.NewReader(MockStream(buildMockReply(req)))), nil
}

// MockStream renders text as an event stream: a role-only first chunk, one
// chunk per word, a keepalive comment and the [DONE] sentinel.
func MockStream(text string) string {
	var b strings.Builder
	writeChunk := func(delta map[string]string) {
		payload, _ := json.Marshal(map[string]any{
			"object":  "chat.completion.chunk",
			"choices": []map[string]any{{"index": 0, "delta": delta}},
		})
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n\n")
	}

	writeChunk(map[string]string{"role": "assistant"})
	b.WriteString(": keepalive\n\n")
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		writeChunk(map[string]string{"content": w})
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return "I am here to help with your health questions."
	}
	return fmt.Sprintf("You said: %s. Please consult a qualified healthcare provider for medical advice.", last)
}
