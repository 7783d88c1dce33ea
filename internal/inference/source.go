package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ent0n29/medicare/internal/reliability"
)

// Message is one chat turn sent to the chat function.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body posted to the chat function.
type Request struct {
	Messages []Message `json:"messages"`
}

// Source opens the streamed response body for a chat request. The caller owns
// the returned body and must close it.
type Source interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// TransportError reports a failure to obtain a readable stream: the connection
// failed, or the function answered with a non-success status.
type TransportError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("chat function status %d: %s", e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("chat function status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("chat function unreachable: %v", e.Err)
	default:
		return "chat function transport error"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether reissuing the request could succeed. Nothing in
// this service retries on its own; the flag is passed through to clients.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled)
	}
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// Config controls source construction.
type Config struct {
	Mode   string
	URL    string
	APIKey string
}

func NewSource(cfg Config) (Source, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPSource(cfg.URL, cfg.APIKey), nil
		}
		return NewMockSource(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("chat function url is required for http mode")
		}
		return NewHTTPSource(cfg.URL, cfg.APIKey), nil
	case "mock":
		return NewMockSource(), nil
	default:
		return nil, fmt.Errorf("unsupported inference mode %q", cfg.Mode)
	}
}
