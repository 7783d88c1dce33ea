package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPSource posts chat requests to the hosted chat function and returns its
// event-stream body.
type HTTPSource struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPSource builds a source without a client timeout: the body is read for
// as long as the model keeps streaming, and deadlines belong to the caller's ctx.
func NewHTTPSource(url, apiKey string) *HTTPSource {
	return &HTTPSource{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{},
	}
}

func (s *HTTPSource) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
		httpReq.Header.Set("apikey", s.apiKey)
	}

	res, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &TransportError{
			StatusCode: res.StatusCode,
			Detail:     strings.TrimSpace(string(body)),
		}
	}
	return res.Body, nil
}
