package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOrchestrator calls a remote reply-generation service.
type HTTPOrchestrator struct {
	url    string
	client *http.Client
}

// NewHTTPOrchestrator creates a client for the service at url.
func NewHTTPOrchestrator(url string, timeout time.Duration) *HTTPOrchestrator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOrchestrator{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Generate POSTs req and decodes the reply.
func (h *HTTPOrchestrator) Generate(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling orchestrator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding orchestrator response: %w", err)
	}
	if out.Stage == "" {
		out.Stage = req.Stage
	}
	return &out, nil
}
