// Package feedback forwards trainee reward signals for past decisions to
// the external bandit-learning service.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrInvalid reports feedback that cannot be forwarded.
var ErrInvalid = errors.New("feedback: invalid")

// Feedback is the reward attached to one blackboard decision.
type Feedback struct {
	SessionID  string             `json:"session_id"`
	UserID     string             `json:"user_id"`
	DecisionID string             `json:"decision_id"`
	TurnNumber int                `json:"turn_number,omitempty"`
	Reward     float64            `json:"reward"`
	Signals    map[string]float64 `json:"signals,omitempty"`
	At         time.Time          `json:"at"`
}

// Validate checks the fields every sink relies on.
func (f Feedback) Validate() error {
	if f.SessionID == "" || f.DecisionID == "" {
		return fmt.Errorf("%w: session and decision id are required", ErrInvalid)
	}
	if f.Reward < -1 || f.Reward > 1 {
		return fmt.Errorf("%w: reward %.2f outside [-1, 1]", ErrInvalid, f.Reward)
	}
	return nil
}

// Sink receives feedback.
type Sink interface {
	Send(ctx context.Context, fb Feedback) error
}

// HTTPSink POSTs feedback as JSON.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send POSTs fb to the feedback service.
func (h *HTTPSink) Send(ctx context.Context, fb Feedback) error {
	payload, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encoding feedback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending feedback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("feedback service returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink only logs feedback. It is used when no service is configured.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink writing to log.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

func (l *LogSink) Send(ctx context.Context, fb Feedback) error {
	l.log.Info("feedback received",
		zap.String("session", fb.SessionID),
		zap.String("decision", fb.DecisionID),
		zap.Float64("reward", fb.Reward))
	return nil
}
