// Package orchestrator is the client side of the reply-generation service
// that plays the simulated customer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// Request asks for the customer's reply to one salesperson message.
type Request struct {
	SessionID   string      `json:"session_id"`
	UserID      string      `json:"user_id"`
	TurnNumber  int         `json:"turn_number"`
	UserMessage string      `json:"user_message"`
	Stage       stage.Stage `json:"stage"`
	// Context is the budgeted memory view of the session.
	Context string `json:"context,omitempty"`
}

// Response is the generated reply with its side estimates.
type Response struct {
	Reply           string         `json:"reply"`
	MoodEstimate    float64        `json:"mood_estimate"`
	Stage           stage.Stage    `json:"stage"`
	LatencyEstimate float64        `json:"latency_estimate"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Orchestrator generates replies.
type Orchestrator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Category is the client-visible class of a generation failure.
type Category string

const (
	CategoryPolicyBlock Category = "policy_block"
	CategoryTimeout     Category = "timeout"
	CategoryInternal    Category = "internal"
)

// ErrPolicyBlocked reports a message refused by content policy.
var ErrPolicyBlocked = errors.New("orchestrator: blocked by policy")

// StatusError is a non-success answer of the remote service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("orchestrator returned status %d: %s", e.StatusCode, e.Body)
}

// Categorize maps a generation error to its category.
func Categorize(err error) Category {
	if errors.Is(err, ErrPolicyBlocked) {
		return CategoryPolicyBlock
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case 403, 422, 451:
			return CategoryPolicyBlock
		case 408, 504:
			return CategoryTimeout
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout
	}
	return CategoryInternal
}
