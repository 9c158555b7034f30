// Package ltm hands important turns to long-term memory. Events are written
// to an outbox table first and delivered by a bounded worker pool, so a
// failed delivery is retried later instead of being lost.
package ltm

import (
	"encoding/json"
	"time"
)

// Status is the delivery state of an event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusRetry   Status = "retry"
	StatusFailed  Status = "failed"
)

// Event is one turn handed to long-term memory.
type Event struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	TenantID   string          `json:"tenant_id"`
	TurnID     string          `json:"turn_id"`
	TurnNumber int             `json:"turn_number"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
