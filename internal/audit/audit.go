// Package audit keeps a durable trail of notable session events: conflicts,
// replays, failed turns, stage transitions and compliance blocks.
package audit

import (
	"context"
	"time"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorClient       ActorType = "client"
	ActorSystem       ActorType = "system"
	ActorOrchestrator ActorType = "orchestrator"
)

// Action describes what happened.
type Action string

const (
	ActionSessionRecovered Action = "session_recovered"
	ActionTurnConflict     Action = "turn_conflict"
	ActionTurnReplayed     Action = "turn_replayed"
	ActionTurnFailed       Action = "turn_failed"
	ActionStageTransition  Action = "stage_transition"
	ActionComplianceBlock  Action = "compliance_block"
	ActionFeedback         Action = "feedback"
)

// Entry is a single audit trail record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ActorType  ActorType `json:"actor_type"`
	Action     Action    `json:"action"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	TurnID     string    `json:"turn_id,omitempty"`
	TurnNumber int       `json:"turn_number,omitempty"`
	Summary    string    `json:"summary"`
	Detail     string    `json:"detail,omitempty"`
}

// Recorder accepts audit entries.
type Recorder interface {
	Log(ctx context.Context, entry Entry) error
}
