package turns

import (
	"time"

	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// Role is the speaker of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleNPC  Role = "npc"
)

// Status is the commit state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
)

// Message is one side of a turn.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	TurnNumber int         `json:"turn_number"`
	TurnID     string      `json:"turn_id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Stage      stage.Stage `json:"stage,omitempty"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Outcome classifies an attempt to begin a turn.
type Outcome int

const (
	// Started means the turn is new and now pending.
	Started Outcome = iota
	// Replay means the turn was already committed; its result is returned.
	Replay
	// InFlight means an identical or recent attempt is still pending.
	InFlight
	// Conflict means a stale pending attempt carries different content.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Replay:
		return "replay"
	case InFlight:
		return "in_flight"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}
