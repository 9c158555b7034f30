// Package blackboard holds the shared, lock-guarded estimate of a session's
// sales state consulted by every collaborator working on the session.
package blackboard

import (
	"time"

	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// Compliance actions recorded on decisions.
const (
	CompliancePass  = "PASS"
	ComplianceBlock = "BLOCK"
)

// StageState tracks the current stage estimate.
type StageState struct {
	Current        stage.Stage `json:"current"`
	Previous       stage.Stage `json:"previous,omitempty"`
	Confidence     float64     `json:"confidence"`
	TransitionedAt time.Time   `json:"transitioned_at,omitempty"`
}

// Psychology is the estimated disposition of the simulated customer, each
// value in [0,1].
type Psychology struct {
	Trust      float64 `json:"trust"`
	Resistance float64 `json:"resistance"`
	Interest   float64 `json:"interest"`
	Confidence float64 `json:"confidence"`
}

// Decision is one entry of the append-only decision trace.
type Decision struct {
	ID         string    `json:"id"`
	TurnNumber int       `json:"turn_number"`
	Intent     string    `json:"intent"`
	Compliance string    `json:"compliance"`
	Reasoning  string    `json:"reasoning"`
	At         time.Time `json:"at"`
}

// Blackboard is the full shared-state document of one session. It is always
// persisted as a whole.
type Blackboard struct {
	SessionID       string     `json:"session_id"`
	Stage           StageState `json:"stage"`
	Psychology      Psychology `json:"psychology"`
	LastIntent      string     `json:"last_intent,omitempty"`
	DecisionTrace   []Decision `json:"decision_trace"`
	ActiveEvidence  []string   `json:"active_evidence"`
	ComplianceFlags []string   `json:"compliance_flags"`
	PendingActions  []string   `json:"pending_actions"`
	Version         int64      `json:"version"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// New returns the initial blackboard of a session.
func New(session string) *Blackboard {
	return &Blackboard{
		SessionID: session,
		Stage:     StageState{Current: stage.Opening, Confidence: 0.5},
		Psychology: Psychology{
			Trust:      0.5,
			Resistance: 0.3,
			Interest:   0.5,
			Confidence: 0.5,
		},
		DecisionTrace:   []Decision{},
		ActiveEvidence:  []string{},
		ComplianceFlags: []string{},
		PendingActions:  []string{},
	}
}

// FindDecision returns the trace entry with the given id.
func (b *Blackboard) FindDecision(id string) (Decision, bool) {
	for _, d := range b.DecisionTrace {
		if d.ID == id {
			return d, true
		}
	}
	return Decision{}, false
}

// LastDecision returns the most recent trace entry.
func (b *Blackboard) LastDecision() (Decision, bool) {
	if len(b.DecisionTrace) == 0 {
		return Decision{}, false
	}
	return b.DecisionTrace[len(b.DecisionTrace)-1], true
}
