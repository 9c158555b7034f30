package compression

import "github.com/ziadkadry99/turnkeeper/internal/stage"

// Speaker roles in a history window.
const (
	RoleUser = "user"
	RoleNPC  = "npc"
)

// Message is one utterance of the history window, oldest first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StageTransition records a stage change between two turns.
type StageTransition struct {
	From stage.Stage `json:"from"`
	To   stage.Stage `json:"to"`
	Jump bool        `json:"jump"`
}

// ActionableDelta is what changed relative to the previous turn's facts.
type ActionableDelta struct {
	ChangedProfileKeys   []string         `json:"changed_profile_keys,omitempty"`
	ChangedObjectionKeys []string         `json:"changed_objection_keys,omitempty"`
	StageTransition      *StageTransition `json:"stage_transition,omitempty"`
}

// Empty reports whether nothing changed.
func (d ActionableDelta) Empty() bool {
	return len(d.ChangedProfileKeys) == 0 && len(d.ChangedObjectionKeys) == 0 && d.StageTransition == nil
}

// StructuredFacts are the facts extracted from a history window. A value is
// produced fresh for every turn and never mutated afterwards.
type StructuredFacts struct {
	Stage          stage.Stage       `json:"stage"`
	ClientProfile  map[string]string `json:"client_profile,omitempty"`
	ObjectionState map[string]string `json:"objection_state,omitempty"`
	ComplianceLog  []string          `json:"compliance_log,omitempty"`
	NextBestAction string            `json:"next_best_action,omitempty"`
	Delta          ActionableDelta   `json:"actionable_delta"`
}

// Source records which path produced a result.
type Source string

const (
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
)

// Input is a compression request.
type Input struct {
	History       []Message
	CurrentStage  stage.Stage
	PreviousStage stage.Stage
	PreviousFacts *StructuredFacts
}

// Result is the output of one compression.
type Result struct {
	Facts         StructuredFacts `json:"facts"`
	Narrative     string          `json:"narrative"`
	ComplianceHit bool            `json:"compliance_hit"`
	Source        Source          `json:"source"`
}
