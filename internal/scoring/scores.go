package scoring

// Dimension weights of the final score.
const (
	WeightStageRelevance  = 0.25
	WeightDecisionPayload = 0.30
	WeightComplianceRisk  = 0.20
	WeightReusableValue   = 0.15
	WeightNovelty         = 0.05
	WeightTimeliness      = 0.05
)

const (
	// ComplianceVetoThreshold is the compliance risk above which a turn is
	// always persisted with the maximum score.
	ComplianceVetoThreshold = 0.5
	// PersistThreshold is the weighted score from which a turn is persisted.
	PersistThreshold = 0.75
)

// Source records which path produced a score or compression.
type Source string

const (
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
)

// Dimensions are the six independently computed signals, each in [0,1].
type Dimensions struct {
	StageRelevance  float64 `json:"stage_relevance"`
	DecisionPayload float64 `json:"decision_payload"`
	ComplianceRisk  float64 `json:"compliance_risk"`
	ReusableValue   float64 `json:"reusable_value"`
	Novelty         float64 `json:"novelty"`
	Timeliness      float64 `json:"timeliness"`
}

// Scores is the importance assessment of one turn.
type Scores struct {
	Dimensions
	Final      float64 `json:"final"`
	Persistent bool    `json:"persistent"`
	Source     Source  `json:"source"`
}

// Combine clamps d and folds it into Scores. A compliance risk above
// ComplianceVetoThreshold forces Final to 1.0 and Persistent to true
// whatever the weighted sum says.
func Combine(d Dimensions) Scores {
	d = d.clamped()
	weighted := d.StageRelevance*WeightStageRelevance +
		d.DecisionPayload*WeightDecisionPayload +
		d.ComplianceRisk*WeightComplianceRisk +
		d.ReusableValue*WeightReusableValue +
		d.Novelty*WeightNovelty +
		d.Timeliness*WeightTimeliness

	s := Scores{Dimensions: d, Final: weighted, Persistent: weighted >= PersistThreshold}
	if d.ComplianceRisk > ComplianceVetoThreshold {
		s.Final = 1.0
		s.Persistent = true
	}
	return s
}

func (d Dimensions) clamped() Dimensions {
	return Dimensions{
		StageRelevance:  clamp01(d.StageRelevance),
		DecisionPayload: clamp01(d.DecisionPayload),
		ComplianceRisk:  clamp01(d.ComplianceRisk),
		ReusableValue:   clamp01(d.ReusableValue),
		Novelty:         clamp01(d.Novelty),
		Timeliness:      clamp01(d.Timeliness),
	}
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
