package blackboard

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// maxEvidence bounds ActiveEvidence; older items are dropped first.
const maxEvidence = 10

// TurnUpdate carries what one processed turn contributes to the estimate.
type TurnUpdate struct {
	TurnNumber      int
	Stage           stage.Stage
	UserInput       string
	Mood            float64 // -1 hostile .. 1 warm
	ObjectionStatus string
	ComplianceHit   bool
	ComplianceLog   []string
	NextAction      string
	Evidence        []string
	Reasoning       string
	At              time.Time
}

// Apply folds a processed turn into b and appends a decision with a fresh id,
// which it returns.
func (b *Blackboard) Apply(u TurnUpdate) Decision {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	if u.Stage.Valid() {
		if u.Stage != b.Stage.Current {
			b.Stage.Previous = b.Stage.Current
			b.Stage.Current = u.Stage
			b.Stage.TransitionedAt = u.At
			b.Stage.Confidence = 0.6
		} else {
			b.Stage.Confidence = clamp(b.Stage.Confidence + 0.1)
		}
	}

	p := &b.Psychology
	p.Trust = clamp(p.Trust + 0.1*u.Mood)
	p.Interest = clamp(p.Interest + 0.1*u.Mood)
	switch u.ObjectionStatus {
	case "unresolved":
		p.Resistance = clamp(p.Resistance + 0.15)
	case "resolved":
		p.Resistance = clamp(p.Resistance - 0.1)
		p.Trust = clamp(p.Trust + 0.05)
	}
	if u.ComplianceHit {
		p.Trust = clamp(p.Trust - 0.2)
	}
	p.Confidence = clamp((p.Trust + p.Interest + (1 - p.Resistance)) / 3)

	intent := DetectIntent(u.UserInput)
	b.LastIntent = intent

	compliance := CompliancePass
	if u.ComplianceHit {
		compliance = ComplianceBlock
		for _, flag := range u.ComplianceLog {
			if !containsString(b.ComplianceFlags, flag) {
				b.ComplianceFlags = append(b.ComplianceFlags, flag)
			}
		}
	}

	if len(u.Evidence) > 0 {
		b.ActiveEvidence = append(b.ActiveEvidence, u.Evidence...)
		if len(b.ActiveEvidence) > maxEvidence {
			b.ActiveEvidence = b.ActiveEvidence[len(b.ActiveEvidence)-maxEvidence:]
		}
	}

	b.PendingActions = b.PendingActions[:0]
	if u.NextAction != "" {
		b.PendingActions = append(b.PendingActions, u.NextAction)
	}

	d := Decision{
		ID:         uuid.NewString(),
		TurnNumber: u.TurnNumber,
		Intent:     intent,
		Compliance: compliance,
		Reasoning:  u.Reasoning,
		At:         u.At,
	}
	b.DecisionTrace = append(b.DecisionTrace, d)
	return d
}

var intentCues = []struct {
	intent   string
	patterns []string
}{
	{"commit", []string{"sign", "let's proceed", "move forward", "send the contract", "deal"}},
	{"objection", []string{"too high", "expensive", "not sure", "concern", "worried", "but "}},
	{"greeting", []string{"hello", "hi ", "good morning", "good afternoon", "nice to meet"}},
	{"pitch", []string{"our product", "our solution", "feature", "we offer", "we can"}},
}

// DetectIntent classifies a salesperson utterance with keyword cues.
func DetectIntent(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text)) + " "
	for _, c := range intentCues {
		for _, p := range c.patterns {
			if strings.Contains(lower, p) {
				return c.intent
			}
		}
	}
	if strings.Contains(lower, "?") {
		return "inquiry"
	}
	return "statement"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
