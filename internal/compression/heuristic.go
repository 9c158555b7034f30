package compression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ziadkadry99/turnkeeper/internal/scoring"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

type objectionRule struct {
	kind     string
	patterns []string
}

// Evaluated in order; the first match wins for a message.
var objectionRules = []objectionRule{
	{"price", []string{"price", "too high", "expensive", "cost", "can't afford", "budget is tight", "cheaper"}},
	{"timing", []string{"not now", "later", "next quarter", "next year", "bad time", "not the right time"}},
	{"authority", []string{"my boss", "need approval", "not my decision", "decision maker", "check with"}},
	{"competitor", []string{"competitor", "already use", "other vendor", "another provider"}},
	{"need", []string{"don't need", "not necessary", "no need", "not a priority"}},
	{"trust", []string{"not sure", "skeptical", "doubt", "don't trust", "sounds too good"}},
}

var resolutionCues = []string{
	"makes sense", "sounds good", "that works", "fair enough", "agreed", "i agree", "okay let's", "ok let's", "convinced",
}

var nextActions = map[string]string{
	"price":      "Reframe around value and quantify the return before discussing discounts",
	"timing":     "Establish the cost of waiting and agree on a concrete follow-up date",
	"authority":  "Identify the decision maker and offer material for the internal pitch",
	"competitor": "Differentiate against the current vendor on the customer's stated needs",
	"need":       "Return to discovery and surface the underlying problem",
	"trust":      "Offer references or a proof point addressing the specific doubt",
}

var stageActions = map[stage.Stage]string{
	stage.Opening:             "Build rapport and ask an open discovery question",
	stage.NeedsDiscovery:      "Probe for pain points, budget and timeline",
	stage.ProductIntroduction: "Map product capabilities to the needs raised",
	stage.ObjectionHandling:   "Acknowledge the concern and ask what would resolve it",
	stage.Closing:             "Summarize agreed value and propose the next commitment",
	stage.FollowUp:            "Confirm next steps and schedule the follow-up",
}

var stageCues = []struct {
	stage    stage.Stage
	patterns []string
}{
	{stage.Closing, []string{"sign", "contract", "purchase order", "let's proceed", "move forward"}},
	{stage.FollowUp, []string{"follow up", "check in", "send over", "reminder"}},
	{stage.ObjectionHandling, []string{"too high", "expensive", "not sure", "concern", "worried"}},
	{stage.ProductIntroduction, []string{"feature", "demo", "our product", "our solution"}},
	{stage.NeedsDiscovery, []string{"challenge", "problem", "looking for", "currently use"}},
}

var profilePatterns = []struct {
	key string
	re  *regexp.Regexp
}{
	{"budget", regexp.MustCompile(`(?i)budget (?:is|of|around) (\$?[\d][\d,.]*\s*[kKmM]?)`)},
	{"team_size", regexp.MustCompile(`(?i)(\d+)\s+(?:employees|people|users|seats|staff)`)},
	{"company", regexp.MustCompile(`(?i:work (?:at|for)|our company is|i'm from|we are) ([A-Z][\w&-]+)`)},
	{"role", regexp.MustCompile(`(?i)\bI(?:'m| am) (?:the |a |an )?(\w+(?: \w+)?) (?:at|of|for|in)\b`)},
	{"timeline", regexp.MustCompile(`(?i)\bby (next \w+|end of \w+|q[1-4]|tomorrow|friday|monday)`)},
	{"current_vendor", regexp.MustCompile(`(?i)(?:already use|currently use|using) ([A-Z]\w+)`)},
}

// heuristicFacts extracts facts with deterministic keyword and pattern rules.
func heuristicFacts(in Input) (StructuredFacts, []string) {
	facts := StructuredFacts{
		Stage:          inferStage(in),
		ClientProfile:  map[string]string{},
		ObjectionState: map[string]string{},
	}

	if in.PreviousFacts != nil {
		for k, v := range in.PreviousFacts.ClientProfile {
			facts.ClientProfile[k] = v
		}
	}

	for _, m := range in.History {
		for _, p := range profilePatterns {
			if match := p.re.FindStringSubmatch(m.Content); match != nil {
				facts.ClientProfile[p.key] = strings.TrimSpace(match[1])
			}
		}
	}

	if kind, resolved, ok := detectObjection(in.History); ok {
		status := "unresolved"
		if resolved {
			status = "resolved"
		}
		facts.ObjectionState["type"] = kind
		facts.ObjectionState["status"] = status
	} else if in.PreviousFacts != nil {
		for k, v := range in.PreviousFacts.ObjectionState {
			facts.ObjectionState[k] = v
		}
	}

	var hits []string
	for _, m := range latestExchange(in.History) {
		for _, phrase := range scoring.ComplianceMatches(m.Content) {
			hits = append(hits, fmt.Sprintf("%s said %q", m.Role, phrase))
		}
	}
	facts.ComplianceLog = hits

	facts.NextBestAction = nextBestAction(facts)
	return facts, hits
}

// latestExchange returns the messages from the last user message on. Earlier
// messages were judged when their own turn was compressed.
func latestExchange(history []Message) []Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i:]
		}
	}
	return history
}

func inferStage(in Input) stage.Stage {
	if in.CurrentStage.Valid() {
		return in.CurrentStage
	}
	for i := len(in.History) - 1; i >= 0; i-- {
		lower := strings.ToLower(in.History[i].Content)
		for _, c := range stageCues {
			for _, p := range c.patterns {
				if strings.Contains(lower, p) {
					return c.stage
				}
			}
		}
	}
	if in.PreviousStage.Valid() {
		return in.PreviousStage
	}
	return stage.Opening
}

// detectObjection finds the most recent objection in history and whether a
// later message resolved it.
func detectObjection(history []Message) (kind string, resolved, ok bool) {
	at := -1
	for i := len(history) - 1; i >= 0 && at < 0; i-- {
		lower := strings.ToLower(history[i].Content)
		for _, r := range objectionRules {
			if containsAny(lower, r.patterns) {
				kind, at = r.kind, i
				break
			}
		}
	}
	if at < 0 {
		return "", false, false
	}
	for _, m := range history[at+1:] {
		if containsAny(strings.ToLower(m.Content), resolutionCues) {
			resolved = true
		}
	}
	return kind, resolved, true
}

func nextBestAction(f StructuredFacts) string {
	if len(f.ComplianceLog) > 0 {
		return "Correct the non-compliant statement before continuing"
	}
	if f.ObjectionState["status"] == "unresolved" {
		if a, ok := nextActions[f.ObjectionState["type"]]; ok {
			return a
		}
	}
	return stageActions[f.Stage]
}

// heuristicNarrative lists the most salient facts first so that truncation
// to the budget keeps what matters.
func heuristicNarrative(f StructuredFacts, history []Message) string {
	var parts []string
	if t, ok := f.ObjectionState["type"]; ok {
		parts = append(parts, fmt.Sprintf("%s objection %s.", t, f.ObjectionState["status"]))
	}
	for _, k := range sortedKeys(f.ClientProfile) {
		parts = append(parts, fmt.Sprintf("%s: %s.", k, f.ClientProfile[k]))
	}
	parts = append(parts, fmt.Sprintf("Stage %s.", f.Stage))
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			parts = append(parts, fmt.Sprintf("Last said: %s", history[i].Content))
			break
		}
	}
	return strings.Join(parts, " ")
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
