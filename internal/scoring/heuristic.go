package scoring

import (
	"strings"
	"unicode"

	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

var stageKeywords = map[stage.Stage][]string{
	stage.Opening:             {"hello", "hi ", "nice to meet", "thanks for", "introduce"},
	stage.NeedsDiscovery:      {"need", "looking for", "problem", "challenge", "currently use", "pain"},
	stage.ProductIntroduction: {"feature", "product", "solution", "demo", "offer", "plan"},
	stage.ObjectionHandling:   {"too high", "expensive", "not sure", "concern", "worried", "competitor", "price", "value"},
	stage.Closing:             {"sign", "contract", "deal", "agree", "purchase", "buy", "next step"},
	stage.FollowUp:            {"follow up", "check in", "send over", "reminder", "call back"},
}

var decisionPatterns = []string{
	"price", "cost", "budget", "expensive", "cheap", "discount", "contract", "sign",
	"decide", "decision", "approve", "purchase", "buy", "quote", "terms",
}

// Strong patterns alone exceed the veto threshold.
var complianceStrong = []string{
	"guaranteed return", "guarantee", "risk-free", "risk free", "no risk", "100%",
	"insider", "kickback", "bribe", "off the record", "double your money",
}

var complianceWeak = []string{
	"promise", "definitely", "never lose", "always profit", "secret",
}

var reusablePatterns = []string{
	"my company", "our company", "we use", "our team", "i am", "i'm the", "budget is",
	"years", "employees", "based in", "our process", "we need",
}

var timelinessPatterns = []string{
	"today", "tomorrow", "now", "this week", "urgent", "asap", "deadline", "end of month", "end of quarter",
}

// Heuristic computes the six dimensions with deterministic keyword rules.
func Heuristic(in Input) Dimensions {
	text := strings.ToLower(in.UserInput + " " + in.Reply)

	var d Dimensions

	hits := countHits(text, stageKeywords[in.Stage])
	if in.Stage.Valid() {
		d.StageRelevance = 0.2 + 0.4*float64(hits)
	} else {
		d.StageRelevance = 0.2 * float64(hits)
	}

	d.DecisionPayload = 0.35 * float64(countHits(text, decisionPatterns))

	d.ComplianceRisk = 0.6*float64(countHits(text, complianceStrong)) + 0.3*float64(countHits(text, complianceWeak))

	d.ReusableValue = 0.25 * float64(countHits(strings.ToLower(in.UserInput), reusablePatterns))
	if strings.IndexFunc(in.UserInput, unicode.IsDigit) >= 0 {
		d.ReusableValue += 0.2
	}

	d.Novelty = novelty(in.UserInput, in.KnownFacts)

	d.Timeliness = 0.5 * float64(countHits(text, timelinessPatterns))

	return d.clamped()
}

func countHits(text string, patterns []string) int {
	n := 0
	for _, p := range patterns {
		if strings.Contains(text, p) {
			n++
		}
	}
	return n
}

// novelty is the share of significant words in input not already present in
// the known facts.
func novelty(input string, known map[string]string) float64 {
	words := significantWords(input)
	if len(words) == 0 {
		return 0
	}
	if len(known) == 0 {
		return 1
	}

	var b strings.Builder
	for k, v := range known {
		b.WriteString(strings.ToLower(k))
		b.WriteByte(' ')
		b.WriteString(strings.ToLower(v))
		b.WriteByte(' ')
	}
	corpus := b.String()

	fresh := 0
	for _, w := range words {
		if !strings.Contains(corpus, w) {
			fresh++
		}
	}
	return float64(fresh) / float64(len(words))
}

func significantWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 3 {
			out = append(out, f)
		}
	}
	return out
}

// ComplianceMatches returns the compliance-sensitive phrases found in text,
// strongest first.
func ComplianceMatches(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, group := range [][]string{complianceStrong, complianceWeak} {
		for _, p := range group {
			if strings.Contains(lower, p) {
				out = append(out, p)
			}
		}
	}
	return out
}
