// Package compression condenses a conversation window into structured facts,
// a bounded narrative and the delta against the previous turn.
package compression

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/llm"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// NarrativeRatio bounds the narrative relative to the source transcript.
const NarrativeRatio = 0.20

// Engine compresses history windows. The reasoning provider is consulted
// first; deterministic heuristics take over when it is absent or fails.
type Engine struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
	log      *zap.Logger
}

// NewEngine creates a compression engine. provider may be nil.
func NewEngine(provider llm.Provider, model string, timeout time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{provider: provider, model: model, timeout: timeout, log: log}
}

// Compress never fails; the heuristic path always yields a result.
func (e *Engine) Compress(ctx context.Context, in Input) Result {
	var (
		res Result
		ok  bool
	)
	if e.provider != nil {
		var err error
		res, err = e.compressWithProvider(ctx, in)
		if err != nil {
			e.log.Warn("compression provider failed, using heuristics",
				zap.String("provider", e.provider.Name()), zap.Error(err))
		} else {
			ok = true
		}
	}
	if !ok {
		res = e.compressHeuristic(in)
	}

	res.Facts.Delta = computeDelta(in, res.Facts)
	res.Narrative = boundNarrative(res.Narrative, in.History, res.ComplianceHit)
	if t := res.Facts.Delta.StageTransition; t != nil && t.Jump {
		res.Narrative = fmt.Sprintf("[stage jump: %s -> %s] %s", t.From, t.To, res.Narrative)
	}
	return res
}

func (e *Engine) compressHeuristic(in Input) Result {
	facts, hits := heuristicFacts(in)
	return Result{
		Facts:         facts,
		Narrative:     heuristicNarrative(facts, in.History),
		ComplianceHit: len(hits) > 0,
		Source:        SourceHeuristic,
	}
}

// extractionResponse is the JSON shape requested from the provider.
type extractionResponse struct {
	CurrentStage   string            `json:"current_stage"`
	ClientProfile  map[string]string `json:"client_profile"`
	ObjectionState map[string]string `json:"objection_state"`
	ComplianceLog  []string          `json:"compliance_log"`
	NextBestAction string            `json:"next_best_action"`
	Narrative      string            `json:"narrative"`
	ComplianceHit  bool              `json:"compliance_hit"`
}

func (e *Engine) compressWithProvider(ctx context.Context, in Input) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	content, err := e.provider.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: compressionSystemPrompt},
		{Role: llm.RoleUser, Content: buildCompressionPrompt(in)},
	}, llm.ChatConfig{
		Model:       e.model,
		MaxTokens:   1024,
		Temperature: 0.2,
		JSONMode:    true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("compression completion: %w", err)
	}

	var resp extractionResponse
	if err := llm.ExtractJSON(content, &resp); err != nil {
		return Result{}, err
	}

	st, ok := stage.Parse(resp.CurrentStage)
	if !ok {
		st = inferStage(in)
	}

	facts := StructuredFacts{
		Stage:          st,
		ClientProfile:  resp.ClientProfile,
		ObjectionState: resp.ObjectionState,
		ComplianceLog:  resp.ComplianceLog,
		NextBestAction: resp.NextBestAction,
	}
	if len(facts.ClientProfile) == 0 && in.PreviousFacts != nil {
		facts.ClientProfile = copyMap(in.PreviousFacts.ClientProfile)
	}

	// A deterministic hit is never overruled by the provider.
	_, hits := heuristicFacts(in)
	if len(hits) > 0 && len(facts.ComplianceLog) == 0 {
		facts.ComplianceLog = hits
	}

	return Result{
		Facts:         facts,
		Narrative:     resp.Narrative,
		ComplianceHit: resp.ComplianceHit || len(facts.ComplianceLog) > 0,
		Source:        SourceLLM,
	}, nil
}

func computeDelta(in Input, cur StructuredFacts) ActionableDelta {
	var prev StructuredFacts
	if in.PreviousFacts != nil {
		prev = *in.PreviousFacts
	}

	d := ActionableDelta{
		ChangedProfileKeys:   changedKeys(prev.ClientProfile, cur.ClientProfile),
		ChangedObjectionKeys: changedKeys(prev.ObjectionState, cur.ObjectionState),
	}

	from := in.PreviousStage
	if !from.Valid() {
		from = prev.Stage
	}
	if from.Valid() && cur.Stage.Valid() && from != cur.Stage {
		d.StageTransition = &StageTransition{From: from, To: cur.Stage, Jump: stage.IsJump(from, cur.Stage)}
	}
	return d
}

// changedKeys returns keys added, removed or modified between a and b.
func changedKeys(a, b map[string]string) []string {
	var out []string
	for k, v := range b {
		if old, ok := a[k]; !ok || old != v {
			out = append(out, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// boundNarrative keeps narrative within NarrativeRatio of the transcript
// length. With a compliance hit the full transcript is kept instead.
func boundNarrative(narrative string, history []Message, complianceHit bool) string {
	if complianceHit {
		return transcript(history)
	}

	source := 0
	for _, m := range history {
		source += utf8.RuneCountInString(m.Content)
	}
	limit := int(float64(source) * NarrativeRatio)
	return truncateRunes(strings.TrimSpace(narrative), limit)
}

// truncateRunes cuts s to at most limit runes, preferring a word boundary.
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

func transcript(history []Message) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func buildCompressionPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current stage: %s\nPrevious stage: %s\n", in.CurrentStage, in.PreviousStage)
	if in.PreviousFacts != nil {
		for _, k := range sortedKeys(in.PreviousFacts.ClientProfile) {
			fmt.Fprintf(&b, "Known profile %s: %s\n", k, in.PreviousFacts.ClientProfile[k])
		}
	}
	b.WriteString("\nConversation:\n")
	b.WriteString(transcript(in.History))
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

const compressionSystemPrompt = `You condense a sales role-play conversation between a salesperson ("user") and a simulated customer ("npc") into memory.

Return a JSON object:
{
  "current_stage": one of OPENING, NEEDS_DISCOVERY, PRODUCT_INTRODUCTION, OBJECTION_HANDLING, CLOSING, FOLLOW_UP,
  "client_profile": {"key": "value"} durable facts about the customer,
  "objection_state": {"type": "...", "status": "resolved|unresolved"} or {},
  "compliance_log": ["..."] statements in the latest exchange that may breach sales compliance,
  "next_best_action": "...",
  "narrative": "a very short summary of the conversation",
  "compliance_hit": true if anything from the latest exchange belongs in compliance_log
}

Respond with the JSON object only.`
