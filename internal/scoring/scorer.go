// Package scoring rates how important a conversational turn is to remember.
package scoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/turnkeeper/internal/llm"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// Input is one turn to be scored.
type Input struct {
	UserInput  string
	Reply      string
	Stage      stage.Stage
	KnownFacts map[string]string
}

// Scorer computes importance scores, preferring the reasoning provider and
// falling back to Heuristic when it is absent or misbehaves.
type Scorer struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
	log      *zap.Logger
}

// NewScorer creates a scorer. provider may be nil, in which case only the
// heuristic path is used.
func NewScorer(provider llm.Provider, model string, timeout time.Duration, log *zap.Logger) *Scorer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scorer{provider: provider, model: model, timeout: timeout, log: log}
}

// Score rates the turn. It never fails.
func (s *Scorer) Score(ctx context.Context, in Input) Scores {
	if s.provider != nil {
		d, err := s.scoreWithProvider(ctx, in)
		if err == nil {
			out := Combine(d)
			out.Source = SourceLLM
			return out
		}
		s.log.Warn("scoring provider failed, using heuristics",
			zap.String("provider", s.provider.Name()), zap.Error(err))
	}

	out := Combine(Heuristic(in))
	out.Source = SourceHeuristic
	return out
}

func (s *Scorer) scoreWithProvider(ctx context.Context, in Input) (Dimensions, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	content, err := s.provider.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: scoringSystemPrompt},
		{Role: llm.RoleUser, Content: buildScoringPrompt(in)},
	}, llm.ChatConfig{
		Model:       s.model,
		MaxTokens:   256,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return Dimensions{}, fmt.Errorf("scoring completion: %w", err)
	}

	var d Dimensions
	if err := llm.ExtractJSON(content, &d); err != nil {
		return Dimensions{}, err
	}
	return d, nil
}

func buildScoringPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", in.Stage)
	fmt.Fprintf(&b, "Salesperson: %s\n", in.UserInput)
	fmt.Fprintf(&b, "Customer: %s\n", in.Reply)

	if len(in.KnownFacts) > 0 {
		keys := make([]string, 0, len(in.KnownFacts))
		for k := range in.KnownFacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nAlready known about the customer:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, in.KnownFacts[k])
		}
	}
	return b.String()
}

const scoringSystemPrompt = `You rate how important one turn of a sales conversation is for long-term memory.

Return a JSON object with exactly these fields, each a number between 0 and 1:
{
  "stage_relevance": how much the turn matters for the current sales stage,
  "decision_payload": whether it carries price, budget, contract or buying-decision information,
  "compliance_risk": whether anything said could breach sales compliance (guarantees, misleading promises, improper inducements),
  "reusable_value": whether it reveals durable facts about the customer worth reusing later,
  "novelty": how much is new compared with what is already known,
  "timeliness": how time-sensitive the information is
}

Respond with the JSON object only.`
