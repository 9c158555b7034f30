package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ziadkadry99/turnkeeper/internal/llm"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// refusalMarkers identify a provider refusing on policy grounds.
var refusalMarkers = []string{"content policy", "i can't help with that", "i cannot help with that"}

// LLMOrchestrator plays the customer with the reasoning provider.
type LLMOrchestrator struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
}

// NewLLMOrchestrator creates an orchestrator backed by provider.
func NewLLMOrchestrator(provider llm.Provider, model string, timeout time.Duration) *LLMOrchestrator {
	return &LLMOrchestrator{provider: provider, model: model, timeout: timeout}
}

type npcResponse struct {
	Reply        string  `json:"reply"`
	MoodEstimate float64 `json:"mood_estimate"`
	Stage        string  `json:"stage"`
}

// Generate asks the provider for the customer's reply. A response that is
// not the requested JSON is used verbatim as the reply.
func (o *LLMOrchestrator) Generate(ctx context.Context, req Request) (*Response, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	content, err := o.provider.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: npcSystemPrompt},
		{Role: llm.RoleUser, Content: buildNPCPrompt(req)},
	}, llm.ChatConfig{
		Model:       o.model,
		MaxTokens:   512,
		Temperature: 0.7,
		JSONMode:    true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generating reply: %w", ctx.Err())
		}
		return nil, fmt.Errorf("generating reply: %w", err)
	}

	lower := strings.ToLower(content)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			return nil, ErrPolicyBlocked
		}
	}

	out := &Response{Stage: req.Stage, LatencyEstimate: time.Since(start).Seconds()}
	var parsed npcResponse
	if err := llm.ExtractJSON(content, &parsed); err != nil || parsed.Reply == "" {
		out.Reply = strings.TrimSpace(content)
		return out, nil
	}

	out.Reply = parsed.Reply
	out.MoodEstimate = parsed.MoodEstimate
	if st, ok := stage.Parse(parsed.Stage); ok {
		out.Stage = st
	}
	return out, nil
}

func buildNPCPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Turn %d, stage %s.\n", req.TurnNumber, req.Stage)
	if req.Context != "" {
		b.WriteString("\nWhat you remember:\n")
		b.WriteString(req.Context)
	}
	fmt.Fprintf(&b, "\nSalesperson says: %s\n", req.UserMessage)
	return b.String()
}

const npcSystemPrompt = `You play a realistic B2B customer in a sales training role-play. Stay in character, raise objections when the salesperson is vague, and warm up when they address your needs.

Return a JSON object:
{
  "reply": "what the customer says next",
  "mood_estimate": number from -1 (hostile) to 1 (warm),
  "stage": one of OPENING, NEEDS_DISCOVERY, PRODUCT_INTRODUCTION, OBJECTION_HANDLING, CLOSING, FOLLOW_UP
}

Respond with the JSON object only.`
