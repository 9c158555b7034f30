package llm

import "context"

// Provider is the reasoning collaborator used by scoring and compression.
type Provider interface {
	// Chat sends the conversation and returns the assistant text.
	Chat(ctx context.Context, messages []Message, cfg ChatConfig) (string, error)
	// Name returns the name of this provider.
	Name() string
}
