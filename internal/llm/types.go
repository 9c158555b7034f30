package llm

// Role represents the role of a message sender in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role
	Content string
}

// ChatConfig carries per-call generation settings.
type ChatConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}
