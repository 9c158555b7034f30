package memory

import (
	"time"

	"github.com/ziadkadry99/turnkeeper/internal/compression"
	"github.com/ziadkadry99/turnkeeper/internal/scoring"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// Entry is one raw turn in the S0 buffer.
type Entry struct {
	TurnNumber int         `json:"turn_number"`
	TurnID     string      `json:"turn_id"`
	UserInput  string      `json:"user_input"`
	Reply      string      `json:"reply"`
	Stage      stage.Stage `json:"stage"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Summary is the S1 session summary. It is replaced wholesale every turn.
type Summary struct {
	TurnNumber int                         `json:"turn_number"`
	TurnID     string                      `json:"turn_id"`
	Facts      compression.StructuredFacts `json:"facts"`
	Narrative  string                      `json:"narrative"`
	Scores     scoring.Scores              `json:"scores"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// Key layout of the tiers.
func S0Key(session string) string { return "ctx:s0:" + session }
func S1Key(session string) string { return "ctx:s1:" + session }
func S2Key(user string) string    { return "ctx:s2:" + user }
func S3Key(tenant string) string  { return "ctx:s3:" + tenant }
