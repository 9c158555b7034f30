package gateway

import (
	"github.com/ziadkadry99/turnkeeper/internal/reliability"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// clientMessage is any frame sent by the client.
type clientMessage struct {
	Type    string `json:"type"` // "message", "text", "ack" or "feedback"
	Content string `json:"content,omitempty"`
	TurnID  string `json:"turn_id,omitempty"`
	Turn    int    `json:"turn,omitempty"`

	Sequence int64 `json:"sequence,omitempty"`

	DecisionID string             `json:"decision_id,omitempty"`
	Reward     float64            `json:"reward,omitempty"`
	Signals    map[string]float64 `json:"signals,omitempty"`
}

type errorMessage struct {
	Type     string `json:"type"`
	Category string `json:"category"`
	Message  string `json:"message"`
	TurnID   string `json:"turn_id,omitempty"`
}

type conflictMessage struct {
	Type    string `json:"type"`
	TurnID  string `json:"turn_id"`
	Message string `json:"message"`
}

type feedbackAck struct {
	Type       string `json:"type"`
	OK         bool   `json:"ok"`
	DecisionID string `json:"decision_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type recoveredMessage struct {
	Type          string                     `json:"type"`
	SessionID     string                     `json:"session_id"`
	Stage         stage.Stage                `json:"stage"`
	Turn          int                        `json:"turn"`
	BlackboardKey string                     `json:"blackboard_key"`
	History       []reliability.HistoryEntry `json:"history"`
}
