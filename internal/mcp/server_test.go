package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/turnkeeper/internal/assembly"
	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
	"github.com/ziadkadry99/turnkeeper/internal/compression"
	"github.com/ziadkadry99/turnkeeper/internal/scoring"
	"github.com/ziadkadry99/turnkeeper/internal/stage"
)

// mockStates implements StateReader for testing.
type mockStates struct {
	latest   map[string]changestream.State
	replayed map[string]changestream.State
	err      error
}

func (m *mockStates) Latest(_ context.Context, session string) (changestream.State, bool, error) {
	st, ok := m.latest[session]
	return st, ok, m.err
}

func (m *mockStates) Replay(_ context.Context, session string) (changestream.State, bool, error) {
	st, ok := m.replayed[session]
	return st, ok, m.err
}

// mockBoards implements BoardReader for testing.
type mockBoards struct {
	boards map[string]*blackboard.Blackboard
}

func (m *mockBoards) Get(_ context.Context, session string) (*blackboard.Blackboard, error) {
	if b, ok := m.boards[session]; ok {
		return b, nil
	}
	return blackboard.New(session), nil
}

// mockViews implements ContextViewer for testing.
type mockViews struct {
	views map[string]assembly.View
}

func (m *mockViews) ContextView(_ context.Context, session, _ string) assembly.View {
	return m.views[session]
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want mcp.TextContent", result.Content[0])
	}
	return tc.Text
}

func newTestServer() *Server {
	states := &mockStates{
		latest: map[string]changestream.State{
			"s1": {
				SessionID:  "s1",
				TurnNumber: 4,
				TurnID:     "t4",
				Stage:      stage.ObjectionHandling,
				Narrative:  "Client worries about fees.",
				Facts: compression.StructuredFacts{
					Stage:          stage.ObjectionHandling,
					ClientProfile:  map[string]string{"occupation": "teacher", "age": "42"},
					NextBestAction: "explain fee structure",
				},
				Scores:      scoring.Scores{Final: 0.8, Persistent: true},
				PublishedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
		replayed: map[string]changestream.State{
			"s1": {SessionID: "s1", TurnNumber: 5, Stage: stage.Closing},
		},
	}

	b := blackboard.New("s1")
	b.LastIntent = "objection"
	for i := 1; i <= 7; i++ {
		b.DecisionTrace = append(b.DecisionTrace, blackboard.Decision{
			ID:         "d" + string(rune('0'+i)),
			TurnNumber: i,
			Intent:     "probe",
			Compliance: blackboard.CompliancePass,
		})
	}
	boards := &mockBoards{boards: map[string]*blackboard.Blackboard{"s1": b}}

	views := &mockViews{views: map[string]assembly.View{
		"s1": {
			Items: []assembly.Item{
				{Kind: assembly.KindSummary, Content: "Client worries about fees.", Value: 1, Weight: 6},
				{Kind: assembly.KindRecent, Content: "user: is there a fee?", Value: 0.7, Weight: 5, TurnNumber: 4},
			},
			TotalWeight: 11,
			Budget:      1000,
		},
	}}

	return NewServer(states, boards, views)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name     string
		tool     mcp.Tool
		wantName string
	}{
		{"get_session_state", getSessionStateTool, "get_session_state"},
		{"get_blackboard", getBlackboardTool, "get_blackboard"},
		{"get_context_view", getContextViewTool, "get_context_view"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.tool.Name != tt.wantName {
				t.Errorf("tool name = %q, want %q", tt.tool.Name, tt.wantName)
			}
			if tt.tool.Description == "" {
				t.Error("tool description should not be empty")
			}
		})
	}
}

func TestNewServer(t *testing.T) {
	srv := newTestServer()
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
	if srv.mcp == nil {
		t.Fatal("MCP server not initialized")
	}
}

func TestHandleGetSessionState(t *testing.T) {
	srv := newTestServer()
	ctx := context.Background()

	t.Run("latest", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s1"}

		result, err := srv.handleGetSessionState(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.IsError {
			t.Fatalf("unexpected tool error: %v", result.Content)
		}
		text := resultText(t, result)
		for _, want := range []string{"Turn: 4", "Stage: OBJECTION_HANDLING", "(persistent)", "- age: 42\n- occupation: teacher", "explain fee structure"} {
			if !strings.Contains(text, want) {
				t.Errorf("state text missing %q:\n%s", want, text)
			}
		}
	})

	t.Run("replay", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s1", "replay": true}

		result, err := srv.handleGetSessionState(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if text := resultText(t, result); !strings.Contains(text, "Turn: 5") {
			t.Errorf("expected replayed turn 5, got:\n%s", text)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "nope"}

		result, err := srv.handleGetSessionState(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for unknown session")
		}
	})

	t.Run("missing session_id", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{}

		result, err := srv.handleGetSessionState(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for missing session_id")
		}
	})

	t.Run("store failure", func(t *testing.T) {
		failing := NewServer(&mockStates{err: errors.New("connection refused")}, &mockBoards{}, &mockViews{})
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s1"}

		result, err := failing.handleGetSessionState(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected tool error on store failure")
		}
	})
}

func TestHandleGetBlackboard(t *testing.T) {
	srv := newTestServer()
	ctx := context.Background()

	t.Run("default decision limit", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s1"}

		result, err := srv.handleGetBlackboard(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		text := resultText(t, result)
		if !strings.Contains(text, "Decisions (5 of 7)") {
			t.Errorf("expected the last 5 decisions, got:\n%s", text)
		}
		if strings.Contains(text, "turn 2 ") {
			t.Errorf("turn 2 should be trimmed:\n%s", text)
		}
		if !strings.Contains(text, "Last intent: objection") {
			t.Errorf("missing last intent:\n%s", text)
		}
	})

	t.Run("all decisions", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s1", "decisions": float64(0)}

		result, err := srv.handleGetBlackboard(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if text := resultText(t, result); !strings.Contains(text, "Decisions (7 of 7)") {
			t.Errorf("expected all decisions, got:\n%s", text)
		}
	})

	t.Run("fresh session", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s2"}

		result, err := srv.handleGetBlackboard(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.IsError {
			t.Fatalf("unexpected tool error: %v", result.Content)
		}
		if text := resultText(t, result); strings.Contains(text, "Decisions") {
			t.Errorf("fresh blackboard should have no decisions:\n%s", text)
		}
	})
}

func TestHandleGetContextView(t *testing.T) {
	srv := newTestServer()
	ctx := context.Background()

	t.Run("assembled view", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s1", "user_id": "u1"}

		result, err := srv.handleGetContextView(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		text := resultText(t, result)
		if !strings.Contains(text, "2 item(s), weight 11 of 1000") {
			t.Errorf("unexpected header:\n%s", text)
		}
		if !strings.Contains(text, "[s1]") || !strings.Contains(text, "is there a fee?") {
			t.Errorf("missing items:\n%s", text)
		}
	})

	t.Run("empty view", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s2", "user_id": "u1"}

		result, err := srv.handleGetContextView(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.IsError {
			t.Error("an empty view should not be an error")
		}
	})

	t.Run("missing user_id", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"session_id": "s1"}

		result, err := srv.handleGetContextView(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Error("expected error for missing user_id")
		}
	})
}
