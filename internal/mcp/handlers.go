package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/turnkeeper/internal/assembly"
	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
)

// handleGetSessionState returns the latest published state of a session.
func (s *Server) handleGetSessionState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	read := s.states.Latest
	if request.GetBool("replay", false) {
		read = s.states.Replay
	}
	st, ok, err := read(ctx, session)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reading session state: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("No state has been published for session %q yet.", session)), nil
	}

	return mcp.NewToolResultText(formatState(st)), nil
}

// handleGetBlackboard returns the session's blackboard.
func (s *Server) handleGetBlackboard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	limit := request.GetInt("decisions", 5)
	if limit < 0 {
		limit = 5
	}

	b, err := s.boards.Get(ctx, session)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reading blackboard: %v", err)), nil
	}

	return mcp.NewToolResultText(formatBlackboard(b, limit)), nil
}

// handleGetContextView returns the assembled context for the next turn.
func (s *Server) handleGetContextView(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	user, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user_id"), nil
	}

	view := s.views.ContextView(ctx, session, user)
	if len(view.Items) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Session %q has no context yet.", session)), nil
	}

	return mcp.NewToolResultText(formatView(view)), nil
}

func formatState(st changestream.State) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session: %s\n", st.SessionID))
	sb.WriteString(fmt.Sprintf("Turn: %d (%s)\n", st.TurnNumber, st.TurnID))
	sb.WriteString(fmt.Sprintf("Stage: %s\n", st.Stage))
	sb.WriteString(fmt.Sprintf("Blackboard version: %d\n", st.BlackboardVersion))
	sb.WriteString(fmt.Sprintf("Published: %s\n", st.PublishedAt.Format("2006-01-02 15:04:05 MST")))

	sb.WriteString(fmt.Sprintf("\nImportance: %.2f", st.Scores.Final))
	if st.Scores.Persistent {
		sb.WriteString(" (persistent)")
	}
	sb.WriteString("\n")

	if st.Narrative != "" {
		sb.WriteString("\n## Narrative\n\n")
		sb.WriteString(st.Narrative)
		sb.WriteString("\n")
	}

	f := st.Facts
	if len(f.ClientProfile) > 0 {
		sb.WriteString("\n## Client profile\n\n")
		writeMap(&sb, f.ClientProfile)
	}
	if len(f.ObjectionState) > 0 {
		sb.WriteString("\n## Objections\n\n")
		writeMap(&sb, f.ObjectionState)
	}
	if len(f.ComplianceLog) > 0 {
		sb.WriteString("\n## Compliance log\n\n")
		for _, c := range f.ComplianceLog {
			sb.WriteString("- " + c + "\n")
		}
	}
	if f.NextBestAction != "" {
		sb.WriteString(fmt.Sprintf("\nNext best action: %s\n", f.NextBestAction))
	}
	return sb.String()
}

func formatBlackboard(b *blackboard.Blackboard, limit int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session: %s (version %d)\n", b.SessionID, b.Version))
	sb.WriteString(fmt.Sprintf("Stage: %s", b.Stage.Current))
	if b.Stage.Previous != "" {
		sb.WriteString(fmt.Sprintf(" (from %s)", b.Stage.Previous))
	}
	sb.WriteString(fmt.Sprintf(", confidence %.2f\n", b.Stage.Confidence))
	if b.LastIntent != "" {
		sb.WriteString(fmt.Sprintf("Last intent: %s\n", b.LastIntent))
	}

	p := b.Psychology
	sb.WriteString(fmt.Sprintf("\nTrust %.2f, resistance %.2f, interest %.2f, confidence %.2f\n",
		p.Trust, p.Resistance, p.Interest, p.Confidence))

	if len(b.ComplianceFlags) > 0 {
		sb.WriteString("\nCompliance flags: " + strings.Join(b.ComplianceFlags, ", ") + "\n")
	}
	if len(b.PendingActions) > 0 {
		sb.WriteString("Pending actions: " + strings.Join(b.PendingActions, ", ") + "\n")
	}

	decisions := b.DecisionTrace
	if limit > 0 && len(decisions) > limit {
		decisions = decisions[len(decisions)-limit:]
	}
	if len(decisions) > 0 {
		sb.WriteString(fmt.Sprintf("\n## Decisions (%d of %d)\n\n", len(decisions), len(b.DecisionTrace)))
		for _, d := range decisions {
			sb.WriteString(fmt.Sprintf("- turn %d [%s] %s: %s\n", d.TurnNumber, d.Compliance, d.Intent, d.Reasoning))
		}
	}
	return sb.String()
}

func formatView(v assembly.View) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d item(s), weight %d of %d\n", len(v.Items), v.TotalWeight, v.Budget))
	for i, it := range v.Items {
		sb.WriteString(fmt.Sprintf("\n--- Item %d [%s] value %.2f, weight %d ---\n", i+1, it.Kind, it.Value, it.Weight))
		sb.WriteString(it.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeMap(sb *strings.Builder, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", k, m[k]))
	}
}
