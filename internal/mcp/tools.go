package mcp

import "github.com/mark3labs/mcp-go/mcp"

// getSessionStateTool defines the get_session_state MCP tool.
var getSessionStateTool = mcp.NewTool("get_session_state",
	mcp.WithDescription("Get the latest published state of a session: stage, narrative, structured facts and importance scores."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
	mcp.WithBoolean("replay",
		mcp.Description("Reconstruct the state from the change stream instead of reading the latest pointer"),
	),
)

// getBlackboardTool defines the get_blackboard MCP tool.
var getBlackboardTool = mcp.NewTool("get_blackboard",
	mcp.WithDescription("Get the shared blackboard of a session, including the stage estimate, customer psychology and decision trace."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
	mcp.WithNumber("decisions",
		mcp.Description("Number of most recent decisions to include (default 5, 0 for all)"),
	),
)

// getContextViewTool defines the get_context_view MCP tool.
var getContextViewTool = mcp.NewTool("get_context_view",
	mcp.WithDescription("Get the budgeted context that would be handed to the reply generator for the next turn."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session identifier"),
	),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("User the session belongs to"),
	),
)
