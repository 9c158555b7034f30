// Package mcp exposes read-only session inspection over the Model Context
// Protocol, so assistants and operators can look at a live session's
// published state, blackboard and assembled context.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ziadkadry99/turnkeeper/internal/assembly"
	"github.com/ziadkadry99/turnkeeper/internal/blackboard"
	"github.com/ziadkadry99/turnkeeper/internal/changestream"
)

// Version is set via ldflags at build time.
var Version = "dev"

// StateReader reads published session states.
type StateReader interface {
	Latest(ctx context.Context, session string) (changestream.State, bool, error)
	Replay(ctx context.Context, session string) (changestream.State, bool, error)
}

// BoardReader reads blackboards.
type BoardReader interface {
	Get(ctx context.Context, session string) (*blackboard.Blackboard, error)
}

// ContextViewer assembles the context a reply would be generated from.
type ContextViewer interface {
	ContextView(ctx context.Context, session, user string) assembly.View
}

// Server wraps an MCP server that exposes session inspection tools.
type Server struct {
	states StateReader
	boards BoardReader
	views  ContextViewer
	mcp    *server.MCPServer
}

// NewServer creates a new MCP server with the given dependencies.
func NewServer(states StateReader, boards BoardReader, views ContextViewer) *Server {
	s := &Server{
		states: states,
		boards: boards,
		views:  views,
	}

	s.mcp = server.NewMCPServer(
		"turnkeeper",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

// registerTools adds all tool definitions and their handlers to the MCP server.
func (s *Server) registerTools() {
	s.mcp.AddTool(getSessionStateTool, s.handleGetSessionState)
	s.mcp.AddTool(getBlackboardTool, s.handleGetBlackboard)
	s.mcp.AddTool(getContextViewTool, s.handleGetContextView)
}

// Serve starts the MCP server on stdio. Stdout is used for MCP protocol
// messages; all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
