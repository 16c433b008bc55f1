// Package mcpserver exposes the read-mostly half of the WebSocket
// protocol as MCP tools over stdio, so an external agent or IDE
// extension can drive agentboard without opening a browser tab.
// Grounded on other_examples' termtile MCP server (registerTools +
// one handler per tool, tracked state behind a mutex), adapted onto
// this module's registry/resume primitives instead of termtile's
// in-memory slot tracking.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentboard/agentboard/internal/registry"
	"github.com/agentboard/agentboard/internal/resume"
	"github.com/agentboard/agentboard/internal/tmux"
)

const (
	serverName    = "agentboard"
	serverVersion = "0.1.0"
)

// Server is the MCP tool surface. It holds no state of its own beyond
// its collaborators — every tool call reads through to the registry's
// live snapshot or issues a tmux/resume call directly.
type Server struct {
	mcp     *server.MCPServer
	reg     *registry.Registry
	adapter tmux.Adapter
	resume  *resume.Manager
	logger  *slog.Logger
}

// New builds the MCP server and registers its tool table. Call Run to
// serve it over stdio.
func New(reg *registry.Registry, adapter tmux.Adapter, resumeMgr *resume.Manager, logger *slog.Logger) *Server {
	s := &Server{
		mcp:     server.NewMCPServer(serverName, serverVersion),
		reg:     reg,
		adapter: adapter,
		resume:  resumeMgr,
		logger:  logger,
	}
	s.registerTools()
	return s
}

// Run serves the tool set over stdio, blocking until the stdio transport
// closes. ctx is not consulted: cancelling it does not stop Run.
func (s *Server) Run(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List every agent session agentboard currently tracks, with status, project path, and tmux target."),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get full detail for one agent session by its session ID."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session's ID as returned by list_sessions.")),
	), s.handleGetSession)

	s.mcp.AddTool(mcp.NewTool("session_preview",
		mcp.WithDescription("Capture a bounded tail of a session's current terminal output."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session's ID.")),
		mcp.WithNumber("lines", mcp.Description("Number of trailing lines to capture (default 50).")),
	), s.handleSessionPreview)

	s.mcp.AddTool(mcp.NewTool("send_input",
		mcp.WithDescription("Type text into a session's terminal followed by Enter, without attaching a browser terminal."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session's ID.")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The text to send.")),
	), s.handleSendInput)

	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Start a new agent session: spawns a tmux window in the managed session running command in projectPath."),
		mcp.WithString("project_path", mcp.Required(), mcp.Description("Working directory for the new window.")),
		mcp.WithString("command", mcp.Required(), mcp.Description("The command to run, e.g. 'claude' or 'codex'.")),
	), s.handleCreateSession)
}

func (s *Server) findSession(sessionID string) (registry.Session, bool) {
	for _, sess := range s.reg.Snapshot() {
		if sess.SessionID == sessionID {
			return sess, true
		}
	}
	return registry.Session{}, false
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.reg.Snapshot()
	if len(sessions) == 0 {
		return mcp.NewToolResultText("no sessions tracked"), nil
	}
	text := ""
	for _, sess := range sessions {
		name := sess.SessionID
		path := ""
		if sess.Agent != nil {
			if sess.Agent.DisplayName != "" {
				name = sess.Agent.DisplayName
			}
			path = sess.Agent.ProjectPath
		}
		text += fmt.Sprintf("%s\tstatus=%s\ttarget=%s\tpath=%s\n", name, sess.Status, sess.TmuxTarget, path)
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, ok := s.findSession(sessionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no session %q tracked", sessionID)), nil
	}
	text := fmt.Sprintf("sessionId=%s status=%s target=%s", sess.SessionID, sess.Status, sess.TmuxTarget)
	if sess.Agent != nil {
		text += fmt.Sprintf(" projectPath=%s agentType=%s displayName=%s pinned=%t",
			sess.Agent.ProjectPath, sess.Agent.AgentType, sess.Agent.DisplayName, sess.Agent.IsPinned)
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleSessionPreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lines := req.GetInt("lines", 50)
	sess, ok := s.findSession(sessionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no session %q tracked", sessionID)), nil
	}
	if sess.TmuxTarget == "" {
		return mcp.NewToolResultError("session has no active tmux window"), nil
	}
	out, err := s.adapter.CapturePane(ctx, sess.TmuxTarget, lines)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleSendInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, ok := s.findSession(sessionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no session %q tracked", sessionID)), nil
	}
	if sess.TmuxTarget == "" {
		return mcp.NewToolResultError("session has no active tmux window"), nil
	}
	if err := s.adapter.SendKeys(ctx, sess.TmuxTarget, text); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("sent"), nil
}

func (s *Server) handleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectPath, err := req.RequireString("project_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := s.adapter.NewWindow(ctx, s.resume.ManagedSession(), projectPath, command)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created window %s; the session will appear in list_sessions once the registry correlates its log file", target)), nil
}
