// Package resume implements the resume/kill pipeline: reviving an
// AgentSession whose window has closed by spawning a fresh tmux window
// running the agent CLI's own "resume this session" invocation, then
// waiting for the matcher to re-correlate it. Grounded on the teacher's
// Manager.Restart (internal/session/manager.go): restarting-flag guard
// against concurrent restarts, tool-args templating, cleanup-before-retry.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

// Error codes surfaced to the connection hub over session-resume-result.
const (
	ErrNotFound      = "NOT_FOUND"
	ErrAlreadyActive = "ALREADY_ACTIVE"
	ErrResumeFailed  = "RESUME_FAILED"
	// ErrResurrectionFailed marks the narrower case where a fresh window
	// was actually spawned for the resume attempt but never correlated
	// (or vanished right after), so it had to be orphaned again — as
	// opposed to ErrResumeFailed's broader "never got a window at all"
	// failures (bad template, NewWindow itself erroring). The hub emits
	// session-resurrection-failed in addition to session-resume-result
	// for this code.
	ErrResurrectionFailed = "RESURRECTION_FAILED"
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// CommandTemplates holds the resume-invocation template per agent type,
// with "{sessionId}" substituted at resume time. Configured from
// CLAUDE_RESUME_CMD / CODEX_RESUME_CMD.
type CommandTemplates struct {
	Claude string
	Codex  string
}

func DefaultCommandTemplates() CommandTemplates {
	return CommandTemplates{
		Claude: "claude --resume {sessionId}",
		Codex:  "codex resume {sessionId}",
	}
}

func (t CommandTemplates) render(agentType, sessionID string) (string, error) {
	var tmpl string
	switch agentType {
	case "claude":
		tmpl = t.Claude
	case "codex":
		tmpl = t.Codex
	default:
		return "", fmt.Errorf("unknown agent type %q", agentType)
	}
	return strings.ReplaceAll(tmpl, "{sessionId}", sessionID), nil
}

// Matcher is the subset of registry functionality resume needs: a way to
// ask whether a new window has been correlated to a sessionID yet. The
// registry implements this directly; tests use a fake.
type Matcher interface {
	CorrelatedWindow(sessionID string) (target string, ok bool)
}

type Manager struct {
	db        *store.Store
	adapter   tmux.Adapter
	templates CommandTemplates
	matcher   Matcher
	session   string // managed tmux session name new windows are created in
	waitFor   time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	restarting map[string]bool
}

func New(db *store.Store, adapter tmux.Adapter, matcher Matcher, templates CommandTemplates, managedSession string, logger *slog.Logger) *Manager {
	return &Manager{
		db:         db,
		adapter:    adapter,
		templates:  templates,
		matcher:    matcher,
		session:    managedSession,
		waitFor:    8 * time.Second,
		logger:     logger,
		restarting: make(map[string]bool),
	}
}

// ManagedSession reports the tmux session name new windows are created
// in, for callers (the MCP control surface) that need to spawn a window
// without going through Resume.
func (m *Manager) ManagedSession() string {
	return m.session
}

// Resume runs the full pipeline described in spec.md §4.10. It always
// returns either a refreshed AgentSession or a typed *Error.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*store.AgentSession, error) {
	if !m.beginRestart(sessionID) {
		return nil, &Error{Code: ErrAlreadyActive, Message: "resume already in progress for this session"}
	}
	defer m.endRestart(sessionID)

	agent, err := m.db.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, &Error{Code: ErrResumeFailed, Message: err.Error()}
	}
	if agent == nil {
		return nil, &Error{Code: ErrNotFound, Message: "no such session"}
	}
	if agent.CurrentWindow != nil {
		return nil, &Error{Code: ErrAlreadyActive, Message: "session already has an active window"}
	}

	command, err := m.templates.render(agent.AgentType, sessionID)
	if err != nil {
		return nil, &Error{Code: ErrResumeFailed, Message: err.Error()}
	}

	target, err := m.adapter.NewWindow(ctx, m.session, agent.ProjectPath, command)
	if err != nil {
		_ = m.db.OrphanSession(ctx, sessionID)
		return nil, &Error{Code: ErrResumeFailed, Message: err.Error()}
	}

	if !m.awaitCorrelation(ctx, sessionID, target) {
		_ = m.db.OrphanSession(ctx, sessionID)
		return nil, &Error{Code: ErrResurrectionFailed, Message: "timed out waiting for the resumed session to correlate with its log"}
	}

	refreshed, err := m.db.GetSessionByID(ctx, sessionID)
	if err != nil || refreshed == nil {
		_ = m.db.OrphanSession(ctx, sessionID)
		return nil, &Error{Code: ErrResurrectionFailed, Message: "session vanished after resume"}
	}
	return refreshed, nil
}

// awaitCorrelation polls the matcher's latest pairing for up to
// m.waitFor, since the next registry tick (not this call) is what
// actually performs correlation.
func (m *Manager) awaitCorrelation(ctx context.Context, sessionID, expectedTarget string) bool {
	deadline := time.Now().Add(m.waitFor)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if target, ok := m.matcher.CorrelatedWindow(sessionID); ok {
			_ = expectedTarget // correlation may land on a renamed log's window, not necessarily the one we created
			_ = target
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return false
}

func (m *Manager) beginRestart(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restarting[sessionID] {
		return false
	}
	m.restarting[sessionID] = true
	return true
}

func (m *Manager) endRestart(sessionID string) {
	m.mu.Lock()
	delete(m.restarting, sessionID)
	m.mu.Unlock()
}

// Kill kills the tmux window backing sessionID. A missing window or a
// failed kill-window both surface as an error; the hub maps that to
// kill-failed rather than retrying automatically.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	agent, err := m.db.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if agent == nil {
		return errors.New("no such session")
	}
	if agent.CurrentWindow == nil {
		return errors.New("session has no active window")
	}
	return m.adapter.KillWindow(ctx, *agent.CurrentWindow)
}
