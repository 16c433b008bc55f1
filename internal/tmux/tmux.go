// Package tmux adapts the tmux CLI into a typed, context-aware Go surface.
// Every operation maps to one tmux invocation (SendKeys uses two: the
// literal text, then Enter); callers (registry,
// matcher, proxy) are expected to invoke it from worker goroutines rather
// than a latency-sensitive hot path, since each call shells out.
package tmux

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Window mirrors one tmux window, whether it belongs to the managed
// session, a discovery-prefixed session, or a remote host.
type Window struct {
	Target         string // "session:index"
	SessionName    string
	Index          int
	Name           string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Source         string // "managed" | "external"
}

// Client is one attached tmux client, identified by its controlling tty.
type Client struct {
	TTY string
	PID int
}

// Adapter is the full read/write tmux surface. LocalAdapter (this package)
// and remote.Adapter (internal/remote) both implement it so the registry,
// matcher, and proxy are agnostic to where a session actually lives.
type Adapter interface {
	ListWindows(ctx context.Context, sessionFilter string) ([]Window, error)
	CapturePane(ctx context.Context, target string, lines int) (string, error)
	DisplayMessage(ctx context.Context, target, format string) (string, error)
	// CancelCopyMode exits copy-mode on target (tmux send-keys -X cancel),
	// a no-op if the pane isn't in copy-mode. Paired with DisplayMessage's
	// "#{pane_in_mode}" format for the tmux-check/cancel-copy-mode wire
	// messages, so a mobile client's scroll gesture can back out of
	// copy-mode without the user reaching for a keyboard shortcut.
	CancelCopyMode(ctx context.Context, target string) error
	NewWindow(ctx context.Context, session, cwd, command string) (string, error)
	KillWindow(ctx context.Context, target string) error
	RenameWindow(ctx context.Context, target, name string) error
	ResizeWindow(ctx context.Context, target string, cols, rows int) error
	SwitchClient(ctx context.Context, clientTTY, target string) error
	ListClients(ctx context.Context, session string) ([]Client, error)
	NewSession(ctx context.Context, name, cwd string) error
	// SendKeys types text literally into target followed by Enter, for
	// callers that need to inject input without an attached terminal
	// proxy (the MCP control surface's send_input tool).
	SendKeys(ctx context.Context, target, text string) error
	// NewGroupedSession creates name as a grouped session sharing
	// baseSession's windows (tmux new-session -t baseSession), used by the
	// PTY terminal-proxy variant so a helper client can switch between the
	// base session's windows without disturbing other attached clients.
	NewGroupedSession(ctx context.Context, name, baseSession string) error
	HasSession(ctx context.Context, name string) (bool, error)
	KillSession(ctx context.Context, name string) error
}

// Reader is the read-only subset the matcher is restricted to: it must
// never be able to mutate tmux state, only observe it.
type Reader interface {
	ListWindows(ctx context.Context, sessionFilter string) ([]Window, error)
	CapturePane(ctx context.Context, target string, lines int) (string, error)
}

// CommandError wraps a failed tmux invocation. LocalAdapter truncates
// Stderr to 500 bytes so a pathological tmux failure can't blow up a log
// line; the remote adapter stores it only whitespace-trimmed.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("tmux %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

const maxStderr = 500

func truncateStderr(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxStderr {
		return s[:maxStderr]
	}
	return s
}
