// Package hub implements one connection's worth of WebSocket message
// dispatch: a terminal proxy created lazily on first attach, a
// subscription to registry diffs, and the full client<->server message
// table from spec.md §4.9. Grounded on the teacher's wsReadLoop /
// wsWriteLoop / wsPingLoop split (internal/server/websocket.go) — three
// goroutines per connection, base64-over-JSON framing via coder/websocket,
// a 30s ping cadence to detect dead mobile connections.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/agentboard/agentboard/internal/proxy"
	"github.com/agentboard/agentboard/internal/registry"
	"github.com/agentboard/agentboard/internal/resume"
	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

// Message is the generic envelope for every client<->server frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type terminalAttachMsg struct {
	SessionID  string `json:"sessionId"`
	TmuxTarget string `json:"tmuxTarget,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type terminalInputMsg struct {
	Data string `json:"data"` // base64
}

type terminalResizeMsg struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type sessionCreateMsg struct {
	ProjectPath string `json:"projectPath"`
	Command     string `json:"command"`
}

type sessionKillMsg struct {
	SessionID string `json:"sessionId"`
}

type sessionRenameMsg struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

type sessionResumeMsg struct {
	SessionID string `json:"sessionId"`
}

type sessionPinMsg struct {
	SessionID string `json:"sessionId"`
	IsPinned  bool   `json:"isPinned"`
}

type tmuxCopyModeMsg struct {
	TmuxTarget string `json:"tmuxTarget"`
}

// ProxyFactory builds a fresh terminal proxy for a given tmux target. The
// hub owns exactly one at a time; switching targets reuses it via
// Proxy.SwitchTo rather than rebuilding.
type ProxyFactory func(target string) *proxy.Proxy

// Hub serves one WebSocket connection end to end.
type Hub struct {
	conn        *websocket.Conn
	adapter     tmux.Adapter
	reg         *registry.Registry
	resumeMgr   *resume.Manager
	db          *store.Store
	managedSess string
	newProxy    ProxyFactory
	logger      *slog.Logger

	pxy *proxy.Proxy
}

func New(conn *websocket.Conn, adapter tmux.Adapter, reg *registry.Registry, resumeMgr *resume.Manager, db *store.Store, managedSession string, newProxy ProxyFactory, logger *slog.Logger) *Hub {
	return &Hub{
		conn:        conn,
		adapter:     adapter,
		reg:         reg,
		resumeMgr:   resumeMgr,
		db:          db,
		managedSess: managedSession,
		newProxy:    newProxy,
		logger:      logger,
	}
}

// Serve blocks until the connection closes. It subscribes to registry
// diffs, pushes the initial snapshot, and runs the read/write/ping loops
// exactly like the teacher's handleWebSocket, generalized from one
// tmux session to the full registry fan-out.
func (h *Hub) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if h.pxy != nil {
			h.pxy.Dispose()
		}
	}()

	diffCh, unsubscribe := h.reg.Subscribe()
	defer unsubscribe()

	if err := h.writeJSON(ctx, "sessions", snapshotPayload(h.reg.Snapshot())); err != nil {
		return
	}
	if err := h.writeAgentSessions(ctx); err != nil {
		return
	}

	go h.pingLoop(ctx, cancel)
	go h.readLoop(ctx, cancel)
	h.writeLoop(ctx, diffCh)
}

func (h *Hub) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := h.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				h.logger.Debug("hub: ping failed", "error", err)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := h.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("hub: malformed frame dropped", "error", err)
			continue
		}
		h.dispatch(ctx, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case "terminal-attach":
		h.handleTerminalAttach(ctx, msg.Data)
	case "terminal-detach":
		h.handleTerminalDetach()
	case "terminal-input":
		h.handleTerminalInput(msg.Data)
	case "terminal-resize":
		h.handleTerminalResize(msg.Data)
	case "session-create":
		h.handleSessionCreate(ctx, msg.Data)
	case "session-kill":
		h.handleSessionKill(ctx, msg.Data)
	case "session-rename":
		h.handleSessionRename(ctx, msg.Data)
	case "session-refresh":
		h.reg.ForceTick(ctx)
	case "session-resume":
		h.handleSessionResume(ctx, msg.Data)
	case "session-pin":
		h.handleSessionPin(ctx, msg.Data)
	case "tmux-check-copy-mode":
		h.handleTmuxCheckCopyMode(ctx, msg.Data)
	case "tmux-cancel-copy-mode":
		h.handleTmuxCancelCopyMode(ctx, msg.Data)
	default:
		h.logger.Debug("hub: unknown message type", "type", msg.Type)
	}
}

func (h *Hub) handleTerminalAttach(ctx context.Context, raw json.RawMessage) {
	var m terminalAttachMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	target := m.TmuxTarget

	if h.pxy == nil {
		h.pxy = h.newProxy(target)
		go h.pumpProxyOutput(ctx, h.pxy)
		if err := h.pxy.Start(ctx); err != nil {
			h.emitTerminalError(ctx, err)
			return
		}
		// Start attaches to the proxy's base session; a target naming a
		// different window needs an explicit switch right away.
		if target != "" && target != h.managedSess {
			if err := h.pxy.SwitchTo(ctx, target); err != nil {
				h.emitTerminalError(ctx, err)
				return
			}
		}
	} else if target != "" {
		if err := h.pxy.SwitchTo(ctx, target); err != nil {
			h.emitTerminalError(ctx, err)
			return
		}
	}
	if m.Cols > 0 && m.Rows > 0 {
		_ = h.pxy.Resize(m.Cols, m.Rows)
	}
	_ = h.writeJSON(ctx, "terminal-ready", map[string]any{"sessionId": m.SessionID})
}

func (h *Hub) emitTerminalError(ctx context.Context, err error) {
	code := "ERR_NOT_READY"
	if pe, ok := err.(*proxy.Error); ok {
		code = pe.Code
	}
	_ = h.writeJSON(ctx, "terminal-error", map[string]any{"code": code, "message": err.Error()})
}

func (h *Hub) handleTerminalDetach() {
	// The proxy keeps running for fast reattach. Detach changes nothing
	// else: output is not suppressed and keeps being forwarded to this
	// connection.
}

func (h *Hub) handleTerminalInput(raw json.RawMessage) {
	var m terminalInputMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return
	}
	if h.pxy != nil {
		_ = h.pxy.Write(decoded)
	}
}

func (h *Hub) handleTerminalResize(raw json.RawMessage) {
	var m terminalResizeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	if h.pxy != nil {
		_ = h.pxy.Resize(m.Cols, m.Rows)
	}
}

func (h *Hub) handleSessionCreate(ctx context.Context, raw json.RawMessage) {
	var m sessionCreateMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	if _, err := h.adapter.NewWindow(ctx, h.managedSess, m.ProjectPath, m.Command); err != nil {
		_ = h.writeJSON(ctx, "error", map[string]any{"message": err.Error()})
		return
	}
	// session-created, the subsequent session-update once it classifies,
	// and any agent-sessions move all arrive via the registry's own
	// subscription fan-out once its next tick observes the new window
	// (writeLoop's diff.Created branch).
}

func (h *Hub) handleSessionKill(ctx context.Context, raw json.RawMessage) {
	var m sessionKillMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	if err := h.resumeMgr.Kill(ctx, m.SessionID); err != nil {
		_ = h.writeJSON(ctx, "kill-failed", map[string]any{"sessionId": m.SessionID, "message": err.Error()})
	}
}

func (h *Hub) handleSessionRename(ctx context.Context, raw json.RawMessage) {
	var m sessionRenameMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	name := m.DisplayName
	if err := h.db.UpdateSession(ctx, m.SessionID, store.Patch{DisplayName: &name}); err != nil {
		_ = h.writeJSON(ctx, "error", map[string]any{"message": err.Error()})
	}
}

func (h *Hub) handleSessionResume(ctx context.Context, raw json.RawMessage) {
	var m sessionResumeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	sess, err := h.resumeMgr.Resume(ctx, m.SessionID)
	if err != nil {
		rerr, _ := err.(*resume.Error)
		code := "RESUME_FAILED"
		if rerr != nil {
			code = rerr.Code
		}
		_ = h.writeJSON(ctx, "session-resume-result", map[string]any{
			"ok":    false,
			"error": map[string]any{"code": code, "message": err.Error()},
		})
		if code == resume.ErrResurrectionFailed {
			_ = h.writeJSON(ctx, "session-resurrection-failed", map[string]any{
				"sessionId": m.SessionID,
				"message":   err.Error(),
			})
		}
		return
	}
	_ = h.writeJSON(ctx, "session-resume-result", map[string]any{"ok": true, "session": sess})
}

func (h *Hub) handleSessionPin(ctx context.Context, raw json.RawMessage) {
	var m sessionPinMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	if err := h.db.SetPinned(ctx, m.SessionID, m.IsPinned); err != nil {
		_ = h.writeJSON(ctx, "error", map[string]any{"message": err.Error()})
		return
	}
	_ = h.writeJSON(ctx, "session-pin-result", map[string]any{
		"ok": true, "sessionId": m.SessionID, "isPinned": m.IsPinned,
	})
}

// handleTmuxCheckCopyMode answers whether target's pane is currently in
// tmux copy-mode, so a mobile client can decide whether a scroll gesture
// needs a cancel first.
func (h *Hub) handleTmuxCheckCopyMode(ctx context.Context, raw json.RawMessage) {
	var m tmuxCopyModeMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.TmuxTarget == "" {
		return
	}
	h.emitCopyModeStatus(ctx, m.TmuxTarget)
}

// handleTmuxCancelCopyMode exits copy-mode on target then reports the
// resulting state, mirroring tmux's own idempotent cancel.
func (h *Hub) handleTmuxCancelCopyMode(ctx context.Context, raw json.RawMessage) {
	var m tmuxCopyModeMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.TmuxTarget == "" {
		return
	}
	if err := h.adapter.CancelCopyMode(ctx, m.TmuxTarget); err != nil {
		h.logger.Debug("hub: cancel copy-mode failed", "target", m.TmuxTarget, "error", err)
	}
	h.emitCopyModeStatus(ctx, m.TmuxTarget)
}

func (h *Hub) emitCopyModeStatus(ctx context.Context, target string) {
	out, err := h.adapter.DisplayMessage(ctx, target, "#{pane_in_mode}")
	if err != nil {
		h.logger.Debug("hub: copy-mode query failed", "target", target, "error", err)
		return
	}
	_ = h.writeJSON(ctx, "tmux-copy-mode-status", map[string]any{
		"tmuxTarget": target,
		"inCopyMode": strings.TrimSpace(out) == "1",
	})
}

// pumpProxyOutput forwards raw terminal bytes to the client as soon as
// they're produced; per spec.md §5 these never cross the registry.
func (h *Hub) pumpProxyOutput(ctx context.Context, p *proxy.Proxy) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			return
		case data, ok := <-p.Output():
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, "terminal-output", map[string]any{
				"data": base64.StdEncoding.EncodeToString(data),
			}); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, diffCh <-chan registry.Diff) {
	for {
		select {
		case <-ctx.Done():
			return
		case diff, ok := <-diffCh:
			if !ok {
				return
			}
			if diff.FullSnapshot != nil {
				if err := h.writeJSON(ctx, "sessions", snapshotPayload(diff.FullSnapshot)); err != nil {
					return
				}
			}
			for _, s := range diff.Created {
				if err := h.writeJSON(ctx, "session-created", map[string]any{"session": s}); err != nil {
					return
				}
			}
			for _, s := range diff.Updated {
				if err := h.writeJSON(ctx, "session-update", s); err != nil {
					return
				}
			}
			for _, s := range diff.Orphaned {
				if err := h.writeJSON(ctx, "session-orphaned", map[string]any{"session": s}); err != nil {
					return
				}
			}
			for _, s := range diff.Activated {
				if err := h.writeJSON(ctx, "session-activated", map[string]any{"session": s}); err != nil {
					return
				}
			}
			for _, id := range diff.RemovedIDs {
				if err := h.writeJSON(ctx, "session-removed", map[string]any{"sessionId": id}); err != nil {
					return
				}
			}
			// A created/orphaned/activated transition (or any shape change)
			// moves a session between the active/inactive partition; push a
			// fresh one so the client doesn't have to infer the move itself
			// (spec.md §4.9 scenario S3).
			if diff.FullSnapshot != nil || len(diff.Created) != 0 || len(diff.Orphaned) != 0 || len(diff.Activated) != 0 {
				if err := h.writeAgentSessions(ctx); err != nil {
					return
				}
			}
		}
	}
}

func (h *Hub) writeAgentSessions(ctx context.Context) error {
	active, inactive := h.reg.AgentSessionsPartition()
	return h.writeJSON(ctx, "agent-sessions", map[string]any{
		"active":   active,
		"inactive": inactive,
	})
}

func snapshotPayload(sessions []registry.Session) map[string]any {
	return map[string]any{"sessions": sessions}
}

func (h *Hub) writeJSON(ctx context.Context, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Message{Type: msgType, Data: data}
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if h.conn == nil {
		// Handler-level unit tests construct a bare Hub with no live
		// WebSocket, exercising only the DB/adapter side effects.
		return nil
	}
	return h.conn.Write(ctx, websocket.MessageText, out)
}
