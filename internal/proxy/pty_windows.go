//go:build windows

// PTY variant for Windows hosts: ConPTY-backed attach via
// github.com/UserExistsError/conpty. Mirrors pty_local.go's shape (grouped
// helper session, client-tty discovery, the same switchTo/write/resize/
// kill/dispose split) since ConPTY's Read/Write/Resize surface is a
// drop-in replacement for creack/pty's once the client tty is known.
package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/UserExistsError/conpty"

	"github.com/agentboard/agentboard/internal/tmux"
)

type ptyWindows struct {
	adapter       tmux.Adapter
	baseSession   string
	helperName    string
	cpty          *conpty.ConPty
	clientTTY     string
	currentTarget string
}

// NewPTY builds a Proxy backed by a grouped tmux session and a ConPTY
// attach. startTimeout mirrors the unix variant (~2s): tty discovery is
// local polling against tmux's own list-clients, not a network round trip.
func NewPTY(adapter tmux.Adapter, baseSession, helperName string, feed func([]byte), startTimeout time.Duration) *Proxy {
	pw := &ptyWindows{adapter: adapter, baseSession: baseSession, helperName: helperName}

	cb := Callbacks{
		DoStart:    func(ctx context.Context) error { return pw.start(ctx, feed) },
		DoSwitchTo: func(ctx context.Context, target string) error { return pw.switchTo(ctx, target) },
		DoWrite:    func(data []byte) error { return pw.write(data) },
		DoResize:   func(cols, rows int) error { return pw.resize(cols, rows) },
		DoKill:     func() { pw.kill() },
		DoDispose:  func() error { return pw.dispose(context.Background()) },
	}
	return New(ModePTY, cb, startTimeout)
}

func (pw *ptyWindows) start(ctx context.Context, feed func([]byte)) error {
	if err := pw.adapter.NewGroupedSession(ctx, pw.helperName, pw.baseSession); err != nil {
		// A duplicate helper name left over from a prior crash is
		// recoverable by killing and retrying once, same as the unix
		// variant.
		_ = pw.adapter.KillSession(ctx, pw.helperName)
		if err2 := pw.adapter.NewGroupedSession(ctx, pw.helperName, pw.baseSession); err2 != nil {
			return newError("ERR_SESSION_CREATE_FAILED", err2.Error(), true)
		}
	}

	cpty, err := conpty.Start(fmt.Sprintf("tmux attach -t %s", pw.helperName))
	if err != nil {
		_ = pw.adapter.KillSession(context.Background(), pw.helperName)
		return newError("ERR_TMUX_ATTACH_FAILED", err.Error(), true)
	}
	pw.cpty = cpty

	tty, err := pw.discoverClientTTY(ctx)
	if err != nil {
		pw.kill()
		_ = pw.adapter.KillSession(context.Background(), pw.helperName)
		return newError("ERR_TTY_DISCOVERY_TIMEOUT", err.Error(), true)
	}
	pw.clientTTY = tty

	go pw.readLoop(feed)
	return nil
}

// discoverClientTTY has no ConPTY-side pid to match against tmux's
// list-clients the way the unix variant matches cmd.Process.Pid (ConPTY
// spawns the attach process inside a Windows pseudoconsole, not as a
// direct child with a POSIX pid tmux would see). The freshly created
// helper session has no other attached clients, so the first one to show
// up is unambiguously ours.
func (pw *ptyWindows) discoverClientTTY(ctx context.Context) (string, error) {
	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		clients, err := pw.adapter.ListClients(ctx, pw.helperName)
		if err == nil && len(clients) > 0 {
			return clients[0].TTY, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("no tmux client attached to helper session %s", pw.helperName)
}

func (pw *ptyWindows) readLoop(feed func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := pw.cpty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			feed(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (pw *ptyWindows) switchTo(ctx context.Context, target string) error {
	if err := pw.adapter.SwitchClient(ctx, pw.clientTTY, target); err != nil {
		return newError("ERR_TMUX_SWITCH_FAILED", err.Error(), true)
	}
	pw.currentTarget = target
	return nil
}

func (pw *ptyWindows) write(data []byte) error {
	if pw.cpty == nil {
		return nil
	}
	_, err := pw.cpty.Write(data)
	return err
}

func (pw *ptyWindows) resize(cols, rows int) error {
	if pw.cpty == nil {
		return nil
	}
	return pw.cpty.Resize(cols, rows)
}

func (pw *ptyWindows) kill() {
	if pw.cpty != nil {
		_ = pw.cpty.Close()
	}
}

func (pw *ptyWindows) dispose(ctx context.Context) error {
	pw.kill()
	return pw.adapter.KillSession(ctx, pw.helperName)
}
