//go:build !windows

// PTY variant: a grouped helper tmux session attached via a real
// pseudo-terminal, for hosts where the server process itself has a
// controlling tty to hand to tmux attach. Grounded on the teacher's
// startTmuxAttach (internal/session/manager.go): spawn `tmux attach`
// under creack/pty, discover the client tty by polling list-clients for
// the attach process's pid. See pty_windows.go for the ConPTY-backed
// equivalent.
package proxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty/v2"

	"github.com/agentboard/agentboard/internal/tmux"
)

type ptyLocal struct {
	adapter      tmux.Adapter
	baseSession  string
	helperName   string
	ptmx         *os.File
	cmd          *exec.Cmd
	clientTTY    string
	currentTarget string
	readDone     chan struct{}
}

// NewPTY builds a Proxy backed by a grouped tmux session and a local PTY
// attach. startTimeout should be short (≈2s): TTY discovery is local
// polling, not a network round trip.
func NewPTY(adapter tmux.Adapter, baseSession, helperName string, feed func([]byte), startTimeout time.Duration) *Proxy {
	pl := &ptyLocal{adapter: adapter, baseSession: baseSession, helperName: helperName}

	cb := Callbacks{
		DoStart: func(ctx context.Context) error {
			return pl.start(ctx, feed)
		},
		DoSwitchTo: func(ctx context.Context, target string) error {
			return pl.switchTo(ctx, target)
		},
		DoWrite: func(data []byte) error {
			return pl.write(data)
		},
		DoResize: func(cols, rows int) error {
			return pl.resize(cols, rows)
		},
		DoKill: func() {
			pl.kill()
		},
		DoDispose: func() error {
			return pl.dispose(context.Background())
		},
	}
	return New(ModePTY, cb, startTimeout)
}

func (pl *ptyLocal) start(ctx context.Context, feed func([]byte)) error {
	if err := pl.adapter.NewGroupedSession(ctx, pl.helperName, pl.baseSession); err != nil {
		// A duplicate helper name left over from a prior crash is
		// recoverable by killing and retrying once.
		_ = pl.adapter.KillSession(ctx, pl.helperName)
		if err2 := pl.adapter.NewGroupedSession(ctx, pl.helperName, pl.baseSession); err2 != nil {
			return newError("ERR_SESSION_CREATE_FAILED", err2.Error(), true)
		}
	}

	cmd := exec.CommandContext(context.Background(), "tmux", "attach", "-t", pl.helperName)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		_ = pl.adapter.KillSession(context.Background(), pl.helperName)
		return newError("ERR_TMUX_ATTACH_FAILED", err.Error(), true)
	}
	pl.ptmx = ptmx
	pl.cmd = cmd

	tty, err := pl.discoverClientTTY(ctx)
	if err != nil {
		pl.kill()
		_ = pl.adapter.KillSession(context.Background(), pl.helperName)
		return newError("ERR_TTY_DISCOVERY_TIMEOUT", err.Error(), true)
	}
	pl.clientTTY = tty

	pl.readDone = make(chan struct{})
	go pl.readLoop(feed)
	return nil
}

func (pl *ptyLocal) discoverClientTTY(ctx context.Context) (string, error) {
	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		clients, err := pl.adapter.ListClients(ctx, pl.helperName)
		if err == nil {
			for _, c := range clients {
				if c.PID == pl.cmd.Process.Pid {
					return c.TTY, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("no matching tmux client found for pid %d", pl.cmd.Process.Pid)
}

func (pl *ptyLocal) readLoop(feed func([]byte)) {
	defer close(pl.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := pl.ptmx.Read(buf)
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

func (pl *ptyLocal) switchTo(ctx context.Context, target string) error {
	if err := pl.adapter.SwitchClient(ctx, pl.clientTTY, target); err != nil {
		return newError("ERR_TMUX_SWITCH_FAILED", err.Error(), true)
	}
	pl.currentTarget = target
	return nil
}

func (pl *ptyLocal) write(data []byte) error {
	if pl.ptmx == nil {
		return nil
	}
	_, err := pl.ptmx.Write(data)
	return err
}

func (pl *ptyLocal) resize(cols, rows int) error {
	if pl.ptmx == nil {
		return nil
	}
	return pty.Setsize(pl.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (pl *ptyLocal) kill() {
	if pl.cmd != nil && pl.cmd.Process != nil {
		_ = pl.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			timer := time.NewTimer(3 * time.Second)
			defer timer.Stop()
			done := make(chan struct{})
			go func() { pl.cmd.Wait(); close(done) }()
			select {
			case <-done:
			case <-timer.C:
				pl.cmd.Process.Kill()
			}
		}()
	}
}

func (pl *ptyLocal) dispose(ctx context.Context) error {
	pl.kill()
	if pl.ptmx != nil {
		pl.ptmx.Close()
	}
	return pl.adapter.KillSession(ctx, pl.helperName)
}
