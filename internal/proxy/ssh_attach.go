// SSH variant: the helper session lives on a remote host, attached over
// `ssh -tt`. Command-channel calls (list-clients, switch-client,
// kill-session) go through the same internal/remote.Adapter used for
// registry polling, one ssh invocation per call, deliberately without
// connection multiplexing unless the operator opted into it.
package proxy

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/agentboard/agentboard/internal/tmux"
)

type sshAttach struct {
	adapter     tmux.Adapter
	host        string
	sshOpts     []string
	baseSession string
	helperName  string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// NewSSHAttach builds a Proxy backed by a remote tmux session reached over
// ssh -tt. startTimeout should be generous (≈30s): it covers the ssh
// handshake, new-session -A, and attach settling.
func NewSSHAttach(adapter tmux.Adapter, host string, sshOpts []string, baseSession, helperName string, feed func([]byte), startTimeout time.Duration) *Proxy {
	sa := &sshAttach{adapter: adapter, host: host, sshOpts: sshOpts, baseSession: baseSession, helperName: helperName}

	cb := Callbacks{
		DoStart:    func(ctx context.Context) error { return sa.start(ctx, feed) },
		DoSwitchTo: func(ctx context.Context, target string) error { return sa.switchTo(ctx, target) },
		DoWrite:    func(data []byte) error { return sa.write(data) },
		DoResize:   func(cols, rows int) error { return sa.resize(context.Background(), cols, rows) },
		DoKill:     func() { sa.kill() },
		DoDispose:  func() error { return sa.dispose(context.Background()) },
	}
	return New(ModeSSH, cb, startTimeout)
}

func (sa *sshAttach) start(ctx context.Context, feed func([]byte)) error {
	args := append([]string{"-tt"}, sa.sshOpts...)
	args = append(args, sa.host, "--", "tmux", "new-session", "-A", "-s", sa.helperName)
	cmd := exec.CommandContext(context.Background(), "ssh", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return newError("ERR_TMUX_ATTACH_FAILED", err.Error(), true)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return newError("ERR_TMUX_ATTACH_FAILED", err.Error(), true)
	}
	if err := cmd.Start(); err != nil {
		return newError("ERR_TMUX_ATTACH_FAILED", err.Error(), true)
	}

	// new-session -A attaches to an existing helper session of the same
	// name instead of failing, so a duplicate-session error here only
	// happens from a concurrent racing start; that race is recoverable by
	// the caller retrying, same as the local variants.
	sa.cmd = cmd
	sa.stdin = stdin
	sa.stdout = stdout

	go sa.readLoop(feed)
	return nil
}

func (sa *sshAttach) readLoop(feed func([]byte)) {
	buf := make([]byte, 32*1024)
	r := bufio.NewReaderSize(sa.stdout, 64*1024)
	for {
		n, err := r.Read(buf)
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

// switchTo asks the remote tmux server directly (a separate, ControlMaster-
// disabled ssh call through the adapter) to switch the helper session's
// client to the target window. There is no local client tty to redirect,
// unlike the PTY variant, so the helper session's own attached client
// (the -tt ssh session itself) is the target.
func (sa *sshAttach) switchTo(ctx context.Context, target string) error {
	clients, err := sa.adapter.ListClients(ctx, sa.helperName)
	if err != nil {
		return newError("ERR_TMUX_SWITCH_FAILED", err.Error(), true)
	}
	if len(clients) == 0 {
		return newError("ERR_TMUX_SWITCH_FAILED", "no attached client on helper session", true)
	}
	if err := sa.adapter.SwitchClient(ctx, clients[0].TTY, target); err != nil {
		return newError("ERR_TMUX_SWITCH_FAILED", err.Error(), true)
	}
	return nil
}

func (sa *sshAttach) write(data []byte) error {
	if sa.stdin == nil {
		return nil
	}
	_, err := sa.stdin.Write(data)
	return err
}

func (sa *sshAttach) resize(ctx context.Context, cols, rows int) error {
	return sa.adapter.ResizeWindow(ctx, sa.helperName, cols, rows)
}

func (sa *sshAttach) kill() {
	if sa.cmd != nil && sa.cmd.Process != nil {
		_ = sa.cmd.Process.Kill()
	}
}

func (sa *sshAttach) dispose(ctx context.Context) error {
	sa.kill()
	if sa.stdin != nil {
		sa.stdin.Close()
	}
	return sa.adapter.KillSession(ctx, sa.helperName)
}
