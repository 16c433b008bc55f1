// Pipe-pane variant: used when the server process has no controlling tty
// to hand tmux (the common case for a headless/daemonized server).
// Adapted near-verbatim from the teacher's FIFO plumbing
// (internal/session/tmux.go tmuxStartPipePane/tmuxCleanupPipePane): a
// named pipe captures raw bytes written to the pane, bypassing tmux's own
// screen-diff batching toward attached clients. Input is sent back via
// `send-keys -l`, since there is no pty to write to directly.
package proxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/agentboard/agentboard/internal/tmux"
)

type pipePane struct {
	adapter     tmux.Adapter
	baseSession string
	helperName  string

	mu            sync.Mutex
	fifoFile      *os.File
	fifoPath      string
	origCols      int
	origRows      int
	haveOrigSize  bool
	readDone      chan struct{}
	stopReadLoop  chan struct{}
}

func NewPipePane(adapter tmux.Adapter, baseSession, helperName string, feed func([]byte), startTimeout time.Duration) *Proxy {
	pp := &pipePane{adapter: adapter, baseSession: baseSession, helperName: helperName}

	cb := Callbacks{
		DoStart:    func(ctx context.Context) error { return pp.start(ctx, feed) },
		DoSwitchTo: func(ctx context.Context, target string) error { return pp.switchTo(ctx, target) },
		DoWrite:    func(data []byte) error { return pp.write(data) },
		DoResize:   func(cols, rows int) error { return pp.resize(context.Background(), cols, rows) },
		DoKill:     func() { pp.stopPipe() },
		DoDispose:  func() error { return pp.dispose(context.Background()) },
	}
	return New(ModePipePane, cb, startTimeout)
}

func (pp *pipePane) start(ctx context.Context, feed func([]byte)) error {
	if err := pp.adapter.NewGroupedSession(ctx, pp.helperName, pp.baseSession); err != nil {
		_ = pp.adapter.KillSession(ctx, pp.helperName)
		if err2 := pp.adapter.NewGroupedSession(ctx, pp.helperName, pp.baseSession); err2 != nil {
			return newError("ERR_SESSION_CREATE_FAILED", err2.Error(), true)
		}
	}

	f, path, err := startFIFOCapture(pp.helperName)
	if err != nil {
		_ = pp.adapter.KillSession(ctx, pp.helperName)
		return newError("ERR_TMUX_ATTACH_FAILED", err.Error(), true)
	}
	pp.mu.Lock()
	pp.fifoFile = f
	pp.fifoPath = path
	pp.mu.Unlock()

	pp.readDone = make(chan struct{})
	pp.stopReadLoop = make(chan struct{})
	go pp.readLoop(feed)
	return nil
}

// startFIFOCapture mirrors the teacher's tmuxStartPipePane: create a named
// pipe, open it O_RDWR|O_NONBLOCK so the reader fd exists before the
// writer attaches (avoiding the open-order race), clear O_NONBLOCK so
// subsequent reads block normally, then point tmux's pipe-pane at it.
func startFIFOCapture(sessionName string) (*os.File, string, error) {
	fifoDir := filepath.Join(os.TempDir(), "agentboard")
	if err := os.MkdirAll(fifoDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("mkdir: %w", err)
	}
	fifoPath := filepath.Join(fifoDir, sessionName+".pipe")
	os.Remove(fifoPath)

	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, "", fmt.Errorf("mkfifo: %w", err)
	}
	fd, err := syscall.Open(fifoPath, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("open fifo: %w", err)
	}
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("set blocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), fifoPath)

	cmd := exec.Command("tmux", "pipe-pane", "-t", sessionName, "-o",
		fmt.Sprintf("exec cat > %s", tmux.ShellQuote(fifoPath)))
	if err := cmd.Run(); err != nil {
		f.Close()
		os.Remove(fifoPath)
		return nil, "", fmt.Errorf("pipe-pane: %w", err)
	}
	return f, fifoPath, nil
}

func (pp *pipePane) readLoop(feed func([]byte)) {
	defer close(pp.readDone)
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-pp.stopReadLoop:
			return
		default:
		}
		pp.mu.Lock()
		f := pp.fifoFile
		pp.mu.Unlock()
		if f == nil {
			return
		}
		n, err := f.Read(buf)
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

func (pp *pipePane) switchTo(ctx context.Context, target string) error {
	// Command-channel tmux calls for pipe-pane go through the same adapter
	// used for control operations; there is no attached client tty to
	// redirect, so "switching" means stopping capture on the old target
	// and restarting it on the new one.
	pp.stopPipe()
	if err := pp.adapter.KillWindow(ctx, pp.helperName); err != nil {
		// best effort: helper window may already be gone
		_ = err
	}
	f, path, err := startFIFOCaptureOnTarget(target)
	if err != nil {
		return newError("ERR_TMUX_SWITCH_FAILED", err.Error(), true)
	}
	pp.mu.Lock()
	pp.fifoFile = f
	pp.fifoPath = path
	pp.mu.Unlock()
	return nil
}

func startFIFOCaptureOnTarget(target string) (*os.File, string, error) {
	return startFIFOCapture(target)
}

func (pp *pipePane) write(data []byte) error {
	// send-keys -l treats the payload as literal text with no key-name
	// interpretation, matching the teacher's literal-mode send path.
	return exec.Command("tmux", "send-keys", "-t", pp.helperName, "-l", string(data)).Run()
}

func (pp *pipePane) resize(ctx context.Context, cols, rows int) error {
	pp.mu.Lock()
	if !pp.haveOrigSize {
		pp.origCols, pp.origRows = cols, rows
		pp.haveOrigSize = true
	}
	pp.mu.Unlock()
	return pp.adapter.ResizeWindow(ctx, pp.helperName, cols, rows)
}

func (pp *pipePane) stopPipe() {
	pp.mu.Lock()
	f := pp.fifoFile
	path := pp.fifoPath
	pp.fifoFile = nil
	pp.mu.Unlock()

	if pp.stopReadLoop != nil {
		select {
		case <-pp.stopReadLoop:
		default:
			close(pp.stopReadLoop)
		}
	}
	_ = exec.Command("tmux", "pipe-pane", "-t", pp.helperName).Run()
	if f != nil {
		f.Close()
	}
	if path != "" {
		os.Remove(path)
	}
}

func (pp *pipePane) dispose(ctx context.Context) error {
	pp.mu.Lock()
	origCols, origRows, haveSize := pp.origCols, pp.origRows, pp.haveOrigSize
	pp.mu.Unlock()
	if haveSize {
		_ = pp.adapter.ResizeWindow(ctx, pp.helperName, origCols, origRows)
	}
	pp.stopPipe()
	return pp.adapter.KillSession(ctx, pp.helperName)
}
