// Package proxy implements the terminal-proxy state machine: one proxy
// per client WebSocket, owning a helper tmux client attached to a base
// session, switchable between windows without tearing down the
// connection. Grounded on the teacher's Session/Manager PTY+pipe-pane
// machinery (internal/session/manager.go, pty.go) and on the "restarting
// bool" / duplicate-child-race idioms there, generalized into a reusable
// attempt-ID invalidation pattern shared by all three variants (PTY,
// pipe-pane, SSH).
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateInitial State = iota
	StateAttaching
	StateReady
	StateSwitching
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAttaching:
		return "attaching"
	case StateReady:
		return "ready"
	case StateSwitching:
		return "switching"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

type Mode string

const (
	ModePTY      Mode = "pty"
	ModePipePane Mode = "pipe-pane"
	ModeSSH      Mode = "ssh"
)

// Error is the taxonomy surfaced to the client over the wire, each
// carrying whether a retry banner or a fatal disconnect is appropriate.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newError(code, msg string, retryable bool) *Error {
	return &Error{Code: code, Message: msg, Retryable: retryable}
}

// Callbacks is the variant-specific backend a Proxy drives. Each variant
// (pty_local.go / pty_windows.go, pipepane.go, ssh_attach.go) constructs a Proxy with its own
// Callbacks; Proxy itself only owns the state machine, coalescing, and
// buffering shared by all three.
type Callbacks struct {
	// DoStart blocks until the helper session is attached and ready, or
	// ctx is done. It must respond to ctx cancellation promptly.
	DoStart func(ctx context.Context) error
	// DoSwitchTo redirects the helper client to a new target.
	DoSwitchTo func(ctx context.Context, target string) error
	// DoWrite forwards input bytes to the attached pane.
	DoWrite func(data []byte) error
	// DoResize applies new dimensions.
	DoResize func(cols, rows int) error
	// DoKill force-stops any in-flight start attempt (used on timeout).
	DoKill func()
	// DoDispose tears the helper session down entirely.
	DoDispose func() error
}

// Proxy is the shared state machine. Variants embed it via New and feed
// output bytes in through Feed.
type Proxy struct {
	mode         Mode
	cb           Callbacks
	startTimeout time.Duration

	mu             sync.Mutex
	state          State
	startAttemptID uint64
	startDone      chan struct{}
	startErr       error
	lastCols       int
	lastRows       int
	outputSuppressed bool

	ring   *ringBuffer
	output chan []byte
	doneCh chan struct{}

	switchMu       sync.Mutex
	switchTarget   string
	switchGen      uint64
	switchRunning  bool
	switchWaiters  []chan switchOutcome
}

type switchOutcome struct {
	target string
	err    error
}

func New(mode Mode, cb Callbacks, startTimeout time.Duration) *Proxy {
	return &Proxy{
		mode:         mode,
		cb:           cb,
		startTimeout: startTimeout,
		ring:         newRingBuffer(1 << 20),
		output:       make(chan []byte, 256),
		doneCh:       make(chan struct{}),
	}
}

func (p *Proxy) Mode() Mode { return p.mode }

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) IsReady() bool {
	return p.State() == StateReady
}

func (p *Proxy) Output() <-chan []byte { return p.output }
func (p *Proxy) Done() <-chan struct{} { return p.doneCh }

func (p *Proxy) Scrollback() []byte { return p.ring.Bytes() }

// Start is idempotent: concurrent callers share the same in-flight
// attempt and all observe the same result (Testable Property 3).
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateReady:
		p.mu.Unlock()
		return nil
	case StateAttaching:
		done := p.startDone
		p.mu.Unlock()
		<-done
		p.mu.Lock()
		err := p.startErr
		p.mu.Unlock()
		return err
	case StateDead:
		p.mu.Unlock()
		return newError("ERR_NOT_READY", "proxy is dead", false)
	}

	p.state = StateAttaching
	p.startAttemptID++
	attemptID := p.startAttemptID
	done := make(chan struct{})
	p.startDone = done
	p.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, p.startTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.cb.DoStart(startCtx)
	}()

	var startErr error
	select {
	case startErr = <-errCh:
	case <-startCtx.Done():
		startErr = newError("ERR_START_TIMEOUT", "start timed out before tty discovery", true)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A Dispose() (or a second timeout race) may have already invalidated
	// this attempt by bumping startAttemptID; a late success must never
	// flip the state back to READY (Testable Property 4).
	if p.startAttemptID != attemptID {
		close(done)
		return p.startErr
	}

	if startErr != nil {
		if p.cb.DoKill != nil {
			p.cb.DoKill()
		}
		p.state = StateDead
		p.startErr = startErr
		close(done)
		close(p.doneCh)
		return startErr
	}

	p.state = StateReady
	p.startErr = nil
	close(done)
	return nil
}

// SwitchTo queues target for the switch loop. Concurrent calls coalesce:
// only the most recently requested target is actually executed, and
// every caller's promise resolves with that final outcome (Testable
// Property 2).
func (p *Proxy) SwitchTo(ctx context.Context, target string) error {
	if !p.IsReady() && p.State() != StateSwitching {
		return newError("ERR_NOT_READY", "proxy is not ready", true)
	}

	wait := make(chan switchOutcome, 1)
	p.switchMu.Lock()
	p.switchTarget = target
	p.switchGen++
	p.switchWaiters = append(p.switchWaiters, wait)
	if !p.switchRunning {
		p.switchRunning = true
		go p.runSwitchLoop()
	}
	p.switchMu.Unlock()

	select {
	case out := <-wait:
		return out.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) runSwitchLoop() {
	for {
		p.switchMu.Lock()
		target := p.switchTarget
		gen := p.switchGen
		waiters := p.switchWaiters
		p.switchWaiters = nil
		p.switchMu.Unlock()

		p.setState(StateSwitching)
		p.setOutputSuppressed(true)
		err := p.cb.DoSwitchTo(context.Background(), target)
		p.setOutputSuppressed(false)

		if err != nil {
			p.setState(StateDead)
		} else {
			p.setState(StateReady)
		}

		for _, w := range waiters {
			w <- switchOutcome{target: target, err: err}
		}

		if err != nil {
			return
		}

		p.switchMu.Lock()
		if p.switchGen == gen {
			p.switchRunning = false
			p.switchMu.Unlock()
			return
		}
		p.switchMu.Unlock()
	}
}

// Write silently drops input when the proxy is not READY, matching the
// client-facing contract: no error surfaces for a stale/late keystroke.
func (p *Proxy) Write(data []byte) error {
	if !p.IsReady() {
		return nil
	}
	return p.cb.DoWrite(data)
}

func (p *Proxy) Resize(cols, rows int) error {
	p.mu.Lock()
	if cols == p.lastCols && rows == p.lastRows {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.cb.DoResize(cols, rows); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastCols, p.lastRows = cols, rows
	p.mu.Unlock()
	return nil
}

// Dispose invalidates any in-flight start so a late TTY discovery cannot
// resurrect the proxy, tears down the helper session, and transitions to
// DEAD. Safe to call multiple times.
func (p *Proxy) Dispose() error {
	p.mu.Lock()
	if p.state == StateDead {
		p.mu.Unlock()
		return nil
	}
	p.startAttemptID++ // invalidate any in-flight Start
	wasAttaching := p.state == StateAttaching
	p.state = StateDead
	p.mu.Unlock()

	if wasAttaching && p.cb.DoKill != nil {
		p.cb.DoKill()
	}
	err := p.cb.DoDispose()

	p.mu.Lock()
	select {
	case <-p.doneCh:
	default:
		close(p.doneCh)
	}
	p.mu.Unlock()
	return err
}

// Feed is called by a variant's read loop with freshly captured output
// bytes. It buffers into the scrollback ring always, but only forwards to
// subscribers while output is not suppressed (mid-switch screen tear).
func (p *Proxy) Feed(data []byte) {
	p.ring.Write(data)
	if p.outputIsSuppressed() {
		return
	}
	select {
	case p.output <- data:
	default:
		// A slow consumer drops a frame rather than blocking the reader
		// goroutine; the ring buffer still has it for the next snapshot.
	}
}

func (p *Proxy) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Proxy) setOutputSuppressed(v bool) {
	p.mu.Lock()
	p.outputSuppressed = v
	p.mu.Unlock()
}

func (p *Proxy) outputIsSuppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputSuppressed
}
