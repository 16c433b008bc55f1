package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fakeCallbacks() (*Callbacks, *int32) {
	var switchCalls int32
	cb := &Callbacks{
		DoStart: func(ctx context.Context) error { return nil },
		DoSwitchTo: func(ctx context.Context, target string) error {
			atomic.AddInt32(&switchCalls, 1)
			time.Sleep(5 * time.Millisecond)
			return nil
		},
		DoWrite:   func(data []byte) error { return nil },
		DoResize:  func(cols, rows int) error { return nil },
		DoKill:    func() {},
		DoDispose: func() error { return nil },
	}
	return cb, &switchCalls
}

func TestStart_ConcurrentCallersShareOneAttempt(t *testing.T) {
	var startCalls int32
	cb := Callbacks{
		DoStart: func(ctx context.Context) error {
			atomic.AddInt32(&startCalls, 1)
			time.Sleep(20 * time.Millisecond)
			return nil
		},
		DoDispose: func() error { return nil },
		DoKill:    func() {},
	}
	p := New(ModePTY, cb, time.Second)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Start(context.Background())
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&startCalls); got != 1 {
		t.Fatalf("DoStart called %d times, want 1", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d got error %v, want nil", i, err)
		}
	}
	if p.State() != StateReady {
		t.Fatalf("state = %v, want ready", p.State())
	}
}

func TestStart_TimeoutInvalidatesLateSuccess(t *testing.T) {
	release := make(chan struct{})
	cb := Callbacks{
		DoStart: func(ctx context.Context) error {
			<-release // blocks well past the start timeout
			return nil
		},
		DoDispose: func() error { return nil },
		DoKill:    func() {},
	}
	p := New(ModePTY, cb, 10*time.Millisecond)

	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("expected ERR_START_TIMEOUT, got nil")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Code != "ERR_START_TIMEOUT" {
		t.Fatalf("got %v, want ERR_START_TIMEOUT", err)
	}
	if p.State() != StateDead {
		t.Fatalf("state = %v, want dead after timeout", p.State())
	}

	// Let the blocked DoStart finally "succeed" — this must not resurrect
	// the proxy back to READY (Testable Property 4).
	close(release)
	time.Sleep(20 * time.Millisecond)
	if p.State() != StateDead {
		t.Fatalf("late success flipped state to %v, want it to stay dead", p.State())
	}
}

func TestSwitchTo_ConcurrentCallsCoalesceToOneInvocation(t *testing.T) {
	cb, switchCalls := fakeCallbacks()
	p := New(ModePTY, *cb, time.Second)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 3)
	targets := []string{"w1", "w2", "w3"}
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i] = p.SwitchTo(context.Background(), target)
		}(i, target)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(switchCalls); got < 1 || got > 3 {
		t.Fatalf("DoSwitchTo called %d times, want between 1 and 3 (coalesced)", got)
	}
	if p.State() != StateReady {
		t.Fatalf("state = %v, want ready", p.State())
	}
}

func TestSwitchTo_NotReadyIsRejected(t *testing.T) {
	cb, _ := fakeCallbacks()
	p := New(ModePTY, *cb, time.Second)
	err := p.SwitchTo(context.Background(), "w1")
	if err == nil {
		t.Fatal("expected error switching before Start")
	}
}

func TestWrite_SilentlyDropsWhenNotReady(t *testing.T) {
	var writeCalls int32
	cb := Callbacks{
		DoWrite: func(data []byte) error {
			atomic.AddInt32(&writeCalls, 1)
			return nil
		},
	}
	p := New(ModePTY, cb, time.Second)
	if err := p.Write([]byte("hello")); err != nil {
		t.Fatalf("Write before ready returned error: %v", err)
	}
	if writeCalls != 0 {
		t.Fatalf("DoWrite called while not ready")
	}
}

func TestResize_DedupesRepeatedDims(t *testing.T) {
	var resizeCalls int32
	cb := Callbacks{
		DoStart:   func(ctx context.Context) error { return nil },
		DoResize:  func(cols, rows int) error { atomic.AddInt32(&resizeCalls, 1); return nil },
		DoDispose: func() error { return nil },
		DoKill:    func() {},
	}
	p := New(ModePTY, cb, time.Second)
	_ = p.Start(context.Background())

	_ = p.Resize(80, 24)
	_ = p.Resize(80, 24)
	_ = p.Resize(100, 30)

	if got := atomic.LoadInt32(&resizeCalls); got != 2 {
		t.Fatalf("DoResize called %d times, want 2 (repeat dims deduped)", got)
	}
}

func TestDispose_IsIdempotent(t *testing.T) {
	var disposeCalls int32
	cb := Callbacks{
		DoStart:   func(ctx context.Context) error { return nil },
		DoDispose: func() error { atomic.AddInt32(&disposeCalls, 1); return nil },
		DoKill:    func() {},
	}
	p := New(ModePTY, cb, time.Second)
	_ = p.Start(context.Background())

	_ = p.Dispose()
	_ = p.Dispose()
	_ = p.Dispose()

	if got := atomic.LoadInt32(&disposeCalls); got != 1 {
		t.Fatalf("DoDispose called %d times, want 1", got)
	}
	if p.State() != StateDead {
		t.Fatalf("state = %v, want dead", p.State())
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done() channel not closed after Dispose")
	}
}

func TestFeed_SuppressedDuringSwitchButBufferedInScrollback(t *testing.T) {
	block := make(chan struct{})
	cb := Callbacks{
		DoStart: func(ctx context.Context) error { return nil },
		DoSwitchTo: func(ctx context.Context, target string) error {
			<-block
			return nil
		},
		DoDispose: func() error { return nil },
		DoKill:    func() {},
	}
	p := New(ModePTY, cb, time.Second)
	_ = p.Start(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.SwitchTo(context.Background(), "w2") }()
	time.Sleep(5 * time.Millisecond) // let SwitchTo reach StateSwitching

	p.Feed([]byte("mid-switch output"))
	select {
	case <-p.Output():
		t.Fatal("output forwarded while suppressed")
	default:
	}
	if sb := p.Scrollback(); len(sb) == 0 {
		t.Fatal("scrollback ring did not retain suppressed output")
	}

	close(block)
	<-done
}
