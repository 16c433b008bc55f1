package resume

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

type fakeAdapter struct {
	newWindowTarget string
	newWindowErr    error
	killErr         error
}

func (f *fakeAdapter) ListWindows(ctx context.Context, sessionFilter string) ([]tmux.Window, error) {
	return nil, nil
}
func (f *fakeAdapter) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) CancelCopyMode(ctx context.Context, target string) error { return nil }
func (f *fakeAdapter) DisplayMessage(ctx context.Context, target, format string) (string, error) {
	return "", nil
}
func (f *fakeAdapter) NewWindow(ctx context.Context, session, cwd, command string) (string, error) {
	return f.newWindowTarget, f.newWindowErr
}
func (f *fakeAdapter) KillWindow(ctx context.Context, target string) error         { return f.killErr }
func (f *fakeAdapter) RenameWindow(ctx context.Context, target, name string) error { return nil }
func (f *fakeAdapter) ResizeWindow(ctx context.Context, target string, cols, rows int) error {
	return nil
}
func (f *fakeAdapter) SwitchClient(ctx context.Context, clientTTY, target string) error { return nil }
func (f *fakeAdapter) ListClients(ctx context.Context, session string) ([]tmux.Client, error) {
	return nil, nil
}
func (f *fakeAdapter) NewSession(ctx context.Context, name, cwd string) error { return nil }
func (f *fakeAdapter) SendKeys(ctx context.Context, target, text string) error { return nil }
func (f *fakeAdapter) NewGroupedSession(ctx context.Context, name, baseSession string) error {
	return nil
}
func (f *fakeAdapter) HasSession(ctx context.Context, name string) (bool, error) { return true, nil }
func (f *fakeAdapter) KillSession(ctx context.Context, name string) error       { return nil }

type fakeMatcher struct {
	correlatedAfter time.Duration
	target          string
	started         time.Time
}

func (f *fakeMatcher) CorrelatedWindow(sessionID string) (string, bool) {
	if f.started.IsZero() {
		f.started = time.Now()
	}
	if time.Since(f.started) >= f.correlatedAfter {
		return f.target, true
	}
	return "", false
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResume_NotFound(t *testing.T) {
	db := newTestStore(t)
	mgr := New(db, &fakeAdapter{}, &fakeMatcher{}, DefaultCommandTemplates(), "agentboard", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := mgr.Resume(context.Background(), "missing")
	perr, ok := err.(*Error)
	if !ok || perr.Code != ErrNotFound {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestResume_AlreadyActiveWhenWindowSet(t *testing.T) {
	db := newTestStore(t)
	window := "agentboard:1"
	if err := db.InsertSession(context.Background(), store.AgentSession{
		SessionID: "s1", AgentType: "claude", CurrentWindow: &window, ProjectPath: "/tmp",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr := New(db, &fakeAdapter{}, &fakeMatcher{}, DefaultCommandTemplates(), "agentboard", slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := mgr.Resume(context.Background(), "s1")
	perr, ok := err.(*Error)
	if !ok || perr.Code != ErrAlreadyActive {
		t.Fatalf("got %v, want ALREADY_ACTIVE", err)
	}
}

func TestResume_SucceedsWhenMatcherCorrelatesQuickly(t *testing.T) {
	db := newTestStore(t)
	if err := db.InsertSession(context.Background(), store.AgentSession{
		SessionID: "s1", AgentType: "claude", ProjectPath: "/tmp",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	adapter := &fakeAdapter{newWindowTarget: "agentboard:2"}
	matcher := &fakeMatcher{correlatedAfter: 0, target: "agentboard:2"}
	mgr := New(db, adapter, matcher, DefaultCommandTemplates(), "agentboard", slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.waitFor = time.Second

	got, err := mgr.Resume(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("got session %q, want s1", got.SessionID)
	}
}

func TestResume_FailsAndOrphansOnCorrelationTimeout(t *testing.T) {
	db := newTestStore(t)
	if err := db.InsertSession(context.Background(), store.AgentSession{
		SessionID: "s1", AgentType: "claude", ProjectPath: "/tmp",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	adapter := &fakeAdapter{newWindowTarget: "agentboard:2"}
	matcher := &fakeMatcher{correlatedAfter: time.Hour}
	mgr := New(db, adapter, matcher, DefaultCommandTemplates(), "agentboard", slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.waitFor = 50 * time.Millisecond

	_, err := mgr.Resume(context.Background(), "s1")
	perr, ok := err.(*Error)
	if !ok || perr.Code != ErrResurrectionFailed {
		t.Fatalf("got %v, want RESURRECTION_FAILED", err)
	}
}

func TestKill_RequiresActiveWindow(t *testing.T) {
	db := newTestStore(t)
	if err := db.InsertSession(context.Background(), store.AgentSession{
		SessionID: "s1", AgentType: "claude", ProjectPath: "/tmp",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr := New(db, &fakeAdapter{}, &fakeMatcher{}, DefaultCommandTemplates(), "agentboard", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := mgr.Kill(context.Background(), "s1"); err == nil {
		t.Fatal("expected error killing a session with no active window")
	}
}
