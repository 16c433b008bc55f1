package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/agentboard/agentboard/internal/resume"
	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

// fakeAdapter implements tmux.Adapter with just enough behavior for the
// handlers under test; every unused method is a harmless no-op.
type fakeAdapter struct {
	displayMessages map[string]string // target -> canned DisplayMessage reply
	canceledTargets []string
	newWindowErr    error
}

func (f *fakeAdapter) ListWindows(ctx context.Context, sessionFilter string) ([]tmux.Window, error) {
	return nil, nil
}
func (f *fakeAdapter) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) DisplayMessage(ctx context.Context, target, format string) (string, error) {
	return f.displayMessages[target], nil
}
func (f *fakeAdapter) CancelCopyMode(ctx context.Context, target string) error {
	f.canceledTargets = append(f.canceledTargets, target)
	return nil
}
func (f *fakeAdapter) NewWindow(ctx context.Context, session, cwd, command string) (string, error) {
	return "", f.newWindowErr
}
func (f *fakeAdapter) KillWindow(ctx context.Context, target string) error         { return nil }
func (f *fakeAdapter) RenameWindow(ctx context.Context, target, name string) error { return nil }
func (f *fakeAdapter) ResizeWindow(ctx context.Context, target string, cols, rows int) error {
	return nil
}
func (f *fakeAdapter) SwitchClient(ctx context.Context, clientTTY, target string) error { return nil }
func (f *fakeAdapter) ListClients(ctx context.Context, session string) ([]tmux.Client, error) {
	return nil, nil
}
func (f *fakeAdapter) NewSession(ctx context.Context, name, cwd string) error  { return nil }
func (f *fakeAdapter) SendKeys(ctx context.Context, target, text string) error { return nil }
func (f *fakeAdapter) NewGroupedSession(ctx context.Context, name, baseSession string) error {
	return nil
}
func (f *fakeAdapter) HasSession(ctx context.Context, name string) (bool, error) { return true, nil }
func (f *fakeAdapter) KillSession(ctx context.Context, name string) error        { return nil }

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHandleSessionRename_UpdatesDisplayName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.InsertSession(ctx, store.AgentSession{SessionID: "abc", DisplayName: "old", LogFilePath: "/tmp/a.jsonl"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	h := &Hub{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	raw, _ := json.Marshal(sessionRenameMsg{SessionID: "abc", DisplayName: "new-name"})
	h.handleSessionRename(ctx, raw)

	got, err := db.GetSessionByID(ctx, "abc")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got.DisplayName != "new-name" {
		t.Fatalf("DisplayName = %q, want new-name", got.DisplayName)
	}
}

func TestHandleSessionPin_SetsPinned(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.InsertSession(ctx, store.AgentSession{SessionID: "abc", LogFilePath: "/tmp/a.jsonl"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	h := &Hub{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	raw, _ := json.Marshal(sessionPinMsg{SessionID: "abc", IsPinned: true})
	h.handleSessionPin(ctx, raw)

	got, err := db.GetSessionByID(ctx, "abc")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if !got.IsPinned {
		t.Fatal("expected IsPinned to be true after pin message")
	}
}

func TestHandleTmuxCheckCopyMode_QueriesPaneInMode(t *testing.T) {
	adapter := &fakeAdapter{displayMessages: map[string]string{"agentboard:0": "1"}}
	h := &Hub{adapter: adapter, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	raw, _ := json.Marshal(tmuxCopyModeMsg{TmuxTarget: "agentboard:0"})

	// Exercises only the adapter-facing side effect (writeJSON no-ops
	// without a live conn, same as the pin/rename tests above); the
	// assertion that matters is that nothing was canceled by a mere check.
	h.handleTmuxCheckCopyMode(context.Background(), raw)
	if len(adapter.canceledTargets) != 0 {
		t.Fatalf("check-copy-mode must never cancel, got %v", adapter.canceledTargets)
	}
}

func TestHandleTmuxCancelCopyMode_CallsCancelOnAdapter(t *testing.T) {
	adapter := &fakeAdapter{}
	h := &Hub{adapter: adapter, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	raw, _ := json.Marshal(tmuxCopyModeMsg{TmuxTarget: "agentboard:3"})

	h.handleTmuxCancelCopyMode(context.Background(), raw)
	if len(adapter.canceledTargets) != 1 || adapter.canceledTargets[0] != "agentboard:3" {
		t.Fatalf("expected agentboard:3 canceled exactly once, got %v", adapter.canceledTargets)
	}
}

type fakeResumeMatcher struct{}

func (fakeResumeMatcher) CorrelatedWindow(sessionID string) (string, bool) { return "", false }

func TestHandleSessionResume_NewWindowFailureDoesNotPanic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := db.InsertSession(ctx, store.AgentSession{SessionID: "abc", AgentType: "claude", ProjectPath: "/tmp", LogFilePath: "/tmp/a.jsonl"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	adapter := &fakeAdapter{newWindowErr: errors.New("tmux: no server running")}
	mgr := resume.New(db, adapter, fakeResumeMatcher{}, resume.DefaultCommandTemplates(), "agentboard", slog.New(slog.NewTextHandler(io.Discard, nil)))

	h := &Hub{db: db, resumeMgr: mgr, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	raw, _ := json.Marshal(sessionResumeMsg{SessionID: "abc"})

	// NewWindow fails immediately, so Resume returns ErrResumeFailed
	// rather than reaching the ErrResurrectionFailed branch; this mainly
	// guards handleSessionResume against a nil dereference now that it
	// branches on rerr.Code a second time.
	h.handleSessionResume(ctx, raw)
}
