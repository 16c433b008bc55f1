package store

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestOpen_CreatesSchemaAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agentboard.db")
	s, err := Open(ctx, path, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec := AgentSession{
		SessionID:      "sess-1",
		LogFilePath:    "/home/user/.claude/projects/foo/sess-1.jsonl",
		ProjectPath:    "/home/user/foo",
		AgentType:      "claude",
		DisplayName:    "foo",
		CreatedAt:      time.Now().Truncate(time.Second),
		LastActivityAt: time.Now().Truncate(time.Second),
	}
	if err := s.InsertSession(ctx, rec); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := s.GetSessionByID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got == nil {
		t.Fatal("expected session to be found")
	}
	if got.ProjectPath != rec.ProjectPath {
		t.Fatalf("expected project path %q, got %q", rec.ProjectPath, got.ProjectPath)
	}
	if got.CurrentWindow != nil {
		t.Fatal("expected new session to have nil currentWindow")
	}
}

func TestUpdateSession_PatchCurrentWindowToOrphan(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agentboard.db")
	s, err := Open(ctx, path, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec := AgentSession{SessionID: "sess-2", LogFilePath: "/log2", CreatedAt: time.Now(), LastActivityAt: time.Now()}
	if err := s.InsertSession(ctx, rec); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	win := "agentboard:3"
	if err := s.UpdateSession(ctx, "sess-2", Patch{CurrentWindow: ptrPtr(&win)}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, err := s.GetSessionByID(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got.CurrentWindow == nil || *got.CurrentWindow != win {
		t.Fatalf("expected currentWindow %q, got %v", win, got.CurrentWindow)
	}

	if err := s.OrphanSession(ctx, "sess-2"); err != nil {
		t.Fatalf("OrphanSession: %v", err)
	}
	got, err = s.GetSessionByID(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got.CurrentWindow != nil {
		t.Fatal("expected currentWindow to be nil after orphaning")
	}
}

func ptrPtr(s *string) **string { return &s }

// TestMigration_LegacySchemaDropsSessionSourceAndSynthetics builds a
// pre-agentboard schema by hand (no schema_version row, carrying
// session_source and lacking last_user_message), seeds it with a
// synthetic row and a real one, then opens it through Open and verifies
// the synthetic row is gone, the real row survives with last_user_message
// present, and it's still retrievable by sessionId.
func TestMigration_LegacySchemaDropsSessionSourceAndSynthetics(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := raw.ExecContext(ctx, `CREATE TABLE agent_sessions (
		session_id TEXT PRIMARY KEY,
		log_file_path TEXT UNIQUE NOT NULL,
		project_path TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		last_activity_at INTEGER NOT NULL DEFAULT 0,
		current_window TEXT,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		last_resume_error TEXT NOT NULL DEFAULT '',
		last_known_log_size INTEGER NOT NULL DEFAULT 0,
		session_source TEXT
	)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := raw.ExecContext(ctx, `INSERT INTO agent_sessions
		(session_id, log_file_path, created_at, last_activity_at, session_source)
		VALUES ('real-1', '/log/real-1.jsonl', 100, 200, NULL)`); err != nil {
		t.Fatalf("insert real row: %v", err)
	}
	if _, err := raw.ExecContext(ctx, `INSERT INTO agent_sessions
		(session_id, log_file_path, created_at, last_activity_at, session_source)
		VALUES ('synthetic-1', '/log/synthetic-1.jsonl', 100, 200, 'synthetic')`); err != nil {
		t.Fatalf("insert synthetic row: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close raw db: %v", err)
	}

	s, err := Open(ctx, path, slog.Default())
	if err != nil {
		t.Fatalf("Open on legacy schema: %v", err)
	}
	defer s.Close()

	synthetic, err := s.GetSessionByID(ctx, "synthetic-1")
	if err != nil {
		t.Fatalf("GetSessionByID(synthetic-1): %v", err)
	}
	if synthetic != nil {
		t.Fatal("expected synthetic row to be removed by migration")
	}

	real, err := s.GetSessionByID(ctx, "real-1")
	if err != nil {
		t.Fatalf("GetSessionByID(real-1): %v", err)
	}
	if real == nil {
		t.Fatal("expected real row to survive migration")
	}
	if real.LastUserMessage != "" {
		t.Fatalf("expected default empty last_user_message, got %q", real.LastUserMessage)
	}

	// last_user_message must now be writable, proving the column exists.
	msg := "hello from the migrated schema"
	if err := s.UpdateSession(ctx, "real-1", Patch{LastUserMessage: &msg}); err != nil {
		t.Fatalf("UpdateSession after migration: %v", err)
	}
}

func TestAppSettings_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agentboard.db")
	s, err := Open(ctx, path, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.GetAppSetting(ctx, "tmuxMouseMode"); err != nil || ok {
		t.Fatalf("expected missing setting, got ok=%v err=%v", ok, err)
	}
	if err := s.SetAppSetting(ctx, "tmuxMouseMode", "on"); err != nil {
		t.Fatalf("SetAppSetting: %v", err)
	}
	val, ok, err := s.GetAppSetting(ctx, "tmuxMouseMode")
	if err != nil || !ok || val != "on" {
		t.Fatalf("expected on/true, got %q/%v err=%v", val, ok, err)
	}
	if err := s.SetAppSetting(ctx, "tmuxMouseMode", "off"); err != nil {
		t.Fatalf("SetAppSetting overwrite: %v", err)
	}
	val, _, _ = s.GetAppSetting(ctx, "tmuxMouseMode")
	if val != "off" {
		t.Fatalf("expected overwrite to take effect, got %q", val)
	}
}
