// Package store is the embedded SQL persistence layer for agent sessions
// and app-wide settings. It wires modernc.org/sqlite (a direct dependency
// the teacher repo carried but never imported) into a real schema with
// forward-only migrations, grounded on the same atomic-rename persistence
// discipline the teacher used for its JSON session store: never leave the
// file in a half-written state, and never let two goroutines drive a
// migration concurrently.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// AgentSession is the persisted record for one agent CLI session, keyed by
// the opaque sessionId the agent itself assigns.
type AgentSession struct {
	SessionID        string
	LogFilePath      string
	ProjectPath      string
	AgentType        string // "claude" | "codex"
	DisplayName      string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	CurrentWindow    *string // nil ⇒ orphaned/inactive
	LastUserMessage  string
	IsPinned         bool
	LastResumeError  string
	LastKnownLogSize int64
}

// Patch carries a sparse set of column updates for updateSession. A nil
// field means "leave unchanged"; CurrentWindow is double-pointered so a
// caller can distinguish "leave unchanged" from "set to null" (orphaning).
type Patch struct {
	LastActivityAt   *time.Time
	CurrentWindow    **string
	LastUserMessage  *string
	LastKnownLogSize *int64
	LastResumeError  *string
	DisplayName      *string
}

// Store owns the sqlite connection. All mutations run on a single
// goroutine (the writer loop) so migrations, inserts, and updates never
// interleave; reads also route through it to keep ordering simple, since
// sqlite call volume here is low (registry tick cadence, not per-byte).
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	reqCh chan request
	done  chan struct{}
}

type request struct {
	fn   func(*sql.DB) (any, error)
	resp chan response
}

type response struct {
	val any
	err error
}

// Open creates or opens the sqlite file at path, runs pending migrations,
// and starts the writer loop. Callers must call Close when done.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite + single writer loop: one connection is enough and avoids lock contention

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: db, logger: logger, reqCh: make(chan request), done: make(chan struct{})}
	go s.writerLoop()
	return s, nil
}

func (s *Store) writerLoop() {
	for req := range s.reqCh {
		val, err := req.fn(s.db)
		req.resp <- response{val: val, err: err}
	}
	close(s.done)
}

func (s *Store) call(fn func(*sql.DB) (any, error)) (any, error) {
	resp := make(chan response, 1)
	s.reqCh <- request{fn: fn, resp: resp}
	r := <-resp
	return r.val, r.err
}

func (s *Store) Close() error {
	close(s.reqCh)
	<-s.done
	return s.db.Close()
}

func scanSession(row interface{ Scan(...any) error }) (AgentSession, error) {
	var s AgentSession
	var createdAt, lastActivityAt int64
	var currentWindow sql.NullString
	var pinned int
	err := row.Scan(
		&s.SessionID, &s.LogFilePath, &s.ProjectPath, &s.AgentType, &s.DisplayName,
		&createdAt, &lastActivityAt, &currentWindow, &s.LastUserMessage, &pinned,
		&s.LastResumeError, &s.LastKnownLogSize,
	)
	if err != nil {
		return AgentSession{}, err
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.LastActivityAt = time.Unix(lastActivityAt, 0).UTC()
	s.IsPinned = pinned != 0
	if currentWindow.Valid {
		v := currentWindow.String
		s.CurrentWindow = &v
	}
	return s, nil
}

const sessionColumns = `session_id, log_file_path, project_path, agent_type, display_name,
	created_at, last_activity_at, current_window, last_user_message, is_pinned,
	last_resume_error, last_known_log_size`

func (s *Store) InsertSession(ctx context.Context, rec AgentSession) error {
	_, err := s.call(func(db *sql.DB) (any, error) {
		_, err := db.ExecContext(ctx, `INSERT INTO agent_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.LogFilePath, rec.ProjectPath, rec.AgentType, rec.DisplayName,
			rec.CreatedAt.Unix(), rec.LastActivityAt.Unix(), nullableString(rec.CurrentWindow),
			rec.LastUserMessage, boolToInt(rec.IsPinned), rec.LastResumeError, rec.LastKnownLogSize)
		return nil, err
	})
	return err
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*AgentSession, error) {
	v, err := s.call(func(db *sql.DB) (any, error) {
		row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = ?`, sessionID)
		rec, err := scanSession(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*AgentSession), nil
}

func (s *Store) GetSessionByLogPath(ctx context.Context, logPath string) (*AgentSession, error) {
	v, err := s.call(func(db *sql.DB) (any, error) {
		row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE log_file_path = ?`, logPath)
		rec, err := scanSession(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*AgentSession), nil
}

func (s *Store) GetSessionByWindow(ctx context.Context, tmuxTarget string) (*AgentSession, error) {
	v, err := s.call(func(db *sql.DB) (any, error) {
		row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE current_window = ?`, tmuxTarget)
		rec, err := scanSession(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*AgentSession), nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch Patch) error {
	_, err := s.call(func(db *sql.DB) (any, error) {
		sets := []string{}
		args := []any{}
		if patch.LastActivityAt != nil {
			sets = append(sets, "last_activity_at = ?")
			args = append(args, patch.LastActivityAt.Unix())
		}
		if patch.CurrentWindow != nil {
			sets = append(sets, "current_window = ?")
			args = append(args, nullableString(*patch.CurrentWindow))
		}
		if patch.LastUserMessage != nil {
			sets = append(sets, "last_user_message = ?")
			args = append(args, *patch.LastUserMessage)
		}
		if patch.LastKnownLogSize != nil {
			sets = append(sets, "last_known_log_size = ?")
			args = append(args, *patch.LastKnownLogSize)
		}
		if patch.LastResumeError != nil {
			sets = append(sets, "last_resume_error = ?")
			args = append(args, *patch.LastResumeError)
		}
		if patch.DisplayName != nil {
			sets = append(sets, "display_name = ?")
			args = append(args, *patch.DisplayName)
		}
		if len(sets) == 0 {
			return nil, nil
		}
		query := "UPDATE agent_sessions SET "
		for i, set := range sets {
			if i > 0 {
				query += ", "
			}
			query += set
		}
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
		_, err := db.ExecContext(ctx, query, args...)
		return nil, err
	})
	return err
}

// OrphanSession sets currentWindow to null atomically, leaving the row
// intact so it can later be resumed.
func (s *Store) OrphanSession(ctx context.Context, sessionID string) error {
	_, err := s.call(func(db *sql.DB) (any, error) {
		_, err := db.ExecContext(ctx, `UPDATE agent_sessions SET current_window = NULL WHERE session_id = ?`, sessionID)
		return nil, err
	})
	return err
}

func (s *Store) SetPinned(ctx context.Context, sessionID string, pinned bool) error {
	_, err := s.call(func(db *sql.DB) (any, error) {
		_, err := db.ExecContext(ctx, `UPDATE agent_sessions SET is_pinned = ? WHERE session_id = ?`, boolToInt(pinned), sessionID)
		return nil, err
	})
	return err
}

func (s *Store) DisplayNameExists(ctx context.Context, name string) (bool, error) {
	v, err := s.call(func(db *sql.DB) (any, error) {
		var count int
		err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agent_sessions WHERE display_name = ?`, name).Scan(&count)
		return count > 0, err
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Store) GetActiveSessions(ctx context.Context) ([]AgentSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE current_window IS NOT NULL ORDER BY last_activity_at DESC`)
}

func (s *Store) GetInactiveSessions(ctx context.Context, maxAgeHours int) ([]AgentSession, error) {
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour).Unix()
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM agent_sessions
		WHERE current_window IS NULL AND (is_pinned = 1 OR last_activity_at >= ?)
		ORDER BY last_activity_at DESC`, cutoff)
}

func (s *Store) GetPinnedOrphaned(ctx context.Context) ([]AgentSession, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM agent_sessions
		WHERE current_window IS NULL AND is_pinned = 1 ORDER BY last_activity_at DESC`)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]AgentSession, error) {
	v, err := s.call(func(db *sql.DB) (any, error) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []AgentSession
		for rows.Next() {
			rec, err := scanSession(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, rows.Err()
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.([]AgentSession), nil
}

func (s *Store) GetAppSetting(ctx context.Context, key string) (string, bool, error) {
	v, err := s.call(func(db *sql.DB) (any, error) {
		var val string
		err := db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&val)
		if err == sql.ErrNoRows {
			return [2]any{"", false}, nil
		}
		if err != nil {
			return nil, err
		}
		return [2]any{val, true}, nil
	})
	if err != nil {
		return "", false, err
	}
	pair := v.([2]any)
	return pair[0].(string), pair[1].(bool), nil
}

func (s *Store) SetAppSetting(ctx context.Context, key, value string) error {
	_, err := s.call(func(db *sql.DB) (any, error) {
		_, err := db.ExecContext(ctx, `INSERT INTO app_settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return nil, err
	})
	return err
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
