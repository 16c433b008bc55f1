package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migrate brings the database up to the current schema. All statements in
// a single migration step run inside one transaction so a crash mid-way
// never leaves a half-migrated file; migrations are idempotent so a rerun
// against an already-current database is a no-op.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := ensureSchemaVersionTable(ctx, db); err != nil {
		return err
	}
	version, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range migrations {
		if step.version <= version {
			continue
		}
		logger.Info("store: applying migration", "version", step.version)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := step.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", step.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, step.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func ensureSchemaVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER DEFAULT (strftime('%s','now'))
	)`)
	return err
}

func currentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

type migrationStep struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migrationStep{
	{version: 1, apply: migrateV1CreateSchema},
	{version: 2, apply: migrateV2DropSessionSourceAddLastUserMessage},
}

// migrateV1CreateSchema lays down the two tables fresh. On a database that
// already has a pre-agentboard legacy schema (no schema_version row, but
// an agent_sessions table already present from an older tool) this step
// is skipped by CREATE TABLE IF NOT EXISTS, and v2 below handles bringing
// it current.
func migrateV1CreateSchema(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS agent_sessions (
		session_id TEXT PRIMARY KEY,
		log_file_path TEXT UNIQUE NOT NULL,
		project_path TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		last_activity_at INTEGER NOT NULL DEFAULT 0,
		current_window TEXT,
		last_user_message TEXT NOT NULL DEFAULT '',
		is_pinned INTEGER NOT NULL DEFAULT 0,
		last_resume_error TEXT NOT NULL DEFAULT '',
		last_known_log_size INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	return err
}

// migrateV2DropSessionSourceAddLastUserMessage handles the legacy schema
// described in the wire spec: an agent_sessions table that predates
// last_user_message and still carries a session_source column, with rows
// marked session_source='synthetic' that must be discarded. sqlite has no
// universal DROP COLUMN on older builds, so we rebuild the table: create
// the target shape, copy surviving rows across, drop the old table, and
// rename. Idempotent because it only runs when session_source exists.
func migrateV2DropSessionSourceAddLastUserMessage(ctx context.Context, tx *sql.Tx) error {
	hasSessionSource, err := columnExists(ctx, tx, "agent_sessions", "session_source")
	if err != nil {
		return err
	}
	if !hasSessionSource {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `CREATE TABLE agent_sessions_v2 (
		session_id TEXT PRIMARY KEY,
		log_file_path TEXT UNIQUE NOT NULL,
		project_path TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		last_activity_at INTEGER NOT NULL DEFAULT 0,
		current_window TEXT,
		last_user_message TEXT NOT NULL DEFAULT '',
		is_pinned INTEGER NOT NULL DEFAULT 0,
		last_resume_error TEXT NOT NULL DEFAULT '',
		last_known_log_size INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return err
	}

	hasLastUserMessage, err := columnExists(ctx, tx, "agent_sessions", "last_user_message")
	if err != nil {
		return err
	}
	lastUserMessageExpr := "''"
	if hasLastUserMessage {
		lastUserMessageExpr = "last_user_message"
	}

	copyQuery := fmt.Sprintf(`INSERT INTO agent_sessions_v2
		(session_id, log_file_path, project_path, agent_type, display_name,
		 created_at, last_activity_at, current_window, last_user_message,
		 is_pinned, last_resume_error, last_known_log_size)
		SELECT session_id, log_file_path, project_path, agent_type, display_name,
		 created_at, last_activity_at, current_window, %s,
		 is_pinned, last_resume_error, last_known_log_size
		FROM agent_sessions
		WHERE session_source IS NULL OR session_source != 'synthetic'`, lastUserMessageExpr)

	if _, err := tx.ExecContext(ctx, copyQuery); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE agent_sessions`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `ALTER TABLE agent_sessions_v2 RENAME TO agent_sessions`)
	return err
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
