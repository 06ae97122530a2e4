package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *Ledger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		capability TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_task_at ON invocations(task_id, at);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		description TEXT NOT NULL,
		route TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL,
		iterations INTEGER NOT NULL,
		path TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
