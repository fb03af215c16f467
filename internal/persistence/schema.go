package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// runs.report holds the full JSON report; the other columns serve listing
// and ad-hoc queries.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		result TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		stage_count INTEGER NOT NULL,
		failed_count INTEGER NOT NULL,
		report TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS stage_outcomes (
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		skip_reason TEXT,
		failure_kind TEXT,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, position),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
