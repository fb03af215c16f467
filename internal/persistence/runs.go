package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/pipeline"
)

// SaveReport stores a finished run. Saving the same run ID again replaces
// the earlier copy.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.RunReport) error {
	if report == nil || report.RunID == "" {
		return errors.New("report has no run ID")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	counts := report.Counts()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, result, started_at, finished_at, stage_count, failed_count, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pipeline = excluded.pipeline,
			result = excluded.result,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			stage_count = excluded.stage_count,
			failed_count = excluded.failed_count,
			report = excluded.report
	`, report.RunID, report.Pipeline, report.Result.String(),
		report.StartedAt.UTC(), report.FinishedAt.UTC(),
		len(report.Stages), counts[pipeline.StageFailed], string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM stage_outcomes WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to delete old stage outcomes: %w", err)
	}
	for i, stage := range report.Stages {
		var kind sql.NullString
		if stage.Failure != nil {
			kind = sql.NullString{String: string(stage.Failure.Kind), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_outcomes (run_id, position, name, status, skip_reason, failure_kind, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, report.RunID, i, stage.Name, stage.Status.String(), stage.SkipReason, kind, stage.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert stage %s: %w", stage.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetReport loads the full report for runID.
func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*engine.RunReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	var report engine.RunReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return &report, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT id, pipeline, result, started_at, finished_at, stage_count, failed_count
		FROM runs
		ORDER BY started_at DESC, id
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var result string
		if err := rows.Scan(&r.RunID, &r.Pipeline, &result, &r.StartedAt, &r.FinishedAt, &r.Stages, &r.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.Result, err = pipeline.ParseResult(result); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.RunID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}
