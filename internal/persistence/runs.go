package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/routeloop/internal/checkpoint"
)

// RecordRun catalogs an archived run. Recording the same archive path twice is a no-op.
func (s *Ledger) RecordRun(ctx context.Context, run checkpoint.ArchivedRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (task_id, description, route, status, progress, iterations, path, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		run.ID, run.Description, run.Route, string(run.Status), run.Progress, run.Iterations, run.Path,
		formatTime(run.CreatedAt), formatTime(run.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// Runs lists archived runs, most recently archived first. limit <= 0 means all.
func (s *Ledger) Runs(ctx context.Context, limit int) ([]checkpoint.ArchivedRun, error) {
	query := `
		SELECT task_id, description, route, status, progress, iterations, path, created_at, archived_at
		FROM runs
		ORDER BY archived_at DESC, id DESC`
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

	var out []checkpoint.ArchivedRun
	for rows.Next() {
		var r checkpoint.ArchivedRun
		var status, created, archived string
		if err := rows.Scan(&r.ID, &r.Description, &r.Route, &status, &r.Progress, &r.Iterations, &r.Path, &created, &archived); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = checkpoint.Status(status)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if r.ArchivedAt, err = parseTime(archived); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
