package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/routeloop/internal/gateway"
)

// RecordInvocation appends one attempt to the log.
func (s *Ledger) RecordInvocation(ctx context.Context, a gateway.Attempt) error {
	var errText sql.NullString
	if a.Error != "" {
		errText = sql.NullString{String: a.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (task_id, phase, capability, attempt, duration_ms, outcome, exit_code, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.Phase, a.Capability, a.Number, a.Duration.Milliseconds(), a.Outcome, a.ExitCode, errText, formatTime(a.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

// Invocations returns a task's attempts in the order they happened.
func (s *Ledger) Invocations(ctx context.Context, taskID string) ([]gateway.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, phase, capability, attempt, duration_ms, outcome, exit_code, error, at
		FROM invocations
		WHERE task_id = ?
		ORDER BY at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var out []gateway.Attempt
	for rows.Next() {
		var a gateway.Attempt
		var ms int64
		var errText sql.NullString
		var at string
		if err := rows.Scan(&a.TaskID, &a.Phase, &a.Capability, &a.Number, &ms, &a.Outcome, &a.ExitCode, &errText, &at); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		a.Error = errText.String
		if a.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CapabilityStats aggregates attempts for one capability.
type CapabilityStats struct {
	Capability string
	Attempts   int
	Successes  int
	AvgMillis  float64
}

// Stats summarises the whole log per capability.
func (s *Ledger) Stats(ctx context.Context) ([]CapabilityStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capability,
		       COUNT(*),
		       SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
		       AVG(duration_ms)
		FROM invocations
		GROUP BY capability
		ORDER BY capability`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var out []CapabilityStats
	for rows.Next() {
		var cs CapabilityStats
		if err := rows.Scan(&cs.Capability, &cs.Attempts, &cs.Successes, &cs.AvgMillis); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
