package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hookrelay.io/relay/core/db"
	"hookrelay.io/relay/internal/model"
)

type postgresExecutionStore struct {
	db db.DBTX
}

const executionColumns = `id, event_id, project_id, trigger_id, workflow_id, status, prompt,
	session_id, output, error, started_at, completed_at, latency_ms, created_at`

func (s *postgresExecutionStore) GetByID(ctx context.Context, id int64) (*model.Execution, error) {
	row := s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return scanExecutionRow(row)
}

func (s *postgresExecutionStore) Create(ctx context.Context, exec *model.Execution) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO executions (id, event_id, project_id, trigger_id, workflow_id, status, prompt,
			error, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID, exec.EventID, exec.ProjectID, exec.TriggerID, exec.WorkflowID, exec.Status,
		exec.Prompt, exec.Error, exec.StartedAt, exec.CompletedAt, exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// The daily-cap window starts at UTC midnight; both conditions live in the
// INSERT itself so two workers racing for the same slot cannot both win.
func (s *postgresExecutionStore) CreateRunningGuarded(ctx context.Context, exec *model.Execution, dailyCap int, lowNoise bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO executions (id, event_id, project_id, trigger_id, workflow_id, status, prompt, started_at, created_at)
		SELECT $1, $2, $3, $4, $5, 'running', $6, $7, $8
		WHERE ($9::bool = false OR NOT EXISTS (
			SELECT 1 FROM executions WHERE trigger_id = $4 AND status = 'running'))
		AND ($10::int <= 0 OR (
			SELECT count(*) FROM executions
			WHERE project_id = $3 AND created_at >= date_trunc('day', now() AT TIME ZONE 'utc')) < $10)`,
		exec.ID, exec.EventID, exec.ProjectID, exec.TriggerID, exec.WorkflowID,
		exec.Prompt, exec.StartedAt, exec.CreatedAt, lowNoise, dailyCap)
	if err != nil {
		return false, fmt.Errorf("inserting running execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresExecutionStore) MarkCompleted(ctx context.Context, id int64, sessionID, output string, completedAt time.Time, latencyMs int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE executions
		SET status = 'completed', session_id = $2, output = $3, completed_at = $4, latency_ms = $5
		WHERE id = $1 AND status = 'running'`,
		id, sessionID, output, completedAt, latencyMs)
	if err != nil {
		return fmt.Errorf("marking execution completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %d not running: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresExecutionStore) MarkFailed(ctx context.Context, id int64, errMsg string, completedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE executions
		SET status = 'failed', error = $2, completed_at = $3
		WHERE id = $1 AND status = 'running'`,
		id, errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("marking execution failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %d not running: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresExecutionStore) HasRunningForTrigger(ctx context.Context, triggerID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM executions WHERE trigger_id = $1 AND status = 'running')`,
		triggerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking running executions: %w", err)
	}
	return exists, nil
}

func (s *postgresExecutionStore) CountForProjectSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM executions WHERE project_id = $1 AND created_at >= $2`,
		projectID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return count, nil
}

func (s *postgresExecutionStore) ListRecentByTrigger(ctx context.Context, triggerID int64, limit int32) ([]model.Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE trigger_id = $1 ORDER BY created_at DESC LIMIT $2`,
		triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var executions []model.Execution
	for rows.Next() {
		var e model.Execution
		if err := rows.Scan(&e.ID, &e.EventID, &e.ProjectID, &e.TriggerID, &e.WorkflowID, &e.Status,
			&e.Prompt, &e.SessionID, &e.Output, &e.Error, &e.StartedAt, &e.CompletedAt, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func scanExecutionRow(row pgx.Row) (*model.Execution, error) {
	var e model.Execution
	if err := row.Scan(&e.ID, &e.EventID, &e.ProjectID, &e.TriggerID, &e.WorkflowID, &e.Status,
		&e.Prompt, &e.SessionID, &e.Output, &e.Error, &e.StartedAt, &e.CompletedAt, &e.LatencyMs, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	return &e, nil
}
