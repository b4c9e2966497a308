package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"hookrelay.io/relay/core/db"
	"hookrelay.io/relay/internal/model"
)

type postgresWorkflowStore struct {
	db db.DBTX
}

const workflowColumns = `id, project_id, name, enabled, trigger_ids, match_mode, time_window_minutes, conditions, created_at`

func (s *postgresWorkflowStore) GetByID(ctx context.Context, id int64) (*model.Workflow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying workflow: %w", err)
	}
	return wf, nil
}

func (s *postgresWorkflowStore) ListEnabledByTrigger(ctx context.Context, triggerID int64) ([]model.Workflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE enabled = true AND $1 = ANY(trigger_ids)
		ORDER BY id`, triggerID)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var workflows []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row pgx.Row) (*model.Workflow, error) {
	var (
		wf            model.Workflow
		conditionsRaw []byte
	)
	if err := row.Scan(&wf.ID, &wf.ProjectID, &wf.Name, &wf.Enabled, &wf.TriggerIDs,
		&wf.MatchMode, &wf.TimeWindowMinutes, &conditionsRaw, &wf.CreatedAt); err != nil {
		return nil, err
	}
	if len(conditionsRaw) > 0 {
		if err := json.Unmarshal(conditionsRaw, &wf.Conditions); err != nil {
			return nil, fmt.Errorf("decoding workflow conditions: %w", err)
		}
	}
	return &wf, nil
}
