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

type postgresTriggerStore struct {
	db db.DBTX
}

const triggerColumns = `id, project_id, name, enabled, setup_complete, conditions, threshold,
	prompt_template, repo_url, low_noise_mode, daily_cap, created_at, updated_at`

func (s *postgresTriggerStore) GetByID(ctx context.Context, id int64) (*model.Trigger, error) {
	row := s.db.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id)
	trigger, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying trigger: %w", err)
	}
	return trigger, nil
}

func (s *postgresTriggerStore) CompleteSetup(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE triggers
		SET setup_complete = true, updated_at = now()
		WHERE id = $1 AND setup_complete = false`, id)
	if err != nil {
		return fmt.Errorf("completing trigger setup: %w", err)
	}
	return nil
}

func scanTrigger(row pgx.Row) (*model.Trigger, error) {
	var (
		t             model.Trigger
		conditionsRaw []byte
		thresholdRaw  []byte
	)
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Name, &t.Enabled, &t.SetupComplete,
		&conditionsRaw, &thresholdRaw, &t.PromptTemplate, &t.RepoURL,
		&t.LowNoiseMode, &t.DailyCap, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(conditionsRaw) > 0 {
		if err := json.Unmarshal(conditionsRaw, &t.Conditions); err != nil {
			return nil, fmt.Errorf("decoding trigger conditions: %w", err)
		}
	}
	if len(thresholdRaw) > 0 {
		var th model.ThresholdConfig
		if err := json.Unmarshal(thresholdRaw, &th); err != nil {
			return nil, fmt.Errorf("decoding trigger threshold: %w", err)
		}
		t.Threshold = &th
	}
	return &t, nil
}
