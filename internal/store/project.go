package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"hookrelay.io/relay/core/db"
	"hookrelay.io/relay/internal/model"
)

type postgresProjectStore struct {
	db db.DBTX
}

func (s *postgresProjectStore) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	var p model.Project
	err := s.db.QueryRow(ctx, `
		SELECT id, name, encrypted_api_key, context_instructions, created_at
		FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.EncryptedAPIKey, &p.ContextInstructions, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying project: %w", err)
	}
	return &p, nil
}
