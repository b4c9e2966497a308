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

type postgresEventStore struct {
	db db.DBTX
}

const eventColumns = `id, project_id, trigger_id, delivery_id, payload, received_at, execution_id`

func (s *postgresEventStore) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	row := s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEventRow(row)
}

func (s *postgresEventStore) CreateOrGet(ctx context.Context, event *model.Event) (*model.Event, bool, error) {
	// The no-op DO UPDATE makes the conflicting row visible to RETURNING,
	// so duplicate and first delivery resolve in one statement.
	row := s.db.QueryRow(ctx, `
		INSERT INTO events (id, project_id, trigger_id, delivery_id, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trigger_id, delivery_id) DO UPDATE SET delivery_id = EXCLUDED.delivery_id
		RETURNING `+eventColumns,
		event.ID, event.ProjectID, event.TriggerID, event.DeliveryID, event.Payload, event.ReceivedAt)
	stored, err := scanEventRow(row)
	if err != nil {
		return nil, false, fmt.Errorf("upserting event: %w", err)
	}
	created := stored.ID == event.ID
	return stored, created, nil
}

func (s *postgresEventStore) ListByIDs(ctx context.Context, ids []int64) ([]model.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ANY($1) ORDER BY received_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("listing events by id: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *postgresEventStore) CountForTriggerSince(ctx context.Context, triggerID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM events WHERE trigger_id = $1 AND received_at >= $2`,
		triggerID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

func (s *postgresEventStore) ListForTriggerBetween(ctx context.Context, triggerID int64, from, to time.Time) ([]model.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE trigger_id = $1 AND received_at >= $2 AND received_at < $3
		ORDER BY received_at`,
		triggerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing events in window: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *postgresEventStore) ListUnclaimedForTriggersSince(ctx context.Context, triggerIDs []int64, since time.Time) ([]model.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE trigger_id = ANY($1) AND received_at >= $2 AND execution_id IS NULL
		ORDER BY received_at`,
		triggerIDs, since)
	if err != nil {
		return nil, fmt.Errorf("listing unclaimed events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *postgresEventStore) ClaimForExecution(ctx context.Context, eventIDs []int64, executionID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE events SET execution_id = $1 WHERE id = ANY($2) AND execution_id IS NULL`,
		executionID, eventIDs)
	if err != nil {
		return fmt.Errorf("claiming events: %w", err)
	}
	return nil
}

func scanEventRow(row pgx.Row) (*model.Event, error) {
	var e model.Event
	if err := row.Scan(&e.ID, &e.ProjectID, &e.TriggerID, &e.DeliveryID, &e.Payload, &e.ReceivedAt, &e.ExecutionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	return &e, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TriggerID, &e.DeliveryID, &e.Payload, &e.ReceivedAt, &e.ExecutionID); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
