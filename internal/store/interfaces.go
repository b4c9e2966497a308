package store

import (
	"context"
	"errors"
	"time"

	"hookrelay.io/relay/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// TriggerStore defines the read surface the core needs over triggers.
// Triggers are written by the dashboard; the only mutation the core
// performs is the idempotent setup completion.
type TriggerStore interface {
	GetByID(ctx context.Context, id int64) (*model.Trigger, error)
	// CompleteSetup flips setup_complete to true. Idempotent: calling it
	// on an already-complete trigger is a no-op.
	CompleteSetup(ctx context.Context, id int64) error
}

// EventStore defines the contract for webhook event data access
type EventStore interface {
	GetByID(ctx context.Context, id int64) (*model.Event, error)
	// CreateOrGet inserts the event or, when the (trigger_id, delivery_id)
	// pair already exists, returns the stored row untouched. The upsert is
	// a single statement so racing deliveries of the same pair cannot both
	// insert. The bool reports whether this call created the row.
	CreateOrGet(ctx context.Context, event *model.Event) (*model.Event, bool, error)
	ListByIDs(ctx context.Context, ids []int64) ([]model.Event, error)
	CountForTriggerSince(ctx context.Context, triggerID int64, since time.Time) (int, error)
	ListForTriggerBetween(ctx context.Context, triggerID int64, from, to time.Time) ([]model.Event, error)
	// ListUnclaimedForTriggersSince returns events in-window across the given
	// triggers that no workflow execution has claimed yet.
	ListUnclaimedForTriggersSince(ctx context.Context, triggerIDs []int64, since time.Time) ([]model.Event, error)
	// ClaimForExecution back-references the events to the execution that
	// consumed them, removing them from future workflow matches.
	ClaimForExecution(ctx context.Context, eventIDs []int64, executionID int64) error
}

// ExecutionStore defines the contract for execution audit records
type ExecutionStore interface {
	GetByID(ctx context.Context, id int64) (*model.Execution, error)
	Create(ctx context.Context, exec *model.Execution) error
	// CreateRunningGuarded inserts a running execution only if the
	// trigger's low-noise slot is free (when lowNoise is set) and the
	// project is under its UTC-daily cap (when dailyCap > 0). The guard is
	// a single conditional INSERT, so concurrent workers cannot both be
	// admitted. Returns false when the insert was rejected.
	CreateRunningGuarded(ctx context.Context, exec *model.Execution, dailyCap int, lowNoise bool) (bool, error)
	MarkCompleted(ctx context.Context, id int64, sessionID, output string, completedAt time.Time, latencyMs int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, completedAt time.Time) error
	HasRunningForTrigger(ctx context.Context, triggerID int64) (bool, error)
	CountForProjectSince(ctx context.Context, projectID int64, since time.Time) (int, error)
	ListRecentByTrigger(ctx context.Context, triggerID int64, limit int32) ([]model.Execution, error)
}

// WorkflowStore defines the contract for workflow data access
type WorkflowStore interface {
	GetByID(ctx context.Context, id int64) (*model.Workflow, error)
	// ListEnabledByTrigger returns enabled workflows whose trigger set
	// contains the given trigger.
	ListEnabledByTrigger(ctx context.Context, triggerID int64) ([]model.Workflow, error)
}

// ProjectStore defines the contract for project data access
type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (*model.Project, error)
}
