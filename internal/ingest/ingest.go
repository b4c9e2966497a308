package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hookrelay.io/relay/common/id"
	"hookrelay.io/relay/internal/condition"
	"hookrelay.io/relay/internal/metrics"
	"hookrelay.io/relay/internal/model"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/store"
)

// setupGracePeriod is how long an unfinished trigger wizard blocks
// execution. Past it the wizard is treated as abandoned and setup is
// completed as a side effect of the next delivery.
const setupGracePeriod = 15 * time.Minute

var (
	ErrTriggerNotFound = errors.New("trigger not found")

	errBadRequest = errors.New("invalid ingest request")
)

type Params struct {
	TriggerID int64
	// DeliveryID is the sender-provided idempotency hint. Empty falls
	// back to a content hash of the payload.
	DeliveryID string
	Payload    json.RawMessage
}

type Result struct {
	EventID    *int64
	DeliveryID string
	Duplicated bool
	Matched    bool
	Enqueued   bool
}

// Correlator is invoked after ingestion to check the trigger's workflows.
// Implemented by the workflow package; injected to keep ingestion testable.
type Correlator interface {
	Correlate(ctx context.Context, trigger *model.Trigger) error
}

type Service interface {
	Ingest(ctx context.Context, params Params) (*Result, error)
}

type service struct {
	stores     *store.Stores
	txRunner   TxRunner
	queue      queue.Producer
	correlator Correlator
	sink       metrics.Sink
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(stores *store.Stores, txRunner TxRunner, producer queue.Producer, correlator Correlator, sink metrics.Sink, logger *slog.Logger) Service {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		stores:     stores,
		txRunner:   txRunner,
		queue:      producer,
		correlator: correlator,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *service) Ingest(ctx context.Context, params Params) (*Result, error) {
	result, err := s.ingest(ctx, params)
	if err != nil {
		if errors.Is(err, ErrTriggerNotFound) || errors.Is(err, errBadRequest) {
			s.sink.WebhookReceived(metrics.IngestRejected)
		} else {
			s.sink.WebhookReceived(metrics.IngestError)
		}
	}
	return result, err
}

func (s *service) ingest(ctx context.Context, params Params) (*Result, error) {
	if params.TriggerID == 0 {
		return nil, fmt.Errorf("%w: trigger id is required", errBadRequest)
	}
	if len(params.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", errBadRequest)
	}

	trigger, err := s.stores.Triggers().GetByID(ctx, params.TriggerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTriggerNotFound
		}
		return nil, fmt.Errorf("fetching trigger: %w", err)
	}

	// Disabled triggers ack silently so the sender does not retry.
	if !trigger.Enabled {
		s.sink.WebhookReceived(metrics.IngestDisabled)
		return &Result{}, nil
	}

	deliveryID := params.DeliveryID
	if deliveryID == "" {
		sum := sha256.Sum256(params.Payload)
		deliveryID = hex.EncodeToString(sum[:])
	}

	now := s.now()
	executionAllowed := trigger.SetupComplete
	completeAbandoned := false
	if !executionAllowed && now.Sub(trigger.CreatedAt) > setupGracePeriod {
		completeAbandoned = true
		executionAllowed = true
	}

	if !condition.Evaluate(params.Payload, trigger.Conditions) {
		if completeAbandoned {
			if err := s.stores.Triggers().CompleteSetup(ctx, trigger.ID); err != nil {
				return nil, fmt.Errorf("completing abandoned setup: %w", err)
			}
			s.logger.InfoContext(ctx, "abandoned setup auto-completed", "trigger_id", trigger.ID)
		}
		s.sink.WebhookReceived(metrics.IngestNoMatch)
		return &Result{DeliveryID: deliveryID}, nil
	}

	event := &model.Event{
		ID:         id.New(),
		ProjectID:  trigger.ProjectID,
		TriggerID:  trigger.ID,
		DeliveryID: deliveryID,
		Payload:    params.Payload,
		ReceivedAt: now,
	}

	// A concurrent retry of the same delivery must not insert a second
	// row, so the upsert (plus setup completion, when due) runs in one
	// transaction and duplicate detection comes from the insert itself.
	var (
		stored  *model.Event
		created bool
	)
	if err := s.txRunner.WithTx(ctx, func(sp *store.Stores) error {
		if completeAbandoned {
			if err := sp.Triggers().CompleteSetup(ctx, trigger.ID); err != nil {
				return fmt.Errorf("completing abandoned setup: %w", err)
			}
		}
		var err error
		stored, created, err = sp.Events().CreateOrGet(ctx, event)
		if err != nil {
			return fmt.Errorf("storing event: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if completeAbandoned {
		s.logger.InfoContext(ctx, "abandoned setup auto-completed", "trigger_id", trigger.ID)
	}

	if !created {
		s.sink.WebhookReceived(metrics.IngestDuplicate)
		s.logger.InfoContext(ctx, "duplicate delivery deduped", "trigger_id", trigger.ID, "delivery_id", deliveryID, "event_id", stored.ID)
		return &Result{EventID: &stored.ID, DeliveryID: deliveryID, Duplicated: true}, nil
	}

	if !executionAllowed {
		// Stored for inspection only; the wizard is still in progress.
		s.sink.WebhookReceived(metrics.IngestDeferred)
		return &Result{EventID: &stored.ID, DeliveryID: deliveryID, Matched: true}, nil
	}

	enqueued, err := s.dispatch(ctx, trigger, stored, deliveryID, now)
	if err != nil {
		return nil, err
	}

	if err := s.correlator.Correlate(ctx, trigger); err != nil {
		// Correlation failures must not bounce the delivery; the sender
		// already did its part.
		s.logger.ErrorContext(ctx, "workflow correlation failed", "trigger_id", trigger.ID, "error", err)
	}

	s.sink.WebhookReceived(metrics.IngestAccepted)
	return &Result{EventID: &stored.ID, DeliveryID: deliveryID, Matched: true, Enqueued: enqueued}, nil
}

// dispatch enqueues either a batch job (threshold crossed), nothing
// (threshold pending), or a single job (no threshold configured).
func (s *service) dispatch(ctx context.Context, trigger *model.Trigger, event *model.Event, deliveryID string, now time.Time) (bool, error) {
	if trigger.Threshold != nil && trigger.Threshold.Count > 0 {
		window := trigger.Threshold.Window()
		count, err := s.stores.Events().CountForTriggerSince(ctx, trigger.ID, now.Add(-window))
		if err != nil {
			return false, fmt.Errorf("counting window events: %w", err)
		}
		if count < trigger.Threshold.Count {
			return false, nil
		}

		bucket := queue.Bucket(now, window)
		windowStart := now.Add(-window)
		task := queue.Task{
			Kind:        queue.KindBatch,
			TriggerID:   &trigger.ID,
			WindowStart: &windowStart,
			WindowEnd:   &now,
			DedupeKey:   queue.BatchDedupeKey(trigger.ID, bucket),
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return false, fmt.Errorf("enqueueing batch job: %w", err)
		}
		s.sink.JobEnqueued(string(queue.KindBatch))
		return true, nil
	}

	task := queue.Task{
		Kind:      queue.KindSingle,
		EventID:   &event.ID,
		TriggerID: &trigger.ID,
		DedupeKey: queue.SingleDedupeKey(trigger.ID, deliveryID),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return false, fmt.Errorf("enqueueing event job: %w", err)
	}
	s.sink.JobEnqueued(string(queue.KindSingle))
	return true, nil
}
