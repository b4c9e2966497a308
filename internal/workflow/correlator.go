package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hookrelay.io/relay/internal/condition"
	"hookrelay.io/relay/internal/metrics"
	"hookrelay.io/relay/internal/model"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/store"
)

// Correlator matches events across a workflow's triggers inside a rolling
// time window. It runs on the ingestion path after every stored event, so
// it only reads and enqueues; claiming events is left to the worker that
// executes the job.
type Correlator struct {
	stores *store.Stores
	queue  queue.Producer
	sink   metrics.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewCorrelator(stores *store.Stores, producer queue.Producer, sink metrics.Sink, logger *slog.Logger) *Correlator {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		stores: stores,
		queue:  producer,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Correlate checks every enabled workflow containing the trigger and
// enqueues a workflow job for each one whose match policy is satisfied.
func (c *Correlator) Correlate(ctx context.Context, trigger *model.Trigger) error {
	workflows, err := c.stores.Workflows().ListEnabledByTrigger(ctx, trigger.ID)
	if err != nil {
		return fmt.Errorf("listing workflows: %w", err)
	}

	var errs []error
	for i := range workflows {
		if err := c.correlateOne(ctx, &workflows[i]); err != nil {
			c.logger.ErrorContext(ctx, "workflow correlation failed", "workflow_id", workflows[i].ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Correlator) correlateOne(ctx context.Context, w *model.Workflow) error {
	// A workflow with no triggers configured can never fire.
	if len(w.TriggerIDs) == 0 {
		return nil
	}

	now := c.now()
	window := w.Window()
	since := now.Add(-window)

	events, err := c.stores.Events().ListUnclaimedForTriggersSince(ctx, w.TriggerIDs, since)
	if err != nil {
		return fmt.Errorf("listing window events: %w", err)
	}

	matched := passingEvents(w, events)
	if len(matched) == 0 {
		return nil
	}

	byTrigger := make(map[int64]bool, len(w.TriggerIDs))
	for _, e := range matched {
		byTrigger[e.TriggerID] = true
	}

	if w.MatchMode == model.MatchModeAll {
		for _, tid := range w.TriggerIDs {
			if !byTrigger[tid] {
				return nil
			}
		}
	}

	eventIDs := make([]int64, len(matched))
	for i, e := range matched {
		eventIDs[i] = e.ID
	}

	windowStart := since
	task := queue.Task{
		Kind:        queue.KindWorkflow,
		WorkflowID:  &w.ID,
		EventIDs:    eventIDs,
		WindowStart: &windowStart,
		WindowEnd:   &now,
		DedupeKey:   queue.WorkflowDedupeKey(w.ID, queue.Bucket(now, window)),
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueueing workflow job: %w", err)
	}

	c.sink.JobEnqueued(string(queue.KindWorkflow))
	c.logger.InfoContext(ctx, "workflow matched", "workflow_id", w.ID, "events", len(eventIDs), "mode", string(w.MatchMode))
	return nil
}

// passingEvents filters the window's events through the workflow's
// condition list. Conditions scoped to a trigger id apply only to that
// trigger's events; unscoped conditions apply to all of them.
func passingEvents(w *model.Workflow, events []model.Event) []model.Event {
	var out []model.Event
	for _, e := range events {
		conds := conditionsFor(w.Conditions, e.TriggerID)
		if condition.Evaluate(e.Payload, conds) {
			out = append(out, e)
		}
	}
	return out
}

func conditionsFor(conds []model.Condition, triggerID int64) []model.Condition {
	var out []model.Condition
	for _, c := range conds {
		if c.TriggerID == nil || *c.TriggerID == triggerID {
			out = append(out, c)
		}
	}
	return out
}
