package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hookrelay.io/relay/internal/model"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/store"
)

// mockTxRunner hands the callback the same mock-backed stores; the real
// runner would bind them to a transaction.
type mockTxRunner struct {
	stores *store.Stores
}

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(stores *store.Stores) error) error {
	return fn(m.stores)
}

type mockTriggerStore struct {
	getByIDFn          func(ctx context.Context, id int64) (*model.Trigger, error)
	completeSetupFn    func(ctx context.Context, id int64) error
	completeSetupCalls int
}

func (m *mockTriggerStore) GetByID(ctx context.Context, id int64) (*model.Trigger, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockTriggerStore) CompleteSetup(ctx context.Context, id int64) error {
	m.completeSetupCalls++
	if m.completeSetupFn != nil {
		return m.completeSetupFn(ctx, id)
	}
	return nil
}

// mockEventStore upserts like the real store: the first event for a
// (trigger, delivery) pair wins, later ones get the stored row back. A
// mutex keeps that atomic under concurrent ingests.
type mockEventStore struct {
	createOrGetFn          func(ctx context.Context, event *model.Event) (*model.Event, bool, error)
	countForTriggerSinceFn func(ctx context.Context, triggerID int64, since time.Time) (int, error)

	mu            sync.Mutex
	byDelivery    map[string]*model.Event
	capturedEvent *model.Event
}

func (m *mockEventStore) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	return nil, store.ErrNotFound
}

func (m *mockEventStore) CreateOrGet(ctx context.Context, event *model.Event) (*model.Event, bool, error) {
	if m.createOrGetFn != nil {
		return m.createOrGetFn(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byDelivery == nil {
		m.byDelivery = make(map[string]*model.Event)
	}
	key := fmt.Sprintf("%d/%s", event.TriggerID, event.DeliveryID)
	if existing, ok := m.byDelivery[key]; ok {
		return existing, false, nil
	}
	m.byDelivery[key] = event
	m.capturedEvent = event
	return event, true, nil
}

func (m *mockEventStore) ListByIDs(ctx context.Context, ids []int64) ([]model.Event, error) {
	return nil, nil
}

func (m *mockEventStore) CountForTriggerSince(ctx context.Context, triggerID int64, since time.Time) (int, error) {
	if m.countForTriggerSinceFn != nil {
		return m.countForTriggerSinceFn(ctx, triggerID, since)
	}
	return 0, nil
}

func (m *mockEventStore) ListForTriggerBetween(ctx context.Context, triggerID int64, from, to time.Time) ([]model.Event, error) {
	return nil, nil
}

func (m *mockEventStore) ListUnclaimedForTriggersSince(ctx context.Context, triggerIDs []int64, since time.Time) ([]model.Event, error) {
	return nil, nil
}

func (m *mockEventStore) ClaimForExecution(ctx context.Context, eventIDs []int64, executionID int64) error {
	return nil
}

type mockExecutionStore struct{}

func (m *mockExecutionStore) GetByID(ctx context.Context, id int64) (*model.Execution, error) {
	return nil, store.ErrNotFound
}
func (m *mockExecutionStore) Create(ctx context.Context, exec *model.Execution) error { return nil }
func (m *mockExecutionStore) CreateRunningGuarded(ctx context.Context, exec *model.Execution, dailyCap int, lowNoise bool) (bool, error) {
	return true, nil
}
func (m *mockExecutionStore) MarkCompleted(ctx context.Context, id int64, sessionID, output string, completedAt time.Time, latencyMs int64) error {
	return nil
}
func (m *mockExecutionStore) MarkFailed(ctx context.Context, id int64, errMsg string, completedAt time.Time) error {
	return nil
}
func (m *mockExecutionStore) HasRunningForTrigger(ctx context.Context, triggerID int64) (bool, error) {
	return false, nil
}
func (m *mockExecutionStore) CountForProjectSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	return 0, nil
}
func (m *mockExecutionStore) ListRecentByTrigger(ctx context.Context, triggerID int64, limit int32) ([]model.Execution, error) {
	return nil, nil
}

type mockWorkflowStore struct{}

func (m *mockWorkflowStore) GetByID(ctx context.Context, id int64) (*model.Workflow, error) {
	return nil, store.ErrNotFound
}
func (m *mockWorkflowStore) ListEnabledByTrigger(ctx context.Context, triggerID int64) ([]model.Workflow, error) {
	return nil, nil
}

type mockProjectStore struct{}

func (m *mockProjectStore) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	return nil, store.ErrNotFound
}

type mockProducer struct {
	enqueueFn func(ctx context.Context, task queue.Task) error

	mu       sync.Mutex
	enqueued []queue.Task
}

func (m *mockProducer) Enqueue(ctx context.Context, task queue.Task) error {
	m.mu.Lock()
	m.enqueued = append(m.enqueued, task)
	m.mu.Unlock()
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, task)
	}
	return nil
}

func (m *mockProducer) Close() error { return nil }

type mockSink struct {
	mu               sync.Mutex
	webhookOutcomes  []string
	enqueuedJobKinds []string
}

func (m *mockSink) WebhookReceived(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookOutcomes = append(m.webhookOutcomes, outcome)
}

func (m *mockSink) JobEnqueued(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueuedJobKinds = append(m.enqueuedJobKinds, kind)
}

func (m *mockSink) JobCompleted(kind, outcome string, duration time.Duration) {}
func (m *mockSink) JobRetried(kind string)                                    {}
func (m *mockSink) JobsInFlightIncr()                                         {}
func (m *mockSink) JobsInFlightDecr()                                         {}
func (m *mockSink) LowNoiseDeferred()                                         {}
func (m *mockSink) ExecutionFinished(status string, latency time.Duration)    {}
func (m *mockSink) SessionPoll(transient bool)                                {}

func (m *mockSink) outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.webhookOutcomes...)
}

type mockCorrelator struct {
	correlateFn func(ctx context.Context, trigger *model.Trigger) error
	calls       int
}

func (m *mockCorrelator) Correlate(ctx context.Context, trigger *model.Trigger) error {
	m.calls++
	if m.correlateFn != nil {
		return m.correlateFn(ctx, trigger)
	}
	return nil
}
