package worker_test

import (
	"context"
	"time"

	"hookrelay.io/relay/internal/aisession"
	"hookrelay.io/relay/internal/model"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/store"
)

type mockTriggerStore struct {
	getByIDFn func(ctx context.Context, id int64) (*model.Trigger, error)
}

func (m *mockTriggerStore) GetByID(ctx context.Context, id int64) (*model.Trigger, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockTriggerStore) CompleteSetup(ctx context.Context, id int64) error { return nil }

type mockEventStore struct {
	getByIDFn            func(ctx context.Context, id int64) (*model.Event, error)
	listByIDsFn          func(ctx context.Context, ids []int64) ([]model.Event, error)
	listBetweenFn        func(ctx context.Context, triggerID int64, from, to time.Time) ([]model.Event, error)
	claimedEventIDs      []int64
	claimedByExecutionID int64
}

func (m *mockEventStore) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockEventStore) CreateOrGet(ctx context.Context, event *model.Event) (*model.Event, bool, error) {
	return event, true, nil
}

func (m *mockEventStore) ListByIDs(ctx context.Context, ids []int64) ([]model.Event, error) {
	if m.listByIDsFn != nil {
		return m.listByIDsFn(ctx, ids)
	}
	return nil, nil
}

func (m *mockEventStore) CountForTriggerSince(ctx context.Context, triggerID int64, since time.Time) (int, error) {
	return 0, nil
}

func (m *mockEventStore) ListForTriggerBetween(ctx context.Context, triggerID int64, from, to time.Time) ([]model.Event, error) {
	if m.listBetweenFn != nil {
		return m.listBetweenFn(ctx, triggerID, from, to)
	}
	return nil, nil
}

func (m *mockEventStore) ListUnclaimedForTriggersSince(ctx context.Context, triggerIDs []int64, since time.Time) ([]model.Event, error) {
	return nil, nil
}

func (m *mockEventStore) ClaimForExecution(ctx context.Context, eventIDs []int64, executionID int64) error {
	m.claimedEventIDs = eventIDs
	m.claimedByExecutionID = executionID
	return nil
}

type terminalWrite struct {
	executionID int64
	status      model.ExecutionStatus
	sessionID   string
	output      string
	errMsg      string
	latencyMs   int64
}

type mockExecutionStore struct {
	hasRunningFn            func(ctx context.Context, triggerID int64) (bool, error)
	createRunningGuardedFn  func(ctx context.Context, exec *model.Execution, dailyCap int, lowNoise bool) (bool, error)
	countForProjectSinceFn  func(ctx context.Context, projectID int64, since time.Time) (int, error)
	createdExecutions       []*model.Execution
	runningExecution        *model.Execution
	terminalWrites          []terminalWrite
}

func (m *mockExecutionStore) GetByID(ctx context.Context, id int64) (*model.Execution, error) {
	return nil, store.ErrNotFound
}

func (m *mockExecutionStore) Create(ctx context.Context, exec *model.Execution) error {
	m.createdExecutions = append(m.createdExecutions, exec)
	return nil
}

func (m *mockExecutionStore) CreateRunningGuarded(ctx context.Context, exec *model.Execution, dailyCap int, lowNoise bool) (bool, error) {
	if m.createRunningGuardedFn != nil {
		return m.createRunningGuardedFn(ctx, exec, dailyCap, lowNoise)
	}
	m.runningExecution = exec
	return true, nil
}

func (m *mockExecutionStore) MarkCompleted(ctx context.Context, id int64, sessionID, output string, completedAt time.Time, latencyMs int64) error {
	m.terminalWrites = append(m.terminalWrites, terminalWrite{
		executionID: id,
		status:      model.ExecutionStatusCompleted,
		sessionID:   sessionID,
		output:      output,
		latencyMs:   latencyMs,
	})
	return nil
}

func (m *mockExecutionStore) MarkFailed(ctx context.Context, id int64, errMsg string, completedAt time.Time) error {
	m.terminalWrites = append(m.terminalWrites, terminalWrite{
		executionID: id,
		status:      model.ExecutionStatusFailed,
		errMsg:      errMsg,
	})
	return nil
}

func (m *mockExecutionStore) HasRunningForTrigger(ctx context.Context, triggerID int64) (bool, error) {
	if m.hasRunningFn != nil {
		return m.hasRunningFn(ctx, triggerID)
	}
	return false, nil
}

func (m *mockExecutionStore) CountForProjectSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	if m.countForProjectSinceFn != nil {
		return m.countForProjectSinceFn(ctx, projectID, since)
	}
	return 0, nil
}

func (m *mockExecutionStore) ListRecentByTrigger(ctx context.Context, triggerID int64, limit int32) ([]model.Execution, error) {
	return nil, nil
}

type mockWorkflowStore struct {
	getByIDFn func(ctx context.Context, id int64) (*model.Workflow, error)
}

func (m *mockWorkflowStore) GetByID(ctx context.Context, id int64) (*model.Workflow, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockWorkflowStore) ListEnabledByTrigger(ctx context.Context, triggerID int64) ([]model.Workflow, error) {
	return nil, nil
}

type mockProjectStore struct {
	getByIDFn func(ctx context.Context, id int64) (*model.Project, error)
}

func (m *mockProjectStore) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

type mockProducer struct {
	enqueueFn func(ctx context.Context, task queue.Task) error
	enqueued  []queue.Task
}

func (m *mockProducer) Enqueue(ctx context.Context, task queue.Task) error {
	m.enqueued = append(m.enqueued, task)
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, task)
	}
	return nil
}

func (m *mockProducer) Close() error { return nil }

type mockSessionExecutor struct {
	executeFn      func(ctx context.Context, apiKey, prompt string, timeout time.Duration) (*aisession.Result, error)
	capturedKey    string
	capturedPrompt string
	calls          int
}

func (m *mockSessionExecutor) ExecuteSession(ctx context.Context, apiKey, prompt string, timeout time.Duration) (*aisession.Result, error) {
	m.calls++
	m.capturedKey = apiKey
	m.capturedPrompt = prompt
	if m.executeFn != nil {
		return m.executeFn(ctx, apiKey, prompt, timeout)
	}
	return &aisession.Result{SessionID: "sess-1", Output: "ok", Latency: 250 * time.Millisecond}, nil
}
