package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hookrelay.io/relay/common/id"
	"hookrelay.io/relay/common/logger"
	"hookrelay.io/relay/internal/aisession"
	"hookrelay.io/relay/internal/metrics"
	"hookrelay.io/relay/internal/model"
	"hookrelay.io/relay/internal/prompt"
	"hookrelay.io/relay/internal/queue"
	"hookrelay.io/relay/internal/secret"
	"hookrelay.io/relay/internal/store"
)

// ErrNoop marks a job whose subject vanished or was disabled after
// enqueue. The worker acks it like a success but labels the outcome
// separately in metrics.
var ErrNoop = errors.New("job is a no-op")

// SessionExecutor abstracts the AI backend so the processor can be tested
// without HTTP. Implemented by aisession.Client.
type SessionExecutor interface {
	ExecuteSession(ctx context.Context, apiKey, prompt string, timeout time.Duration) (*aisession.Result, error)
}

type ProcessorConfig struct {
	SessionTimeout     time.Duration
	LowNoiseBaseDelay  time.Duration
	LowNoiseMaxDelay   time.Duration
	LowNoiseMaxRetries int
}

// Processor executes one queue task end to end: load, gate, render,
// drive the AI session, and write exactly one terminal execution state.
//
// Returned errors mean the job should be retried by queue policy. Policy
// rejections (cap, low-noise exhaustion, missing credentials) and AI
// failures are recorded as terminal failed executions and return nil so
// the message is acked.
type Processor struct {
	stores   *store.Stores
	producer queue.Producer
	ai       SessionExecutor
	// cipher is nil when no master key is configured; every execution
	// then fails terminally with a missing-credentials error.
	cipher *secret.Cipher
	cfg    ProcessorConfig
	sink   metrics.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewProcessor(stores *store.Stores, producer queue.Producer, ai SessionExecutor, cipher *secret.Cipher, cfg ProcessorConfig, sink metrics.Sink, logger *slog.Logger) *Processor {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		stores:   stores,
		producer: producer,
		ai:       ai,
		cipher:   cipher,
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Processor) Process(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msg.ID,
		Component: "relay.worker.processor",
	})

	switch msg.Task.Kind {
	case queue.KindSingle:
		return p.processSingle(ctx, msg.Task)
	case queue.KindBatch:
		return p.processBatch(ctx, msg.Task)
	case queue.KindWorkflow:
		return p.processWorkflow(ctx, msg.Task)
	default:
		// ParseMessage validates kinds; reaching this means a programming error.
		return fmt.Errorf("unhandled task kind %q", msg.Task.Kind)
	}
}

func (p *Processor) processSingle(ctx context.Context, task queue.Task) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventID: task.EventID, TriggerID: task.TriggerID})

	event, err := p.stores.Events().GetByID(ctx, *task.EventID)
	if err != nil {
		return fmt.Errorf("loading event %d: %w", *task.EventID, err)
	}

	trigger, ok, err := p.loadEnabledTrigger(ctx, event.TriggerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoop
	}

	return p.execute(ctx, task, trigger, event.Payload, &event.ID, nil, nil)
}

func (p *Processor) processBatch(ctx context.Context, task queue.Task) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{TriggerID: task.TriggerID})

	trigger, ok, err := p.loadEnabledTrigger(ctx, *task.TriggerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoop
	}

	events, err := p.stores.Events().ListForTriggerBetween(ctx, trigger.ID, *task.WindowStart, *task.WindowEnd)
	if err != nil {
		return fmt.Errorf("listing window events: %w", err)
	}
	if len(events) == 0 {
		p.logger.InfoContext(ctx, "batch window empty, nothing to execute")
		return ErrNoop
	}

	payload, err := aggregatePayload(events)
	if err != nil {
		return fmt.Errorf("aggregating batch payload: %w", err)
	}

	return p.execute(ctx, task, trigger, payload, nil, nil, nil)
}

func (p *Processor) processWorkflow(ctx context.Context, task queue.Task) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{WorkflowID: task.WorkflowID})

	w, err := p.stores.Workflows().GetByID(ctx, *task.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.InfoContext(ctx, "workflow gone, skipping job")
			return ErrNoop
		}
		return fmt.Errorf("loading workflow: %w", err)
	}
	if !w.Enabled {
		p.logger.InfoContext(ctx, "workflow disabled, skipping job")
		return ErrNoop
	}

	events, err := p.stores.Events().ListByIDs(ctx, task.EventIDs)
	if err != nil {
		return fmt.Errorf("loading workflow events: %w", err)
	}
	if len(events) == 0 {
		p.logger.InfoContext(ctx, "workflow events already claimed, skipping job")
		return ErrNoop
	}

	// The earliest matched event's trigger supplies the prompt template
	// and execution policy for the correlated run.
	trigger, ok, err := p.loadEnabledTrigger(ctx, events[0].TriggerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoop
	}

	payload, err := aggregatePayload(events)
	if err != nil {
		return fmt.Errorf("aggregating workflow payload: %w", err)
	}

	return p.execute(ctx, task, trigger, payload, nil, &w.ID, task.EventIDs)
}

// loadEnabledTrigger resolves a trigger, treating missing or disabled
// triggers as a silent no-op: disabling a trigger after enqueue must not
// produce spurious executions.
func (p *Processor) loadEnabledTrigger(ctx context.Context, triggerID int64) (*model.Trigger, bool, error) {
	trigger, err := p.stores.Triggers().GetByID(ctx, triggerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.InfoContext(ctx, "trigger gone, skipping job", "trigger_id", triggerID)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading trigger %d: %w", triggerID, err)
	}
	if !trigger.Enabled {
		p.logger.InfoContext(ctx, "trigger disabled, skipping job", "trigger_id", trigger.ID)
		return nil, false, nil
	}
	return trigger, true, nil
}

func (p *Processor) execute(ctx context.Context, task queue.Task, trigger *model.Trigger, payload json.RawMessage, eventID *int64, workflowID *int64, claimEventIDs []int64) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ProjectID: &trigger.ProjectID})

	if trigger.LowNoiseMode {
		running, err := p.stores.Executions().HasRunningForTrigger(ctx, trigger.ID)
		if err != nil {
			return fmt.Errorf("checking running executions: %w", err)
		}
		if running {
			return p.deferLowNoise(ctx, task, trigger, eventID, workflowID)
		}
	}

	// Cheap cap read before touching credentials, so a capped trigger is
	// rejected as capped even when the project also lacks a key.
	// CreateRunningGuarded below remains the authoritative gate.
	if trigger.DailyCap > 0 {
		midnight := p.now().UTC().Truncate(24 * time.Hour)
		count, err := p.stores.Executions().CountForProjectSince(ctx, trigger.ProjectID, midnight)
		if err != nil {
			return fmt.Errorf("counting daily executions: %w", err)
		}
		if count >= trigger.DailyCap {
			p.logger.WarnContext(ctx, "execution rejected", "reason", "daily cap reached", "cap", trigger.DailyCap)
			return p.recordRejection(ctx, trigger, eventID, workflowID,
				fmt.Sprintf("daily execution cap of %d reached", trigger.DailyCap))
		}
	}

	project, err := p.stores.Projects().GetByID(ctx, trigger.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project %d: %w", trigger.ProjectID, err)
	}

	apiKey, credErr := p.decryptAPIKey(project)
	if credErr != nil {
		p.logger.WarnContext(ctx, "execution rejected", "reason", credErr.Error())
		return p.recordRejection(ctx, trigger, eventID, workflowID, credErr.Error())
	}

	rendered, err := prompt.Render(trigger.PromptTemplate, payload, derefString(project.ContextInstructions))
	if err != nil {
		return p.recordRejection(ctx, trigger, eventID, workflowID, fmt.Sprintf("prompt render failed: %v", err))
	}

	now := p.now()
	exec := &model.Execution{
		ID:         id.New(),
		EventID:    eventID,
		ProjectID:  trigger.ProjectID,
		TriggerID:  trigger.ID,
		WorkflowID: workflowID,
		Status:     model.ExecutionStatusRunning,
		Prompt:     rendered,
		StartedAt:  &now,
		CreatedAt:  now,
	}

	inserted, err := p.stores.Executions().CreateRunningGuarded(ctx, exec, trigger.DailyCap, trigger.LowNoiseMode)
	if err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	if !inserted {
		// The guard rejected us. If the low-noise slot filled between the
		// fast check and the insert, defer; otherwise the daily cap is hit.
		if trigger.LowNoiseMode {
			running, err := p.stores.Executions().HasRunningForTrigger(ctx, trigger.ID)
			if err != nil {
				return fmt.Errorf("checking running executions: %w", err)
			}
			if running {
				return p.deferLowNoise(ctx, task, trigger, eventID, workflowID)
			}
		}
		return p.recordRejection(ctx, trigger, eventID, workflowID, fmt.Sprintf("daily execution cap of %d reached", trigger.DailyCap))
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{ExecutionID: &exec.ID})
	p.logger.InfoContext(ctx, "execution started", "kind", string(task.Kind), "prompt_len", len(rendered))

	if len(claimEventIDs) > 0 {
		if err := p.stores.Events().ClaimForExecution(ctx, claimEventIDs, exec.ID); err != nil {
			// The execution still runs; unclaimed events may re-match a
			// later window, which dedupe keys mostly absorb.
			p.logger.WarnContext(ctx, "failed to claim workflow events", "error", err)
		}
	}

	result, sessionErr := p.ai.ExecuteSession(ctx, apiKey, rendered, p.cfg.SessionTimeout)
	completedAt := p.now()

	if sessionErr != nil {
		if err := p.stores.Executions().MarkFailed(ctx, exec.ID, sessionErr.Error(), completedAt); err != nil {
			return fmt.Errorf("marking execution failed: %w", err)
		}
		p.sink.ExecutionFinished(string(model.ExecutionStatusFailed), completedAt.Sub(now))
		p.logger.ErrorContext(ctx, "execution failed", "error", sessionErr)
		return nil
	}

	if err := p.stores.Executions().MarkCompleted(ctx, exec.ID, result.SessionID, result.Output, completedAt, result.Latency.Milliseconds()); err != nil {
		return fmt.Errorf("marking execution completed: %w", err)
	}
	p.sink.ExecutionFinished(string(model.ExecutionStatusCompleted), result.Latency)
	p.logger.InfoContext(ctx, "execution completed", "session_id", result.SessionID, "latency_ms", result.Latency.Milliseconds(), "output_len", len(result.Output))
	return nil
}

// deferLowNoise reschedules the task with exponential backoff while the
// trigger's single execution slot is busy. The retry cap turns into a
// terminal failed execution instead of an unbounded requeue loop.
func (p *Processor) deferLowNoise(ctx context.Context, task queue.Task, trigger *model.Trigger, eventID *int64, workflowID *int64) error {
	if task.LowNoiseRetries >= p.cfg.LowNoiseMaxRetries {
		p.logger.WarnContext(ctx, "low-noise retry limit reached", "retries", task.LowNoiseRetries)
		return p.recordRejection(ctx, trigger, eventID, workflowID,
			fmt.Sprintf("low-noise retry limit exceeded after %d attempts", task.LowNoiseRetries))
	}

	delay := p.cfg.LowNoiseBaseDelay << task.LowNoiseRetries
	if delay > p.cfg.LowNoiseMaxDelay || delay <= 0 {
		delay = p.cfg.LowNoiseMaxDelay
	}

	requeued := task
	requeued.LowNoiseRetries = task.LowNoiseRetries + 1
	requeued.Delay = delay
	// The original enqueue's dedupe guard is still live; keying the
	// requeue would drop it.
	requeued.DedupeKey = ""
	requeued.Attempt = 0

	if err := p.producer.Enqueue(ctx, requeued); err != nil {
		return fmt.Errorf("rescheduling low-noise task: %w", err)
	}

	p.sink.LowNoiseDeferred()
	p.logger.InfoContext(ctx, "execution deferred, trigger busy", "delay", delay, "retries", requeued.LowNoiseRetries)
	return nil
}

// recordRejection writes a terminal failed execution that never started.
func (p *Processor) recordRejection(ctx context.Context, trigger *model.Trigger, eventID *int64, workflowID *int64, reason string) error {
	now := p.now()
	exec := &model.Execution{
		ID:          id.New(),
		EventID:     eventID,
		ProjectID:   trigger.ProjectID,
		TriggerID:   trigger.ID,
		WorkflowID:  workflowID,
		Status:      model.ExecutionStatusFailed,
		Error:       &reason,
		CompletedAt: &now,
		CreatedAt:   now,
	}
	if err := p.stores.Executions().Create(ctx, exec); err != nil {
		return fmt.Errorf("recording rejected execution: %w", err)
	}
	p.sink.ExecutionFinished(string(model.ExecutionStatusFailed), 0)
	return nil
}

func (p *Processor) decryptAPIKey(project *model.Project) (string, error) {
	if project.EncryptedAPIKey == nil || *project.EncryptedAPIKey == "" {
		return "", errors.New("project has no API key configured")
	}
	if p.cipher == nil {
		return "", errors.New("secret decryption key unavailable")
	}
	apiKey, err := p.cipher.Decrypt(*project.EncryptedAPIKey)
	if err != nil {
		return "", fmt.Errorf("decrypting API key: %w", err)
	}
	return apiKey, nil
}

// aggregatePayload folds a window's events into one JSON document the
// renderer can expose to templates: {"count": N, "events": [payload...]}.
func aggregatePayload(events []model.Event) (json.RawMessage, error) {
	payloads := make([]json.RawMessage, len(events))
	for i, e := range events {
		payloads[i] = e.Payload
	}
	doc := struct {
		Count  int               `json:"count"`
		Events []json.RawMessage `json:"events"`
	}{
		Count:  len(events),
		Events: payloads,
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
