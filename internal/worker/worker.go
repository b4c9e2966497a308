package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hookrelay.io/relay/common/logger"
	"hookrelay.io/relay/internal/metrics"
	"hookrelay.io/relay/internal/queue"
)

type Config struct {
	// Concurrency is the number of consumer loops draining the stream.
	Concurrency int
	// StartsPerMinute rate-limits job starts across all loops to protect
	// the AI backend from bursts.
	StartsPerMinute int
}

// Worker drains the job stream with a bounded pool of consumer loops.
// Each loop reads, rate-limits, processes, and acks one message at a
// time; failed messages are requeued until the attempt cap, then parked
// on the DLQ stream.
type Worker struct {
	consumer  *queue.RedisConsumer
	processor queue.MessageProcessor
	limiter   *rate.Limiter
	cfg       Config
	sink      metrics.Sink
	logger    *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, processor queue.MessageProcessor, cfg Config, sink metrics.Sink, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.StartsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.StartsPerMinute)/60.0), cfg.Concurrency)
	}

	return &Worker{
		consumer:  consumer,
		processor: processor,
		limiter:   limiter,
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until the context is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "relay.worker"})
	w.logger.InfoContext(ctx, "worker started", "concurrency", w.cfg.Concurrency, "starts_per_minute", w.cfg.StartsPerMinute)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop signals all loops to finish their current message and waits.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		messages, err := w.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.ErrorContext(ctx, "stream read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) {
	w.sink.JobsInFlightIncr()
	start := time.Now()

	err := w.processSafe(ctx, msg)

	w.sink.JobsInFlightDecr()
	kind := string(msg.Task.Kind)

	if err == nil || errors.Is(err, ErrNoop) {
		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			// Reclaimer will re-deliver; processing is idempotent enough
			// that this only costs a duplicate attempt.
			w.logger.WarnContext(ctx, "failed to ack message", "message_id", msg.ID, "error", ackErr)
		}
		outcome := metrics.JobOK
		if err != nil {
			outcome = metrics.JobNoop
		}
		w.sink.JobCompleted(kind, outcome, time.Since(start))
		return
	}

	w.logger.ErrorContext(ctx, "job processing failed",
		"message_id", msg.ID,
		"kind", kind,
		"attempt", msg.Task.Attempt,
		"error", err)

	if msg.Task.Attempt >= w.consumer.MaxAttempts() {
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			w.logger.ErrorContext(ctx, "failed to park message on DLQ", "message_id", msg.ID, "error", dlqErr)
		}
		w.sink.JobCompleted(kind, metrics.JobDropped, time.Since(start))
		return
	}

	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		w.logger.ErrorContext(ctx, "failed to requeue message", "message_id", msg.ID, "error", requeueErr)
	}
	w.sink.JobRetried(kind)
	w.sink.JobCompleted(kind, metrics.JobFailed, time.Since(start))
}

// processSafe isolates panics to the failing job so one poisoned payload
// cannot take the pool down.
func (w *Worker) processSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "panic recovered while processing job", "message_id", msg.ID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.processor(ctx, msg)
}
