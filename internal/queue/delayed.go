package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"hookrelay.io/relay/common/logger"
)

type DelayedMoverConfig struct {
	Stream     string
	DelayedSet string
	Interval   time.Duration
	BatchSize  int64
}

// DelayedMover periodically promotes due tasks from the delayed sorted
// set into the stream. Low-noise backoff retries flow through here.
type DelayedMover struct {
	client *redis.Client
	cfg    DelayedMoverConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewDelayedMover(client *redis.Client, cfg DelayedMoverConfig) *DelayedMover {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &DelayedMover{
		client:    client,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the mover loop. Blocks until Stop() is called or the context
// is cancelled.
func (m *DelayedMover) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "relay.queue.delayed_mover",
	})

	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "delayed mover started", "interval", m.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.moveDue(ctx); err != nil {
				slog.ErrorContext(ctx, "moving delayed tasks failed", "error", err)
			}
		}
	}
}

func (m *DelayedMover) Stop() {
	close(m.stopCh)
	<-m.stoppedCh
}

func (m *DelayedMover) moveDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	members, err := m.client.ZRangeByScore(ctx, m.cfg.DelayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: m.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("ranging delayed set: %w", err)
	}

	for _, member := range members {
		// ZRem before XAdd: if we crash in between, the retry is lost
		// rather than duplicated. The queue is at-least-once overall but
		// a delayed retry that never fires is recovered by low-noise
		// contention detection on the next delivery for the trigger.
		removed, err := m.client.ZRem(ctx, m.cfg.DelayedSet, member).Result()
		if err != nil {
			return fmt.Errorf("removing delayed member: %w", err)
		}
		if removed == 0 {
			// Another mover instance won the race.
			continue
		}

		task, err := decodeDelayed(member)
		if err != nil {
			slog.ErrorContext(ctx, "dropping malformed delayed task", "error", err)
			continue
		}

		attempt := task.Attempt
		if attempt <= 0 {
			attempt = 1
		}

		if err := m.client.XAdd(ctx, &redis.XAddArgs{
			Stream: m.cfg.Stream,
			Values: taskValues(task, attempt),
		}).Err(); err != nil {
			return fmt.Errorf("promoting delayed task: %w", err)
		}

		slog.InfoContext(ctx, "promoted delayed task", "kind", task.Kind, "low_noise_retries", task.LowNoiseRetries)
	}

	return nil
}

func encodeDelayed(task Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encoding delayed task: %w", err)
	}
	return string(data), nil
}

func decodeDelayed(member string) (Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(member), &task); err != nil {
		return Task{}, fmt.Errorf("decoding delayed task: %w", err)
	}
	return task, nil
}
