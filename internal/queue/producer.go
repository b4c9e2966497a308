package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupeTTL bounds how long a dedupe guard lives. Bucketed keys roll over
// naturally; this only prevents unbounded key growth.
const dedupeTTL = 24 * time.Hour

type Producer interface {
	// Enqueue places the task on the stream. Tasks with a DedupeKey that
	// was already enqueued within the TTL are dropped silently. Tasks with
	// a Delay are parked in the delayed set and moved in once due.
	Enqueue(ctx context.Context, task Task) error
	Close() error
}

type redisProducer struct {
	client     *redis.Client
	stream     string
	delayedSet string
	logger     *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream, delayedSet string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client:     client,
		stream:     stream,
		delayedSet: delayedSet,
		logger:     logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	if task.DedupeKey != "" {
		set, err := p.client.SetNX(ctx, dedupeGuardKey(p.stream, task.DedupeKey), 1, dedupeTTL).Result()
		if err != nil {
			return fmt.Errorf("setting dedupe guard: %w", err)
		}
		if !set {
			p.logger.InfoContext(ctx, "duplicate task dropped", "kind", task.Kind, "dedupe_key", task.DedupeKey)
			return nil
		}
	}

	if task.Delay > 0 {
		return p.enqueueDelayed(ctx, task)
	}

	attempt := task.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: taskValues(task, attempt),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued task", "kind", task.Kind, "dedupe_key", task.DedupeKey, "attempt", attempt)
	return nil
}

func (p *redisProducer) enqueueDelayed(ctx context.Context, task Task) error {
	member, err := encodeDelayed(task)
	if err != nil {
		return err
	}

	readyAt := time.Now().Add(task.Delay)
	if err := p.client.ZAdd(ctx, p.delayedSet, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("parking delayed task: %w", err)
	}

	p.logger.InfoContext(ctx, "parked delayed task", "kind", task.Kind, "delay", task.Delay, "ready_at", readyAt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}

func dedupeGuardKey(stream, key string) string {
	return fmt.Sprintf("%s:dedupe:%s", stream, key)
}
