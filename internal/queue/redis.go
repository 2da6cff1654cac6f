package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/flowdeck/flowdeck/internal/metrics"
)

// RedisQueue implements Queue backed by Redis.
//
// Job definitions live in a hash keyed by job id; deliveries go
// through a list (LPUSH/BRPOP). Repeatable jobs keep their definition
// in the hash and are re-enqueued by an in-process cron runner, so a
// removed job stops firing cluster-wide once its definition is gone:
// consumers re-read the definition on every delivery.
type RedisQueue struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	entries map[string]cron.EntryID
	cron    *cron.Cron
	closed  bool
}

// NewRedisQueue constructs a Redis-backed Queue on an existing client.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "flowdeck"
	}
	q := &RedisQueue{
		client:  client,
		prefix:  prefix,
		entries: make(map[string]cron.EntryID),
		cron:    cron.New(),
	}
	q.cron.Start()
	return q
}

func (q *RedisQueue) keyDefs() string  { return q.prefix + ":jobs" }
func (q *RedisQueue) keyReady() string { return q.prefix + ":jobs:ready" }

func (q *RedisQueue) Add(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	// Upsert the definition first so a delivery never observes a
	// ready token without its payload.
	existed, err := q.client.HExists(ctx, q.keyDefs(), job.ID).Result()
	if err != nil {
		return fmt.Errorf("job exists: %w", err)
	}
	if err := q.client.HSet(ctx, q.keyDefs(), job.ID, data).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}

	if job.Repeatable() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if entryID, ok := q.entries[job.ID]; ok {
			q.cron.Remove(entryID)
			delete(q.entries, job.ID)
		}
		id := job.ID
		entryID, err := q.cron.AddFunc(job.CronExpression, func() {
			q.fire(id)
		})
		if err != nil {
			q.client.HDel(ctx, q.keyDefs(), job.ID)
			return err
		}
		q.entries[job.ID] = entryID
		metrics.JobsTotal.WithLabelValues("repeating").Inc()
		return nil
	}

	if !existed {
		if err := q.client.LPush(ctx, q.keyReady(), job.ID).Err(); err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
	}
	metrics.JobsTotal.WithLabelValues("one_time").Inc()
	return nil
}

// fire pushes one delivery token for a repeatable job, provided its
// definition still exists.
func (q *RedisQueue) fire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := q.client.HExists(ctx, q.keyDefs(), id).Result()
	if err != nil || !exists {
		return
	}
	if err := q.client.LPush(ctx, q.keyReady(), id).Err(); err != nil {
		slog.Warn("failed to enqueue repeatable job", slog.String("job_id", id), slog.Any("error", err))
	}
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	removed, err := q.client.HDel(ctx, q.keyDefs(), id).Result()
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}

	q.mu.Lock()
	if entryID, ok := q.entries[id]; ok {
		q.cron.Remove(entryID)
		delete(q.entries, id)
	}
	q.mu.Unlock()

	if removed == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *RedisQueue) Start(ctx context.Context, handler Handler) error {
	for {
		res, err := q.client.BRPop(ctx, 0, q.keyReady()).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			slog.Warn("job dequeue error", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		id := res[1]

		data, err := q.client.HGet(ctx, q.keyDefs(), id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // removed before delivery
			}
			slog.Warn("job lookup error", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			slog.Error("malformed job definition", slog.String("job_id", id), slog.Any("error", err))
			q.client.HDel(ctx, q.keyDefs(), id)
			continue
		}

		if !job.Repeatable() {
			// One-shot: consumed once.
			q.client.HDel(ctx, q.keyDefs(), id)
		}
		handler(ctx, &job)
	}
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cron.Stop()
	return nil
}

var _ Queue = (*RedisQueue)(nil)
