package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// RedisStore implements RunStore backed by Redis. Run records are JSON
// values; per-collection orderings are sorted sets scored by a global
// sequence counter, newest at the top.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed RunStore on an existing client.
// A non-zero ttl bounds how long finished run history is retained.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "flowdeck"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) keyRun(id string) string { return fmt.Sprintf("%s:run:%s", s.prefix, id) }
func (s *RedisStore) keyRunsOf(collectionID string) string {
	return fmt.Sprintf("%s:runs:%s", s.prefix, collectionID)
}
func (s *RedisStore) keySeq() string { return s.prefix + ":runseq" }

func (s *RedisStore) CreateRun(ctx context.Context, run *types.FlowRun) (*types.FlowRun, error) {
	cp := *run
	run = &cp
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyRun(run.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.keyRunsOf(run.CollectionID), redis.Z{Score: float64(seq), Member: run.ID})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.keyRunsOf(run.CollectionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (*types.FlowRun, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run types.FlowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *RedisStore) FinishRun(ctx context.Context, id string, status types.RunStatus, logsFileID string) (*types.FlowRun, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrRunFinished
	}

	now := time.Now().UTC()
	run.Status = status
	run.FinishTime = &now
	run.LogsFileID = logsFileID

	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	if err := s.client.Set(ctx, s.keyRun(id), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	return run, nil
}

func (s *RedisStore) ListRuns(ctx context.Context, collectionID string, opts *ListOptions) ([]*types.FlowRun, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.ZRevRange(ctx, s.keyRunsOf(collectionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	start := 0
	if opts.Cursor != "" {
		for i, id := range ids {
			if id == opts.Cursor {
				start = i + 1
				break
			}
		}
	}
	ids = ids[start:]
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	runs := make([]*types.FlowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				continue // expired between ZRANGE and GET
			}
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *RedisStore) Close() error {
	return nil // client is shared and owned by the caller
}

var _ RunStore = (*RedisStore)(nil)
