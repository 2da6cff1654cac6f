package flowstore

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

// RedisStore implements FlowStore backed by Redis. Flow and version
// records are JSON values; per-parent orderings are sorted sets scored
// by a global sequence counter so "latest" survives clock ties.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed FlowStore on an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowdeck"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyFlow(id string) string    { return fmt.Sprintf("%s:flow:%s", s.prefix, id) }
func (s *RedisStore) keyVersion(id string) string { return fmt.Sprintf("%s:flowver:%s", s.prefix, id) }
func (s *RedisStore) keyFlowsOf(collectionID string) string {
	return fmt.Sprintf("%s:flows:%s", s.prefix, collectionID)
}
func (s *RedisStore) keyVersionsOf(flowID string) string {
	return fmt.Sprintf("%s:flowvers:%s", s.prefix, flowID)
}
func (s *RedisStore) keySeq() string { return s.prefix + ":seq" }

func (s *RedisStore) CreateFlow(ctx context.Context, collectionID string) (*types.Flow, error) {
	now := time.Now().UTC()
	flow := &types.Flow{
		ID:           uuid.New().String(),
		CollectionID: collectionID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return nil, fmt.Errorf("marshal flow: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyFlow(flow.ID), data, 0)
	pipe.ZAdd(ctx, s.keyFlowsOf(collectionID), redis.Z{Score: float64(seq), Member: flow.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create flow: %w", err)
	}

	return flow, nil
}

func (s *RedisStore) GetFlow(ctx context.Context, id string) (*types.Flow, error) {
	data, err := s.client.Get(ctx, s.keyFlow(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("get flow: %w", err)
	}
	var flow types.Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &flow, nil
}

func (s *RedisStore) DeleteFlow(ctx context.Context, id string) error {
	flow, err := s.GetFlow(ctx, id)
	if err != nil {
		return err
	}

	versionIDs, err := s.client.ZRange(ctx, s.keyVersionsOf(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, vid := range versionIDs {
		pipe.Del(ctx, s.keyVersion(vid))
	}
	pipe.Del(ctx, s.keyVersionsOf(id))
	pipe.Del(ctx, s.keyFlow(id))
	pipe.ZRem(ctx, s.keyFlowsOf(flow.CollectionID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

func (s *RedisStore) ListFlows(ctx context.Context, collectionID string, opts *ListOptions) ([]*types.Flow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.ZRange(ctx, s.keyFlowsOf(collectionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
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

	flows := make([]*types.Flow, 0, len(ids))
	for _, id := range ids {
		flow, err := s.GetFlow(ctx, id)
		if err != nil {
			if errors.Is(err, ErrFlowNotFound) {
				continue // deleted between ZRANGE and GET
			}
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func (s *RedisStore) CreateVersion(ctx context.Context, flowID string, req *CreateVersionRequest) (*types.FlowVersion, error) {
	if _, err := s.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	version := &types.FlowVersion{
		ID:          uuid.New().String(),
		FlowID:      flowID,
		DisplayName: req.DisplayName,
		Trigger:     req.Trigger.Clone(),
		Valid:       req.Valid,
		State:       types.StateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	data, err := json.Marshal(version)
	if err != nil {
		return nil, fmt.Errorf("marshal version: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyVersion(version.ID), data, 0)
	pipe.ZAdd(ctx, s.keyVersionsOf(flowID), redis.Z{Score: float64(seq), Member: version.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	return version, nil
}

func (s *RedisStore) GetVersion(ctx context.Context, versionID string) (*types.FlowVersion, error) {
	data, err := s.client.Get(ctx, s.keyVersion(versionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	var version types.FlowVersion
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	return &version, nil
}

func (s *RedisStore) LatestVersion(ctx context.Context, flowID string) (*types.FlowVersion, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyVersionsOf(flowID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrVersionNotFound
	}
	return s.GetVersion(ctx, ids[0])
}

func (s *RedisStore) UpdateVersion(ctx context.Context, version *types.FlowVersion) (*types.FlowVersion, error) {
	stored, err := s.GetVersion(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	if stored.State != types.StateDraft {
		return nil, ErrVersionLocked
	}

	updated := version.Clone()
	updated.FlowID = stored.FlowID
	updated.State = types.StateDraft
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("marshal version: %w", err)
	}
	if err := s.client.Set(ctx, s.keyVersion(updated.ID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("update version: %w", err)
	}
	return updated, nil
}

func (s *RedisStore) LockVersions(ctx context.Context, versionIDs ...string) error {
	versions := make([]*types.FlowVersion, 0, len(versionIDs))
	for _, id := range versionIDs {
		v, err := s.GetVersion(ctx, id)
		if err != nil {
			return err
		}
		versions = append(versions, v)
	}

	now := time.Now().UTC()
	pipe := s.client.Pipeline()
	for _, v := range versions {
		if v.State == types.StateLocked {
			continue
		}
		v.State = types.StateLocked
		v.UpdatedAt = now
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal version: %w", err)
		}
		pipe.Set(ctx, s.keyVersion(v.ID), data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lock versions: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return nil // client is shared and owned by the caller
}

var _ FlowStore = (*RedisStore)(nil)
