package collectionstore

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

// RedisStore implements CollectionStore backed by Redis, mirroring the
// layout of the flow store: JSON values plus sequence-scored sorted
// sets for version ordering. The instance key is keyed by collection
// id, which gives the one-instance-per-collection constraint for free.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed CollectionStore on an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowdeck"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyCollection(id string) string {
	return fmt.Sprintf("%s:collection:%s", s.prefix, id)
}
func (s *RedisStore) keyVersion(id string) string {
	return fmt.Sprintf("%s:colver:%s", s.prefix, id)
}
func (s *RedisStore) keyVersionsOf(collectionID string) string {
	return fmt.Sprintf("%s:colvers:%s", s.prefix, collectionID)
}
func (s *RedisStore) keyInstance(collectionID string) string {
	return fmt.Sprintf("%s:instance:%s", s.prefix, collectionID)
}
func (s *RedisStore) keySeq() string { return s.prefix + ":seq" }

func (s *RedisStore) CreateCollection(ctx context.Context) (*types.Collection, error) {
	now := time.Now().UTC()
	col := &types.Collection{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(col)
	if err != nil {
		return nil, fmt.Errorf("marshal collection: %w", err)
	}
	if err := s.client.Set(ctx, s.keyCollection(col.ID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return col, nil
}

func (s *RedisStore) GetCollection(ctx context.Context, id string) (*types.Collection, error) {
	data, err := s.client.Get(ctx, s.keyCollection(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("get collection: %w", err)
	}
	var col types.Collection
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, fmt.Errorf("unmarshal collection: %w", err)
	}
	return &col, nil
}

func (s *RedisStore) DeleteCollection(ctx context.Context, id string) error {
	if _, err := s.GetCollection(ctx, id); err != nil {
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
	pipe.Del(ctx, s.keyInstance(id))
	pipe.Del(ctx, s.keyCollection(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

func (s *RedisStore) CreateVersion(ctx context.Context, collectionID string, req *CreateVersionRequest) (*types.CollectionVersion, error) {
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	configs := make([]types.Config, len(req.Configs))
	copy(configs, req.Configs)

	version := &types.CollectionVersion{
		ID:           uuid.New().String(),
		CollectionID: collectionID,
		DisplayName:  req.DisplayName,
		Configs:      configs,
		State:        types.StateDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
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
	pipe.ZAdd(ctx, s.keyVersionsOf(collectionID), redis.Z{Score: float64(seq), Member: version.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	return version, nil
}

func (s *RedisStore) GetVersion(ctx context.Context, versionID string) (*types.CollectionVersion, error) {
	data, err := s.client.Get(ctx, s.keyVersion(versionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	var version types.CollectionVersion
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	return &version, nil
}

func (s *RedisStore) LatestVersion(ctx context.Context, collectionID string) (*types.CollectionVersion, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyVersionsOf(collectionID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrVersionNotFound
	}
	return s.GetVersion(ctx, ids[0])
}

func (s *RedisStore) UpdateVersion(ctx context.Context, version *types.CollectionVersion) (*types.CollectionVersion, error) {
	stored, err := s.GetVersion(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	if stored.State != types.StateDraft {
		return nil, ErrVersionLocked
	}

	updated := version.Clone()
	updated.CollectionID = stored.CollectionID
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

func (s *RedisStore) LockVersion(ctx context.Context, versionID string) error {
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.State == types.StateLocked {
		return nil
	}
	v.State = types.StateLocked
	v.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	if err := s.client.Set(ctx, s.keyVersion(versionID), data, 0).Err(); err != nil {
		return fmt.Errorf("lock version: %w", err)
	}
	return nil
}

func (s *RedisStore) UpsertInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error) {
	now := time.Now().UTC()

	cp := *instance
	cp.FlowVersionIDs = make(map[string]string, len(instance.FlowVersionIDs))
	for k, v := range instance.FlowVersionIDs {
		cp.FlowVersionIDs[k] = v
	}

	existing, err := s.GetInstance(ctx, instance.CollectionID)
	switch {
	case err == nil:
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrInstanceNotFound):
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		cp.CreatedAt = now
	default:
		return nil, err
	}
	cp.UpdatedAt = now

	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	if err := s.client.Set(ctx, s.keyInstance(cp.CollectionID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("upsert instance: %w", err)
	}
	return &cp, nil
}

func (s *RedisStore) GetInstance(ctx context.Context, collectionID string) (*types.Instance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(collectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	var inst types.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	return &inst, nil
}

func (s *RedisStore) Close() error {
	return nil // client is shared and owned by the caller
}

var _ CollectionStore = (*RedisStore)(nil)
