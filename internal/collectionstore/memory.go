package collectionstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// MemoryStore is an in-memory CollectionStore for tests and
// single-node setups.
type MemoryStore struct {
	mu           sync.RWMutex
	collections  map[string]*types.Collection
	versions     map[string]*types.CollectionVersion
	instances    map[string]*types.Instance // keyed by collection id
	seqByVersion map[string]uint64
	nextSeq      uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections:  make(map[string]*types.Collection),
		versions:     make(map[string]*types.CollectionVersion),
		instances:    make(map[string]*types.Instance),
		seqByVersion: make(map[string]uint64),
	}
}

func (s *MemoryStore) CreateCollection(ctx context.Context) (*types.Collection, error) {
	now := time.Now().UTC()
	col := &types.Collection{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.collections[col.ID] = col
	s.mu.Unlock()

	cp := *col
	return &cp, nil
}

func (s *MemoryStore) GetCollection(ctx context.Context, id string) (*types.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[id]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	cp := *col
	return &cp, nil
}

func (s *MemoryStore) DeleteCollection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[id]; !ok {
		return ErrCollectionNotFound
	}
	delete(s.collections, id)
	delete(s.instances, id)
	for vid, v := range s.versions {
		if v.CollectionID == id {
			delete(s.versions, vid)
			delete(s.seqByVersion, vid)
		}
	}
	return nil
}

func (s *MemoryStore) CreateVersion(ctx context.Context, collectionID string, req *CreateVersionRequest) (*types.CollectionVersion, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collectionID]; !ok {
		return nil, ErrCollectionNotFound
	}

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

	s.nextSeq++
	s.versions[version.ID] = version
	s.seqByVersion[version.ID] = s.nextSeq

	return version.Clone(), nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, versionID string) (*types.CollectionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return v.Clone(), nil
}

func (s *MemoryStore) LatestVersion(ctx context.Context, collectionID string) (*types.CollectionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.CollectionVersion
	var latestSeq uint64
	for id, v := range s.versions {
		if v.CollectionID != collectionID {
			continue
		}
		if latest == nil || s.seqByVersion[id] > latestSeq {
			latest = v
			latestSeq = s.seqByVersion[id]
		}
	}
	if latest == nil {
		return nil, ErrVersionNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) UpdateVersion(ctx context.Context, version *types.CollectionVersion) (*types.CollectionVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.versions[version.ID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	if stored.State != types.StateDraft {
		return nil, ErrVersionLocked
	}

	updated := version.Clone()
	updated.CollectionID = stored.CollectionID
	updated.State = types.StateDraft
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.versions[version.ID] = updated

	return updated.Clone(), nil
}

func (s *MemoryStore) LockVersion(ctx context.Context, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionID]
	if !ok {
		return ErrVersionNotFound
	}
	if v.State != types.StateLocked {
		v.State = types.StateLocked
		v.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) UpsertInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *instance
	cp.FlowVersionIDs = make(map[string]string, len(instance.FlowVersionIDs))
	for k, v := range instance.FlowVersionIDs {
		cp.FlowVersionIDs[k] = v
	}

	if existing, ok := s.instances[instance.CollectionID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.instances[instance.CollectionID] = &cp

	out := cp
	return &out, nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, collectionID string) (*types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[collectionID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	cp.FlowVersionIDs = make(map[string]string, len(inst.FlowVersionIDs))
	for k, v := range inst.FlowVersionIDs {
		cp.FlowVersionIDs[k] = v
	}
	return &cp, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ CollectionStore = (*MemoryStore)(nil)
