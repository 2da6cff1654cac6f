package flowstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// MemoryStore is an in-memory FlowStore for tests and single-node setups.
type MemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]*types.Flow
	versions map[string]*types.FlowVersion
	// seq disambiguates versions created within one clock tick so
	// "latest" is deterministic.
	seqByVersion map[string]uint64
	nextSeq      uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:        make(map[string]*types.Flow),
		versions:     make(map[string]*types.FlowVersion),
		seqByVersion: make(map[string]uint64),
	}
}

func (s *MemoryStore) CreateFlow(ctx context.Context, collectionID string) (*types.Flow, error) {
	now := time.Now().UTC()
	flow := &types.Flow{
		ID:           uuid.New().String(),
		CollectionID: collectionID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.flows[flow.ID] = flow
	s.mu.Unlock()

	cp := *flow
	return &cp, nil
}

func (s *MemoryStore) GetFlow(ctx context.Context, id string) (*types.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	cp := *flow
	return &cp, nil
}

func (s *MemoryStore) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, id)
	for vid, v := range s.versions {
		if v.FlowID == id {
			delete(s.versions, vid)
			delete(s.seqByVersion, vid)
		}
	}
	return nil
}

func (s *MemoryStore) ListFlows(ctx context.Context, collectionID string, opts *ListOptions) ([]*types.Flow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	var all []*types.Flow
	for _, f := range s.flows {
		if f.CollectionID == collectionID {
			cp := *f
			all = append(all, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	start := 0
	if opts.Cursor != "" {
		for i, f := range all {
			if f.ID == opts.Cursor {
				start = i + 1
				break
			}
		}
	}
	all = all[start:]

	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (s *MemoryStore) CreateVersion(ctx context.Context, flowID string, req *CreateVersionRequest) (*types.FlowVersion, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flowID]; !ok {
		return nil, ErrFlowNotFound
	}

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

	s.nextSeq++
	s.versions[version.ID] = version
	s.seqByVersion[version.ID] = s.nextSeq

	return version.Clone(), nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, versionID string) (*types.FlowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return v.Clone(), nil
}

func (s *MemoryStore) LatestVersion(ctx context.Context, flowID string) (*types.FlowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.FlowVersion
	var latestSeq uint64
	for id, v := range s.versions {
		if v.FlowID != flowID {
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

func (s *MemoryStore) UpdateVersion(ctx context.Context, version *types.FlowVersion) (*types.FlowVersion, error) {
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
	updated.FlowID = stored.FlowID
	updated.State = types.StateDraft
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.versions[version.ID] = updated

	return updated.Clone(), nil
}

func (s *MemoryStore) LockVersions(ctx context.Context, versionIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate first so the whole batch persists together or not at all.
	for _, id := range versionIDs {
		if _, ok := s.versions[id]; !ok {
			return ErrVersionNotFound
		}
	}
	now := time.Now().UTC()
	for _, id := range versionIDs {
		v := s.versions[id]
		if v.State != types.StateLocked {
			v.State = types.StateLocked
			v.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ FlowStore = (*MemoryStore)(nil)
