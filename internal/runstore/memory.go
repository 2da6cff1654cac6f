package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// MemoryStore is an in-memory RunStore for tests and single-node setups.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*types.FlowRun
	seq  map[string]uint64
	next uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*types.FlowRun),
		seq:  make(map[string]uint64),
	}
}

func copyRun(r *types.FlowRun) *types.FlowRun {
	cp := *r
	if r.FinishTime != nil {
		t := *r.FinishTime
		cp.FinishTime = &t
	}
	if r.Payload != nil {
		cp.Payload = append(cp.Payload[:0:0], r.Payload...)
	}
	return &cp
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.FlowRun) (*types.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyRun(run)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	s.next++
	s.runs[stored.ID] = stored
	s.seq[stored.ID] = s.next
	return copyRun(stored), nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*types.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(run), nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, id string, status types.RunStatus, logsFileID string) (*types.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Status.Terminal() {
		return nil, ErrRunFinished
	}

	now := time.Now().UTC()
	run.Status = status
	run.FinishTime = &now
	run.LogsFileID = logsFileID
	return copyRun(run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, collectionID string, opts *ListOptions) ([]*types.FlowRun, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	var all []*types.FlowRun
	for _, r := range s.runs {
		if r.CollectionID == collectionID {
			all = append(all, copyRun(r))
		}
	}
	seq := make(map[string]uint64, len(s.seq))
	for k, v := range s.seq {
		seq[k] = v
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return seq[all[i].ID] > seq[all[j].ID] // most recent first
	})

	start := 0
	if opts.Cursor != "" {
		for i, r := range all {
			if r.ID == opts.Cursor {
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

func (s *MemoryStore) Close() error {
	return nil
}

var _ RunStore = (*MemoryStore)(nil)
