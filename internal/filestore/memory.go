package filestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-node setups.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*File
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]*File)}
}

func (s *MemoryStore) Save(ctx context.Context, data []byte) (*File, error) {
	cp := make([]byte, len(data))
	copy(cp, data)

	f := &File{
		ID:        uuid.New().String(),
		Data:      cp,
		Size:      int64(len(cp)),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.files[f.ID] = f
	s.mu.Unlock()

	return &File{ID: f.ID, Size: f.Size, CreatedAt: f.CreatedAt}, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*File, error) {
	s.mu.RLock()
	f, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrFileNotFound
	}

	cp := make([]byte, len(f.Data))
	copy(cp, f.Data)
	return &File{ID: f.ID, Data: cp, Size: f.Size, CreatedAt: f.CreatedAt}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrFileNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
