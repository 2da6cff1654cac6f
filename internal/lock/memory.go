package lock

import (
	"context"
	"sync"
)

// MemoryService is an in-process lock service for tests and
// single-node setups.
type MemoryService struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryService creates an empty lock table.
func NewMemoryService() *MemoryService {
	return &MemoryService{locks: make(map[string]*sync.Mutex)}
}

func (s *MemoryService) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The goroutine still takes the mutex eventually; hand its
		// ownership straight back.
		go func() {
			<-acquired
			m.Unlock()
		}()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(m.Unlock)
	}, nil
}

var _ Service = (*MemoryService)(nil)
