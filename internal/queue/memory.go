package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/flowdeck/flowdeck/internal/metrics"
)

// MemoryQueue is an in-process Queue for tests and single-node setups.
// One-shot jobs go through a buffered channel; repeatable jobs are
// scheduled with an embedded cron runner.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job          // current definition per id
	entries map[string]cron.EntryID  // repeatable schedule handles
	ready   chan string
	cron    *cron.Cron
	closed  bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		ready:   make(chan string, 1024),
		cron:    cron.New(),
	}
	q.cron.Start()
	return q
}

func (q *MemoryQueue) Add(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return context.Canceled
	}

	// Upsert: tear down any previous schedule under the same id.
	if entryID, ok := q.entries[job.ID]; ok {
		q.cron.Remove(entryID)
		delete(q.entries, job.ID)
	}
	fresh := !q.hasLocked(job.ID)
	q.jobs[job.ID] = job

	if job.Repeatable() {
		id := job.ID
		entryID, err := q.cron.AddFunc(job.CronExpression, func() {
			q.fire(id)
		})
		if err != nil {
			delete(q.jobs, job.ID)
			return err
		}
		q.entries[job.ID] = entryID
		metrics.JobsTotal.WithLabelValues("repeating").Inc()
		return nil
	}

	if fresh {
		q.ready <- job.ID
	}
	metrics.JobsTotal.WithLabelValues("one_time").Inc()
	return nil
}

func (q *MemoryQueue) hasLocked(id string) bool {
	_, ok := q.jobs[id]
	return ok
}

// fire enqueues one delivery of a repeatable job.
func (q *MemoryQueue) fire(id string) {
	q.mu.Lock()
	_, ok := q.jobs[id]
	closed := q.closed
	q.mu.Unlock()
	if !ok || closed {
		return
	}
	select {
	case q.ready <- id:
	default:
		slog.Warn("job queue full, dropping repeatable fire", slog.String("job_id", id))
	}
}

func (q *MemoryQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; !ok {
		return ErrJobNotFound
	}
	if entryID, ok := q.entries[id]; ok {
		q.cron.Remove(entryID)
		delete(q.entries, id)
	}
	delete(q.jobs, id)
	return nil
}

func (q *MemoryQueue) Start(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-q.ready:
			q.mu.Lock()
			job, ok := q.jobs[id]
			if ok && !job.Repeatable() {
				// One-shot: consumed once.
				delete(q.jobs, id)
			}
			q.mu.Unlock()
			if !ok {
				continue // removed before delivery
			}
			handler(ctx, job)
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cron.Stop()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
