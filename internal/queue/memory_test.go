package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/pkg/types"
)

func oneTimeJob(id, runID string) *Job {
	return &Job{ID: id, Data: &types.JobData{RunID: runID, FlowVersionID: "fv-1"}}
}

func consumeOne(t *testing.T, q *MemoryQueue, timeout time.Duration) *Job {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Job, 1)
	go func() {
		_ = q.Start(ctx, func(_ context.Context, job *Job) {
			select {
			case got <- job:
				cancel()
			default:
			}
		})
	}()

	select {
	case job := <-got:
		return job
	case <-time.After(timeout):
		return nil
	}
}

func TestMemoryQueueOneShot(t *testing.T) {
	ctx := context.Background()

	t.Run("delivered once then gone", func(t *testing.T) {
		q := NewMemoryQueue()
		defer q.Close()

		if err := q.Add(ctx, oneTimeJob("run:1", "1")); err != nil {
			t.Fatalf("add: %v", err)
		}
		job := consumeOne(t, q, time.Second)
		if job == nil {
			t.Fatal("job never delivered")
		}
		if job.Data.RunID != "1" {
			t.Fatalf("run id = %s", job.Data.RunID)
		}

		// Consumed: the definition is gone.
		if err := q.Remove(ctx, "run:1"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound after consumption, got %v", err)
		}
	})

	t.Run("add is an upsert per id", func(t *testing.T) {
		q := NewMemoryQueue()
		defer q.Close()

		if err := q.Add(ctx, oneTimeJob("run:2", "2")); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := q.Add(ctx, oneTimeJob("run:2", "2b")); err != nil {
			t.Fatalf("re-add: %v", err)
		}

		first := consumeOne(t, q, time.Second)
		if first == nil {
			t.Fatal("job never delivered")
		}
		if first.Data.RunID != "2b" {
			t.Fatalf("delivered stale definition %s", first.Data.RunID)
		}
		if second := consumeOne(t, q, 200*time.Millisecond); second != nil {
			t.Fatalf("duplicate delivery of %s", second.ID)
		}
	})

	t.Run("removed before delivery is skipped", func(t *testing.T) {
		q := NewMemoryQueue()
		defer q.Close()

		if err := q.Add(ctx, oneTimeJob("run:3", "3")); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := q.Remove(ctx, "run:3"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if job := consumeOne(t, q, 200*time.Millisecond); job != nil {
			t.Fatalf("cancelled job delivered: %s", job.ID)
		}
	})
}

func TestMemoryQueueRemove(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	t.Run("missing id", func(t *testing.T) {
		if err := q.Remove(ctx, "repeat:absent"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("remove then re-add starts fresh", func(t *testing.T) {
		job := &Job{
			ID:             "repeat:fv-1",
			CronExpression: "*/15 * * * *",
			Data:           &types.JobData{TriggerType: types.TriggerSchedule, FlowVersionID: "fv-1"},
		}
		if err := q.Add(ctx, job); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := q.Remove(ctx, job.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := q.Remove(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("second remove: expected ErrJobNotFound, got %v", err)
		}
		if err := q.Add(ctx, job); err != nil {
			t.Fatalf("re-add: %v", err)
		}
		if err := q.Remove(ctx, job.ID); err != nil {
			t.Fatalf("remove after re-add: %v", err)
		}
	})

	t.Run("repeatable upsert keeps one registration", func(t *testing.T) {
		job := &Job{
			ID:             "repeat:fv-2",
			CronExpression: "*/15 * * * *",
			Data:           &types.JobData{TriggerType: types.TriggerSchedule, FlowVersionID: "fv-2"},
		}
		if err := q.Add(ctx, job); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := q.Add(ctx, job); err != nil {
			t.Fatalf("second add: %v", err)
		}
		if err := q.Remove(ctx, job.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := q.Remove(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected single registration, got %v", err)
		}
	})
}

func TestJobRepeatable(t *testing.T) {
	if (&Job{ID: "a"}).Repeatable() {
		t.Fatal("job without cron must not be repeatable")
	}
	if !(&Job{ID: "b", CronExpression: "* * * * *"}).Repeatable() {
		t.Fatal("job with cron must be repeatable")
	}
}
