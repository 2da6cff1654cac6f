// Package queue provides the durable job queue driving flow
// executions: one-shot jobs consumed once, and repeatable jobs fired
// on a cron schedule until removed.
package queue

import (
	"context"
	"errors"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// ErrJobNotFound is returned by Remove when no entry exists under the
// id. Callers surface it as a job_removal_failure; it is never
// swallowed.
var ErrJobNotFound = errors.New("job not found in queue")

// Job is one queue entry. The id doubles as the dedupe and
// cancellation key: Add upserts, so two Adds under one id leave a
// single registration.
type Job struct {
	ID             string          `json:"id"`
	Data           *types.JobData  `json:"data"`
	CronExpression string          `json:"cron_expression,omitempty"`
}

// Repeatable reports whether the job fires on a schedule.
func (j *Job) Repeatable() bool {
	return j.CronExpression != ""
}

// Handler consumes one delivered job. Delivery is at-least-once;
// handlers must be idempotent with respect to retries.
type Handler func(ctx context.Context, job *Job)

// Queue defines the durable job queue interface.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Add upserts a job under its id. Repeatable jobs (cron set) fire
	// on schedule indefinitely; one-shot jobs are consumed once.
	Add(ctx context.Context, job *Job) error

	// Remove cancels a job. Returns ErrJobNotFound when nothing was
	// removed.
	Remove(ctx context.Context, id string) error

	// Start begins delivering jobs to the handler until ctx is done.
	Start(ctx context.Context, handler Handler) error

	// Close stops schedules and releases resources.
	Close() error
}
