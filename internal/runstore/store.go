// Package runstore provides flow run persistence.
package runstore

import (
	"context"
	"errors"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound = errors.New("flow run not found")
	ErrRunFinished = errors.New("flow run already finished")
)

// ListOptions configures run list queries.
type ListOptions struct {
	Limit  int
	Cursor string // last run id of the previous page
}

// RunStore defines the interface for flow run persistence.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// CreateRun persists a new run. The caller sets status and start time.
	CreateRun(ctx context.Context, run *types.FlowRun) (*types.FlowRun, error)

	// GetRun retrieves a run by id. Returns ErrRunNotFound if missing.
	GetRun(ctx context.Context, id string) (*types.FlowRun, error)

	// FinishRun applies the single terminal mutation: status, finish
	// time, and log file reference. Returns ErrRunFinished when the
	// run already carries a terminal status.
	FinishRun(ctx context.Context, id string, status types.RunStatus, logsFileID string) (*types.FlowRun, error)

	// ListRuns pages through a collection's runs, most recent first.
	ListRuns(ctx context.Context, collectionID string, opts *ListOptions) ([]*types.FlowRun, error)

	// Close releases any resources.
	Close() error
}
