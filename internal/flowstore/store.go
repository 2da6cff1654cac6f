// Package flowstore provides persistence for flows and their versions.
//
// Version discipline lives here, not at call sites: CreateVersion
// always produces a DRAFT, UpdateVersion only ever mutates a DRAFT,
// and LockVersions is the only path to LOCKED. Nothing unlocks.
package flowstore

import (
	"context"
	"errors"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// Common errors returned by FlowStore implementations.
var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrVersionNotFound = errors.New("flow version not found")
	ErrVersionLocked   = errors.New("flow version is locked")
)

// CreateVersionRequest is the input for branching a new flow version.
type CreateVersionRequest struct {
	DisplayName string         `json:"display_name"`
	Trigger     *types.Trigger `json:"trigger"`
	Valid       bool           `json:"valid"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit  int
	Cursor string // last flow id of the previous page
}

// FlowStore defines the interface for flow persistence.
// Implementations must be safe for concurrent use.
type FlowStore interface {
	// CreateFlow anchors a new flow in a collection.
	CreateFlow(ctx context.Context, collectionID string) (*types.Flow, error)

	// GetFlow retrieves a flow by id. Returns ErrFlowNotFound if missing.
	GetFlow(ctx context.Context, id string) (*types.Flow, error)

	// DeleteFlow removes a flow and cascades to all of its versions.
	DeleteFlow(ctx context.Context, id string) error

	// ListFlows pages through the flows of a collection in creation order.
	ListFlows(ctx context.Context, collectionID string, opts *ListOptions) ([]*types.Flow, error)

	// CreateVersion appends a new DRAFT version to a flow.
	CreateVersion(ctx context.Context, flowID string, req *CreateVersionRequest) (*types.FlowVersion, error)

	// GetVersion retrieves a specific version by id. The id is not
	// guaranteed to be the flow's latest.
	GetVersion(ctx context.Context, versionID string) (*types.FlowVersion, error)

	// LatestVersion returns the most recently created version of a flow.
	LatestVersion(ctx context.Context, flowID string) (*types.FlowVersion, error)

	// UpdateVersion overwrites a version's content. Returns
	// ErrVersionLocked when the stored version is not DRAFT; callers
	// are responsible for branching a clone first.
	UpdateVersion(ctx context.Context, version *types.FlowVersion) (*types.FlowVersion, error)

	// LockVersions transitions the given versions DRAFT -> LOCKED,
	// persisted together. Locking an already LOCKED version is a no-op.
	LockVersions(ctx context.Context, versionIDs ...string) error

	// Close releases any resources.
	Close() error
}
