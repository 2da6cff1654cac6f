// Package collectionstore provides persistence for collections, their
// versions, and the per-collection deployment instance.
//
// CollectionVersion follows the same DRAFT/LOCKED discipline as flow
// versions. Instance rows are upserted under a collection-id
// uniqueness constraint: at most one instance per collection.
package collectionstore

import (
	"context"
	"errors"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// Common errors returned by CollectionStore implementations.
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrVersionNotFound    = errors.New("collection version not found")
	ErrVersionLocked      = errors.New("collection version is locked")
	ErrInstanceNotFound   = errors.New("instance not found")
)

// CreateVersionRequest is the input for branching a new collection version.
type CreateVersionRequest struct {
	DisplayName string         `json:"display_name"`
	Configs     []types.Config `json:"configs"`
}

// CollectionStore defines the interface for collection persistence.
// Implementations must be safe for concurrent use.
type CollectionStore interface {
	// CreateCollection anchors a new collection.
	CreateCollection(ctx context.Context) (*types.Collection, error)

	// GetCollection retrieves a collection by id.
	GetCollection(ctx context.Context, id string) (*types.Collection, error)

	// DeleteCollection removes a collection, its versions and instance.
	DeleteCollection(ctx context.Context, id string) error

	// CreateVersion appends a new DRAFT version to a collection.
	CreateVersion(ctx context.Context, collectionID string, req *CreateVersionRequest) (*types.CollectionVersion, error)

	// GetVersion retrieves a specific version by id.
	GetVersion(ctx context.Context, versionID string) (*types.CollectionVersion, error)

	// LatestVersion returns the most recently created version.
	LatestVersion(ctx context.Context, collectionID string) (*types.CollectionVersion, error)

	// UpdateVersion overwrites a DRAFT version's content; returns
	// ErrVersionLocked otherwise.
	UpdateVersion(ctx context.Context, version *types.CollectionVersion) (*types.CollectionVersion, error)

	// LockVersion transitions DRAFT -> LOCKED. Idempotent.
	LockVersion(ctx context.Context, versionID string) error

	// UpsertInstance creates or replaces the single instance of a
	// collection, keyed by Instance.CollectionID.
	UpsertInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error)

	// GetInstance returns the instance of a collection, if any.
	GetInstance(ctx context.Context, collectionID string) (*types.Instance, error)

	// Close releases any resources.
	Close() error
}
