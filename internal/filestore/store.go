// Package filestore provides persistence for binary artifacts: code
// action sources, packaged bundles, and run log files.
package filestore

import (
	"context"
	"errors"
	"time"
)

// ErrFileNotFound is returned when the requested id has no content.
var ErrFileNotFound = errors.New("file not found")

// File is one stored blob.
type File struct {
	ID        string    `json:"id"`
	Data      []byte    `json:"data,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the interface for blob persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists the bytes under a freshly generated id.
	Save(ctx context.Context, data []byte) (*File, error)

	// Get retrieves a blob by id. Returns ErrFileNotFound if missing.
	Get(ctx context.Context, id string) (*File, error)

	// Delete removes a blob. Returns ErrFileNotFound if missing.
	Delete(ctx context.Context, id string) error

	// Close releases any resources.
	Close() error
}
