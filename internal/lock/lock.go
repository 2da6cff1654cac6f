// Package lock provides per-key mutual exclusion for flow mutation and
// artifact compilation. Acquisition is scoped: Acquire hands back a
// release closure that must run on every exit path.
package lock

import "context"

// ReleaseFunc releases a held lock. Calling it more than once is safe.
type ReleaseFunc func()

// Service defines the locking interface.
// Implementations must be safe for concurrent use.
type Service interface {
	// Acquire blocks until the key's lock is held or ctx is done.
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}
