// Package sandbox manages a fixed pool of isolated execution slots for
// untrusted flow and trigger code.
package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/flowdeck/flowdeck/internal/metrics"
)

// ErrPoolExhausted is returned by Obtain when no slot is free. Callers
// treat this as a sizing bug, not a retryable condition: the pool must
// be at least as large as the worker concurrency.
var ErrPoolExhausted = errors.New("sandbox pool exhausted")

// Pool hands out exclusive leases on numbered sandbox slots.
type Pool struct {
	free chan int
	opts Options
	size int
}

// Options configures the slots a pool hands out.
type Options struct {
	// Root is the directory under which each slot keeps its scratch space.
	Root string

	// Isolator, when set, is prepended to every executed command line
	// (e.g. "firejail"). Empty means plain subprocesses.
	Isolator string

	// IsolatorArgs are passed to the isolator before the command.
	IsolatorArgs []string

	// Timeout is the wall-clock limit per executed command. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// NewPool creates a pool with the given number of slots.
func NewPool(size int, opts Options) *Pool {
	free := make(chan int, size)
	for i := 0; i < size; i++ {
		free <- i
	}
	return &Pool{free: free, opts: opts, size: size}
}

// Obtain leases a free slot. It never blocks; an empty pool is
// surfaced as ErrPoolExhausted.
func (p *Pool) Obtain() (*Sandbox, error) {
	select {
	case id := <-p.free:
		metrics.SandboxesInUse.Inc()
		return &Sandbox{
			ID:      id,
			root:    filepath.Join(p.opts.Root, fmt.Sprintf("sandbox-%d", id)),
			opts:    p.opts,
			Timeout: p.opts.Timeout,
		}, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Release returns a leased slot to the pool. It must be called exactly
// once per Obtain, on error paths included.
func (p *Pool) Release(sb *Sandbox) {
	if sb == nil {
		return
	}
	metrics.SandboxesInUse.Dec()
	p.free <- sb.ID
}

// Available reports the number of free slots.
func (p *Pool) Available() int {
	return len(p.free)
}

// Size reports the fixed slot count.
func (p *Pool) Size() int {
	return p.size
}
