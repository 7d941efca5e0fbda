// Package dedupe coalesces redundant refresh triggers.
//
// A refresh reads the partner's current state, so while one is already
// waiting in the queue a second trigger for the same key adds nothing.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Coalescer tracks keys that have work pending.
type Coalescer interface {
	// PendingOrMark atomically checks whether key has pending work and marks
	// it pending if not. Returns true if work was already pending.
	PendingOrMark(ctx context.Context, key string) bool

	// Done clears key so the next trigger schedules new work. Call it when
	// the pending work is picked up, or when scheduling it failed.
	Done(ctx context.Context, key string)

	// Size returns the number of pending keys.
	Size() int64
}

type inMemoryCoalescer struct {
	mu      sync.Mutex
	pending map[string]struct{}
	maxSize int
	size    atomic.Int64
}

// NewInMemoryCoalescer creates a coalescer.
func NewInMemoryCoalescer(opts ...Option) Coalescer {
	c := &inMemoryCoalescer{
		pending: make(map[string]struct{}),
		maxSize: 50000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *inMemoryCoalescer) PendingOrMark(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		return true
	}
	if c.maxSize > 0 && len(c.pending) >= c.maxSize {
		return false
	}
	c.pending[key] = struct{}{}
	c.size.Add(1)
	return false
}

func (c *inMemoryCoalescer) Done(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		delete(c.pending, key)
		c.size.Add(-1)
	}
}

func (c *inMemoryCoalescer) Size() int64 {
	return c.size.Load()
}
