// Package lock provides the fleet-wide lease used to keep batch jobs singleton.
package lock

import (
	"context"
	"time"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Key() string
	Token() string
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire returns ErrHeld immediately when another
// holder owns an unexpired lease on key; it never waits.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
