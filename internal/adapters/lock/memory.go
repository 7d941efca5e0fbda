package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Locker.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

var _ Locker = (*Memory)(nil)

// MemoryOption configures a Memory locker.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an empty process-local locker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{now: time.Now, leases: make(map[string]memoryEntry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes key for ttl unless an unexpired lease exists.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	token := uuid.NewString()
	m.leases[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return &memoryLease{owner: m, key: key, token: token}, nil
}

func (m *Memory) release(key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || cur.token != token {
		return ErrNotHeld
	}
	delete(m.leases, key)
	return nil
}

type memoryLease struct {
	owner *Memory
	key   string
	token string
	once  sync.Once
	err   error
}

func (l *memoryLease) Key() string   { return l.key }
func (l *memoryLease) Token() string { return l.token }

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() { l.err = l.owner.release(l.key, l.token) })
	return l.err
}
