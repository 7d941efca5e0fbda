// Package queue carries derived-state refresh tasks from request handlers to
// the worker pool.
//
// The queue is a bounded in-memory channel. Enqueue never blocks: a full
// queue rejects the task and the caller decides what to log.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/okian/partners/pkg/metrics"
)

const defaultCapacity = 10000

// Kind names the refresh a task asks for.
type Kind string

// Task kinds.
const (
	// KindRecompute recomputes the partner's rating.
	KindRecompute Kind = "recompute"
	// KindAchievements evaluates automatic achievements.
	KindAchievements Kind = "achievements"
)

// Task asks for one partner's derived state to be refreshed. Tasks carry no
// state of their own; handlers read the partner's current state.
type Task struct {
	PartnerID  string
	Kind       Kind
	Attempt    int
	EnqueuedAt time.Time
}

// Key identifies tasks that are redundant with each other.
func (t Task) Key() string { return string(t.Kind) + ":" + t.PartnerID }

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a task. Returns ErrFull or ErrClosed when rejected.
	Enqueue(ctx context.Context, t Task) error
	// Dequeue returns the channel tasks are delivered on. It is closed after
	// Close once the queue drains.
	Dequeue() <-chan Task
	// Len returns the number of pending tasks.
	Len() int
	// Close stops accepting tasks.
	Close() error
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	tasks    chan Task
	capacity int
	mu       sync.RWMutex
	closed   bool
}

// NewInMemoryQueue creates a new in-memory queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.tasks = make(chan Task, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

// Enqueue adds a task to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError("closed")
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError("context_cancelled")
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	select {
	case q.tasks <- t:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.tasks))
		return nil
	default:
		metrics.RecordQueueEnqueueError("full")
		return ErrFull
	}
}

// Dequeue returns the task channel.
func (q *InMemoryQueue) Dequeue() <-chan Task {
	return q.tasks
}

// Len returns the number of pending tasks.
func (q *InMemoryQueue) Len() int {
	size := len(q.tasks)
	metrics.UpdateQueueSize(size)
	return size
}

// Close stops accepting tasks. Pending tasks stay readable.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.tasks)
	q.closed = true
	return nil
}

// IsClosed reports whether the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
