// Package worker consumes refresh tasks from the queue.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/okian/partners/internal/adapters/mq/queue"
	"github.com/okian/partners/internal/domain/dedupe"
	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
)

const (
	defaultMaxAttempts  = 3
	poolShutdownTimeout = 30 * time.Second
)

// Handler refreshes the derived state a task names.
type Handler interface {
	Handle(ctx context.Context, t queue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t queue.Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, t queue.Task) error { return f(ctx, t) }

// Queue is what workers read from and retry into.
type Queue interface {
	Dequeue() <-chan queue.Task
	Enqueue(ctx context.Context, t queue.Task) error
}

// InMemoryWorker processes tasks from the queue. Delivery is at-least-once:
// a failed task is re-enqueued with its attempt incremented until the attempt
// limit, then dropped.
type InMemoryWorker struct {
	queue       Queue
	handler     Handler
	name        string
	maxAttempts int
	coalescer   dedupe.Coalescer
	done        chan struct{}
	logger      logger.Logger
}

// NewInMemoryWorker creates a new worker.
func NewInMemoryWorker(q Queue, h Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:       q,
		handler:     h,
		name:        "worker",
		maxAttempts: defaultMaxAttempts,
		done:        make(chan struct{}),
		logger:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run processes tasks until the queue is closed and drained or ctx is done.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)
	tasks := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tasks:
			if !ok {
				return
			}
			w.process(ctx, t)
		}
	}
}

// Done is closed when Run returns.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

func (w *InMemoryWorker) process(ctx context.Context, t queue.Task) {
	start := time.Now()
	metrics.RecordQueueDequeue()
	if w.coalescer != nil {
		w.coalescer.Done(ctx, t.Key())
	}

	err := w.handler.Handle(ctx, t)
	metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	if err == nil {
		return
	}

	attempt := t.Attempt + 1
	fields := []logger.Field{
		logger.String("partner_id", t.PartnerID),
		logger.String("kind", string(t.Kind)),
		logger.Int("attempt", attempt),
		logger.Error(err),
	}
	if attempt >= w.maxAttempts {
		metrics.RecordTaskDropped()
		metrics.RecordErrorByComponent("worker", "task_dropped")
		w.logger.Error(ctx, "task dropped after final attempt", fields...)
		return
	}

	retry := t
	retry.Attempt = attempt
	retry.EnqueuedAt = time.Time{}
	if qerr := w.queue.Enqueue(ctx, retry); qerr != nil {
		metrics.RecordTaskDropped()
		metrics.RecordErrorByComponent("worker", "retry_rejected")
		w.logger.Error(ctx, "task dropped, retry rejected", append(fields, logger.String("queue_error", qerr.Error()))...)
		return
	}
	metrics.RecordTaskRetry()
	w.logger.Warn(ctx, "task failed, retrying", fields...)
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   interface{ Close() error }
	logger  logger.Logger
}

// ClosableQueue is a Queue the pool can close on shutdown.
type ClosableQueue interface {
	Queue
	Close() error
}

// NewPool creates workerCount workers. workerCount < 1 uses one per CPU.
func NewPool(workerCount int, q ClosableQueue, h Handler, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	base := &InMemoryWorker{logger: logger.NewNop()}
	for _, opt := range opts {
		opt(base)
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  base.logger.Named("worker-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, h, wopts...)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Start starts all workers.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.queue.Close(); err != nil {
		p.logger.Error(ctx, "error closing queue", logger.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
		}
	}
	metrics.UpdateWorkerCount(0)
	return nil
}
