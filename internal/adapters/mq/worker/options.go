package worker

import (
	"github.com/okian/partners/internal/domain/dedupe"
	"github.com/okian/partners/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMaxAttempts sets how many times a task is tried before it is dropped.
func WithMaxAttempts(n int) Option {
	return func(w *InMemoryWorker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithCoalescer clears a task's pending mark when the worker picks it up, so
// triggers arriving during processing schedule a fresh task.
func WithCoalescer(c dedupe.Coalescer) Option {
	return func(w *InMemoryWorker) {
		w.coalescer = c
	}
}
