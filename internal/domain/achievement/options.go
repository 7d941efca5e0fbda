package achievement

import (
	"time"

	"github.com/okian/partners/pkg/logger"
)

// Option applies a configuration option to the Tracker.
type Option func(*Tracker)

// WithAutoPromote moves a partner one tier up after a grant that makes it
// eligible for the next tier.
func WithAutoPromote(enabled bool) Option {
	return func(t *Tracker) {
		t.autoPromote = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets a custom logger for the tracker.
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}
