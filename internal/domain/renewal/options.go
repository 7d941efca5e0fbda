package renewal

import (
	"fmt"
	"strings"
	"time"

	"github.com/okian/partners/pkg/logger"
)

// OverridePolicy decides how renewal treats a manual tier override made in
// the period being closed.
type OverridePolicy string

const (
	// PolicyRespect keeps the overridden tier for the period.
	PolicyRespect OverridePolicy = "respect"
	// PolicyEvaluate checks the overridden tier like any other.
	PolicyEvaluate OverridePolicy = "evaluate"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (OverridePolicy, error) {
	switch p := OverridePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyRespect, PolicyEvaluate:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithWorkers bounds the number of partners processed concurrently.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLeaseTTL sets the fleet lease TTL. It must exceed the expected run time.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// WithLeaseKey sets the key of the fleet lease.
func WithLeaseKey(key string) Option {
	return func(s *Scheduler) {
		if key != "" {
			s.leaseKey = key
		}
	}
}

// WithOverridePolicy sets the manual override policy. Unknown values are ignored.
func WithOverridePolicy(p OverridePolicy) Option {
	return func(s *Scheduler) {
		if p == PolicyRespect || p == PolicyEvaluate {
			s.policy = p
		}
	}
}

// WithInterval enables the in-process ticker used by Start. Zero disables it.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the scheduler.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}
