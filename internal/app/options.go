package service

import (
	"time"

	"github.com/okian/partners/internal/domain/rating"
	"github.com/okian/partners/internal/domain/renewal"
	"github.com/okian/partners/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of refresh workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the refresh queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize bounds the number of coalesced pending refreshes.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithTaskMaxAttempts sets how often a refresh task is tried before it is dropped.
func WithTaskMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithAutoPromote enables one-step promotion after achievement grants.
func WithAutoPromote(enabled bool) Option {
	return func(s *Service) {
		s.autoPromote = enabled
	}
}

// WithRatingOptions passes options to the rating calculator.
func WithRatingOptions(opts ...rating.Option) Option {
	return func(s *Service) {
		s.ratingOpts = append(s.ratingOpts, opts...)
	}
}

// WithRenewalOptions passes options to the renewal scheduler.
func WithRenewalOptions(opts ...renewal.Option) Option {
	return func(s *Service) {
		s.renewalOpts = append(s.renewalOpts, opts...)
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
