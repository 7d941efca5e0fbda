// Package rating derives a partner's [0,5] quality rating and owns the
// rating event log entry point.
//
// A rating is always a total recompute from the partner's persisted counters
// and recent event activity, never a delta on the previous rating, so running
// it any number of times in any order converges on the same value.
package rating

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
)

// Store is the persistence the calculator needs.
type Store interface {
	GetPartner(ctx context.Context, id string) (model.Partner, error)
	AppendEvent(ctx context.Context, ev model.RatingEvent, delta model.CounterDelta) (model.RatingEvent, bool, error)
	CountEventsBetween(ctx context.Context, partnerID string, types []model.EventType, from, to time.Time) (int, error)
	UpdateRating(ctx context.Context, partnerID string, rating float64, at time.Time) error
}

// MaxClockSkew is how far past the calculator clock an event may be dated.
const MaxClockSkew = 5 * time.Minute

// Option applies a configuration option to the Calculator.
type Option func(*Calculator)

// WithWeights sets the factor weights. Invalid weights are ignored.
func WithWeights(w Weights) Option {
	return func(c *Calculator) {
		if w.Validate() == nil {
			c.weights = w
		}
	}
}

// WithTargets sets the normalization targets. Incomplete targets are ignored.
func WithTargets(t Targets) Option {
	return func(c *Calculator) {
		if t.valid() {
			c.targets = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets a custom logger for the calculator.
func WithLogger(l logger.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Calculator recomputes ratings and appends rating events.
type Calculator struct {
	store   Store
	weights Weights
	targets Targets
	now     func() time.Time
	logger  logger.Logger
}

// NewCalculator creates a calculator over store with default weights and targets.
func NewCalculator(store Store, opts ...Option) *Calculator {
	c := &Calculator{
		store:   store,
		weights: DefaultWeights(),
		targets: DefaultTargets(),
		now:     time.Now,
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Weights returns the active weights.
func (c *Calculator) Weights() Weights { return c.weights }

// Result is the outcome of one recompute.
type Result struct {
	PartnerID  string    `json:"partnerId"`
	Rating     float64   `json:"rating"`
	Previous   float64   `json:"previousRating"`
	Factors    Factors   `json:"factors"`
	ComputedAt time.Time `json:"computedAt"`
}

// RecalculateAndUpdatePartner recomputes the partner's rating from current
// state and stores it. It never touches tier history.
func (c *Calculator) RecalculateAndUpdatePartner(ctx context.Context, partnerID, actorID string) (Result, error) {
	const op = "rating.recalculate"
	start := time.Now()

	p, err := c.store.GetPartner(ctx, partnerID)
	if err != nil {
		metrics.RecordRecomputeError()
		return Result{}, errs.Classify(op, err)
	}
	now := c.now().UTC()
	recent, err := c.store.CountEventsBetween(ctx, partnerID, nil, now.Add(-c.targets.EngagementWindow), now)
	if err != nil {
		metrics.RecordRecomputeError()
		return Result{}, errs.Classify(op, err)
	}
	r, factors := Score(&p, recent, c.weights, c.targets)
	if err := c.store.UpdateRating(ctx, partnerID, r, now); err != nil {
		metrics.RecordRecomputeError()
		return Result{}, errs.Classify(op, err)
	}
	metrics.RecordRecompute(float64(time.Since(start).Microseconds()) / 1000)
	c.logger.Debug(ctx, "rating recomputed",
		logger.String("partner_id", partnerID),
		logger.String("actor_id", actorID),
		logger.String("previous", formatRating(p.Rating)),
		logger.String("rating", formatRating(r)),
	)
	return Result{PartnerID: partnerID, Rating: r, Previous: p.Rating, Factors: factors, ComputedAt: now}, nil
}

// EventInput is a business fact entering the system.
type EventInput struct {
	PartnerID      string
	ActorID        string
	Type           model.EventType
	Payload        map[string]any
	IdempotencyKey string
	OccurredAt     time.Time
}

// LogRatingEvent validates in, appends it and applies its counter effects
// atomically. appended is false when the idempotency key was already used;
// the original event is returned in that case.
func (c *Calculator) LogRatingEvent(ctx context.Context, in EventInput) (model.RatingEvent, bool, error) {
	const op = "rating.log_event"

	if strings.TrimSpace(in.PartnerID) == "" {
		return model.RatingEvent{}, false, errs.New(op, errs.ErrValidation, "partner id is required")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		in.ActorID = model.SystemActorID
	}
	delta, err := Effect(in.Type, in.Payload)
	if err != nil {
		return model.RatingEvent{}, false, errs.Classify(op, err)
	}
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = c.now()
	}
	if occurred.After(c.now().Add(MaxClockSkew)) {
		return model.RatingEvent{}, false, errs.Classify(op,
			fmt.Errorf("%w: occurredAt %s is in the future", ErrInvalidEvent, occurred.UTC().Format(time.RFC3339)))
	}
	ev := model.RatingEvent{
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
		PartnerID:      in.PartnerID,
		ActorID:        in.ActorID,
		Type:           in.Type,
		Payload:        in.Payload,
		OccurredAt:     occurred.UTC(),
	}
	stored, appended, err := c.store.AppendEvent(ctx, ev, delta)
	if err != nil {
		return model.RatingEvent{}, false, errs.Classify(op, fmt.Errorf("append %s event: %w", in.Type, err))
	}
	if !appended {
		metrics.RecordEventDuplicate()
		c.logger.Debug(ctx, "duplicate rating event ignored",
			logger.String("partner_id", in.PartnerID),
			logger.String("idempotency_key", ev.IdempotencyKey),
		)
		return stored, false, nil
	}
	metrics.RecordEventLogged(string(in.Type))
	return stored, true, nil
}
