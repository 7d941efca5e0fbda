// Package renewal closes partners' annual renewal periods.
//
// A run is a singleton across the fleet, guarded by a lease. Each due partner
// is checked for retention of its current tier: it keeps the tier when its
// annual counters meet the tier's thresholds and drops one tier otherwise.
// Every write is a compare-and-set on the state the run observed, so a rerun
// or a concurrent writer can never apply a transition twice.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/partners/internal/adapters/lock"
	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/domain/eligibility"
	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rewards"
	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// DefaultLeaseKey is the key of the fleet lease.
const DefaultLeaseKey = "partners:renewal:lease"

// Store is the persistence the scheduler needs.
type Store interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Partner, error)
	ListHistory(ctx context.Context, partnerID string) ([]model.TierHistoryEntry, error)
	ApplyRenewal(ctx context.Context, r repository.Renewal) error
}

// Catalogs hands out the current rewards catalog.
type Catalogs interface {
	Snapshot() (*rewards.Catalog, error)
}

// Outcome of one partner's renewal.
type Outcome string

// Outcomes.
const (
	OutcomeRenewed    Outcome = "renewed"
	OutcomeDowngraded Outcome = "downgraded"
	OutcomeOverride   Outcome = "override_respected"
	OutcomeError      Outcome = "error"
)

// Failure describes one partner that could not be renewed.
type Failure struct {
	PartnerID string `json:"partnerId"`
	Error     string `json:"error"`
}

// Stats summarizes a run.
type Stats struct {
	Processed     int       `json:"processed"`
	Renewed       int       `json:"renewed"`
	Downgraded    int       `json:"downgraded"`
	Errors        int       `json:"errors"`
	Failures      []Failure `json:"failures"`
	ConfigVersion int       `json:"configVersion"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// Scheduler runs renewal batches.
type Scheduler struct {
	store    Store
	catalogs Catalogs
	locker   lock.Locker
	workers  int
	leaseTTL time.Duration
	leaseKey string
	policy   OverridePolicy
	interval time.Duration
	now      func() time.Time
	logger   logger.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(store Store, catalogs Catalogs, locker lock.Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		catalogs: catalogs,
		locker:   locker,
		workers:  4,
		leaseTTL: 15 * time.Minute,
		leaseKey: DefaultLeaseKey,
		policy:   PolicyRespect,
		now:      time.Now,
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessAllDueRenewals renews every partner whose renewal is due. Per-partner
// failures are counted in the stats and never abort the run; an error is
// returned only when the lease is held or the catalog or store is unavailable.
func (s *Scheduler) ProcessAllDueRenewals(ctx context.Context) (Stats, error) {
	const op = "renewal.process"
	start := time.Now()

	lease, err := s.locker.Acquire(ctx, s.leaseKey, s.leaseTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			metrics.RecordLeaseContention()
			s.logger.Info(ctx, "renewal run skipped, lease held", logger.String("lease_key", s.leaseKey))
			return Stats{}, errs.Classify(op, ErrRunInProgress)
		}
		metrics.RecordRenewalRun("error", msSince(start))
		return Stats{}, errs.Wrap(op, errs.ErrInternal, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn(ctx, "release renewal lease", logger.Error(err))
		}
	}()

	cat, err := s.catalogs.Snapshot()
	if err != nil {
		metrics.RecordRenewalRun("error", msSince(start))
		return Stats{}, errs.Wrap(op, errs.ErrInternal, err)
	}
	now := s.now().UTC()
	due, err := s.store.ListDue(ctx, now, 0)
	if err != nil {
		metrics.RecordRenewalRun("error", msSince(start))
		return Stats{}, errs.Wrap(op, errs.ErrInternal, err)
	}

	stats := Stats{Failures: []Failure{}, ConfigVersion: cat.Version(), StartedAt: now}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i := range due {
		p := due[i]
		g.Go(func() error {
			outcome, err := s.renew(ctx, &p, cat, now)
			metrics.RecordRenewalOutcome(string(outcome))

			mu.Lock()
			defer mu.Unlock()
			stats.Processed++
			switch outcome {
			case OutcomeRenewed, OutcomeOverride:
				stats.Renewed++
			case OutcomeDowngraded:
				stats.Downgraded++
			default:
				stats.Errors++
				stats.Failures = append(stats.Failures, Failure{PartnerID: p.ID, Error: err.Error()})
				s.logger.Error(ctx, "renewal failed", logger.String("partner_id", p.ID), logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.FinishedAt = s.now().UTC()
	status := "ok"
	if stats.Errors > 0 {
		status = "partial"
	}
	metrics.RecordRenewalRun(status, msSince(start))
	s.logger.Info(ctx, "renewal run finished",
		logger.Int("processed", stats.Processed),
		logger.Int("renewed", stats.Renewed),
		logger.Int("downgraded", stats.Downgraded),
		logger.Int("errors", stats.Errors),
		logger.Int("config_version", stats.ConfigVersion),
	)
	return stats, nil
}

// renew closes one partner's period. The outcome is OutcomeError whenever err
// is non-nil.
func (s *Scheduler) renew(ctx context.Context, p *model.Partner, cat *rewards.Catalog, now time.Time) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeError, err
	}
	req, ok := cat.Requirement(p.Tier)
	if !ok {
		return OutcomeError, fmt.Errorf("%w %s", ErrNoRequirement, p.Tier)
	}

	outcome := OutcomeRenewed
	action := model.AuditRenewalConfirmed
	newTier := p.Tier
	overridden, err := s.overriddenThisPeriod(ctx, p)
	if err != nil {
		return OutcomeError, err
	}
	switch {
	case overridden:
		outcome = OutcomeOverride
		action = model.AuditRenewalOverrideKept
	case !eligibility.MeetsAnnual(p.Annual, req):
		// Bronze has no lower tier; failing retention there keeps bronze.
		if prev, ok := p.Tier.Prev(); ok {
			newTier = prev
			outcome = OutcomeDowngraded
			action = model.AuditRenewalDowngraded
		}
	}

	next := model.NextRenewal(p.RenewalDueAt, now)
	err = s.store.ApplyRenewal(ctx, repository.Renewal{
		PartnerID:     p.ID,
		ObservedDueAt: p.RenewalDueAt,
		ObservedTier:  p.Tier,
		NewTier:       newTier,
		NextDueAt:     next,
		At:            now,
		Audit: &model.AuditEntry{
			ActorID:   model.SystemActorID,
			Action:    action,
			PartnerID: p.ID,
			Payload: map[string]any{
				"tier":          string(newTier),
				"previousTier":  string(p.Tier),
				"annual":        p.Annual,
				"nextDueAt":     next,
				"configVersion": cat.Version(),
			},
			At: now,
		},
	})
	if err != nil {
		return OutcomeError, err
	}
	if outcome == OutcomeDowngraded {
		metrics.RecordTierTransition(string(model.ReasonAnnualRenewal), "down")
	}
	s.logger.Debug(ctx, "partner renewed",
		logger.String("partner_id", p.ID),
		logger.String("outcome", string(outcome)),
		logger.String("tier", string(newTier)),
		logger.Time("next_due_at", next),
	)
	return outcome, nil
}

// overriddenThisPeriod reports whether the respect policy applies: the latest
// history entry is a manual override made inside the period being closed.
func (s *Scheduler) overriddenThisPeriod(ctx context.Context, p *model.Partner) (bool, error) {
	if s.policy != PolicyRespect {
		return false, nil
	}
	history, err := s.store.ListHistory(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		return false, nil
	}
	last := history[len(history)-1]
	periodStart := p.RenewalDueAt.AddDate(-1, 0, 0)
	return last.Reason == model.ReasonManual && last.Tier == p.Tier && !last.ChangedAt.Before(periodStart), nil
}

// Start runs ProcessAllDueRenewals on every tick of the configured interval
// until ctx is done. It returns immediately when no interval is configured.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := s.ProcessAllDueRenewals(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
					s.logger.Error(ctx, "scheduled renewal run failed", logger.Error(err))
				}
			}
		}
	}()
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
