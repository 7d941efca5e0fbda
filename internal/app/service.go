// Package service wires the partner program engine together and implements
// the operations the HTTP API exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/partners/internal/adapters/lock"
	"github.com/okian/partners/internal/adapters/mq/queue"
	"github.com/okian/partners/internal/adapters/mq/worker"
	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/domain/achievement"
	"github.com/okian/partners/internal/domain/dedupe"
	"github.com/okian/partners/internal/domain/eligibility"
	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rating"
	"github.com/okian/partners/internal/domain/renewal"
	"github.com/okian/partners/internal/domain/rewards"
	"github.com/okian/partners/internal/domain/tier"
	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
)

// Service is the engine facade.
type Service struct {
	mu sync.Mutex

	store    repository.Store
	catalogs *rewards.Cache

	calculator *rating.Calculator
	tracker    *achievement.Tracker
	evaluator  *eligibility.Evaluator
	tiers      *tier.Manager
	scheduler  *renewal.Scheduler

	queue     *queue.InMemoryQueue
	coalescer dedupe.Coalescer
	pool      *worker.Pool

	workerCount int
	queueSize   int
	dedupeSize  int
	maxAttempts int
	autoPromote bool
	ratingOpts  []rating.Option
	renewalOpts []renewal.Option

	started bool
	cancel  context.CancelFunc
	now     func() time.Time
	logger  logger.Logger
}

// New builds the engine over store, catalogs and locker. Background refresh
// tasks are queued right away but only processed after Start.
func New(store repository.Store, catalogs *rewards.Cache, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:       store,
		catalogs:    catalogs,
		workerCount: runtime.NumCPU(),
		queueSize:   10000,
		dedupeSize:  50000,
		maxAttempts: 3,
		now:         time.Now,
		logger:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.calculator = rating.NewCalculator(store, append([]rating.Option{
		rating.WithClock(s.now),
		rating.WithLogger(s.logger.Named("rating")),
	}, s.ratingOpts...)...)
	s.tracker = achievement.NewTracker(store, catalogs,
		achievement.WithAutoPromote(s.autoPromote),
		achievement.WithClock(s.now),
		achievement.WithLogger(s.logger.Named("achievement")),
	)
	s.evaluator = eligibility.NewEvaluator(store, catalogs)
	s.tiers = tier.NewManager(store, catalogs,
		tier.WithClock(s.now),
		tier.WithLogger(s.logger.Named("tier")),
	)
	s.scheduler = renewal.NewScheduler(store, catalogs, locker, append([]renewal.Option{
		renewal.WithClock(s.now),
		renewal.WithLogger(s.logger.Named("renewal")),
	}, s.renewalOpts...)...)

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.coalescer = dedupe.NewInMemoryCoalescer(dedupe.WithMaxSize(s.dedupeSize))
	s.pool = worker.NewPool(s.workerCount, s.queue, worker.HandlerFunc(s.handle),
		worker.WithMaxAttempts(s.maxAttempts),
		worker.WithCoalescer(s.coalescer),
		worker.WithLogger(s.logger.Named("worker")),
	)
	return s
}

// Start loads the rewards catalog and starts the background workers and the
// optional renewal ticker.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.catalogs.Start(ctx); err != nil {
		return fmt.Errorf("load rewards config: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pool.Start(runCtx)
	s.scheduler.Start(runCtx)
	s.started = true
	s.logger.Info(ctx, "partner engine started",
		logger.Int("workers", s.workerCount),
		logger.Int("queue_size", s.queueSize),
		logger.Bool("auto_promote", s.autoPromote),
	)
	return nil
}

// Stop drains the refresh queue and stops background work.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	err := s.pool.Shutdown(ctx)
	s.cancel()
	s.started = false
	s.logger.Info(ctx, "partner engine stopped")
	return err
}

// CreatePartner registers a new bronze partner. An empty id is generated.
func (s *Service) CreatePartner(ctx context.Context, actor model.Actor, id, name string) (model.Partner, error) {
	const op = "partner.create"
	if !actor.Admin {
		return model.Partner{}, errs.New(op, errs.ErrForbidden, "admin rights required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Partner{}, errs.New(op, errs.ErrValidation, "partner name is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	p := model.NewPartner(id, name, now)
	if err := s.store.CreatePartner(ctx, p); err != nil {
		return model.Partner{}, errs.Classify(op, err)
	}
	if err := s.store.AppendAudit(ctx, model.AuditEntry{
		ActorID:   actor.ID,
		Action:    model.AuditPartnerCreated,
		PartnerID: id,
		Payload:   map[string]any{"name": name},
		At:        now,
	}); err != nil {
		s.logger.Warn(ctx, "audit partner creation", logger.String("partner_id", id), logger.Error(err))
	}
	s.logger.Info(ctx, "partner created", logger.String("partner_id", id), logger.String("actor_id", actor.ID))
	return p, nil
}

// GetPartner returns a partner record.
func (s *Service) GetPartner(ctx context.Context, id string) (model.Partner, error) {
	p, err := s.store.GetPartner(ctx, id)
	if err != nil {
		return model.Partner{}, errs.Classify("partner.get", err)
	}
	return p, nil
}

// LogRatingEvent appends a business fact and schedules the partner's rating
// recompute and achievement evaluation. It returns once the append is
// durable; background failures never surface here.
func (s *Service) LogRatingEvent(ctx context.Context, in rating.EventInput) (model.RatingEvent, bool, error) {
	ev, appended, err := s.calculator.LogRatingEvent(ctx, in)
	if err != nil {
		return model.RatingEvent{}, false, err
	}
	if appended {
		s.trigger(ctx, ev.PartnerID, queue.KindRecompute)
		s.trigger(ctx, ev.PartnerID, queue.KindAchievements)
	}
	return ev, appended, nil
}

// ListEvents returns the partner's most recent events, oldest first.
func (s *Service) ListEvents(ctx context.Context, partnerID string, limit int) ([]model.RatingEvent, error) {
	evs, err := s.store.ListEvents(ctx, partnerID, limit)
	if err != nil {
		return nil, errs.Classify("event.list", err)
	}
	return evs, nil
}

// RecalculateAndUpdatePartner recomputes a partner's rating synchronously.
func (s *Service) RecalculateAndUpdatePartner(ctx context.Context, partnerID, actorID string) (rating.Result, error) {
	return s.calculator.RecalculateAndUpdatePartner(ctx, partnerID, actorID)
}

// CalculateTierEligibility evaluates the partner against its next tier.
func (s *Service) CalculateTierEligibility(ctx context.Context, partnerID string) (*eligibility.TierEligibility, error) {
	return s.evaluator.CalculateTierEligibility(ctx, partnerID)
}

// GetNextTierRequirements describes the partner's next tier.
func (s *Service) GetNextTierRequirements(ctx context.Context, partnerID string) (*eligibility.NextTierRequirements, error) {
	return s.evaluator.GetNextTierRequirements(ctx, partnerID)
}

// GetPartnerAchievements lists the partner's achievements.
func (s *Service) GetPartnerAchievements(ctx context.Context, partnerID string) (achievement.PartnerAchievements, error) {
	return s.tracker.GetPartnerAchievements(ctx, partnerID)
}

// AwardAchievement grants an achievement manually.
func (s *Service) AwardAchievement(ctx context.Context, actor model.Actor, partnerID, achievementID, reason string) (achievement.AwardResult, error) {
	return s.tracker.AwardAchievement(ctx, actor, partnerID, achievementID, reason)
}

// RevokeAchievement revokes an achievement manually.
func (s *Service) RevokeAchievement(ctx context.Context, actor model.Actor, partnerID, achievementID, reason string) (model.AchievementGrant, error) {
	return s.tracker.RevokeAchievement(ctx, actor, partnerID, achievementID, reason)
}

// SetTier applies a manual tier override.
func (s *Service) SetTier(ctx context.Context, actor model.Actor, partnerID string, target model.Tier, reason string, skipRequirements bool) (*model.TierHistoryEntry, error) {
	return s.tiers.SetTier(ctx, actor, partnerID, target, reason, skipRequirements)
}

// GetTierHistory returns the partner's tier history, oldest first.
func (s *Service) GetTierHistory(ctx context.Context, partnerID string) ([]model.TierHistoryEntry, error) {
	h, err := s.store.ListHistory(ctx, partnerID)
	if err != nil {
		return nil, errs.Classify("history.list", err)
	}
	return h, nil
}

// GetAuditTrail returns the partner's audit trail, oldest first.
func (s *Service) GetAuditTrail(ctx context.Context, actor model.Actor, partnerID string) ([]model.AuditEntry, error) {
	const op = "audit.list"
	if !actor.Admin {
		return nil, errs.New(op, errs.ErrForbidden, "admin rights required")
	}
	if _, err := s.store.GetPartner(ctx, partnerID); err != nil {
		return nil, errs.Classify(op, err)
	}
	a, err := s.store.ListAudit(ctx, partnerID)
	if err != nil {
		return nil, errs.Classify(op, err)
	}
	return a, nil
}

// ProcessAllDueRenewals runs one renewal batch.
func (s *Service) ProcessAllDueRenewals(ctx context.Context) (renewal.Stats, error) {
	return s.scheduler.ProcessAllDueRenewals(ctx)
}

// Ping reports whether the store is reachable and a catalog is loaded.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return errs.Wrap("health", errs.ErrInternal, err)
	}
	if _, err := s.catalogs.Snapshot(); err != nil {
		return errs.Wrap("health", errs.ErrInternal, err)
	}
	return nil
}

// Stats reports the state of the refresh pipeline.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	stats := map[string]any{
		"started":        started,
		"workerCount":    s.workerCount,
		"queueCapacity":  s.queueSize,
		"queueLength":    s.queue.Len(),
		"pendingRefresh": s.coalescer.Size(),
	}
	if cat, err := s.catalogs.Snapshot(); err == nil {
		stats["rewardsConfigVersion"] = cat.Version()
	}
	return stats
}

// trigger schedules a refresh unless one is already pending for the partner.
// Failures are logged and counted; they never reach the caller.
func (s *Service) trigger(ctx context.Context, partnerID string, kind queue.Kind) {
	t := queue.Task{PartnerID: partnerID, Kind: kind}
	if s.coalescer.PendingOrMark(ctx, t.Key()) {
		return
	}
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), t); err != nil {
		s.coalescer.Done(ctx, t.Key())
		s.logger.Warn(ctx, "refresh not scheduled",
			logger.String("partner_id", partnerID),
			logger.String("kind", string(kind)),
			logger.Error(err),
		)
	}
}

// handle runs one refresh task. Errors that a retry cannot fix are logged
// and swallowed.
func (s *Service) handle(ctx context.Context, t queue.Task) error {
	var err error
	switch t.Kind {
	case queue.KindRecompute:
		_, err = s.calculator.RecalculateAndUpdatePartner(ctx, t.PartnerID, model.SystemActorID)
	case queue.KindAchievements:
		_, err = s.tracker.EvaluateAutomatic(ctx, t.PartnerID)
	default:
		err = errs.New("refresh", errs.ErrValidation, "unknown task kind %q", t.Kind)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrValidation) {
		metrics.RecordErrorByComponent("refresh", string(t.Kind))
		s.logger.Error(ctx, "refresh failed permanently",
			logger.String("partner_id", t.PartnerID),
			logger.String("kind", string(t.Kind)),
			logger.Error(err),
		)
		return nil
	}
	return err
}
