// Package tier applies manual tier overrides.
package tier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/domain/eligibility"
	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rewards"
	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
)

// Store is the persistence the manager needs.
type Store interface {
	GetPartner(ctx context.Context, id string) (model.Partner, error)
	ChangeTier(ctx context.Context, c repository.TierChange) (model.TierHistoryEntry, error)
}

// Catalogs hands out the current rewards catalog.
type Catalogs interface {
	Snapshot() (*rewards.Catalog, error)
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets a custom logger for the manager.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager applies admin tier overrides.
type Manager struct {
	store    Store
	catalogs Catalogs
	now      func() time.Time
	logger   logger.Logger
}

// NewManager creates a manager.
func NewManager(store Store, catalogs Catalogs, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		catalogs: catalogs,
		now:      time.Now,
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetTier moves a partner to target on behalf of an admin. Unless
// skipRequirements is set, the target's requirements must be met. Setting the
// current tier succeeds without a write and returns a nil entry.
func (m *Manager) SetTier(ctx context.Context, actor model.Actor, partnerID string, target model.Tier, reason string, skipRequirements bool) (*model.TierHistoryEntry, error) {
	const op = "tier.set"
	if !actor.Admin {
		return nil, errs.Classify(op, ErrAdminRequired)
	}
	reason, ok := model.NormalizeReason(reason)
	if !ok {
		return nil, errs.Classify(op, ErrReasonTooShort)
	}
	if !target.Valid() {
		return nil, errs.Classify(op, fmt.Errorf("%w: %q", ErrInvalidTier, target))
	}

	p, err := m.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, errs.Classify(op, err)
	}
	if p.Tier == target {
		return nil, nil
	}

	var version int
	if !skipRequirements {
		cat, err := m.catalogs.Snapshot()
		if err != nil {
			return nil, errs.Wrap(op, errs.ErrInternal, err)
		}
		eligible, b, err := eligibility.CheckTarget(&p, cat, target)
		if err != nil {
			return nil, errs.Wrap(op, errs.ErrInternal, err)
		}
		if !eligible {
			return nil, errs.Classify(op, fmt.Errorf("%w: %s", ErrRequirementsUnmet, describe(b)))
		}
		version = cat.Version()
	}

	now := m.now().UTC()
	h, err := m.store.ChangeTier(ctx, repository.TierChange{
		PartnerID: partnerID,
		From:      p.Tier,
		To:        target,
		Reason:    model.ReasonManual,
		Actor:     actor.ID,
		Note:      reason,
		At:        now,
		Audit: &model.AuditEntry{
			ActorID:   actor.ID,
			Action:    model.AuditTierSet,
			PartnerID: partnerID,
			Payload: map[string]any{
				"from":             string(p.Tier),
				"to":               string(target),
				"reason":           reason,
				"skipRequirements": skipRequirements,
				"configVersion":    version,
			},
			At: now,
		},
	})
	if err != nil {
		return nil, errs.Classify(op, err)
	}
	metrics.RecordTierTransition(string(model.ReasonManual), Direction(p.Tier, target))
	m.logger.Info(ctx, "tier set",
		logger.String("partner_id", partnerID),
		logger.String("actor_id", actor.ID),
		logger.String("from", string(p.Tier)),
		logger.String("to", string(target)),
		logger.Bool("skip_requirements", skipRequirements),
	)
	return &h, nil
}

// Direction labels a transition "up" or "down".
func Direction(from, to model.Tier) string {
	if from.Less(to) {
		return "up"
	}
	return "down"
}

func describe(b eligibility.Blockers) string {
	var parts []string
	if b.Rating {
		parts = append(parts, "rating below minimum")
	}
	if len(b.Achievements) > 0 {
		parts = append(parts, "missing achievements "+strings.Join(b.Achievements, ","))
	}
	if b.AnnualRequirements {
		parts = append(parts, "annual requirements not met")
	}
	return strings.Join(parts, "; ")
}
