// Package achievement manages the achievement grant ledger of partners:
// manual awards and revocations by admins, automatic grants from lifetime
// metrics, and the one-step promotion that may follow a grant.
package achievement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/domain/eligibility"
	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rewards"
	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
)

// AutomaticReason is recorded on grants made by EvaluateAutomatic.
const AutomaticReason = "automatic criteria met"

// Store is the persistence the tracker needs.
type Store interface {
	GetPartner(ctx context.Context, id string) (model.Partner, error)
	GrantAchievement(ctx context.Context, g model.AchievementGrant, repeatable bool, audit *model.AuditEntry) (bool, error)
	RevokeAchievement(ctx context.Context, r repository.Revocation) (model.AchievementGrant, error)
	ListGrants(ctx context.Context, partnerID string) ([]model.AchievementGrant, error)
	ChangeTier(ctx context.Context, c repository.TierChange) (model.TierHistoryEntry, error)
}

// Catalogs hands out the current rewards catalog.
type Catalogs interface {
	Snapshot() (*rewards.Catalog, error)
}

// Tracker awards, revokes and lists partner achievements.
type Tracker struct {
	store       Store
	catalogs    Catalogs
	autoPromote bool
	now         func() time.Time
	logger      logger.Logger
}

// NewTracker creates a tracker.
func NewTracker(store Store, catalogs Catalogs, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		catalogs: catalogs,
		now:      time.Now,
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Held summarizes the active grants of one achievement.
type Held struct {
	rewards.AchievementDefinition
	Count          int       `json:"count"`
	FirstGrantedAt time.Time `json:"firstGrantedAt"`
	LastGrantedAt  time.Time `json:"lastGrantedAt"`
}

// PartnerAchievements is a partner's achievement view.
type PartnerAchievements struct {
	PartnerID    string                   `json:"partnerId"`
	TotalPoints  int                      `json:"totalPoints"`
	Achievements []Held                   `json:"achievements"`
	Ledger       []model.AchievementGrant `json:"ledger"`
}

// AwardResult is the outcome of a grant.
type AwardResult struct {
	Granted  bool                    `json:"granted"`
	Grant    *model.AchievementGrant `json:"grant,omitempty"`
	Promoted *model.TierHistoryEntry `json:"promoted,omitempty"`
}

// AutomaticResult is the outcome of EvaluateAutomatic.
type AutomaticResult struct {
	Granted  []string                `json:"granted"`
	Promoted *model.TierHistoryEntry `json:"promoted,omitempty"`
}

// GetPartnerAchievements returns the active achievements of a partner,
// grouped per achievement in first-grant order, plus the full ledger.
func (t *Tracker) GetPartnerAchievements(ctx context.Context, partnerID string) (PartnerAchievements, error) {
	const op = "achievement.list"
	p, err := t.store.GetPartner(ctx, partnerID)
	if err != nil {
		return PartnerAchievements{}, errs.Classify(op, err)
	}
	ledger, err := t.store.ListGrants(ctx, partnerID)
	if err != nil {
		return PartnerAchievements{}, errs.Classify(op, err)
	}
	cat, err := t.catalogs.Snapshot()
	if err != nil {
		return PartnerAchievements{}, errs.Wrap(op, errs.ErrInternal, err)
	}

	held := make([]Held, 0, len(p.AchievementIDs))
	index := make(map[string]int, len(p.AchievementIDs))
	for _, g := range ledger {
		if !g.Active() {
			continue
		}
		i, ok := index[g.AchievementID]
		if !ok {
			def, known := cat.Achievement(g.AchievementID)
			if !known {
				// Retired from the catalog; the grant still counts.
				def = rewards.AchievementDefinition{ID: g.AchievementID, Name: g.AchievementID, Points: g.Points}
			}
			held = append(held, Held{AchievementDefinition: def, FirstGrantedAt: g.GrantedAt})
			i = len(held) - 1
			index[g.AchievementID] = i
		}
		held[i].Count++
		held[i].LastGrantedAt = g.GrantedAt
	}
	return PartnerAchievements{
		PartnerID:    p.ID,
		TotalPoints:  p.TotalPoints,
		Achievements: held,
		Ledger:       ledger,
	}, nil
}

// AwardAchievement grants an achievement on behalf of an admin. Granting a
// non-repeatable achievement that is already held succeeds without a write.
func (t *Tracker) AwardAchievement(ctx context.Context, actor model.Actor, partnerID, achievementID, reason string) (AwardResult, error) {
	const op = "achievement.award"
	reason, err := checkManual(actor, reason)
	if err != nil {
		return AwardResult{}, errs.Classify(op, err)
	}
	cat, err := t.catalogs.Snapshot()
	if err != nil {
		return AwardResult{}, errs.Wrap(op, errs.ErrInternal, err)
	}
	def, ok := cat.Achievement(achievementID)
	if !ok {
		return AwardResult{}, errs.Classify(op, fmt.Errorf("%w: %s", ErrUnknownAchievement, achievementID))
	}
	res, err := t.grant(ctx, partnerID, def, actor.ID, reason, "manual")
	if err != nil {
		return AwardResult{}, errs.Classify(op, err)
	}
	if res.Granted && t.autoPromote {
		res.Promoted, err = t.promote(ctx, partnerID, cat)
		if err != nil {
			return res, errs.Classify(op, err)
		}
	}
	return res, nil
}

// RevokeAchievement revokes the most recent active grant of an achievement.
// Revocation never changes the partner's tier.
func (t *Tracker) RevokeAchievement(ctx context.Context, actor model.Actor, partnerID, achievementID, reason string) (model.AchievementGrant, error) {
	const op = "achievement.revoke"
	reason, err := checkManual(actor, reason)
	if err != nil {
		return model.AchievementGrant{}, errs.Classify(op, err)
	}
	now := t.now().UTC()
	g, err := t.store.RevokeAchievement(ctx, repository.Revocation{
		PartnerID:     partnerID,
		AchievementID: achievementID,
		ActorID:       actor.ID,
		Reason:        reason,
		At:            now,
		Audit: &model.AuditEntry{
			ActorID:   actor.ID,
			Action:    model.AuditAchievementRevoked,
			PartnerID: partnerID,
			Payload:   map[string]any{"achievementId": achievementID, "reason": reason},
			At:        now,
		},
	})
	if err != nil {
		return model.AchievementGrant{}, errs.Classify(op, err)
	}
	metrics.RecordAchievementRevoked()
	t.logger.Info(ctx, "achievement revoked",
		logger.String("partner_id", partnerID),
		logger.String("achievement_id", achievementID),
		logger.String("actor_id", actor.ID),
	)
	return g, nil
}

// EvaluateAutomatic grants every achievement whose criteria the partner's
// lifetime metrics meet and that was never revoked for it, then promotes the partner one tier if enabled and
// eligible.
func (t *Tracker) EvaluateAutomatic(ctx context.Context, partnerID string) (AutomaticResult, error) {
	const op = "achievement.evaluate"
	cat, err := t.catalogs.Snapshot()
	if err != nil {
		return AutomaticResult{}, errs.Wrap(op, errs.ErrInternal, err)
	}
	p, err := t.store.GetPartner(ctx, partnerID)
	if err != nil {
		return AutomaticResult{}, errs.Classify(op, err)
	}

	ledger, err := t.store.ListGrants(ctx, partnerID)
	if err != nil {
		return AutomaticResult{}, errs.Classify(op, err)
	}
	// An admin revocation sticks; only a manual award brings it back.
	revoked := make(map[string]bool)
	for _, g := range ledger {
		if !g.Active() {
			revoked[g.AchievementID] = true
		}
	}

	out := AutomaticResult{Granted: []string{}}
	for _, def := range cat.Achievements() {
		if def.Criteria == nil || revoked[def.ID] || p.HasAchievement(def.ID) || !def.Criteria.Met(&p) {
			continue
		}
		res, err := t.grant(ctx, partnerID, def, model.SystemActorID, AutomaticReason, "automatic")
		if err != nil {
			return out, errs.Classify(op, err)
		}
		if res.Granted {
			out.Granted = append(out.Granted, def.ID)
		}
	}
	if t.autoPromote {
		out.Promoted, err = t.promote(ctx, partnerID, cat)
		if err != nil {
			return out, errs.Classify(op, err)
		}
	}
	return out, nil
}

func (t *Tracker) grant(ctx context.Context, partnerID string, def rewards.AchievementDefinition, actorID, reason, source string) (AwardResult, error) {
	now := t.now().UTC()
	g := model.AchievementGrant{
		ID:            uuid.NewString(),
		PartnerID:     partnerID,
		AchievementID: def.ID,
		Points:        def.Points,
		ActorID:       actorID,
		Reason:        reason,
		GrantedAt:     now,
	}
	audit := &model.AuditEntry{
		ActorID:   actorID,
		Action:    model.AuditAchievementAwarded,
		PartnerID: partnerID,
		Payload:   map[string]any{"achievementId": def.ID, "points": def.Points, "reason": reason},
		At:        now,
	}
	granted, err := t.store.GrantAchievement(ctx, g, def.Repeatable, audit)
	if err != nil {
		return AwardResult{}, err
	}
	if !granted {
		t.logger.Debug(ctx, "achievement already held",
			logger.String("partner_id", partnerID),
			logger.String("achievement_id", def.ID),
		)
		return AwardResult{}, nil
	}
	metrics.RecordAchievementAwarded(source)
	t.logger.Info(ctx, "achievement awarded",
		logger.String("partner_id", partnerID),
		logger.String("achievement_id", def.ID),
		logger.String("actor_id", actorID),
		logger.String("source", source),
		logger.Int("points", def.Points),
	)
	return AwardResult{Granted: true, Grant: &g}, nil
}

// promote moves the partner exactly one tier up when it is eligible for it.
func (t *Tracker) promote(ctx context.Context, partnerID string, cat *rewards.Catalog) (*model.TierHistoryEntry, error) {
	p, err := t.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	next, ok := p.Tier.Next()
	if !ok {
		return nil, nil
	}
	eligible, _, err := eligibility.CheckTarget(&p, cat, next)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, nil
	}
	now := t.now().UTC()
	h, err := t.store.ChangeTier(ctx, repository.TierChange{
		PartnerID: partnerID,
		From:      p.Tier,
		To:        next,
		Reason:    model.ReasonAchievement,
		At:        now,
		Audit: &model.AuditEntry{
			ActorID:   model.SystemActorID,
			Action:    model.AuditAutomaticPromotion,
			PartnerID: partnerID,
			Payload:   map[string]any{"from": string(p.Tier), "to": string(next), "configVersion": cat.Version()},
			At:        now,
		},
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTierTransition(string(model.ReasonAchievement), "up")
	t.logger.Info(ctx, "partner promoted",
		logger.String("partner_id", partnerID),
		logger.String("from", string(p.Tier)),
		logger.String("to", string(next)),
	)
	return &h, nil
}

func checkManual(actor model.Actor, reason string) (string, error) {
	if !actor.Admin {
		return "", ErrAdminRequired
	}
	reason, ok := model.NormalizeReason(reason)
	if !ok {
		return "", ErrReasonTooShort
	}
	return reason, nil
}
