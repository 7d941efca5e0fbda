// Package eligibility evaluates tier requirements against a partner.
//
// Everything here is read-only. Evaluate and MeetsAnnual are pure functions;
// the Evaluator only adds loading the partner and the current catalog.
package eligibility

import (
	"context"
	"fmt"

	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rewards"
)

// Blockers lists the unmet conditions of a tier requirement.
type Blockers struct {
	Rating             bool     `json:"rating"`
	Achievements       []string `json:"achievements"`
	AnnualRequirements bool     `json:"annualRequirements"`
}

// Clear reports whether nothing blocks.
func (b Blockers) Clear() bool {
	return !b.Rating && len(b.Achievements) == 0 && !b.AnnualRequirements
}

// TierEligibility is the advancement verdict for a partner.
type TierEligibility struct {
	PartnerID     string     `json:"partnerId"`
	CurrentTier   model.Tier `json:"currentTier"`
	NextTier      model.Tier `json:"nextTier"`
	Eligible      bool       `json:"eligible"`
	Blockers      Blockers   `json:"blockers"`
	ConfigVersion int        `json:"configVersion"`
}

// AchievementProgress tells whether one achievement is held.
type AchievementProgress struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
	Held   bool   `json:"held"`
}

// NextTierRequirements describes what the next tier asks for and how far the
// partner is from it.
type NextTierRequirements struct {
	PartnerID            string                `json:"partnerId"`
	CurrentTier          model.Tier            `json:"currentTier"`
	NextTier             model.Tier            `json:"nextTier"`
	MinRating            float64               `json:"minRating"`
	CurrentRating        float64               `json:"currentRating"`
	RequiredAchievements []AchievementProgress `json:"requiredAchievements"`
	OptionalProgress     []AchievementProgress `json:"optionalProgress"`
	AnnualRequirements   model.AnnualCounters  `json:"annualRequirements"`
	AnnualProgress       model.AnnualCounters  `json:"annualProgress"`
	Benefits             []string              `json:"benefits"`
	Eligible             bool                  `json:"eligible"`
	Blockers             Blockers              `json:"blockers"`
	ConfigVersion        int                   `json:"configVersion"`
}

// MeetsAnnual reports whether every annual counter reaches its threshold.
func MeetsAnnual(c model.AnnualCounters, req rewards.TierRequirement) bool {
	return c.CertifiedEmployees >= req.Annual.CertifiedEmployees &&
		c.Opportunities >= req.Annual.Opportunities &&
		c.DealsWon >= req.Annual.DealsWon
}

// Evaluate checks p against req. Optional achievements never block.
func Evaluate(p *model.Partner, req rewards.TierRequirement) (bool, Blockers) {
	b := Blockers{
		Rating:             p.Rating < req.MinRating,
		Achievements:       []string{},
		AnnualRequirements: !MeetsAnnual(p.Annual, req),
	}
	for _, id := range req.Required {
		if !p.HasAchievement(id) {
			b.Achievements = append(b.Achievements, id)
		}
	}
	return b.Clear(), b
}

// CheckTarget evaluates p against the requirement of an arbitrary target tier.
func CheckTarget(p *model.Partner, cat *rewards.Catalog, target model.Tier) (bool, Blockers, error) {
	req, ok := cat.Requirement(target)
	if !ok {
		return false, Blockers{}, fmt.Errorf("no requirement configured for tier %s", target)
	}
	eligible, b := Evaluate(p, req)
	return eligible, b, nil
}

// PartnerReader loads partners.
type PartnerReader interface {
	GetPartner(ctx context.Context, id string) (model.Partner, error)
}

// Catalogs hands out the current rewards catalog.
type Catalogs interface {
	Snapshot() (*rewards.Catalog, error)
}

// Evaluator answers eligibility questions for stored partners.
type Evaluator struct {
	partners PartnerReader
	catalogs Catalogs
}

// NewEvaluator creates an evaluator.
func NewEvaluator(partners PartnerReader, catalogs Catalogs) *Evaluator {
	return &Evaluator{partners: partners, catalogs: catalogs}
}

func (e *Evaluator) load(ctx context.Context, op, partnerID string) (model.Partner, *rewards.Catalog, error) {
	p, err := e.partners.GetPartner(ctx, partnerID)
	if err != nil {
		return model.Partner{}, nil, errs.Classify(op, err)
	}
	cat, err := e.catalogs.Snapshot()
	if err != nil {
		return model.Partner{}, nil, errs.Wrap(op, errs.ErrInternal, err)
	}
	return p, cat, nil
}

// CalculateTierEligibility evaluates the partner against the tier immediately
// above its current one. It returns nil when the partner is at the top tier.
func (e *Evaluator) CalculateTierEligibility(ctx context.Context, partnerID string) (*TierEligibility, error) {
	const op = "eligibility.calculate"
	p, cat, err := e.load(ctx, op, partnerID)
	if err != nil {
		return nil, err
	}
	next, ok := p.Tier.Next()
	if !ok {
		return nil, nil
	}
	eligible, b, err := CheckTarget(&p, cat, next)
	if err != nil {
		return nil, errs.Wrap(op, errs.ErrInternal, err)
	}
	return &TierEligibility{
		PartnerID:     p.ID,
		CurrentTier:   p.Tier,
		NextTier:      next,
		Eligible:      eligible,
		Blockers:      b,
		ConfigVersion: cat.Version(),
	}, nil
}

// GetNextTierRequirements describes the next tier and the partner's progress
// towards it. It returns nil when the partner is at the top tier.
func (e *Evaluator) GetNextTierRequirements(ctx context.Context, partnerID string) (*NextTierRequirements, error) {
	const op = "eligibility.next_tier"
	p, cat, err := e.load(ctx, op, partnerID)
	if err != nil {
		return nil, err
	}
	next, ok := p.Tier.Next()
	if !ok {
		return nil, nil
	}
	req, ok := cat.Requirement(next)
	if !ok {
		return nil, errs.New(op, errs.ErrInternal, "no requirement configured for tier %s", next)
	}
	eligible, b := Evaluate(&p, req)
	return &NextTierRequirements{
		PartnerID:            p.ID,
		CurrentTier:          p.Tier,
		NextTier:             next,
		MinRating:            req.MinRating,
		CurrentRating:        p.Rating,
		RequiredAchievements: progress(&p, cat, req.Required),
		OptionalProgress:     progress(&p, cat, req.Optional),
		AnnualRequirements:   req.Annual,
		AnnualProgress:       p.Annual,
		Benefits:             req.Benefits,
		Eligible:             eligible,
		Blockers:             b,
		ConfigVersion:        cat.Version(),
	}, nil
}

func progress(p *model.Partner, cat *rewards.Catalog, ids []string) []AchievementProgress {
	out := make([]AchievementProgress, 0, len(ids))
	for _, id := range ids {
		ap := AchievementProgress{ID: id, Name: id, Held: p.HasAchievement(id)}
		if def, ok := cat.Achievement(id); ok {
			ap.Name = def.Name
			ap.Points = def.Points
		}
		out = append(out, ap)
	}
	return out
}
