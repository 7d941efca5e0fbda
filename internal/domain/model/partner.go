package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Rating bounds.
const (
	MinRating = 0.0
	MaxRating = 5.0
)

// AnnualCounters are the retention counters reset at every renewal.
type AnnualCounters struct {
	CertifiedEmployees int `json:"certifiedEmployees"`
	Opportunities      int `json:"opportunities"`
	DealsWon           int `json:"dealsWon"`
}

// IsZero reports whether all counters are zero.
func (c AnnualCounters) IsZero() bool { return c == AnnualCounters{} }

// Metrics are lifetime signals feeding the rating. Renewal never resets them.
type Metrics struct {
	DealsWon             int             `json:"dealsWon"`
	DealsLost            int             `json:"dealsLost"`
	Revenue              decimal.Decimal `json:"revenue"`
	Certifications       int             `json:"certifications"`
	ComplianceViolations int             `json:"complianceViolations"`
	MeddicTotal          int             `json:"meddicTotal"`
	MeddicCount          int             `json:"meddicCount"`
}

// CounterDelta is an atomic increment applied together with an event append.
type CounterDelta struct {
	Annual               AnnualCounters
	DealsWon             int
	DealsLost            int
	Revenue              decimal.Decimal
	Certifications       int
	ComplianceViolations int
	MeddicTotal          int
	MeddicCount          int
}

// IsZero reports whether applying d changes nothing.
func (d CounterDelta) IsZero() bool {
	return d.Annual.IsZero() && d.DealsWon == 0 && d.DealsLost == 0 && d.Revenue.IsZero() &&
		d.Certifications == 0 && d.ComplianceViolations == 0 && d.MeddicTotal == 0 && d.MeddicCount == 0
}

// Apply adds d to p's counters. Used by in-process stores.
func (d CounterDelta) Apply(p *Partner) {
	p.Annual.CertifiedEmployees += d.Annual.CertifiedEmployees
	p.Annual.Opportunities += d.Annual.Opportunities
	p.Annual.DealsWon += d.Annual.DealsWon
	p.Metrics.DealsWon += d.DealsWon
	p.Metrics.DealsLost += d.DealsLost
	p.Metrics.Revenue = p.Metrics.Revenue.Add(d.Revenue)
	p.Metrics.Certifications += d.Certifications
	p.Metrics.ComplianceViolations += d.ComplianceViolations
	p.Metrics.MeddicTotal += d.MeddicTotal
	p.Metrics.MeddicCount += d.MeddicCount
}

// Partner is a business account whose standing the engine tracks.
type Partner struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Tier           Tier           `json:"tier"`
	Rating         float64        `json:"rating"`
	AchievementIDs []string       `json:"achievementIds"`
	TotalPoints    int            `json:"totalPoints"`
	Annual         AnnualCounters `json:"annualCounters"`
	Metrics        Metrics        `json:"metrics"`
	RenewalDueAt   time.Time      `json:"renewalDueAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// HasAchievement reports whether the partner holds at least one active grant of id.
func (p *Partner) HasAchievement(id string) bool {
	return slices.Contains(p.AchievementIDs, id)
}

// NewPartner returns a bronze partner whose first renewal is one year after now.
func NewPartner(id, name string, now time.Time) Partner {
	now = now.UTC()
	return Partner{
		ID:             id,
		Name:           name,
		Tier:           TierBronze,
		AchievementIDs: []string{},
		RenewalDueAt:   now.AddDate(1, 0, 0),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NextRenewal advances due by whole years until it is strictly after now.
func NextRenewal(due, now time.Time) time.Time {
	next := due
	for !next.After(now) {
		next = next.AddDate(1, 0, 0)
	}
	return next
}

// ClampRating bounds r to [MinRating, MaxRating].
func ClampRating(r float64) float64 {
	switch {
	case r != r: // NaN
		return MinRating
	case r < MinRating:
		return MinRating
	case r > MaxRating:
		return MaxRating
	}
	return r
}
