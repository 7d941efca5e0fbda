package rating

import (
	"fmt"
	"math"
	"time"

	"github.com/okian/partners/internal/domain/model"
	"github.com/shopspring/decimal"
)

const weightTolerance = 1e-9

// Weights are the factor weights. They must be non-negative and sum to 1.
type Weights struct {
	DealQuality   float64 `json:"dealQuality"`
	Engagement    float64 `json:"engagement"`
	Certification float64 `json:"certification"`
	Compliance    float64 `json:"compliance"`
	Revenue       float64 `json:"revenue"`
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{
		DealQuality:   0.30,
		Engagement:    0.15,
		Certification: 0.20,
		Compliance:    0.15,
		Revenue:       0.20,
	}
}

// Validate checks the weights are usable.
func (w Weights) Validate() error {
	sum := 0.0
	for _, v := range []float64{w.DealQuality, w.Engagement, w.Certification, w.Compliance, w.Revenue} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: negative weight %v", ErrInvalidWeights, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidWeights, sum)
	}
	return nil
}

// Targets normalize raw counters into [0,1] factors.
type Targets struct {
	EngagementWindow    time.Duration
	EngagementTarget    int
	CertificationTarget int
	ViolationLimit      int
	RevenueTarget       decimal.Decimal
}

// DefaultTargets returns the standard normalization targets.
func DefaultTargets() Targets {
	return Targets{
		EngagementWindow:    90 * 24 * time.Hour,
		EngagementTarget:    12,
		CertificationTarget: 5,
		ViolationLimit:      3,
		RevenueTarget:       decimal.NewFromInt(1_000_000),
	}
}

func (t Targets) valid() bool {
	return t.EngagementWindow > 0 && t.EngagementTarget > 0 && t.CertificationTarget > 0 &&
		t.ViolationLimit > 0 && t.RevenueTarget.IsPositive()
}

// Factors are the normalized inputs of a rating, each in [0,1].
type Factors struct {
	DealQuality   float64 `json:"dealQuality"`
	Engagement    float64 `json:"engagement"`
	Certification float64 `json:"certification"`
	Compliance    float64 `json:"compliance"`
	Revenue       float64 `json:"revenue"`
}

// Score derives the rating of p from its persisted counters and the number of
// events it logged inside the engagement window. It is a pure function: the
// same inputs always give the same rating.
func Score(p *model.Partner, recentEvents int, w Weights, t Targets) (float64, Factors) {
	m := p.Metrics
	f := Factors{
		DealQuality:   0.6*ratio(m.DealsWon, m.DealsWon+m.DealsLost) + 0.4*meddicAverage(m)/100,
		Engagement:    ratio(recentEvents, t.EngagementTarget),
		Certification: ratio(m.Certifications, t.CertificationTarget),
		Compliance:    1 - ratio(m.ComplianceViolations, t.ViolationLimit),
		Revenue:       revenueFactor(m.Revenue, t.RevenueTarget),
	}
	sum := w.DealQuality*f.DealQuality +
		w.Engagement*f.Engagement +
		w.Certification*f.Certification +
		w.Compliance*f.Compliance +
		w.Revenue*f.Revenue
	return round2(model.ClampRating(model.MaxRating * sum)), f
}

// ratio returns min(n/d, 1), floored at 0. A non-positive d yields 0.
func ratio(n, d int) float64 {
	if d <= 0 || n <= 0 {
		return 0
	}
	return math.Min(float64(n)/float64(d), 1)
}

func meddicAverage(m model.Metrics) float64 {
	if m.MeddicCount <= 0 {
		return 0
	}
	return math.Min(math.Max(float64(m.MeddicTotal)/float64(m.MeddicCount), 0), 100)
}

func revenueFactor(revenue, target decimal.Decimal) float64 {
	if !target.IsPositive() || !revenue.IsPositive() {
		return 0
	}
	if revenue.GreaterThanOrEqual(target) {
		return 1
	}
	return revenue.DivRound(target, 8).InexactFloat64()
}

// round2 rounds half away from zero to two decimals; ratings are never
// negative, so this is round half-up.
func round2(r float64) float64 {
	return decimal.NewFromFloat(r).Round(2).InexactFloat64()
}
