// Package rewards owns the achievement and tier requirement configuration.
//
// Configuration arrives as a loosely structured document (Config) from a
// Source, is validated once by Compile and is then served as an immutable,
// versioned Catalog. Evaluation code only ever sees a Catalog.
package rewards

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/okian/partners/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Category groups achievements.
type Category string

// Achievement categories.
const (
	CategoryCertification Category = "certification"
	CategoryDeals         Category = "deals"
	CategoryTraining      Category = "training"
	CategoryCompliance    Category = "compliance"
	CategoryEngagement    Category = "engagement"
)

func (c Category) valid() bool {
	switch c {
	case CategoryCertification, CategoryDeals, CategoryTraining, CategoryCompliance, CategoryEngagement:
		return true
	}
	return false
}

// Metrics an automatic achievement criterion may reference.
const (
	MetricDealsWon           = "deals_won"
	MetricCertifications     = "certifications"
	MetricRevenue            = "revenue"
	MetricMeddicScores       = "meddic_scores"
	MetricAnnualOpportunity  = "annual_opportunities"
	MetricAnnualCertifiedEmp = "annual_certified_employees"
)

// Config is the document shape read from a Source.
type Config struct {
	Version      int                        `koanf:"version"`
	Achievements map[string]AchievementSpec `koanf:"achievements"`
	Tiers        map[string]TierSpec        `koanf:"tiers"`
}

// AchievementSpec is one achievement definition as written in the document.
type AchievementSpec struct {
	Name       string        `koanf:"name"`
	Category   string        `koanf:"category"`
	Points     int           `koanf:"points"`
	Tier       string        `koanf:"tier"`
	Repeatable bool          `koanf:"repeatable"`
	Criteria   *CriteriaSpec `koanf:"criteria"`
}

// CriteriaSpec is an automatic grant rule as written in the document.
type CriteriaSpec struct {
	Metric    string  `koanf:"metric"`
	Threshold float64 `koanf:"threshold"`
}

// TierSpec is one tier requirement as written in the document.
type TierSpec struct {
	MinRating    float64        `koanf:"min_rating"`
	Achievements AchievementSet `koanf:"achievements"`
	Annual       AnnualSpec     `koanf:"annual"`
	Benefits     []string       `koanf:"benefits"`
}

// AchievementSet lists the achievements a tier asks for.
type AchievementSet struct {
	Required []string `koanf:"required"`
	Optional []string `koanf:"optional"`
}

// AnnualSpec holds the per-period thresholds of a tier.
type AnnualSpec struct {
	CertifiedEmployees int `koanf:"certified_employees"`
	Opportunities      int `koanf:"opportunities"`
	DealsWon           int `koanf:"deals_won"`
}

// Criteria is a validated automatic grant rule.
type Criteria struct {
	Metric    string          `json:"metric"`
	Threshold decimal.Decimal `json:"threshold"`
}

// Met reports whether p's current counters satisfy the rule.
func (c Criteria) Met(p *model.Partner) bool {
	var v decimal.Decimal
	switch c.Metric {
	case MetricDealsWon:
		v = decimal.NewFromInt(int64(p.Metrics.DealsWon))
	case MetricCertifications:
		v = decimal.NewFromInt(int64(p.Metrics.Certifications))
	case MetricRevenue:
		v = p.Metrics.Revenue
	case MetricMeddicScores:
		v = decimal.NewFromInt(int64(p.Metrics.MeddicCount))
	case MetricAnnualOpportunity:
		v = decimal.NewFromInt(int64(p.Annual.Opportunities))
	case MetricAnnualCertifiedEmp:
		v = decimal.NewFromInt(int64(p.Annual.CertifiedEmployees))
	default:
		return false
	}
	return v.GreaterThanOrEqual(c.Threshold)
}

// AchievementDefinition is an immutable, validated achievement.
type AchievementDefinition struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Category   Category   `json:"category"`
	Points     int        `json:"points"`
	Tier       model.Tier `json:"tier"`
	Repeatable bool       `json:"repeatable"`
	Criteria   *Criteria  `json:"criteria,omitempty"`
}

// TierRequirement is an immutable, validated requirement set for one tier.
type TierRequirement struct {
	Tier      model.Tier           `json:"tier"`
	MinRating float64              `json:"minRating"`
	Required  []string             `json:"requiredAchievements"`
	Optional  []string             `json:"optionalAchievements"`
	Annual    model.AnnualCounters `json:"annualRequirements"`
	Benefits  []string             `json:"benefits"`
}

// Catalog is a compiled, read-only view of one config version. It is safe for
// concurrent use; accessors return copies.
type Catalog struct {
	version      int
	loadedAt     time.Time
	achievements map[string]AchievementDefinition
	ids          []string
	tiers        map[model.Tier]TierRequirement
}

// Version returns the config version the catalog was compiled from.
func (c *Catalog) Version() int { return c.version }

// LoadedAt returns when the catalog was compiled.
func (c *Catalog) LoadedAt() time.Time { return c.loadedAt }

// Achievement looks up a definition by id.
func (c *Catalog) Achievement(id string) (AchievementDefinition, bool) {
	d, ok := c.achievements[id]
	if ok && d.Criteria != nil {
		cr := *d.Criteria
		d.Criteria = &cr
	}
	return d, ok
}

// Achievements returns all definitions ordered by id.
func (c *Catalog) Achievements() []AchievementDefinition {
	out := make([]AchievementDefinition, 0, len(c.ids))
	for _, id := range c.ids {
		d, _ := c.Achievement(id)
		out = append(out, d)
	}
	return out
}

// Requirement returns the requirement record for tier t.
func (c *Catalog) Requirement(t model.Tier) (TierRequirement, bool) {
	r, ok := c.tiers[t]
	if !ok {
		return TierRequirement{}, false
	}
	r.Required = slices.Clone(r.Required)
	r.Optional = slices.Clone(r.Optional)
	r.Benefits = slices.Clone(r.Benefits)
	return r, true
}

// Compile validates cfg and builds a Catalog. All problems are reported
// together, wrapped in ErrInvalidConfig.
func Compile(cfg *Config, now time.Time) (*Catalog, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidConfig)
	}
	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if cfg.Version <= 0 {
		addf("version must be positive, got %d", cfg.Version)
	}

	cat := &Catalog{
		version:      cfg.Version,
		loadedAt:     now,
		achievements: make(map[string]AchievementDefinition, len(cfg.Achievements)),
		tiers:        make(map[model.Tier]TierRequirement, len(cfg.Tiers)+1),
	}

	for id, raw := range cfg.Achievements {
		if strings.TrimSpace(id) == "" || strings.Contains(id, ".") {
			addf("achievement id %q is not allowed", id)
			continue
		}
		def := AchievementDefinition{
			ID:         id,
			Name:       raw.Name,
			Category:   Category(strings.ToLower(raw.Category)),
			Points:     raw.Points,
			Repeatable: raw.Repeatable,
		}
		if def.Name == "" {
			def.Name = id
		}
		if !def.Category.valid() {
			addf("achievement %s: unknown category %q", id, raw.Category)
		}
		if def.Points < 0 {
			addf("achievement %s: points must not be negative", id)
		}
		tier, err := model.ParseTier(raw.Tier)
		if err != nil {
			addf("achievement %s: %v", id, err)
		}
		def.Tier = tier
		if raw.Criteria != nil {
			if !knownMetric(raw.Criteria.Metric) {
				addf("achievement %s: unknown criteria metric %q", id, raw.Criteria.Metric)
			}
			if raw.Criteria.Threshold <= 0 {
				addf("achievement %s: criteria threshold must be positive", id)
			}
			def.Criteria = &Criteria{Metric: raw.Criteria.Metric, Threshold: decimal.NewFromFloat(raw.Criteria.Threshold)}
		}
		cat.achievements[id] = def
		cat.ids = append(cat.ids, id)
	}
	sort.Strings(cat.ids)

	for name, raw := range cfg.Tiers {
		tier, err := model.ParseTier(name)
		if err != nil {
			addf("tiers: %v", err)
			continue
		}
		req := TierRequirement{
			Tier:      tier,
			MinRating: raw.MinRating,
			Required:  slices.Clone(raw.Achievements.Required),
			Optional:  slices.Clone(raw.Achievements.Optional),
			Annual: model.AnnualCounters{
				CertifiedEmployees: raw.Annual.CertifiedEmployees,
				Opportunities:      raw.Annual.Opportunities,
				DealsWon:           raw.Annual.DealsWon,
			},
			Benefits: slices.Clone(raw.Benefits),
		}
		if req.MinRating < model.MinRating || req.MinRating > model.MaxRating {
			addf("tier %s: min_rating %v outside [0,5]", tier, req.MinRating)
		}
		if req.Annual.CertifiedEmployees < 0 || req.Annual.Opportunities < 0 || req.Annual.DealsWon < 0 {
			addf("tier %s: annual thresholds must not be negative", tier)
		}
		for _, id := range append(slices.Clone(req.Required), req.Optional...) {
			if _, ok := cfg.Achievements[id]; !ok {
				addf("tier %s: references unknown achievement %q", tier, id)
			}
		}
		for _, id := range req.Required {
			if slices.Contains(req.Optional, id) {
				addf("tier %s: achievement %q is both required and optional", tier, id)
			}
		}
		cat.tiers[tier] = req
	}

	// Every tier above bronze must be configured; bronze is the floor and
	// defaults to no requirements.
	for _, t := range model.Tiers() {
		if _, ok := cat.tiers[t]; ok {
			continue
		}
		if t == model.TierBronze {
			cat.tiers[t] = TierRequirement{Tier: t}
			continue
		}
		addf("tier %s: missing requirement", t)
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return cat, nil
}

func knownMetric(m string) bool {
	switch m {
	case MetricDealsWon, MetricCertifications, MetricRevenue, MetricMeddicScores,
		MetricAnnualOpportunity, MetricAnnualCertifiedEmp:
		return true
	}
	return false
}

// MustCompile is Compile for static documents; it panics on invalid input.
func MustCompile(cfg *Config) *Catalog {
	cat, err := Compile(cfg, time.Now().UTC())
	if err != nil {
		panic(err)
	}
	return cat
}
