package rewards_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rewards"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func validConfig() *rewards.Config {
	return &rewards.Config{
		Version: 2,
		Achievements: map[string]rewards.AchievementSpec{
			"A1": {Name: "Cert", Category: "certification", Points: 10, Tier: "gold"},
			"A2": {Name: "Deals", Category: "deals", Points: 20, Tier: "gold",
				Criteria: &rewards.CriteriaSpec{Metric: rewards.MetricDealsWon, Threshold: 3}},
			"OPT": {Category: "training", Points: 5, Tier: "silver", Repeatable: true},
		},
		Tiers: map[string]rewards.TierSpec{
			"silver":   {MinRating: 2},
			"gold":     {MinRating: 3, Achievements: rewards.AchievementSet{Optional: []string{"OPT"}}},
			"platinum": {MinRating: 4, Achievements: rewards.AchievementSet{Required: []string{"A1", "A2"}}, Annual: rewards.AnnualSpec{DealsWon: 4}},
		},
	}
}

func TestCompile(t *testing.T) {
	Convey("Given a valid document", t, func() {
		cat, err := rewards.Compile(validConfig(), time.Now())

		Convey("Then it compiles into a typed catalog", func() {
			So(err, ShouldBeNil)
			So(cat.Version(), ShouldEqual, 2)

			a2, ok := cat.Achievement("A2")
			So(ok, ShouldBeTrue)
			So(a2.Category, ShouldEqual, rewards.CategoryDeals)
			So(a2.Tier, ShouldEqual, model.TierGold)
			So(a2.Criteria, ShouldNotBeNil)

			opt, _ := cat.Achievement("OPT")
			So(opt.Name, ShouldEqual, "OPT")
			So(opt.Repeatable, ShouldBeTrue)

			ids := []string{}
			for _, d := range cat.Achievements() {
				ids = append(ids, d.ID)
			}
			So(ids, ShouldResemble, []string{"A1", "A2", "OPT"})
		})

		Convey("Then bronze defaults to no requirements", func() {
			req, ok := cat.Requirement(model.TierBronze)
			So(ok, ShouldBeTrue)
			So(req.MinRating, ShouldEqual, 0)
			So(req.Annual.IsZero(), ShouldBeTrue)
		})

		Convey("Then requirement slices cannot be mutated through accessors", func() {
			req, _ := cat.Requirement(model.TierPlatinum)
			req.Required[0] = "HACKED"
			again, _ := cat.Requirement(model.TierPlatinum)
			So(again.Required, ShouldResemble, []string{"A1", "A2"})
			So(again.Annual.DealsWon, ShouldEqual, 4)
		})
	})

	Convey("Given malformed documents", t, func() {
		Convey("When a tier references an unknown achievement", func() {
			cfg := validConfig()
			cfg.Tiers["gold"] = rewards.TierSpec{MinRating: 3, Achievements: rewards.AchievementSet{Required: []string{"GHOST"}}}
			_, err := rewards.Compile(cfg, time.Now())
			So(errors.Is(err, rewards.ErrInvalidConfig), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "GHOST")
		})

		Convey("When a tier above bronze is missing", func() {
			cfg := validConfig()
			delete(cfg.Tiers, "silver")
			_, err := rewards.Compile(cfg, time.Now())
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "tier silver: missing requirement")
		})

		Convey("When values are out of range", func() {
			cfg := validConfig()
			cfg.Version = 0
			cfg.Tiers["silver"] = rewards.TierSpec{MinRating: 6}
			cfg.Achievements["BAD"] = rewards.AchievementSpec{Category: "party", Points: -1, Tier: "diamond"}
			_, err := rewards.Compile(cfg, time.Now())
			So(err, ShouldNotBeNil)
			msg := err.Error()
			So(msg, ShouldContainSubstring, "version must be positive")
			So(msg, ShouldContainSubstring, "min_rating 6 outside [0,5]")
			So(msg, ShouldContainSubstring, "unknown category")
			So(msg, ShouldContainSubstring, "points must not be negative")
			So(msg, ShouldContainSubstring, "unknown tier")
		})

		Convey("When criteria reference an unknown metric", func() {
			cfg := validConfig()
			cfg.Achievements["A1"] = rewards.AchievementSpec{Category: "deals", Tier: "gold",
				Criteria: &rewards.CriteriaSpec{Metric: "logins", Threshold: 1}}
			_, err := rewards.Compile(cfg, time.Now())
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "unknown criteria metric")
		})

		Convey("When the document is nil", func() {
			_, err := rewards.Compile(nil, time.Now())
			So(errors.Is(err, rewards.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

func TestCriteria(t *testing.T) {
	Convey("Given an automatic criterion", t, func() {
		p := model.NewPartner("p", "P", time.Now())

		Convey("Then integer metrics compare against the threshold", func() {
			c := rewards.Criteria{Metric: rewards.MetricDealsWon, Threshold: decimal.NewFromInt(3)}
			p.Metrics.DealsWon = 2
			So(c.Met(&p), ShouldBeFalse)
			p.Metrics.DealsWon = 3
			So(c.Met(&p), ShouldBeTrue)
		})

		Convey("Then revenue compares with decimal precision", func() {
			c := rewards.Criteria{Metric: rewards.MetricRevenue, Threshold: decimal.NewFromInt(1_000_000)}
			p.Metrics.Revenue = decimal.RequireFromString("999999.99")
			So(c.Met(&p), ShouldBeFalse)
			p.Metrics.Revenue = decimal.RequireFromString("1000000.00")
			So(c.Met(&p), ShouldBeTrue)
		})

		Convey("Then unknown metrics never match", func() {
			c := rewards.Criteria{Metric: "nope", Threshold: decimal.NewFromInt(0)}
			So(c.Met(&p), ShouldBeFalse)
		})
	})
}

func TestSources(t *testing.T) {
	ctx := context.Background()

	Convey("Given the embedded default document", t, func() {
		doc, err := rewards.DefaultSource().Load(ctx)
		So(err, ShouldBeNil)

		Convey("Then it compiles", func() {
			cat, err := rewards.Compile(doc, time.Now())
			So(err, ShouldBeNil)
			gold, ok := cat.Requirement(model.TierGold)
			So(ok, ShouldBeTrue)
			So(gold.MinRating, ShouldEqual, 3.5)
			So(gold.Required, ShouldResemble, []string{"cert-advanced", "deals-10"})
			So(gold.Annual, ShouldResemble, model.AnnualCounters{CertifiedEmployees: 3, Opportunities: 10, DealsWon: 5})

			training, ok := cat.Achievement("sales-training")
			So(ok, ShouldBeTrue)
			So(training.Repeatable, ShouldBeTrue)
		})
	})

	Convey("Given a YAML file", t, func() {
		path := writeTemp(t, `
version: 7
achievements:
  cert:
    category: certification
    points: 10
    tier: silver
tiers:
  silver:
    min_rating: 2
    achievements:
      required: [cert]
  gold:
    min_rating: 3
  platinum:
    min_rating: 4
    annual:
      deals_won: 9
`)
		doc, err := rewards.NewFileSource(path).Load(ctx)
		So(err, ShouldBeNil)
		cat, err := rewards.Compile(doc, time.Now())
		So(err, ShouldBeNil)
		So(cat.Version(), ShouldEqual, 7)
		plat, _ := cat.Requirement(model.TierPlatinum)
		So(plat.Annual.DealsWon, ShouldEqual, 9)
	})

	Convey("Given a missing file", t, func() {
		_, err := rewards.NewFileSource("/does/not/exist.yaml").Load(ctx)
		So(errors.Is(err, rewards.ErrLoadConfig), ShouldBeTrue)
	})

	Convey("Given broken YAML", t, func() {
		_, err := rewards.StaticBytes("version: [").Load(ctx)
		So(errors.Is(err, rewards.ErrLoadConfig), ShouldBeTrue)
	})
}

func TestCache(t *testing.T) {
	ctx := context.Background()

	Convey("Given a cache that was never loaded", t, func() {
		c := rewards.NewCache(&rewards.StaticConfig{Err: errors.New("store down")})
		_, err := c.Snapshot()
		So(errors.Is(err, rewards.ErrNotLoaded), ShouldBeTrue)

		Convey("Then Start fails when the first load fails", func() {
			So(c.Start(ctx), ShouldNotBeNil)
		})
	})

	Convey("Given a loaded cache", t, func() {
		src := &rewards.StaticConfig{Config: validConfig()}
		c := rewards.NewCache(src, rewards.WithRefreshInterval(0))
		So(c.Start(ctx), ShouldBeNil)
		first, err := c.Snapshot()
		So(err, ShouldBeNil)
		So(first.Version(), ShouldEqual, 2)

		Convey("When a refresh fails", func() {
			src.Err = errors.New("timeout")
			So(c.Refresh(ctx), ShouldNotBeNil)

			Convey("Then the last good catalog is kept", func() {
				cur, err := c.Snapshot()
				So(err, ShouldBeNil)
				So(cur, ShouldEqual, first)
			})
		})

		Convey("When the source publishes an invalid version", func() {
			bad := validConfig()
			bad.Version = -1
			src.Config = bad
			So(errors.Is(c.Refresh(ctx), rewards.ErrInvalidConfig), ShouldBeTrue)
			cur, _ := c.Snapshot()
			So(cur.Version(), ShouldEqual, 2)
		})

		Convey("When the source publishes a new version", func() {
			next := validConfig()
			next.Version = 3
			src.Config = next
			So(c.Refresh(ctx), ShouldBeNil)
			cur, _ := c.Snapshot()
			So(cur.Version(), ShouldEqual, 3)
		})
	})

	Convey("Given a static cache", t, func() {
		cat := rewards.MustCompile(validConfig())
		c := rewards.NewStaticCache(cat)
		got, err := c.Snapshot()
		So(err, ShouldBeNil)
		So(got, ShouldEqual, cat)
		So(c.Refresh(ctx), ShouldBeNil)
	})
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "rewards-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}
