package model_test

import (
	"math"
	"testing"
	"time"

	"github.com/okian/partners/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func TestTierOrder(t *testing.T) {
	Convey("Given the tier order", t, func() {
		Convey("Then tiers are strictly ordered bronze < silver < gold < platinum", func() {
			tiers := model.Tiers()
			So(tiers, ShouldResemble, []model.Tier{model.TierBronze, model.TierSilver, model.TierGold, model.TierPlatinum})
			for i := 1; i < len(tiers); i++ {
				So(tiers[i-1].Less(tiers[i]), ShouldBeTrue)
				So(tiers[i].Less(tiers[i-1]), ShouldBeFalse)
			}
		})

		Convey("Then Next moves exactly one step up and stops at platinum", func() {
			next, ok := model.TierGold.Next()
			So(ok, ShouldBeTrue)
			So(next, ShouldEqual, model.TierPlatinum)

			_, ok = model.TierPlatinum.Next()
			So(ok, ShouldBeFalse)
		})

		Convey("Then Prev moves exactly one step down and stops at bronze", func() {
			prev, ok := model.TierGold.Prev()
			So(ok, ShouldBeTrue)
			So(prev, ShouldEqual, model.TierSilver)

			_, ok = model.TierBronze.Prev()
			So(ok, ShouldBeFalse)
		})

		Convey("Then unknown tiers are rejected", func() {
			_, err := model.ParseTier("diamond")
			So(err, ShouldNotBeNil)
			So(model.Tier("diamond").Valid(), ShouldBeFalse)
			_, ok := model.Tier("diamond").Next()
			So(ok, ShouldBeFalse)

			tier, err := model.ParseTier(" Gold ")
			So(err, ShouldBeNil)
			So(tier, ShouldEqual, model.TierGold)
		})
	})
}

func TestPartnerHelpers(t *testing.T) {
	Convey("Given a new partner", t, func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		p := model.NewPartner("p-1", "Acme", now)

		Convey("Then it starts at bronze with renewal due in one year", func() {
			So(p.Tier, ShouldEqual, model.TierBronze)
			So(p.RenewalDueAt, ShouldEqual, now.AddDate(1, 0, 0))
			So(p.AchievementIDs, ShouldBeEmpty)
		})

		Convey("When a counter delta is applied", func() {
			d := model.CounterDelta{
				Annual:   model.AnnualCounters{DealsWon: 1},
				DealsWon: 1,
				Revenue:  decimal.RequireFromString("1250.50"),
			}
			So(d.IsZero(), ShouldBeFalse)
			d.Apply(&p)
			d.Apply(&p)

			Convey("Then counters accumulate", func() {
				So(p.Annual.DealsWon, ShouldEqual, 2)
				So(p.Metrics.DealsWon, ShouldEqual, 2)
				So(p.Metrics.Revenue.String(), ShouldEqual, "2501")
			})
		})
	})

	Convey("Given renewal dates", t, func() {
		now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

		Convey("Then an overdue date advances by whole years past now", func() {
			due := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
			So(model.NextRenewal(due, now), ShouldEqual, time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC))
		})

		Convey("Then a date equal to now still advances", func() {
			So(model.NextRenewal(now, now), ShouldEqual, now.AddDate(1, 0, 0))
		})
	})

	Convey("Given out of range ratings", t, func() {
		So(model.ClampRating(-1), ShouldEqual, 0)
		So(model.ClampRating(7.3), ShouldEqual, 5)
		So(model.ClampRating(math.NaN()), ShouldEqual, 0)
		So(model.ClampRating(3.25), ShouldEqual, 3.25)
	})
}

func TestEventTypes(t *testing.T) {
	Convey("Given event types", t, func() {
		So(model.EventDealWon.Valid(), ShouldBeTrue)
		So(model.EventMeddicScoreUpdated.Valid(), ShouldBeTrue)
		So(model.EventType("deal_reopened").Valid(), ShouldBeFalse)

		g := model.AchievementGrant{}
		So(g.Active(), ShouldBeTrue)
		now := time.Now()
		g.RevokedAt = &now
		So(g.Active(), ShouldBeFalse)
	})
}

func TestNormalizeReason(t *testing.T) {
	Convey("Given operator reasons", t, func() {
		r, ok := model.NormalizeReason("  exactly10!  ")
		So(ok, ShouldBeTrue)
		So(r, ShouldEqual, "exactly10!")

		_, ok = model.NormalizeReason("  nine ch  ")
		So(ok, ShouldBeFalse)

		_, ok = model.NormalizeReason("")
		So(ok, ShouldBeFalse)
	})
}
