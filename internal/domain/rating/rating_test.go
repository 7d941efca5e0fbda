package rating_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/domain/errs"
	"github.com/okian/partners/internal/domain/model"
	"github.com/okian/partners/internal/domain/rating"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestScore(t *testing.T) {
	w, tg := rating.DefaultWeights(), rating.DefaultTargets()

	Convey("Given a brand new partner", t, func() {
		p := model.NewPartner("p", "P", now)
		r, f := rating.Score(&p, 0, w, tg)

		Convey("Then only the compliance factor contributes", func() {
			So(f.Compliance, ShouldEqual, 1)
			So(f.DealQuality, ShouldEqual, 0)
			So(r, ShouldEqual, 0.75)
		})
	})

	Convey("Given a partner that saturates every factor", t, func() {
		p := model.NewPartner("p", "P", now)
		p.Metrics = model.Metrics{DealsWon: 40, Revenue: decimal.NewFromInt(5_000_000),
			Certifications: 12, MeddicTotal: 300, MeddicCount: 3}
		r, _ := rating.Score(&p, 100, w, tg)
		So(r, ShouldEqual, 5)
	})

	Convey("Given a partner with mixed signals", t, func() {
		p := model.NewPartner("p", "P", now)
		p.Metrics = model.Metrics{
			DealsWon: 3, DealsLost: 1,
			MeddicTotal: 160, MeddicCount: 2,
			Certifications:       2,
			ComplianceViolations: 1,
			Revenue:              decimal.NewFromInt(250_000),
		}
		r, f := rating.Score(&p, 6, w, tg)

		Convey("Then each factor is normalized and the sum is rounded to cents", func() {
			So(f.DealQuality, ShouldAlmostEqual, 0.77, 1e-9)
			So(f.Engagement, ShouldEqual, 0.5)
			So(f.Certification, ShouldEqual, 0.4)
			So(f.Compliance, ShouldAlmostEqual, 2.0/3.0, 1e-9)
			So(f.Revenue, ShouldEqual, 0.25)
			So(r, ShouldEqual, 2.68)
		})
	})

	Convey("Given hostile counters", t, func() {
		p := model.NewPartner("p", "P", now)
		p.Metrics = model.Metrics{DealsLost: 9, ComplianceViolations: 50,
			Revenue: decimal.NewFromInt(-10), MeddicTotal: -40, MeddicCount: 1}
		r, _ := rating.Score(&p, -3, w, tg)
		So(r, ShouldBeBetweenOrEqual, model.MinRating, model.MaxRating)
		So(r, ShouldEqual, 0)
	})

	Convey("Given custom weights", t, func() {
		So(rating.DefaultWeights().Validate(), ShouldBeNil)
		bad := rating.Weights{DealQuality: 0.5, Revenue: 0.2}
		So(errors.Is(bad.Validate(), rating.ErrInvalidWeights), ShouldBeTrue)
		So(errs.KindOf(bad.Validate()), ShouldEqual, errs.ErrValidation)
		neg := rating.Weights{DealQuality: 1.2, Revenue: -0.2}
		So(neg.Validate(), ShouldNotBeNil)
	})
}

func TestEffect(t *testing.T) {
	Convey("Given rating events", t, func() {
		Convey("deal_won adds lifetime and annual deals plus revenue", func() {
			d, err := rating.Effect(model.EventDealWon, map[string]any{"revenue": "1200.25"})
			So(err, ShouldBeNil)
			So(d.DealsWon, ShouldEqual, 1)
			So(d.Annual.DealsWon, ShouldEqual, 1)
			So(d.Revenue.String(), ShouldEqual, "1200.25")

			d, err = rating.Effect(model.EventDealWon, nil)
			So(err, ShouldBeNil)
			So(d.Revenue.IsZero(), ShouldBeTrue)

			_, err = rating.Effect(model.EventDealWon, map[string]any{"revenue": -1.0})
			So(errors.Is(err, rating.ErrInvalidEvent), ShouldBeTrue)
			_, err = rating.Effect(model.EventDealWon, map[string]any{"revenue": "lots"})
			So(errors.Is(err, rating.ErrInvalidEvent), ShouldBeTrue)
		})

		Convey("json numbers keep their full precision", func() {
			d, err := rating.Effect(model.EventDealWon, map[string]any{"revenue": json.Number("12345678901234567.89")})
			So(err, ShouldBeNil)
			So(d.Revenue.String(), ShouldEqual, "12345678901234567.89")

			d, err = rating.Effect(model.EventMeddicScoreUpdated, map[string]any{"score": json.Number("72")})
			So(err, ShouldBeNil)
			So(d.MeddicTotal, ShouldEqual, 72)
		})

		Convey("meddic_score_updated requires a score in range", func() {
			d, err := rating.Effect(model.EventMeddicScoreUpdated, map[string]any{"score": 72.0})
			So(err, ShouldBeNil)
			So(d.MeddicTotal, ShouldEqual, 72)
			So(d.MeddicCount, ShouldEqual, 1)

			_, err = rating.Effect(model.EventMeddicScoreUpdated, map[string]any{"score": 101})
			So(errors.Is(err, rating.ErrInvalidEvent), ShouldBeTrue)
			_, err = rating.Effect(model.EventMeddicScoreUpdated, map[string]any{})
			So(errors.Is(err, rating.ErrInvalidEvent), ShouldBeTrue)
		})

		Convey("other types map onto their counters", func() {
			d, _ := rating.Effect(model.EventOpportunityCreated, nil)
			So(d.Annual.Opportunities, ShouldEqual, 1)
			d, _ = rating.Effect(model.EventCertificationGranted, nil)
			So(d.Certifications, ShouldEqual, 1)
			So(d.Annual.CertifiedEmployees, ShouldEqual, 1)
			d, _ = rating.Effect(model.EventComplianceViolation, nil)
			So(d.ComplianceViolations, ShouldEqual, 1)
			d, _ = rating.Effect(model.EventDealLost, nil)
			So(d.DealsLost, ShouldEqual, 1)
			d, err := rating.Effect(model.EventEngagement, nil)
			So(err, ShouldBeNil)
			So(d.IsZero(), ShouldBeTrue)
		})

		Convey("unknown types are rejected", func() {
			_, err := rating.Effect("webinar", nil)
			So(errors.Is(err, rating.ErrInvalidEvent), ShouldBeTrue)
		})
	})
}

func TestCalculator(t *testing.T) {
	ctx := context.Background()

	Convey("Given a calculator over a memory store", t, func() {
		store := repository.NewMemoryStore()
		calc := rating.NewCalculator(store, rating.WithClock(func() time.Time { return now }))
		So(store.CreatePartner(ctx, model.NewPartner("p-1", "Acme", now.AddDate(0, -6, 0))), ShouldBeNil)

		log := func(typ model.EventType, payload map[string]any, key string) bool {
			_, appended, err := calc.LogRatingEvent(ctx, rating.EventInput{PartnerID: "p-1", ActorID: "crm",
				Type: typ, Payload: payload, IdempotencyKey: key, OccurredAt: now.Add(-time.Hour)})
			So(err, ShouldBeNil)
			return appended
		}

		Convey("When events are logged", func() {
			So(log(model.EventDealWon, map[string]any{"revenue": 500000.0}, "deal-1"), ShouldBeTrue)
			So(log(model.EventDealWon, map[string]any{"revenue": 500000.0}, "deal-1"), ShouldBeFalse)
			So(log(model.EventCertificationGranted, nil, ""), ShouldBeTrue)

			p, _ := store.GetPartner(ctx, "p-1")
			So(p.Metrics.DealsWon, ShouldEqual, 1)
			So(p.Annual.CertifiedEmployees, ShouldEqual, 1)
			So(p.Rating, ShouldEqual, 0)

			Convey("Then a recompute stores a bounded rating", func() {
				res, err := calc.RecalculateAndUpdatePartner(ctx, "p-1", "crm")
				So(err, ShouldBeNil)
				So(res.Rating, ShouldBeBetweenOrEqual, model.MinRating, model.MaxRating)
				So(res.Previous, ShouldEqual, 0)

				p, _ := store.GetPartner(ctx, "p-1")
				So(p.Rating, ShouldEqual, res.Rating)

				Convey("And recomputing again without new events changes nothing", func() {
					again, err := calc.RecalculateAndUpdatePartner(ctx, "p-1", "crm")
					So(err, ShouldBeNil)
					So(again.Rating, ShouldEqual, res.Rating)
					So(again.Factors, ShouldResemble, res.Factors)

					history, _ := store.ListHistory(ctx, "p-1")
					So(history, ShouldBeEmpty)
				})
			})
		})

		Convey("When events fall outside the engagement window", func() {
			_, _, err := calc.LogRatingEvent(ctx, rating.EventInput{PartnerID: "p-1", Type: model.EventEngagement,
				OccurredAt: now.AddDate(-1, 0, 0)})
			So(err, ShouldBeNil)
			res, err := calc.RecalculateAndUpdatePartner(ctx, "p-1", "")
			So(err, ShouldBeNil)
			So(res.Factors.Engagement, ShouldEqual, 0)
		})

		Convey("When an event is dated in the future", func() {
			_, _, err := calc.LogRatingEvent(ctx, rating.EventInput{PartnerID: "p-1", Type: model.EventEngagement,
				OccurredAt: now.Add(time.Hour)})
			So(errs.Is(err, errs.ErrValidation), ShouldBeTrue)
			So(errors.Is(err, rating.ErrInvalidEvent), ShouldBeTrue)

			evs, _ := store.ListEvents(ctx, "p-1", 0)
			So(evs, ShouldBeEmpty)

			Convey("Then small clock skew is still accepted", func() {
				_, appended, err := calc.LogRatingEvent(ctx, rating.EventInput{PartnerID: "p-1", Type: model.EventEngagement,
					OccurredAt: now.Add(rating.MaxClockSkew / 2)})
				So(err, ShouldBeNil)
				So(appended, ShouldBeTrue)
			})
		})

		Convey("When stored events lie after the clock they do not count as engagement", func() {
			for i := 0; i < 10; i++ {
				_, _, err := store.AppendEvent(ctx, model.RatingEvent{PartnerID: "p-1", ActorID: "crm",
					Type: model.EventEngagement, OccurredAt: now.AddDate(0, 0, 1+i)}, model.CounterDelta{})
				So(err, ShouldBeNil)
			}
			res, err := calc.RecalculateAndUpdatePartner(ctx, "p-1", "")
			So(err, ShouldBeNil)
			So(res.Factors.Engagement, ShouldEqual, 0)
		})

		Convey("When the partner is unknown", func() {
			_, err := calc.RecalculateAndUpdatePartner(ctx, "ghost", "crm")
			So(errs.Is(err, errs.ErrNotFound), ShouldBeTrue)

			_, _, err = calc.LogRatingEvent(ctx, rating.EventInput{PartnerID: "ghost", Type: model.EventDealLost})
			So(errs.Is(err, errs.ErrNotFound), ShouldBeTrue)
		})

		Convey("When the event is malformed", func() {
			_, _, err := calc.LogRatingEvent(ctx, rating.EventInput{PartnerID: "p-1", Type: "unknown"})
			So(errs.Is(err, errs.ErrValidation), ShouldBeTrue)
			_, _, err = calc.LogRatingEvent(ctx, rating.EventInput{Type: model.EventDealLost})
			So(errs.Is(err, errs.ErrValidation), ShouldBeTrue)
		})

		Convey("When the actor is missing the system actor is recorded", func() {
			ev, _, err := calc.LogRatingEvent(ctx, rating.EventInput{PartnerID: "p-1", Type: model.EventDealLost})
			So(err, ShouldBeNil)
			So(ev.ActorID, ShouldEqual, model.SystemActorID)
			So(ev.OccurredAt.Equal(now), ShouldBeTrue)
		})

		Convey("When invalid weights are supplied they are ignored", func() {
			c := rating.NewCalculator(store, rating.WithWeights(rating.Weights{Revenue: 3}))
			So(c.Weights(), ShouldResemble, rating.DefaultWeights())
		})
	})
}
