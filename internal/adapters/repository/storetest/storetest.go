// Package storetest holds the behavioural suite every repository.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/domain/model"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) repository.Store

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the full Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	Convey("Given an empty store", t, func() {
		s := newStore(t)
		Reset(func() { _ = s.Close() })

		p := model.NewPartner("p-1", "Acme", epoch)
		So(s.CreatePartner(ctx, p), ShouldBeNil)

		Convey("Partners round-trip", func() {
			got, err := s.GetPartner(ctx, "p-1")
			So(err, ShouldBeNil)
			So(got.Name, ShouldEqual, "Acme")
			So(got.Tier, ShouldEqual, model.TierBronze)
			So(got.AchievementIDs, ShouldBeEmpty)
			So(got.RenewalDueAt.Equal(epoch.AddDate(1, 0, 0)), ShouldBeTrue)
			So(got.Metrics.Revenue.IsZero(), ShouldBeTrue)

			So(errors.Is(s.CreatePartner(ctx, p), repository.ErrAlreadyExists), ShouldBeTrue)
			_, err = s.GetPartner(ctx, "missing")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(s.Ping(ctx), ShouldBeNil)
		})

		Convey("Appending an event applies its counters atomically", func() {
			delta := model.CounterDelta{
				Annual:   model.AnnualCounters{DealsWon: 1},
				DealsWon: 1,
				Revenue:  decimal.RequireFromString("1250.50"),
			}
			ev := model.RatingEvent{PartnerID: "p-1", ActorID: "u-1", Type: model.EventDealWon,
				Payload: map[string]any{"revenue": "1250.50"}, OccurredAt: epoch}
			stored, appended, err := s.AppendEvent(ctx, ev, delta)
			So(err, ShouldBeNil)
			So(appended, ShouldBeTrue)
			So(stored.ID, ShouldNotBeEmpty)
			So(stored.Seq, ShouldBeGreaterThan, 0)

			_, _, err = s.AppendEvent(ctx, ev, delta)
			So(err, ShouldBeNil)

			got, _ := s.GetPartner(ctx, "p-1")
			So(got.Metrics.DealsWon, ShouldEqual, 2)
			So(got.Annual.DealsWon, ShouldEqual, 2)
			So(got.Metrics.Revenue.Equal(decimal.RequireFromString("2501")), ShouldBeTrue)

			Convey("and an unknown partner is rejected", func() {
				ev.PartnerID = "ghost"
				_, _, err := s.AppendEvent(ctx, ev, delta)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("A reused idempotency key is a no-op", func() {
			ev := model.RatingEvent{IdempotencyKey: "deal-42", PartnerID: "p-1", ActorID: "u-1",
				Type: model.EventCertificationGranted, OccurredAt: epoch}
			delta := model.CounterDelta{Certifications: 1}
			first, appended, err := s.AppendEvent(ctx, ev, delta)
			So(err, ShouldBeNil)
			So(appended, ShouldBeTrue)

			again, appended, err := s.AppendEvent(ctx, ev, delta)
			So(err, ShouldBeNil)
			So(appended, ShouldBeFalse)
			So(again.ID, ShouldEqual, first.ID)

			got, _ := s.GetPartner(ctx, "p-1")
			So(got.Metrics.Certifications, ShouldEqual, 1)

			Convey("but the same key on another partner is a separate event", func() {
				So(s.CreatePartner(ctx, model.NewPartner("p-2", "Globex", epoch)), ShouldBeNil)
				other := ev
				other.PartnerID = "p-2"
				stored, appended, err := s.AppendEvent(ctx, other, delta)
				So(err, ShouldBeNil)
				So(appended, ShouldBeTrue)
				So(stored.ID, ShouldNotEqual, first.ID)
				So(stored.PartnerID, ShouldEqual, "p-2")

				got, _ := s.GetPartner(ctx, "p-2")
				So(got.Metrics.Certifications, ShouldEqual, 1)
				evs, _ := s.ListEvents(ctx, "p-1", 0)
				So(len(evs), ShouldEqual, 1)
			})
		})

		Convey("Events are ordered by occurrence, ties broken by sequence", func() {
			later := model.RatingEvent{PartnerID: "p-1", ActorID: "u", Type: model.EventEngagement, OccurredAt: epoch.Add(time.Hour)}
			tieA := model.RatingEvent{PartnerID: "p-1", ActorID: "u", Type: model.EventDealLost, OccurredAt: epoch}
			tieB := model.RatingEvent{PartnerID: "p-1", ActorID: "u", Type: model.EventOpportunityCreated, OccurredAt: epoch}
			for _, ev := range []model.RatingEvent{later, tieA, tieB} {
				_, _, err := s.AppendEvent(ctx, ev, model.CounterDelta{})
				So(err, ShouldBeNil)
			}
			evs, err := s.ListEvents(ctx, "p-1", 0)
			So(err, ShouldBeNil)
			So(len(evs), ShouldEqual, 3)
			So(evs[0].Type, ShouldEqual, model.EventDealLost)
			So(evs[1].Type, ShouldEqual, model.EventOpportunityCreated)
			So(evs[2].Type, ShouldEqual, model.EventEngagement)

			recent, err := s.ListEvents(ctx, "p-1", 1)
			So(err, ShouldBeNil)
			So(len(recent), ShouldEqual, 1)
			So(recent[0].Type, ShouldEqual, model.EventEngagement)

			n, err := s.CountEventsBetween(ctx, "p-1", []model.EventType{model.EventEngagement, model.EventDealLost}, epoch.Add(time.Minute), epoch.Add(2*time.Hour))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			n, err = s.CountEventsBetween(ctx, "p-1", nil, epoch, epoch.Add(time.Hour))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 3)
			n, err = s.CountEventsBetween(ctx, "p-1", nil, epoch, epoch.Add(time.Minute))
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})

		Convey("Concurrent appends never lose increments", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _, _ = s.AppendEvent(ctx, model.RatingEvent{PartnerID: "p-1", ActorID: "u",
						Type: model.EventOpportunityCreated, OccurredAt: epoch},
						model.CounterDelta{Annual: model.AnnualCounters{Opportunities: 1}})
				}()
			}
			wg.Wait()
			got, _ := s.GetPartner(ctx, "p-1")
			So(got.Annual.Opportunities, ShouldEqual, 20)
		})

		Convey("Ratings are stored", func() {
			So(s.UpdateRating(ctx, "p-1", 3.75, epoch.Add(time.Minute)), ShouldBeNil)
			got, _ := s.GetPartner(ctx, "p-1")
			So(got.Rating, ShouldEqual, 3.75)
			So(errors.Is(s.UpdateRating(ctx, "ghost", 1, epoch), repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("The achievement ledger", func() {
			grant := func(id string, points int, repeatable bool) bool {
				ok, err := s.GrantAchievement(ctx, model.AchievementGrant{PartnerID: "p-1", AchievementID: id,
					Points: points, ActorID: "admin", Reason: "earned it fair and square", GrantedAt: epoch},
					repeatable, &model.AuditEntry{ActorID: "admin", Action: model.AuditAchievementAwarded, PartnerID: "p-1", At: epoch})
				So(err, ShouldBeNil)
				return ok
			}

			Convey("holds a non-repeatable achievement once", func() {
				So(grant("cert", 10, false), ShouldBeTrue)
				So(grant("cert", 10, false), ShouldBeFalse)
				got, _ := s.GetPartner(ctx, "p-1")
				So(got.AchievementIDs, ShouldResemble, []string{"cert"})
				So(got.TotalPoints, ShouldEqual, 10)
				grants, _ := s.ListGrants(ctx, "p-1")
				So(len(grants), ShouldEqual, 1)
				audit, _ := s.ListAudit(ctx, "p-1")
				So(len(audit), ShouldEqual, 1)
			})

			Convey("records every repeatable grant", func() {
				So(grant("qbr", 5, true), ShouldBeTrue)
				So(grant("qbr", 5, true), ShouldBeTrue)
				got, _ := s.GetPartner(ctx, "p-1")
				So(got.AchievementIDs, ShouldResemble, []string{"qbr"})
				So(got.TotalPoints, ShouldEqual, 10)

				Convey("and revokes the most recent one", func() {
					grants, _ := s.ListGrants(ctx, "p-1")
					revoked, err := s.RevokeAchievement(ctx, repository.Revocation{PartnerID: "p-1",
						AchievementID: "qbr", ActorID: "admin", Reason: "duplicate submission", At: epoch.Add(time.Hour)})
					So(err, ShouldBeNil)
					So(revoked.ID, ShouldEqual, grants[1].ID)
					So(revoked.RevokedAt, ShouldNotBeNil)

					got, _ := s.GetPartner(ctx, "p-1")
					So(got.TotalPoints, ShouldEqual, 5)
					So(got.AchievementIDs, ShouldResemble, []string{"qbr"})

					grants, _ = s.ListGrants(ctx, "p-1")
					So(grants[0].Active(), ShouldBeTrue)
					So(grants[1].Active(), ShouldBeFalse)
					So(grants[1].RevokedBy, ShouldEqual, "admin")
				})
			})

			Convey("rejects revoking something not held", func() {
				_, err := s.RevokeAchievement(ctx, repository.Revocation{PartnerID: "p-1",
					AchievementID: "cert", ActorID: "admin", Reason: "never had it anyway", At: epoch})
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})

			Convey("allows re-granting a revoked non-repeatable achievement", func() {
				So(grant("cert", 10, false), ShouldBeTrue)
				_, err := s.RevokeAchievement(ctx, repository.Revocation{PartnerID: "p-1",
					AchievementID: "cert", ActorID: "admin", Reason: "certificate expired", At: epoch})
				So(err, ShouldBeNil)
				got, _ := s.GetPartner(ctx, "p-1")
				So(got.AchievementIDs, ShouldBeEmpty)
				So(got.TotalPoints, ShouldEqual, 0)
				So(grant("cert", 10, false), ShouldBeTrue)
			})
		})

		Convey("Tier changes are compare-and-set with one history entry", func() {
			h, err := s.ChangeTier(ctx, repository.TierChange{PartnerID: "p-1", From: model.TierBronze,
				To: model.TierGold, Reason: model.ReasonManual, Actor: "admin", At: epoch,
				Audit: &model.AuditEntry{ActorID: "admin", Action: model.AuditTierSet, PartnerID: "p-1", At: epoch}})
			So(err, ShouldBeNil)
			So(h.ID, ShouldNotBeEmpty)
			So(h.PreviousTier, ShouldEqual, model.TierBronze)

			_, err = s.ChangeTier(ctx, repository.TierChange{PartnerID: "p-1", From: model.TierBronze,
				To: model.TierSilver, Reason: model.ReasonAchievement, At: epoch})
			So(errors.Is(err, repository.ErrConflict), ShouldBeTrue)

			_, err = s.ChangeTier(ctx, repository.TierChange{PartnerID: "ghost", From: model.TierBronze,
				To: model.TierSilver, Reason: model.ReasonAchievement, At: epoch})
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)

			history, err := s.ListHistory(ctx, "p-1")
			So(err, ShouldBeNil)
			So(len(history), ShouldEqual, 1)
			So(history[0].Tier, ShouldEqual, model.TierGold)
			So(history[0].Reason, ShouldEqual, model.ReasonManual)
			So(history[0].Actor, ShouldEqual, "admin")

			got, _ := s.GetPartner(ctx, "p-1")
			So(got.Tier, ShouldEqual, model.TierGold)
		})

		Convey("Renewals", func() {
			q := model.NewPartner("p-2", "Due Co", epoch.AddDate(-1, 0, 0))
			q.Tier = model.TierGold
			So(s.CreatePartner(ctx, q), ShouldBeNil)
			_, _, err := s.AppendEvent(ctx, model.RatingEvent{PartnerID: "p-2", ActorID: "u",
				Type: model.EventDealWon, OccurredAt: epoch}, model.CounterDelta{Annual: model.AnnualCounters{DealsWon: 1}, DealsWon: 1})
			So(err, ShouldBeNil)

			due, err := s.ListDue(ctx, epoch, 0)
			So(err, ShouldBeNil)
			So(len(due), ShouldEqual, 1)
			So(due[0].ID, ShouldEqual, "p-2")

			Convey("downgrade, reset counters and advance the due date", func() {
				next := epoch.AddDate(1, 0, 0)
				err := s.ApplyRenewal(ctx, repository.Renewal{PartnerID: "p-2", ObservedDueAt: due[0].RenewalDueAt,
					ObservedTier: model.TierGold, NewTier: model.TierSilver, NextDueAt: next, At: epoch})
				So(err, ShouldBeNil)

				got, _ := s.GetPartner(ctx, "p-2")
				So(got.Tier, ShouldEqual, model.TierSilver)
				So(got.Annual.IsZero(), ShouldBeTrue)
				So(got.Metrics.DealsWon, ShouldEqual, 1)
				So(got.RenewalDueAt.Equal(next), ShouldBeTrue)

				history, _ := s.ListHistory(ctx, "p-2")
				So(len(history), ShouldEqual, 1)
				So(history[0].PreviousTier, ShouldEqual, model.TierGold)
				So(history[0].Reason, ShouldEqual, model.ReasonAnnualRenewal)

				due, _ = s.ListDue(ctx, epoch, 0)
				So(due, ShouldBeEmpty)
			})

			Convey("keep the tier without a history entry", func() {
				err := s.ApplyRenewal(ctx, repository.Renewal{PartnerID: "p-2", ObservedDueAt: due[0].RenewalDueAt,
					ObservedTier: model.TierGold, NewTier: model.TierGold, NextDueAt: epoch.AddDate(1, 0, 0), At: epoch,
					Audit: &model.AuditEntry{ActorID: model.SystemActorID, Action: model.AuditRenewalConfirmed, PartnerID: "p-2", At: epoch}})
				So(err, ShouldBeNil)
				history, _ := s.ListHistory(ctx, "p-2")
				So(history, ShouldBeEmpty)
				audit, _ := s.ListAudit(ctx, "p-2")
				So(len(audit), ShouldEqual, 1)
				So(audit[0].Action, ShouldEqual, model.AuditRenewalConfirmed)
			})

			Convey("lose a race against a concurrent writer", func() {
				_, err := s.ChangeTier(ctx, repository.TierChange{PartnerID: "p-2", From: model.TierGold,
					To: model.TierPlatinum, Reason: model.ReasonManual, At: epoch})
				So(err, ShouldBeNil)
				err = s.ApplyRenewal(ctx, repository.Renewal{PartnerID: "p-2", ObservedDueAt: due[0].RenewalDueAt,
					ObservedTier: model.TierGold, NewTier: model.TierSilver, NextDueAt: epoch.AddDate(1, 0, 0), At: epoch})
				So(errors.Is(err, repository.ErrConflict), ShouldBeTrue)
			})
		})

		Convey("Standalone audit entries are kept in order", func() {
			So(s.AppendAudit(ctx, model.AuditEntry{ActorID: "admin", Action: model.AuditPartnerCreated,
				PartnerID: "p-1", Payload: map[string]any{"name": "Acme"}, At: epoch}), ShouldBeNil)
			So(s.AppendAudit(ctx, model.AuditEntry{ActorID: "admin", Action: model.AuditTierSet,
				PartnerID: "p-1", At: epoch.Add(time.Second)}), ShouldBeNil)
			audit, err := s.ListAudit(ctx, "p-1")
			So(err, ShouldBeNil)
			So(len(audit), ShouldEqual, 2)
			So(audit[0].Action, ShouldEqual, model.AuditPartnerCreated)
			So(audit[0].Payload["name"], ShouldEqual, "Acme")
			So(audit[0].ID, ShouldNotBeEmpty)
		})
	})
}
