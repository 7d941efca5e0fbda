package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/partners/internal/adapters/lock"
	"github.com/okian/partners/internal/adapters/repository"
	service "github.com/okian/partners/internal/app"
	"github.com/okian/partners/internal/domain/renewal"
	"github.com/okian/partners/internal/domain/rewards"
	. "github.com/smartystreets/goconvey/convey"
)

const cronSecret = "s3cret-token"

type client struct {
	h       http.Handler
	actor   string
	role    string
	headers map[string]string
}

func (c client) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(headerActorID, c.actor)
	}
	if c.role != "" {
		req.Header.Set(headerActorRole, c.role)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(rr *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return out
}

func newTestServer(t *testing.T) (http.Handler, func()) {
	t.Helper()
	ctx := context.Background()
	catalogs := rewards.NewCache(rewards.DefaultSource(), rewards.WithRefreshInterval(0))
	svc := service.New(repository.NewMemoryStore(), catalogs, lock.NewMemory(),
		service.WithWorkerCount(1), service.WithQueueSize(64))
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	h := NewServer(svc, WithCronSecret(cronSecret)).Router()
	return h, func() { _ = svc.Stop(ctx) }
}

func TestPartnerRoutes(t *testing.T) {
	Convey("Given the partner API", t, func() {
		h, stop := newTestServer(t)
		defer stop()
		anon := client{h: h}
		rep := client{h: h, actor: "rep-1"}
		admin := client{h: h, actor: "ops-1", role: "Admin"}

		Convey("Health and metrics are served", func() {
			rr := anon.do(http.MethodGet, "/healthz", "")
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(rr)["status"], ShouldEqual, "ok")

			rr = anon.do(http.MethodGet, "/metrics", "")
			So(rr.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Creating a partner needs an admin actor", func() {
			So(anon.do(http.MethodPost, "/api/partners", `{"name":"Acme"}`).Code, ShouldEqual, http.StatusUnauthorized)
			So(rep.do(http.MethodPost, "/api/partners", `{"name":"Acme"}`).Code, ShouldEqual, http.StatusForbidden)
			So(admin.do(http.MethodPost, "/api/partners", `{"id":"acme"}`).Code, ShouldEqual, http.StatusBadRequest)

			rr := admin.do(http.MethodPost, "/api/partners", `{"id":"acme","name":"Acme"}`)
			So(rr.Code, ShouldEqual, http.StatusCreated)
			So(decodeBody(rr)["tier"], ShouldEqual, "bronze")

			So(admin.do(http.MethodPost, "/api/partners", `{"id":"acme","name":"Acme"}`).Code, ShouldEqual, http.StatusConflict)
		})

		Convey("Unknown partners answer 404", func() {
			rr := anon.do(http.MethodGet, "/api/partners/ghost", "")
			So(rr.Code, ShouldEqual, http.StatusNotFound)
			So(decodeBody(rr)["code"], ShouldEqual, "not_found")
		})

		Convey("With an existing partner", func() {
			So(admin.do(http.MethodPost, "/api/partners", `{"id":"acme","name":"Acme"}`).Code, ShouldEqual, http.StatusCreated)

			Convey("Events are accepted once per idempotency key", func() {
				body := `{"type":"opportunity_created","idempotencyKey":"opp-1"}`
				rr := rep.do(http.MethodPost, "/api/partners/acme/events", body)
				So(rr.Code, ShouldEqual, http.StatusAccepted)
				So(decodeBody(rr)["duplicate"], ShouldEqual, false)

				rr = rep.do(http.MethodPost, "/api/partners/acme/events", body)
				So(rr.Code, ShouldEqual, http.StatusAccepted)
				So(decodeBody(rr)["duplicate"], ShouldEqual, true)

				keyed := client{h: h, actor: "rep-1", headers: map[string]string{"Idempotency-Key": "opp-2"}}
				So(decodeBody(keyed.do(http.MethodPost, "/api/partners/acme/events", `{"type":"opportunity_created"}`))["duplicate"], ShouldEqual, false)
				So(decodeBody(keyed.do(http.MethodPost, "/api/partners/acme/events", `{"type":"opportunity_created"}`))["duplicate"], ShouldEqual, true)

				rr = rep.do(http.MethodGet, "/api/partners/acme/events?limit=10", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				var evs []map[string]any
				So(json.Unmarshal(rr.Body.Bytes(), &evs), ShouldBeNil)
				So(len(evs), ShouldEqual, 2)
			})

			Convey("Large revenues keep their exact value", func() {
				rr := rep.do(http.MethodPost, "/api/partners/acme/events", `{"type":"deal_won","payload":{"revenue":12345678901234567.89}}`)
				So(rr.Code, ShouldEqual, http.StatusAccepted)

				rr = rep.do(http.MethodGet, "/api/partners/acme", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(rr.Body.String(), ShouldContainSubstring, `"revenue":"12345678901234567.89"`)
			})

			Convey("Events dated in the future are rejected", func() {
				future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
				rr := rep.do(http.MethodPost, "/api/partners/acme/events", `{"type":"engagement","occurredAt":"`+future+`"}`)
				So(rr.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeBody(rr)["message"], ShouldContainSubstring, "future")
			})

			Convey("Malformed events are rejected", func() {
				So(rep.do(http.MethodPost, "/api/partners/acme/events", `{"type":"bogus"}`).Code, ShouldEqual, http.StatusBadRequest)
				So(rep.do(http.MethodPost, "/api/partners/acme/events", `{"type":`).Code, ShouldEqual, http.StatusBadRequest)
				So(rep.do(http.MethodPost, "/api/partners/acme/events", `{"type":"engagement","occurredAt":"yesterday"}`).Code, ShouldEqual, http.StatusBadRequest)
				So(rep.do(http.MethodPost, "/api/partners/acme/events", `{"type":"engagement","extra":1}`).Code, ShouldEqual, http.StatusBadRequest)
				So(rep.do(http.MethodGet, "/api/partners/acme/events?limit=abc", "").Code, ShouldEqual, http.StatusBadRequest)
			})

			Convey("Rating can be recalculated on demand", func() {
				rr := rep.do(http.MethodPost, "/api/partners/acme/recalculate", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rr)["rating"], ShouldEqual, 0.75)
			})

			Convey("Eligibility and next tier describe silver", func() {
				rr := rep.do(http.MethodGet, "/api/partners/acme/eligibility", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				e := decodeBody(rr)
				So(e["nextTier"], ShouldEqual, "silver")
				So(e["eligible"], ShouldEqual, false)

				rr = rep.do(http.MethodGet, "/api/partners/acme/next-tier", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rr)["minRating"], ShouldEqual, 2.5)
			})

			Convey("Achievements are awarded and revoked by admins", func() {
				path := "/api/admin/partners/acme/achievements"
				So(rep.do(http.MethodPost, path, `{"achievementId":"compliance-audit","reason":"passed the audit"}`).Code, ShouldEqual, http.StatusForbidden)
				So(admin.do(http.MethodPost, path, `{"achievementId":"compliance-audit","reason":"short"}`).Code, ShouldEqual, http.StatusBadRequest)
				So(admin.do(http.MethodPost, path, `{"achievementId":"nope","reason":"passed the audit"}`).Code, ShouldEqual, http.StatusNotFound)

				rr := admin.do(http.MethodPost, path, `{"achievementId":"compliance-audit","reason":"passed the audit"}`)
				So(rr.Code, ShouldEqual, http.StatusCreated)
				So(decodeBody(rr)["granted"], ShouldEqual, true)

				rr = admin.do(http.MethodPost, path, `{"achievementId":"compliance-audit","reason":"passed the audit"}`)
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rr)["granted"], ShouldEqual, false)

				rr = rep.do(http.MethodGet, "/api/partners/acme/achievements", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rr)["totalPoints"], ShouldEqual, 20.0)

				rr = admin.do(http.MethodDelete, path+"/compliance-audit?reason=granted+in+error", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rr)["revokeReason"], ShouldEqual, "granted in error")

				So(admin.do(http.MethodDelete, path+"/compliance-audit", `{"reason":"granted in error"}`).Code, ShouldEqual, http.StatusNotFound)
			})

			Convey("Tiers are set by admins", func() {
				path := "/api/admin/partners/acme/tier"
				rr := admin.do(http.MethodPut, path, `{"tier":"gold","reason":"strategic account"}`)
				So(rr.Code, ShouldEqual, http.StatusBadRequest)
				So(decodeBody(rr)["message"], ShouldContainSubstring, "missing achievements")

				So(admin.do(http.MethodPut, path, `{"tier":"diamond","reason":"strategic account"}`).Code, ShouldEqual, http.StatusBadRequest)

				rr = admin.do(http.MethodPut, path, `{"tier":"Gold","reason":"strategic account","skipRequirements":true}`)
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rr)["changed"], ShouldEqual, true)

				rr = admin.do(http.MethodPut, path, `{"tier":"gold","reason":"strategic account","skipRequirements":true}`)
				So(decodeBody(rr)["changed"], ShouldEqual, false)

				rr = rep.do(http.MethodGet, "/api/partners/acme/history", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				var hist []map[string]any
				So(json.Unmarshal(rr.Body.Bytes(), &hist), ShouldBeNil)
				So(len(hist), ShouldEqual, 1)
				So(hist[0]["reason"], ShouldEqual, "manual")

				So(rep.do(http.MethodGet, "/api/admin/partners/acme/audit", "").Code, ShouldEqual, http.StatusForbidden)
				So(admin.do(http.MethodGet, "/api/admin/partners/ghost/audit", "").Code, ShouldEqual, http.StatusNotFound)
				rr = admin.do(http.MethodGet, "/api/admin/partners/acme/audit", "")
				So(rr.Code, ShouldEqual, http.StatusOK)
				So(rr.Body.String(), ShouldContainSubstring, "tier_set")
			})
		})
	})
}

func TestCronRoutes(t *testing.T) {
	Convey("Given the renewal cron endpoint", t, func() {
		h, stop := newTestServer(t)
		defer stop()

		Convey("Missing or wrong credentials are rejected", func() {
			So(client{h: h}.do(http.MethodPost, "/api/cron/renewals", "").Code, ShouldEqual, http.StatusUnauthorized)
			wrong := client{h: h, headers: map[string]string{"Authorization": "Bearer nope"}}
			So(wrong.do(http.MethodPost, "/api/cron/renewals", "").Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("A valid secret runs the batch", func() {
			ok := client{h: h, headers: map[string]string{"Authorization": "Bearer " + cronSecret}}
			rr := ok.do(http.MethodPost, "/api/cron/renewals", "")
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(rr)["processed"], ShouldEqual, 0.0)
		})
	})

	Convey("Given a renewal batch slower than the request timeout", t, func() {
		deps := &slowRenewals{delay: 80 * time.Millisecond}
		h := NewServer(deps, WithCronSecret(cronSecret),
			WithRequestTimeout(20*time.Millisecond), WithCronTimeout(time.Minute)).Router()
		ok := client{h: h, headers: map[string]string{"Authorization": "Bearer " + cronSecret}}

		rr := ok.do(http.MethodPost, "/api/cron/renewals", "")

		Convey("Then the batch runs to completion on a live context", func() {
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(deps.ctxErr, ShouldBeNil)
			So(deps.hasDeadline, ShouldBeTrue)
			So(time.Until(deps.deadline) <= time.Minute, ShouldBeTrue)
		})
	})

	Convey("Given no configured secret", t, func() {
		h := NewServer(nil).Router()
		ok := client{h: h, headers: map[string]string{"Authorization": "Bearer "}}
		So(ok.do(http.MethodPost, "/api/cron/renewals", "").Code, ShouldEqual, http.StatusUnauthorized)
	})
}

// slowRenewals stands in for the service and records the context its renewal
// batch saw after running for delay.
type slowRenewals struct {
	Dependencies
	delay       time.Duration
	ctxErr      error
	deadline    time.Time
	hasDeadline bool
}

func (d *slowRenewals) ProcessAllDueRenewals(ctx context.Context) (renewal.Stats, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
	}
	d.ctxErr = ctx.Err()
	d.deadline, d.hasDeadline = ctx.Deadline()
	return renewal.Stats{Failures: []renewal.Failure{}}, nil
}

func TestGetErrorType(t *testing.T) {
	Convey("Status codes map to error types", t, func() {
		So(getErrorType(500), ShouldEqual, "server_error")
		So(getErrorType(409), ShouldEqual, "conflict")
		So(getErrorType(404), ShouldEqual, "not_found")
		So(getErrorType(400), ShouldEqual, "client_error")
		So(getErrorType(200), ShouldEqual, "unknown")
	})
}

func TestDocsRoutes(t *testing.T) {
	Convey("The OpenAPI document is mounted on the router", t, func() {
		rr := client{h: NewServer(nil).Router()}.do(http.MethodGet, "/openapi.yaml", "")
		So(rr.Code, ShouldEqual, http.StatusOK)
	})
}
