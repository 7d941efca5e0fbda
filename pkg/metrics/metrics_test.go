package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then its collectors are registered under the namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.rewardsVersion.Set(4)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_unit_rewards_config_version" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When two managers share a registry", func() {
			registry := prometheus.NewRegistry()
			NewManager(WithPrometheusRegistry(registry))

			Convey("Then the second registration panics", func() {
				So(func() { NewManager(WithPrometheusRegistry(registry)) }, ShouldPanic)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When rating events are logged", func() {
			before := testutil.ToFloat64(globalManager.eventsLogged.WithLabelValues("deal_won"))
			RecordEventLogged("deal_won")
			RecordEventLogged("deal_won")

			Convey("Then the per-type counter advances", func() {
				after := testutil.ToFloat64(globalManager.eventsLogged.WithLabelValues("deal_won"))
				So(after-before, ShouldEqual, 2)
			})
		})

		Convey("When gauges are set", func() {
			UpdateRewardsConfigVersion(9)
			UpdateQueueSize(12)
			UpdateQueueCapacity(100)
			UpdateWorkerCount(3)

			Convey("Then they hold the last value", func() {
				So(testutil.ToFloat64(globalManager.rewardsVersion), ShouldEqual, 9)
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 12)
				So(testutil.ToFloat64(globalManager.queueCapacity), ShouldEqual, 100)
				So(testutil.ToFloat64(globalManager.workerCount), ShouldEqual, 3)
			})
		})

		Convey("When renewal outcomes are recorded", func() {
			before := testutil.ToFloat64(globalManager.renewalOutcomes.WithLabelValues("downgraded"))
			RecordRenewalOutcome("downgraded")
			RecordRenewalRun("completed", 12.5)
			RecordLeaseContention()

			Convey("Then the outcome counter advances", func() {
				after := testutil.ToFloat64(globalManager.renewalOutcomes.WithLabelValues("downgraded"))
				So(after-before, ShouldEqual, 1)
			})
		})

		Convey("When the remaining recorders are called", func() {
			So(func() {
				RecordEventDuplicate()
				RecordRecompute(3)
				RecordRecomputeError()
				RecordAchievementAwarded("manual")
				RecordAchievementRevoked()
				RecordTierTransition("manual", "up")
				RecordRewardsRefreshError()
				RecordQueueEnqueue()
				RecordQueueEnqueueError("full")
				RecordQueueDequeue()
				RecordWorkerProcessingLatency(1.5)
				RecordTaskRetry()
				RecordTaskDropped()
				RecordHTTPRequest("/healthz", "GET", "200")
				RecordHTTPRequestDuration("/healthz", "GET", "200", 0.4)
				RecordErrorByComponent("store", "conflict")
			}, ShouldNotPanic)
		})

		Convey("When the registry is exported", func() {
			RecordHTTPRequest("/metrics", "GET", "200")
			expected := `
# HELP partners_program_queue_capacity Maximum recompute queue capacity
# TYPE partners_program_queue_capacity gauge
partners_program_queue_capacity 64
`
			UpdateQueueCapacity(64)

			Convey("Then it exposes the partner metrics", func() {
				So(GetRegistry(), ShouldNotBeNil)
				err := testutil.GatherAndCompare(GetRegistry(), strings.NewReader(expected), "partners_program_queue_capacity")
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestConfigure(t *testing.T) {
	Convey("Given a configured namespace and subsystem", t, func() {
		Configure(WithNamespace("acme"), WithSubsystem("partners"), WithHistogramBuckets([]float64{5, 50, 500}))
		Reset(func() { Configure() })

		Convey("Then the global recorders export under the new names", func() {
			UpdateQueueCapacity(32)
			expected := `
# HELP acme_partners_queue_capacity Maximum recompute queue capacity
# TYPE acme_partners_queue_capacity gauge
acme_partners_queue_capacity 32
`
			err := testutil.GatherAndCompare(GetRegistry(), strings.NewReader(expected), "acme_partners_queue_capacity")
			So(err, ShouldBeNil)
		})

		Convey("Then configuring again does not collide with earlier collectors", func() {
			So(func() { Configure(WithNamespace("acme")) }, ShouldNotPanic)
		})
	})
}
