package config_test

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/okian/partners/internal/config"
	"github.com/okian/partners/internal/domain/renewal"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 10_000)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU())
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.DriverMemory)
				convey.So(cfg.LockDriver, convey.ShouldEqual, config.DriverMemory)
				convey.So(cfg.RenewalLockTTL, convey.ShouldEqual, 15*time.Minute)
				convey.So(cfg.OverridePolicy(), convey.ShouldEqual, renewal.PolicyRespect)
				convey.So(cfg.Weights().Validate(), convey.ShouldBeNil)
				convey.So(cfg.Targets().RevenueTarget.IntPart(), convey.ShouldEqual, 1_000_000)
				convey.So(cfg.MetricsNamespace, convey.ShouldEqual, "partners")
				convey.So(cfg.MetricsSubsystem, convey.ShouldEqual, "program")
				convey.So(cfg.MetricsLatencyBuckets, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("PARTNERS_ADDR", ":8080")
			_ = os.Setenv("PARTNERS_QUEUE_SIZE", "500")
			_ = os.Setenv("PARTNERS_WORKER_COUNT", "16")
			_ = os.Setenv("PARTNERS_RENEWAL_LOCK_TTL", "2m")
			_ = os.Setenv("PARTNERS_MANUAL_OVERRIDE_POLICY", "evaluate")
			_ = os.Setenv("PARTNERS_AUTO_PROMOTE", "true")
			_ = os.Setenv("PARTNERS_CORS_ORIGINS", "https://a.example,https://b.example")
			_ = os.Setenv("PARTNERS_RATING_ENGAGEMENT_TARGET", "20")
			_ = os.Setenv("PARTNERS_METRICS_NAMESPACE", "acme")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 500)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 16)
				convey.So(cfg.RenewalLockTTL, convey.ShouldEqual, 2*time.Minute)
				convey.So(cfg.OverridePolicy(), convey.ShouldEqual, renewal.PolicyEvaluate)
				convey.So(cfg.AutoPromote, convey.ShouldBeTrue)
				convey.So(cfg.CORSOrigins, convey.ShouldResemble, []string{"https://a.example", "https://b.example"})
				convey.So(cfg.Rating.EngagementTarget, convey.ShouldEqual, 20)
				convey.So(cfg.Rating.CertificationTarget, convey.ShouldEqual, 5)
				convey.So(cfg.MetricsNamespace, convey.ShouldEqual, "acme")
			})
		})

		convey.Convey("When loading config with a YAML file and env overrides", func() {
			tmpFile := createTempConfigFile(`
addr: ":9090"
worker_count: 24
store_driver: sqlite
sqlite_path: /tmp/partners.db
metrics_latency_buckets: [1, 10, 100]
rating:
  deal_quality: 0.4
  engagement: 0.05
`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("PARTNERS_CONFIG", tmpFile)
			_ = os.Setenv("PARTNERS_WORKER_COUNT", "32")

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 32)
				convey.So(cfg.StoreDriver, convey.ShouldEqual, config.DriverSQLite)
				convey.So(cfg.Rating.DealQuality, convey.ShouldEqual, 0.4)
				convey.So(cfg.Rating.Certification, convey.ShouldEqual, 0.20)
				convey.So(cfg.MetricsLatencyBuckets, convey.ShouldResemble, []float64{1, 10, 100})
			})
		})

		convey.Convey("When the file cannot be read", func() {
			invalid := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(invalid) }()

			for _, path := range []string{invalid, "/non/existent/file.yaml"} {
				_ = os.Setenv("PARTNERS_CONFIG", path)
				cfg, err := config.Load(ctx)
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			}
		})

		convey.Convey("When a numeric variable is malformed", func() {
			_ = os.Setenv("PARTNERS_QUEUE_SIZE", "invalid")

			cfg, err := config.Load(ctx)
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(cfg, convey.ShouldBeNil)
		})

		convey.Convey("When settings fail validation", func() {
			cases := []map[string]string{
				{"PARTNERS_ADDR": ""},
				{"PARTNERS_STORE_DRIVER": "postgres"},
				{"PARTNERS_STORE_DRIVER": "sqlite", "PARTNERS_SQLITE_PATH": " "},
				{"PARTNERS_LOCK_DRIVER": "redis"},
				{"PARTNERS_MANUAL_OVERRIDE_POLICY": "ignore"},
				{"PARTNERS_LOG_LEVEL": "loud"},
				{"PARTNERS_LOG_FORMAT": "xml"},
				{"PARTNERS_RATING_REVENUE": "0.5"},
				{"PARTNERS_RENEWAL_LOCK_TTL": "0s"},
				{"PARTNERS_METRICS_NAMESPACE": " "},
			}
			for _, env := range cases {
				clearConfigEnvVars()
				for k, v := range env {
					_ = os.Setenv(k, v)
				}
				cfg, err := config.Load(ctx)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			}
		})
	})
}

func TestValidateMetrics(t *testing.T) {
	convey.Convey("Given latency buckets out of order", t, func() {
		cfg := config.New()
		cfg.MetricsLatencyBuckets = []float64{10, 10, 100}

		convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)

		cfg.MetricsLatencyBuckets = []float64{1, 10, 100}
		convey.So(cfg.Validate(), convey.ShouldBeNil)
	})
}

func clearConfigEnvVars() {
	envVars := []string{
		"PARTNERS_CONFIG",
		"PARTNERS_ADDR",
		"PARTNERS_QUEUE_SIZE",
		"PARTNERS_WORKER_COUNT",
		"PARTNERS_RENEWAL_LOCK_TTL",
		"PARTNERS_MANUAL_OVERRIDE_POLICY",
		"PARTNERS_AUTO_PROMOTE",
		"PARTNERS_CORS_ORIGINS",
		"PARTNERS_RATING_ENGAGEMENT_TARGET",
		"PARTNERS_RATING_REVENUE",
		"PARTNERS_STORE_DRIVER",
		"PARTNERS_SQLITE_PATH",
		"PARTNERS_LOCK_DRIVER",
		"PARTNERS_LOG_LEVEL",
		"PARTNERS_LOG_FORMAT",
		"PARTNERS_METRICS_NAMESPACE",
	}
	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "partners-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
