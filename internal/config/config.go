// Package config defines process configuration and its validation.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/okian/partners/internal/domain/rating"
	"github.com/okian/partners/internal/domain/renewal"
	"github.com/shopspring/decimal"
)

// Store and lock drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`
	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string `koanf:"cors_origins"`
	// CronSecret is the bearer token of POST /api/cron/renewals. Empty
	// disables the endpoint.
	CronSecret string `koanf:"cron_secret"`

	// QueueSize bounds the background refresh queue.
	QueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of refresh workers.
	WorkerCount int `koanf:"worker_count"`
	// TaskMaxAttempts caps retries of a failed refresh task.
	TaskMaxAttempts int `koanf:"task_max_attempts"`

	StoreDriver string `koanf:"store_driver"`
	SQLitePath  string `koanf:"sqlite_path"`

	// RewardsPath points to a YAML rewards file. Empty uses the built-in
	// program.
	RewardsPath    string        `koanf:"rewards_path"`
	RewardsRefresh time.Duration `koanf:"rewards_refresh"`

	LockDriver string `koanf:"lock_driver"`
	RedisAddr  string `koanf:"redis_addr"`

	RenewalLockTTL  time.Duration `koanf:"renewal_lock_ttl"`
	RenewalWorkers  int           `koanf:"renewal_workers"`
	RenewalInterval time.Duration `koanf:"renewal_interval"`
	// ManualOverridePolicy is respect or evaluate.
	ManualOverridePolicy string `koanf:"manual_override_policy"`
	AutoPromote          bool   `koanf:"auto_promote"`

	// MetricsNamespace and MetricsSubsystem prefix every exported metric.
	MetricsNamespace      string    `koanf:"metrics_namespace"`
	MetricsSubsystem      string    `koanf:"metrics_subsystem"`
	// MetricsLatencyBuckets overrides the latency histogram buckets (ms).
	MetricsLatencyBuckets []float64 `koanf:"metrics_latency_buckets"`

	Rating Rating `koanf:"rating"`
}

// Rating holds factor weights and normalization targets.
type Rating struct {
	DealQuality   float64 `koanf:"deal_quality"`
	Engagement    float64 `koanf:"engagement"`
	Certification float64 `koanf:"certification"`
	Compliance    float64 `koanf:"compliance"`
	Revenue       float64 `koanf:"revenue"`

	EngagementWindow    time.Duration `koanf:"engagement_window"`
	EngagementTarget    int           `koanf:"engagement_target"`
	CertificationTarget int           `koanf:"certification_target"`
	ViolationLimit      int           `koanf:"violation_limit"`
	RevenueTarget       float64       `koanf:"revenue_target"`
}

// New returns a Config populated with defaults.
func New() *Config {
	w, t := rating.DefaultWeights(), rating.DefaultTargets()
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		CORSOrigins:          []string{"http://localhost:5173"},
		QueueSize:            10_000,
		WorkerCount:          runtime.NumCPU(),
		TaskMaxAttempts:      3,
		StoreDriver:          DriverMemory,
		SQLitePath:           "partners.db",
		RewardsRefresh:       5 * time.Minute,
		LockDriver:           DriverMemory,
		RenewalLockTTL:       15 * time.Minute,
		RenewalWorkers:       4,
		ManualOverridePolicy: string(renewal.PolicyRespect),
		MetricsNamespace:     "partners",
		MetricsSubsystem:     "program",
		Rating: Rating{
			DealQuality:         w.DealQuality,
			Engagement:          w.Engagement,
			Certification:       w.Certification,
			Compliance:          w.Compliance,
			Revenue:             w.Revenue,
			EngagementWindow:    t.EngagementWindow,
			EngagementTarget:    t.EngagementTarget,
			CertificationTarget: t.CertificationTarget,
			ViolationLimit:      t.ViolationLimit,
			RevenueTarget:       t.RevenueTarget.InexactFloat64(),
		},
	}
}

// Weights returns the configured rating weights.
func (c *Config) Weights() rating.Weights {
	return rating.Weights{
		DealQuality:   c.Rating.DealQuality,
		Engagement:    c.Rating.Engagement,
		Certification: c.Rating.Certification,
		Compliance:    c.Rating.Compliance,
		Revenue:       c.Rating.Revenue,
	}
}

// Targets returns the configured rating normalization targets.
func (c *Config) Targets() rating.Targets {
	return rating.Targets{
		EngagementWindow:    c.Rating.EngagementWindow,
		EngagementTarget:    c.Rating.EngagementTarget,
		CertificationTarget: c.Rating.CertificationTarget,
		ViolationLimit:      c.Rating.ViolationLimit,
		RevenueTarget:       decimal.NewFromFloat(c.Rating.RevenueTarget),
	}
}

// OverridePolicy returns the parsed manual override policy.
func (c *Config) OverridePolicy() renewal.OverridePolicy {
	p, err := renewal.ParsePolicy(c.ManualOverridePolicy)
	if err != nil {
		return renewal.PolicyRespect
	}
	return p
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.QueueSize <= 0 || c.WorkerCount <= 0 || c.TaskMaxAttempts <= 0 {
		return fmt.Errorf("%w: queue_size, worker_count and task_max_attempts must be positive", ErrInvalidConfig)
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: sqlite_path is required for the sqlite store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	switch c.LockDriver {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("%w: redis_addr is required for the redis lock", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown lock_driver %q", ErrInvalidConfig, c.LockDriver)
	}
	if c.RewardsRefresh < 0 || c.RenewalInterval < 0 {
		return fmt.Errorf("%w: rewards_refresh and renewal_interval must not be negative", ErrInvalidConfig)
	}
	if c.RenewalLockTTL <= 0 || c.RenewalWorkers <= 0 {
		return fmt.Errorf("%w: renewal_lock_ttl and renewal_workers must be positive", ErrInvalidConfig)
	}
	if _, err := renewal.ParsePolicy(c.ManualOverridePolicy); err != nil {
		return fmt.Errorf("%w: manual_override_policy: %w", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(c.MetricsNamespace) == "" {
		return fmt.Errorf("%w: metrics_namespace must not be empty", ErrInvalidConfig)
	}
	for i := 1; i < len(c.MetricsLatencyBuckets); i++ {
		if c.MetricsLatencyBuckets[i] <= c.MetricsLatencyBuckets[i-1] {
			return fmt.Errorf("%w: metrics_latency_buckets must be strictly increasing", ErrInvalidConfig)
		}
	}
	if err := c.Weights().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	r := c.Rating
	if r.EngagementWindow <= 0 || r.EngagementTarget <= 0 || r.CertificationTarget <= 0 ||
		r.ViolationLimit <= 0 || r.RevenueTarget <= 0 {
		return fmt.Errorf("%w: rating targets must be positive", ErrInvalidConfig)
	}
	return nil
}
