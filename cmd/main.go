package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/partners/internal/adapters/http/api"
	"github.com/okian/partners/internal/adapters/lock"
	"github.com/okian/partners/internal/adapters/repository"
	"github.com/okian/partners/internal/adapters/repository/sqlite"
	app "github.com/okian/partners/internal/app"
	"github.com/okian/partners/internal/config"
	"github.com/okian/partners/internal/domain/rating"
	"github.com/okian/partners/internal/domain/renewal"
	"github.com/okian/partners/internal/domain/rewards"
	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 90 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	requestTimeout         = 60 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// Use stderr for initialization errors since logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.InitWithOptions(logger.WithJSON(cfg.LogFormat == "json")); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	_ = logger.SetLevelString(cfg.LogLevel)

	if err := run(ctx, cfg, logger.Get()); err != nil {
		logger.Get().Error(ctx, "partner engine exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	metrics.Configure(metricsOptions(cfg)...)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn(ctx, "close store", logger.Error(err))
		}
	}()

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLocker.Close() }()

	catalogs := newRewardsCache(cfg, log)

	svc := app.New(store, catalogs, locker, serviceOptions(cfg, log)...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	go startServiceMetricsUpdater(ctx, svc)

	apiServer := api.NewServer(svc,
		api.WithCronSecret(cfg.CronSecret),
		api.WithCORSOrigins(cfg.CORSOrigins),
		api.WithLogger(log.Named("http")),
		api.WithRequestTimeout(requestTimeout),
		api.WithCronTimeout(cfg.RenewalLockTTL),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Router(),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.String("store", cfg.StoreDriver),
			logger.String("lock", cfg.LockDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = svc.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "service shutdown failed", logger.Error(err))
	}

	log.Info(ctx, "server stopped")
	return nil
}

// openStore returns the configured persistence driver.
func openStore(cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return repository.NewMemoryStore(), nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openLocker returns the configured renewal lease driver and its closer.
func openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, io.Closer, error) {
	switch cfg.LockDriver {
	case config.DriverRedis:
		r, err := lock.DialRedis(ctx, cfg.RedisAddr, "")
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis lock: %w", err)
		}
		return r, r, nil
	default:
		return lock.NewMemory(), nopCloser{}, nil
	}
}

// newRewardsCache reads the rewards program from rewards_path, or the
// built-in program when unset.
func newRewardsCache(cfg *config.Config, log logger.Logger) *rewards.Cache {
	var src rewards.Source = rewards.DefaultSource()
	if cfg.RewardsPath != "" {
		src = rewards.NewFileSource(cfg.RewardsPath)
	}
	return rewards.NewCache(src,
		rewards.WithRefreshInterval(cfg.RewardsRefresh),
		rewards.WithLogger(log.Named("rewards")),
	)
}

func serviceOptions(cfg *config.Config, log logger.Logger) []app.Option {
	return []app.Option{
		app.WithLogger(log),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithTaskMaxAttempts(cfg.TaskMaxAttempts),
		app.WithAutoPromote(cfg.AutoPromote),
		app.WithRatingOptions(
			rating.WithWeights(cfg.Weights()),
			rating.WithTargets(cfg.Targets()),
		),
		app.WithRenewalOptions(
			renewal.WithWorkers(cfg.RenewalWorkers),
			renewal.WithLeaseTTL(cfg.RenewalLockTTL),
			renewal.WithOverridePolicy(cfg.OverridePolicy()),
			renewal.WithInterval(cfg.RenewalInterval),
		),
	}
}

func metricsOptions(cfg *config.Config) []metrics.Option {
	return []metrics.Option{
		metrics.WithNamespace(cfg.MetricsNamespace),
		metrics.WithSubsystem(cfg.MetricsSubsystem),
		metrics.WithHistogramBuckets(cfg.MetricsLatencyBuckets),
	}
}

// startServiceMetricsUpdater periodically publishes refresh pipeline gauges.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateServiceMetrics updates service-level metrics.
func updateServiceMetrics(svc *app.Service) {
	stats := svc.Stats()
	if queueLen, ok := stats["queueLength"].(int); ok {
		metrics.UpdateQueueSize(queueLen)
	}
	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}
}
