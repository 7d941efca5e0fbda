package rewards

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/okian/partners/pkg/logger"
	"github.com/okian/partners/pkg/metrics"
)

const defaultRefreshInterval = 5 * time.Minute

// Option applies a configuration option to the Cache.
type Option func(*Cache)

// WithRefreshInterval sets how often Start reloads the source. Zero disables
// periodic refresh.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.interval = d
		}
	}
}

// WithLogger sets a custom logger for the cache.
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used to stamp catalogs.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache holds the last successfully compiled Catalog and refreshes it from a
// Source on a bounded interval. Readers never block on the Source.
type Cache struct {
	src      Source
	interval time.Duration
	logger   logger.Logger
	now      func() time.Time
	current  atomic.Pointer[Catalog]
}

// NewCache creates a cache over src. Call Refresh or Start before reading.
func NewCache(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:      src,
		interval: defaultRefreshInterval,
		logger:   logger.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewStaticCache returns a cache pre-loaded with cat that never refreshes.
func NewStaticCache(cat *Catalog) *Cache {
	c := NewCache(nil, WithRefreshInterval(0))
	c.current.Store(cat)
	return c
}

// Snapshot returns the current catalog. It fails only before the first
// successful load.
func (c *Cache) Snapshot() (*Catalog, error) {
	cat := c.current.Load()
	if cat == nil {
		return nil, ErrNotLoaded
	}
	return cat, nil
}

// Refresh loads and compiles the source. On failure the previous catalog stays
// in place and the error is returned.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.src == nil {
		return nil
	}
	doc, err := c.src.Load(ctx)
	if err != nil {
		metrics.RecordRewardsRefreshError()
		return err
	}
	cat, err := Compile(doc, c.now().UTC())
	if err != nil {
		metrics.RecordRewardsRefreshError()
		return err
	}
	prev := c.current.Swap(cat)
	metrics.UpdateRewardsConfigVersion(cat.Version())
	if prev == nil || prev.Version() != cat.Version() {
		c.logger.Info(ctx, "rewards config loaded",
			logger.Int("version", cat.Version()),
			logger.Int("achievements", len(cat.ids)),
		)
	}
	return nil
}

// Start performs the initial load and then refreshes in the background until
// ctx is cancelled. The initial load must succeed.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	if c.interval <= 0 || c.src == nil {
		return nil
	}
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Warn(ctx, "rewards config refresh failed; keeping previous version", logger.Error(err))
				}
			}
		}
	}()
	return nil
}
