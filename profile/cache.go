// Package profile resolves chat user ids to display profiles through a
// two-tier cache: a bounded in-memory map in front of a durable table, with
// the platform's users.info call as the source of truth.
//
// Lookups go memory, then durable, then remote. A remote hit is written
// through to memory synchronously and to the durable tier in the
// background. Concurrent lookups for the same id share one remote call.
// Failed lookups are never cached.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/health"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/metric"
	"github.com/c360/chatrelay/pkg/cache"
	"github.com/c360/chatrelay/storage"
)

// Fetcher resolves a user id against the platform.
type Fetcher interface {
	UserInfo(ctx context.Context, userID string) (message.Profile, error)
}

// Config holds cache tuning.
type Config struct {
	// TTL is how long an entry is fresh in either tier.
	TTL time.Duration
	// PruneAge is the age past which durable rows are deleted.
	PruneAge time.Duration
	// Capacity bounds the memory tier.
	Capacity int
	// PruneHour is the local hour (0-23) at which the daily prune runs.
	PruneHour int
	// FetchTimeout bounds one remote lookup.
	FetchTimeout time.Duration
	// WriteTimeout bounds one background durable write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		TTL:          24 * time.Hour,
		PruneAge:     7 * 24 * time.Hour,
		Capacity:     1000,
		PruneHour:    3,
		FetchTimeout: 10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "profile", "Validate", "ttl must be positive")
	case c.PruneAge <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "profile", "Validate", "prune age must be positive")
	case c.Capacity <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "profile", "Validate", "capacity must be positive")
	case c.PruneHour < 0 || c.PruneHour > 23:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "profile", "Validate", "prune hour must be 0-23")
	}
	return nil
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for freshness checks and write stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics exports lookup counters and memory-tier metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Cache) {
		c.registry = registry
	}
}

// Lookup sources reported by the lookups counter.
const (
	SourceMemory  = "memory"
	SourceDurable = "durable"
	SourceRemote  = "remote"
	SourceFailed  = "failed"
)

// Cache is the two-tier profile cache. The zero value is not usable; call New.
type Cache struct {
	cfg    Config
	memory cache.Cache[message.Profile]
	store  storage.ProfileStore
	remote Fetcher
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time

	registry *metric.MetricsRegistry
	metrics  *cacheMetrics

	remoteCalls atomic.Int64

	// writes tracks background durable writes
	writes sync.WaitGroup

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New builds a cache. store may be nil for a memory-only cache.
func New(cfg Config, store storage.ProfileStore, remote Fetcher, logger *slog.Logger, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "profile", "New", "remote fetcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		cfg:    cfg,
		store:  store,
		remote: remote,
		logger: logger.With("component", "profile_cache"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.registry != nil {
		m, err := newCacheMetrics(c.registry)
		if err != nil {
			return nil, errors.Wrap(err, "profile", "New", "register metrics")
		}
		c.metrics = m
	}

	mem, err := cache.NewBounded(cfg.Capacity, cfg.TTL,
		cache.WithClock[message.Profile](c.now),
		cache.WithEvictionCallback[message.Profile](c.evicted),
	)
	if err != nil {
		return nil, errors.Wrap(err, "profile", "New", "create memory tier")
	}
	c.memory = mem
	return c, nil
}

func (c *Cache) record(source string) {
	if c.metrics != nil {
		c.metrics.lookups.WithLabelValues(source).Inc()
	}
}

// evicted runs when the memory tier drops a profile for capacity or age.
func (c *Cache) evicted(userID string, _ message.Profile) {
	c.logger.Debug("Profile evicted from memory", "user_id", userID)
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
}

// remember writes p to the memory tier stamped with writtenAt.
func (c *Cache) remember(p message.Profile, writtenAt time.Time) {
	if _, err := c.memory.SetAt(p.UserID, p, writtenAt); err != nil {
		c.logger.Warn("Failed to cache profile in memory", "user_id", p.UserID, "error", err)
	}
	if c.metrics != nil {
		c.metrics.entries.Set(float64(c.memory.Size()))
	}
}

// Fetch returns the profile for userID. On a remote failure the returned
// error wraps errors.ErrProfileNotFound together with the cause, so
// errors.ErrMissingPermission stays detectable.
func (c *Cache) Fetch(ctx context.Context, userID string) (message.Profile, error) {
	if userID == "" {
		return message.Profile{}, errors.WrapInvalid(errors.ErrInvalidData, "profile", "Fetch", "empty user id")
	}

	if p, ok := c.memory.Get(userID); ok {
		c.record(SourceMemory)
		return p, nil
	}

	ch := c.group.DoChan(userID, func() (any, error) {
		// the shared lookup outlives any single caller's cancellation
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.load(loadCtx, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return message.Profile{}, res.Err
		}
		return res.Val.(message.Profile), nil
	case <-ctx.Done():
		return message.Profile{}, ctx.Err()
	}
}

// load runs once per id among concurrent callers.
func (c *Cache) load(ctx context.Context, userID string) (message.Profile, error) {
	// another flight may have filled memory since the caller's miss
	if p, ok := c.memory.Get(userID); ok {
		c.record(SourceMemory)
		return p, nil
	}

	if p, ok := c.loadDurable(ctx, userID); ok {
		c.record(SourceDurable)
		return p, nil
	}

	c.remoteCalls.Add(1)
	p, err := c.remote.UserInfo(ctx, userID)
	if err != nil {
		c.record(SourceFailed)
		c.logger.Warn("Profile lookup failed", "user_id", userID, "error", err,
			"missing_permission", errors.Is(err, errors.ErrMissingPermission))
		return message.Profile{}, fmt.Errorf("profile.Fetch: resolve %s failed: %w: %w", userID, errors.ErrProfileNotFound, err)
	}
	c.record(SourceRemote)

	p.UserID = userID
	p.FetchedAt = c.now()
	c.remember(p, p.FetchedAt)
	c.persist(p)
	return p, nil
}

func (c *Cache) loadDurable(ctx context.Context, userID string) (message.Profile, bool) {
	if c.store == nil {
		return message.Profile{}, false
	}
	p, ok, err := c.store.GetProfile(ctx, userID)
	if err != nil {
		c.logger.Warn("Durable profile read failed", "user_id", userID, "error", err)
		return message.Profile{}, false
	}
	if !ok || c.now().Sub(p.FetchedAt) >= c.cfg.TTL {
		return message.Profile{}, false
	}
	// keep the durable fetch time so memory expires with the durable row
	p.UserID = userID
	c.remember(p, p.FetchedAt)
	return p, true
}

// persist writes p to the durable tier without blocking the caller.
func (c *Cache) persist(p message.Profile) {
	if c.store == nil {
		return
	}
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		if err := c.store.UpsertProfile(ctx, p); err != nil {
			c.logger.Warn("Durable profile write failed", "user_id", p.UserID, "error", err)
		}
	}()
}

// Prune deletes durable entries older than the prune age and returns how many went.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	if c.store == nil {
		return 0, nil
	}
	cutoff := c.now().Add(-c.cfg.PruneAge)
	n, err := c.store.PruneProfiles(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "profile", "Prune", "delete stale profiles")
	}
	c.logger.Info("Pruned stale profiles", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// Invalidate drops userID from the memory tier.
func (c *Cache) Invalidate(userID string) {
	_, _ = c.memory.Delete(userID)
	if c.metrics != nil {
		c.metrics.entries.Set(float64(c.memory.Size()))
	}
}

// Len reports the memory tier size.
func (c *Cache) Len() int {
	return c.memory.Size()
}

// Health reports the memory tier occupancy and hit ratio.
func (c *Cache) Health() health.Status {
	sum := c.memory.Stats().Summary()
	return health.NewHealthy("profiles", "profile cache serving").
		WithDetail("size", sum.Size).
		WithDetail("capacity", c.cfg.Capacity).
		WithDetail("evictions", sum.Evictions).
		WithDetail("hit_ratio", sum.HitRatio).
		WithDetail("remote_calls", c.remoteCalls.Load())
}

// RemoteCalls reports how many users.info calls have been made.
func (c *Cache) RemoteCalls() int64 {
	return c.remoteCalls.Load()
}

// Flush waits for pending durable writes or until ctx ends.
func (c *Cache) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "profile", "Flush", "wait for durable writes")
	}
}
