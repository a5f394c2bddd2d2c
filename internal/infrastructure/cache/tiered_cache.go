package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PrefixHotKeys marks a key hot when it starts with any configured prefix.
// Prefixes come from configuration and name the resource families that are
// read on nearly every ingested event.
type PrefixHotKeys struct {
	prefixes []string
}

// NewPrefixHotKeys creates a strategy over the given key prefixes
func NewPrefixHotKeys(prefixes []string) *PrefixHotKeys {
	return &PrefixHotKeys{prefixes: prefixes}
}

// IsHot reports whether the key matches a hot prefix
func (s *PrefixHotKeys) IsHot(key string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

var _ HotKeyStrategy = (*PrefixHotKeys)(nil)

// TieredCache layers a local tier over the shared tier.
// Reads go L1 then L2; an L2 hit on a hot key is promoted into L1. Writes
// land in L2 first so other instances never observe a value this instance
// has not durably cached, then in L1 when the key is hot.
type TieredCache struct {
	l1     *LocalCache
	l2     Cache
	hot    HotKeyStrategy
	l1TTL  time.Duration
	l2TTL  time.Duration
	logger *zap.Logger

	l1Hits   int64
	l1Misses int64
	l2Hits   int64
	l2Misses int64
}

// TieredCacheOption is a functional option for configuring the cache
type TieredCacheOption func(*TieredCache)

// WithHotKeyStrategy sets the L1 residency strategy
func WithHotKeyStrategy(hot HotKeyStrategy) TieredCacheOption {
	return func(c *TieredCache) {
		c.hot = hot
	}
}

// WithTTLs sets the per-tier TTLs
func WithTTLs(l1TTL, l2TTL time.Duration) TieredCacheOption {
	return func(c *TieredCache) {
		c.l1TTL = l1TTL
		c.l2TTL = l2TTL
	}
}

// WithLogger sets the logger for the cache
func WithLogger(logger *zap.Logger) TieredCacheOption {
	return func(c *TieredCache) {
		c.logger = logger
	}
}

// everythingHot is the default strategy when none is configured
type everythingHot struct{}

func (everythingHot) IsHot(string) bool { return true }

// NewTieredCache creates a tiered cache over a local and a shared tier
func NewTieredCache(l1 *LocalCache, l2 Cache, opts ...TieredCacheOption) *TieredCache {
	c := &TieredCache{
		l1:     l1,
		l2:     l2,
		hot:    everythingHot{},
		l1TTL:  time.Minute,
		l2TTL:  10 * time.Minute,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value (L1 -> L2, promoting hot keys)
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.l1.Get(ctx, key)
	if err != nil {
		c.logger.Warn("local cache read failed", zap.String("key", key), zap.Error(err))
	}
	if value != nil {
		atomic.AddInt64(&c.l1Hits, 1)
		return value, nil
	}
	atomic.AddInt64(&c.l1Misses, 1)

	value, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		atomic.AddInt64(&c.l2Misses, 1)
		return nil, nil
	}
	atomic.AddInt64(&c.l2Hits, 1)

	if c.hot.IsHot(key) {
		if err := c.l1.Set(ctx, key, value, c.l1TTL); err != nil {
			c.logger.Warn("local cache promotion failed", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}

// Set stores a value in L2, then in L1 when the key is hot
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	if ttl == 0 {
		ttl = c.l2TTL
	}
	if err := c.l2.Set(ctx, key, value, ttl, tags...); err != nil {
		return err
	}
	if c.hot.IsHot(key) {
		if err := c.l1.Set(ctx, key, value, c.l1TTL, tags...); err != nil {
			c.logger.Warn("local cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Delete removes a key from both tiers
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	if err := c.l2.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.l1.Delete(ctx, key); err != nil {
		c.logger.Warn("local cache delete failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// InvalidateTag removes the tag's keys from both tiers.
// Other instances drop their local copies when their L1 TTL lapses; the
// shared tier is authoritative immediately.
func (c *TieredCache) InvalidateTag(ctx context.Context, tag string) error {
	if err := c.l2.InvalidateTag(ctx, tag); err != nil {
		return err
	}
	if err := c.l1.InvalidateTag(ctx, tag); err != nil {
		c.logger.Warn("local cache tag invalidation failed", zap.String("tag", tag), zap.Error(err))
	}
	return nil
}

// InvalidateAll clears both tiers
func (c *TieredCache) InvalidateAll(ctx context.Context) error {
	if err := c.l2.InvalidateAll(ctx); err != nil {
		return err
	}
	if err := c.l1.InvalidateAll(ctx); err != nil {
		c.logger.Warn("local cache clear failed", zap.Error(err))
	}
	return nil
}

// Remember returns the cached value for the key, loading and caching it on
// a full miss. Loader errors pass through unwrapped so callers can classify
// them.
func (c *TieredCache) Remember(ctx context.Context, key string, ttl time.Duration, tags []string, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	value, err := c.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, loading through", zap.String("key", key), zap.Error(err))
	}
	if value != nil {
		return value, nil
	}

	value, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, value, ttl, tags...); err != nil {
		c.logger.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// Stats returns hit accounting across both tiers
func (c *TieredCache) Stats() Stats {
	l1Hits := atomic.LoadInt64(&c.l1Hits)
	l1Misses := atomic.LoadInt64(&c.l1Misses)
	l2Hits := atomic.LoadInt64(&c.l2Hits)
	l2Misses := atomic.LoadInt64(&c.l2Misses)

	totalHits := l1Hits + l2Hits
	totalMisses := l2Misses // only full misses count

	var hitRatio float64
	if total := totalHits + totalMisses; total > 0 {
		hitRatio = float64(totalHits) / float64(total)
	}

	return Stats{
		L1Hits:      l1Hits,
		L1Misses:    l1Misses,
		L2Hits:      l2Hits,
		L2Misses:    l2Misses,
		TotalHits:   totalHits,
		TotalMisses: totalMisses,
		HitRatio:    hitRatio,
		L1Entries:   int64(c.l1.Count()),
	}
}

// ResetStats clears the hit counters
func (c *TieredCache) ResetStats() {
	atomic.StoreInt64(&c.l1Hits, 0)
	atomic.StoreInt64(&c.l1Misses, 0)
	atomic.StoreInt64(&c.l2Hits, 0)
	atomic.StoreInt64(&c.l2Misses, 0)
}

// Close releases both tiers
func (c *TieredCache) Close() error {
	var lastErr error
	if err := c.l2.Close(); err != nil {
		lastErr = err
	}
	if err := c.l1.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

var _ Cache = (*TieredCache)(nil)
