package oauth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackoffGate tracks the application-wide backoff window raised by token
// endpoint 429 responses. The upstream rate-limits the token endpoint per
// application, not per tenant, so the window is global; per-tenant isolation
// lives in the gateway's rate windows instead.
type BackoffGate interface {
	// Remaining returns how long the current window still blocks calls,
	// zero when no window is active.
	Remaining(ctx context.Context) (time.Duration, error)
	// RecordRateLimit registers a 429 hit and escalates the window. The
	// window grows with the trailing-hour hit count, capped at the limit.
	RecordRateLimit(ctx context.Context) (time.Duration, error)
}

const (
	backoffUntilKey = "oauth:backoff:until"
	backoffHitsKey  = "oauth:backoff:hits"

	// backoffBase is multiplied by the trailing-hour 429 count
	backoffBase = 30 * time.Second
	// hitWindow bounds how long a 429 hit keeps escalating the window
	hitWindow = time.Hour
)

// RedisBackoffGate implements BackoffGate on shared Redis state so that all
// instances observe the same window.
type RedisBackoffGate struct {
	client *redis.Client
	cap    time.Duration
}

// NewRedisBackoffGate creates a gate with the given window cap
func NewRedisBackoffGate(client *redis.Client, cap time.Duration) *RedisBackoffGate {
	return &RedisBackoffGate{client: client, cap: cap}
}

// Remaining returns the time left on the active window
func (g *RedisBackoffGate) Remaining(ctx context.Context) (time.Duration, error) {
	raw, err := g.client.Get(ctx, backoffUntilKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("backoff gate: read failed: %w", err)
	}

	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("backoff gate: corrupt window value %q", raw)
	}
	remaining := time.Until(time.Unix(until, 0))
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// RecordRateLimit escalates the window from the trailing-hour hit count
func (g *RedisBackoffGate) RecordRateLimit(ctx context.Context) (time.Duration, error) {
	hits, err := g.client.Incr(ctx, backoffHitsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("backoff gate: hit count failed: %w", err)
	}
	if hits == 1 {
		g.client.Expire(ctx, backoffHitsKey, hitWindow)
	}

	window := time.Duration(hits) * backoffBase
	if window > g.cap {
		window = g.cap
	}

	until := time.Now().Add(window).Unix()
	if err := g.client.Set(ctx, backoffUntilKey, strconv.FormatInt(until, 10), window).Err(); err != nil {
		return 0, fmt.Errorf("backoff gate: window update failed: %w", err)
	}
	return window, nil
}

// InMemoryBackoffGate is a process-local gate for development and tests
type InMemoryBackoffGate struct {
	mu    sync.Mutex
	cap   time.Duration
	until time.Time
	hits  []time.Time
}

// NewInMemoryBackoffGate creates a gate with the given window cap
func NewInMemoryBackoffGate(cap time.Duration) *InMemoryBackoffGate {
	return &InMemoryBackoffGate{cap: cap}
}

// Remaining returns the time left on the active window
func (g *InMemoryBackoffGate) Remaining(_ context.Context) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := time.Until(g.until)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// RecordRateLimit escalates the window from the trailing-hour hit count
func (g *InMemoryBackoffGate) RecordRateLimit(_ context.Context) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-hitWindow)
	kept := g.hits[:0]
	for _, hit := range g.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	g.hits = append(kept, now)

	window := time.Duration(len(g.hits)) * backoffBase
	if window > g.cap {
		window = g.cap
	}
	g.until = now.Add(window)
	return window, nil
}

// Ensure both gates implement BackoffGate
var (
	_ BackoffGate = (*RedisBackoffGate)(nil)
	_ BackoffGate = (*InMemoryBackoffGate)(nil)
)
