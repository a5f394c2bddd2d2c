package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateWindowStore tracks admission counters per (scope, bucket). Counters are
// monotonically non-decreasing within a bucket and reset only by TTL expiry,
// except for the operator-triggered full reset.
type RateWindowStore interface {
	// Incr increments the counter for a scope's bucket, setting the TTL on
	// first write, and returns the new count.
	Incr(ctx context.Context, scope string, bucket int64, ttl time.Duration) (int64, error)
	// Reset clears all windows (operator action).
	Reset(ctx context.Context) error
}

// CircuitSnapshot is the shared view of one scope's circuit
type CircuitSnapshot struct {
	State     string
	Failures  int64
	Successes int64
	OpenedAt  time.Time
}

// Circuit states
const (
	CircuitClosed   = "CLOSED"
	CircuitOpen     = "OPEN"
	CircuitHalfOpen = "HALF_OPEN"
)

// CircuitStore holds circuit-breaker state in shared storage so every
// instance observes the same open-circuit decisions.
type CircuitStore interface {
	Get(ctx context.Context, scope string) (*CircuitSnapshot, error)
	RecordFailure(ctx context.Context, scope string) (int64, error)
	RecordSuccess(ctx context.Context, scope string) (int64, error)
	Trip(ctx context.Context, scope string, at time.Time) error
	HalfOpen(ctx context.Context, scope string) error
	Reset(ctx context.Context, scope string) error
	// TryProbe admits at most one probe call per scope per TTL window.
	TryProbe(ctx context.Context, scope string, ttl time.Duration) (bool, error)
}

const (
	rateKeyPrefix    = "gw:rate:"
	circuitKeyPrefix = "gw:circuit:"
)

// RedisRateWindowStore implements RateWindowStore on Redis fixed windows
type RedisRateWindowStore struct {
	client *redis.Client
}

// NewRedisRateWindowStore creates a store on an existing Redis client
func NewRedisRateWindowStore(client *redis.Client) *RedisRateWindowStore {
	return &RedisRateWindowStore{client: client}
}

func rateKey(scope string, bucket int64) string {
	return rateKeyPrefix + scope + ":" + strconv.FormatInt(bucket, 10)
}

// Incr increments a bucket counter, arming the TTL on first write
func (s *RedisRateWindowStore) Incr(ctx context.Context, scope string, bucket int64, ttl time.Duration) (int64, error) {
	key := rateKey(scope, bucket)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate window: incr failed: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, key, ttl)
	}
	return count, nil
}

// Reset deletes every rate window key (operator action)
func (s *RedisRateWindowStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, rateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("rate window: reset delete failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("rate window: reset scan failed: %w", err)
	}
	return nil
}

// RedisCircuitStore implements CircuitStore on Redis hashes
type RedisCircuitStore struct {
	client *redis.Client
}

// NewRedisCircuitStore creates a store on an existing Redis client
func NewRedisCircuitStore(client *redis.Client) *RedisCircuitStore {
	return &RedisCircuitStore{client: client}
}

func circuitKey(scope string) string {
	return circuitKeyPrefix + scope
}

// Get returns the scope's snapshot; a missing hash reads as CLOSED
func (s *RedisCircuitStore) Get(ctx context.Context, scope string) (*CircuitSnapshot, error) {
	fields, err := s.client.HGetAll(ctx, circuitKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("circuit store: read failed: %w", err)
	}

	snap := &CircuitSnapshot{State: CircuitClosed}
	if state, ok := fields["state"]; ok && state != "" {
		snap.State = state
	}
	if raw, ok := fields["failures"]; ok {
		snap.Failures, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok := fields["successes"]; ok {
		snap.Successes, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok := fields["opened_at"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
			snap.OpenedAt = time.Unix(unix, 0)
		}
	}
	return snap, nil
}

// RecordFailure increments the scope's failure counter
func (s *RedisCircuitStore) RecordFailure(ctx context.Context, scope string) (int64, error) {
	count, err := s.client.HIncrBy(ctx, circuitKey(scope), "failures", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("circuit store: failure incr failed: %w", err)
	}
	return count, nil
}

// RecordSuccess increments the scope's half-open success counter
func (s *RedisCircuitStore) RecordSuccess(ctx context.Context, scope string) (int64, error) {
	count, err := s.client.HIncrBy(ctx, circuitKey(scope), "successes", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("circuit store: success incr failed: %w", err)
	}
	return count, nil
}

// Trip moves the scope to OPEN, recording when it opened
func (s *RedisCircuitStore) Trip(ctx context.Context, scope string, at time.Time) error {
	err := s.client.HSet(ctx, circuitKey(scope),
		"state", CircuitOpen,
		"opened_at", strconv.FormatInt(at.Unix(), 10),
		"successes", 0,
	).Err()
	if err != nil {
		return fmt.Errorf("circuit store: trip failed: %w", err)
	}
	return nil
}

// HalfOpen moves the scope to HALF_OPEN with counters cleared
func (s *RedisCircuitStore) HalfOpen(ctx context.Context, scope string) error {
	err := s.client.HSet(ctx, circuitKey(scope),
		"state", CircuitHalfOpen,
		"successes", 0,
	).Err()
	if err != nil {
		return fmt.Errorf("circuit store: half-open failed: %w", err)
	}
	return nil
}

// Reset moves the scope back to CLOSED with counters cleared
func (s *RedisCircuitStore) Reset(ctx context.Context, scope string) error {
	if err := s.client.Del(ctx, circuitKey(scope)).Err(); err != nil {
		return fmt.Errorf("circuit store: reset failed: %w", err)
	}
	return nil
}

// TryProbe admits one probe per TTL window via SETNX
func (s *RedisCircuitStore) TryProbe(ctx context.Context, scope string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, circuitKey(scope)+":probe", "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("circuit store: probe admission failed: %w", err)
	}
	return ok, nil
}

// InMemoryRateWindowStore is a process-local RateWindowStore for development
// and tests
type InMemoryRateWindowStore struct {
	mu      sync.Mutex
	windows map[string]*inMemoryWindow
}

type inMemoryWindow struct {
	count    int64
	deadline time.Time
}

// NewInMemoryRateWindowStore creates an empty in-memory store
func NewInMemoryRateWindowStore() *InMemoryRateWindowStore {
	return &InMemoryRateWindowStore{windows: make(map[string]*inMemoryWindow)}
}

// Incr increments a bucket counter, arming the TTL on first write
func (s *InMemoryRateWindowStore) Incr(_ context.Context, scope string, bucket int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(scope, bucket)
	w, ok := s.windows[key]
	if !ok || time.Now().After(w.deadline) {
		w = &inMemoryWindow{deadline: time.Now().Add(ttl)}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// Reset clears all windows
func (s *InMemoryRateWindowStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*inMemoryWindow)
	return nil
}

// InMemoryCircuitStore is a process-local CircuitStore for development and
// tests
type InMemoryCircuitStore struct {
	mu     sync.Mutex
	scopes map[string]*CircuitSnapshot
	probes map[string]time.Time
}

// NewInMemoryCircuitStore creates an empty in-memory store
func NewInMemoryCircuitStore() *InMemoryCircuitStore {
	return &InMemoryCircuitStore{
		scopes: make(map[string]*CircuitSnapshot),
		probes: make(map[string]time.Time),
	}
}

func (s *InMemoryCircuitStore) snapshot(scope string) *CircuitSnapshot {
	snap, ok := s.scopes[scope]
	if !ok {
		snap = &CircuitSnapshot{State: CircuitClosed}
		s.scopes[scope] = snap
	}
	return snap
}

// Get returns the scope's snapshot; a missing scope reads as CLOSED
func (s *InMemoryCircuitStore) Get(_ context.Context, scope string) (*CircuitSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := *s.snapshot(scope)
	return &snap, nil
}

// RecordFailure increments the scope's failure counter
func (s *InMemoryCircuitStore) RecordFailure(_ context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot(scope)
	snap.Failures++
	return snap.Failures, nil
}

// RecordSuccess increments the scope's half-open success counter
func (s *InMemoryCircuitStore) RecordSuccess(_ context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot(scope)
	snap.Successes++
	return snap.Successes, nil
}

// Trip moves the scope to OPEN
func (s *InMemoryCircuitStore) Trip(_ context.Context, scope string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot(scope)
	snap.State = CircuitOpen
	snap.OpenedAt = at
	snap.Successes = 0
	return nil
}

// HalfOpen moves the scope to HALF_OPEN with counters cleared
func (s *InMemoryCircuitStore) HalfOpen(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot(scope)
	snap.State = CircuitHalfOpen
	snap.Successes = 0
	return nil
}

// Reset moves the scope back to CLOSED with counters cleared
func (s *InMemoryCircuitStore) Reset(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope)
	delete(s.probes, scope)
	return nil
}

// TryProbe admits one probe per TTL window
func (s *InMemoryCircuitStore) TryProbe(_ context.Context, scope string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline, ok := s.probes[scope]; ok && time.Now().Before(deadline) {
		return false, nil
	}
	s.probes[scope] = time.Now().Add(ttl)
	return true, nil
}

// Ensure implementations satisfy the store interfaces
var (
	_ RateWindowStore = (*RedisRateWindowStore)(nil)
	_ RateWindowStore = (*InMemoryRateWindowStore)(nil)
	_ CircuitStore    = (*RedisCircuitStore)(nil)
	_ CircuitStore    = (*InMemoryCircuitStore)(nil)
)
