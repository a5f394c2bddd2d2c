package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/domain/shared"
)

const (
	handshakeKeyPrefix = "oauth:handshake:"
	handshakeIndexKey  = "oauth:handshake:index"
)

// RedisHandshakeStore persists pending handshakes in Redis. The value key
// carries the TTL; a sorted-set index scored by expiry backs the janitor
// sweep for entries whose value key outlived its index entry or vice versa.
type RedisHandshakeStore struct {
	client *redis.Client
}

// NewRedisHandshakeStore creates a handshake store on an existing Redis client
func NewRedisHandshakeStore(client *redis.Client) *RedisHandshakeStore {
	return &RedisHandshakeStore{client: client}
}

// Save persists a handshake with a TTL, refusing duplicate state values
func (s *RedisHandshakeStore) Save(ctx context.Context, h *connection.AuthorizationHandshake, ttl time.Duration) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("handshake store: marshal failed: %w", err)
	}

	ok, err := s.client.SetNX(ctx, handshakeKeyPrefix+h.State, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("handshake store: save failed: %w", err)
	}
	if !ok {
		return shared.ErrAlreadyExists
	}

	if err := s.client.ZAdd(ctx, handshakeIndexKey, redis.Z{
		Score:  float64(h.ExpiresAt.Unix()),
		Member: h.State,
	}).Err(); err != nil {
		return fmt.Errorf("handshake store: index update failed: %w", err)
	}
	return nil
}

// Consume atomically reads and deletes the handshake for a state value.
// GETDEL guarantees that of two racing instances exactly one sees the value.
func (s *RedisHandshakeStore) Consume(ctx context.Context, state string) (*connection.AuthorizationHandshake, error) {
	payload, err := s.client.GetDel(ctx, handshakeKeyPrefix+state).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("handshake store: consume failed: %w", err)
	}

	s.client.ZRem(ctx, handshakeIndexKey, state)

	var h connection.AuthorizationHandshake
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("handshake store: unmarshal failed: %w", err)
	}
	return &h, nil
}

// SweepExpired removes index entries (and any straggler value keys) whose
// expiry has passed
func (s *RedisHandshakeStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", now.Unix())
	expired, err := s.client.ZRangeByScore(ctx, handshakeIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("handshake store: sweep scan failed: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	keys := make([]string, len(expired))
	members := make([]interface{}, len(expired))
	for i, state := range expired {
		keys[i] = handshakeKeyPrefix + state
		members[i] = state
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("handshake store: sweep delete failed: %w", err)
	}
	if err := s.client.ZRem(ctx, handshakeIndexKey, members...).Err(); err != nil {
		return 0, fmt.Errorf("handshake store: sweep index cleanup failed: %w", err)
	}
	return len(expired), nil
}

// InMemoryHandshakeStore is a process-local handshake store for development
// and tests. Not suitable for multi-instance deployments.
type InMemoryHandshakeStore struct {
	mu      sync.Mutex
	entries map[string]inMemoryHandshake
}

type inMemoryHandshake struct {
	handshake connection.AuthorizationHandshake
	deadline  time.Time
}

// NewInMemoryHandshakeStore creates an empty in-memory handshake store
func NewInMemoryHandshakeStore() *InMemoryHandshakeStore {
	return &InMemoryHandshakeStore{entries: make(map[string]inMemoryHandshake)}
}

// Save persists a handshake with a TTL, refusing duplicate state values
func (s *InMemoryHandshakeStore) Save(_ context.Context, h *connection.AuthorizationHandshake, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[h.State]; ok && time.Now().Before(entry.deadline) {
		return shared.ErrAlreadyExists
	}
	s.entries[h.State] = inMemoryHandshake{handshake: *h, deadline: time.Now().Add(ttl)}
	return nil
}

// Consume atomically reads and deletes the handshake for a state value
func (s *InMemoryHandshakeStore) Consume(_ context.Context, state string) (*connection.AuthorizationHandshake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return nil, nil
	}
	delete(s.entries, state)
	if time.Now().After(entry.deadline) {
		return nil, nil
	}
	h := entry.handshake
	return &h, nil
}

// SweepExpired removes handshakes past their expiry
func (s *InMemoryHandshakeStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, entry := range s.entries {
		if now.After(entry.handshake.ExpiresAt) || now.After(entry.deadline) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed, nil
}

// Ensure both stores implement HandshakeStore
var (
	_ connection.HandshakeStore = (*RedisHandshakeStore)(nil)
	_ connection.HandshakeStore = (*InMemoryHandshakeStore)(nil)
)
