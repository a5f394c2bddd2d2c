package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ExchangeMemo remembers which credential a successfully exchanged
// authorization code produced, for a short window. A duplicate callback
// (double webhook delivery, browser back-button) then returns the cached
// result instead of re-exchanging an already-consumed code.
type ExchangeMemo interface {
	Store(ctx context.Context, code string, credentialID uuid.UUID, ttl time.Duration) error
	Lookup(ctx context.Context, code string) (uuid.UUID, bool, error)
}

const exchangeMemoPrefix = "oauth:exchange:"

// RedisExchangeMemo implements ExchangeMemo on shared Redis
type RedisExchangeMemo struct {
	client *redis.Client
}

// NewRedisExchangeMemo creates a memo on an existing Redis client
func NewRedisExchangeMemo(client *redis.Client) *RedisExchangeMemo {
	return &RedisExchangeMemo{client: client}
}

// Store records the credential produced by a code
func (m *RedisExchangeMemo) Store(ctx context.Context, code string, credentialID uuid.UUID, ttl time.Duration) error {
	if err := m.client.Set(ctx, exchangeMemoPrefix+code, credentialID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("exchange memo: store failed: %w", err)
	}
	return nil
}

// Lookup returns the credential for a previously exchanged code
func (m *RedisExchangeMemo) Lookup(ctx context.Context, code string) (uuid.UUID, bool, error) {
	raw, err := m.client.Get(ctx, exchangeMemoPrefix+code).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("exchange memo: lookup failed: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("exchange memo: corrupt entry %q", raw)
	}
	return id, true, nil
}

// InMemoryExchangeMemo is a process-local memo for development and tests
type InMemoryExchangeMemo struct {
	mu      sync.Mutex
	entries map[string]memoEntry
}

type memoEntry struct {
	credentialID uuid.UUID
	deadline     time.Time
}

// NewInMemoryExchangeMemo creates an empty in-memory memo
func NewInMemoryExchangeMemo() *InMemoryExchangeMemo {
	return &InMemoryExchangeMemo{entries: make(map[string]memoEntry)}
}

// Store records the credential produced by a code
func (m *InMemoryExchangeMemo) Store(_ context.Context, code string, credentialID uuid.UUID, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[code] = memoEntry{credentialID: credentialID, deadline: time.Now().Add(ttl)}
	return nil
}

// Lookup returns the credential for a previously exchanged code
func (m *InMemoryExchangeMemo) Lookup(_ context.Context, code string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[code]
	if !ok || time.Now().After(entry.deadline) {
		delete(m.entries, code)
		return uuid.Nil, false, nil
	}
	return entry.credentialID, true, nil
}

// Ensure both memos implement ExchangeMemo
var (
	_ ExchangeMemo = (*RedisExchangeMemo)(nil)
	_ ExchangeMemo = (*InMemoryExchangeMemo)(nil)
)
