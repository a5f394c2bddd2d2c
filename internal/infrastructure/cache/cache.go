package cache

import (
	"context"
	"time"
)

// Cache is the read/write surface shared by both tiers. Values are opaque
// byte payloads; callers own serialization. Tags group keys for bulk
// invalidation when an upstream resource changes.
type Cache interface {
	// Get returns the cached value, or (nil, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value under the key with a TTL, indexed by tags.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
	// Delete removes a single key.
	Delete(ctx context.Context, key string) error
	// InvalidateTag removes every key carrying the tag.
	InvalidateTag(ctx context.Context, tag string) error
	// InvalidateAll clears the cache.
	InvalidateAll(ctx context.Context) error
	// Close releases held resources.
	Close() error
}

// HotKeyStrategy decides which keys earn residency in the local tier.
// Everything is served from the shared tier; only hot keys are worth the
// per-instance staleness window of a local copy.
type HotKeyStrategy interface {
	IsHot(key string) bool
}

// Stats reports tier-level hit accounting
type Stats struct {
	L1Hits      int64   `json:"l1_hits"`
	L1Misses    int64   `json:"l1_misses"`
	L2Hits      int64   `json:"l2_hits"`
	L2Misses    int64   `json:"l2_misses"`
	TotalHits   int64   `json:"total_hits"`
	TotalMisses int64   `json:"total_misses"`
	HitRatio    float64 `json:"hit_ratio"`
	L1Entries   int64   `json:"l1_entries"`
}
