package cache

import (
	"context"
	"sync"
	"time"
)

const localCleanupInterval = 30 * time.Second

// LocalCache is the in-process tier. Entries expire by TTL; a background
// sweep reclaims expired entries that were never read again.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]*localEntry
	tags    map[string]map[string]struct{}
	stopCh  chan struct{}
	once    sync.Once
}

type localEntry struct {
	value     []byte
	tags      []string
	expiresAt time.Time
}

func (e *localEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// NewLocalCache creates an empty local cache and starts its cleanup sweep
func NewLocalCache() *LocalCache {
	c := &LocalCache{
		entries: make(map[string]*localEntry),
		tags:    make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached value, or (nil, nil) on a miss
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if entry.expired() {
		c.mu.Lock()
		c.removeLocked(key)
		c.mu.Unlock()
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value under the key, replacing any previous tag membership
func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	if value == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	c.entries[key] = &localEntry{
		value:     value,
		tags:      tags,
		expiresAt: time.Now().Add(ttl),
	}
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

// Delete removes a single key
func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	return nil
}

// InvalidateTag removes every key carrying the tag
func (c *LocalCache) InvalidateTag(_ context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.tags[tag] {
		c.removeLocked(key)
	}
	delete(c.tags, tag)
	return nil
}

// InvalidateAll clears the cache
func (c *LocalCache) InvalidateAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*localEntry)
	c.tags = make(map[string]map[string]struct{})
	return nil
}

// Count returns the number of live entries
func (c *LocalCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup sweep
func (c *LocalCache) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}

// removeLocked drops a key and its tag memberships. Caller holds mu.
func (c *LocalCache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, tag := range entry.tags {
		if keys, ok := c.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

func (c *LocalCache) cleanupLoop() {
	ticker := time.NewTicker(localCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired() {
					c.removeLocked(key)
				}
			}
			c.mu.Unlock()
		}
	}
}

var _ Cache = (*LocalCache)(nil)
