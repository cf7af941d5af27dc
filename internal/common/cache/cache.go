// Package cache provides a small generic LRU cache with TTL expiration,
// used by the platform gateway to avoid refetching hot work items.
package cache

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Metrics provides observability into cache state.
type Metrics interface {
	// Size returns the current number of entries in the cache.
	Size() int
	// Name returns a human-readable name for the cache.
	Name() string
	// Hits and Misses return cumulative lookup counters.
	Hits() uint64
	Misses() uint64
}

// Cache is a generic LRU with TTL-based expiration. A successful Load
// refreshes the entry's TTL, so hot entries stay resident while idle ones
// age out.
type Cache[T any] struct {
	name   string
	lru    *expirable.LRU[string, T]
	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ Metrics = (*Cache[any])(nil)

// New creates a cache with the given capacity and time-to-live. A capacity
// of 0 means unlimited size.
func New[T any](name string, capacity int, ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		name: name,
		lru:  expirable.NewLRU[string, T](capacity, nil, ttl),
	}
}

// Size returns the current number of entries in the cache.
func (c *Cache[T]) Size() int { return c.lru.Len() }

// Name returns the cache name for metrics.
func (c *Cache[T]) Name() string { return c.name }

// Hits returns the cumulative hit count.
func (c *Cache[T]) Hits() uint64 { return c.hits.Load() }

// Misses returns the cumulative miss count.
func (c *Cache[T]) Misses() uint64 { return c.misses.Load() }

// Store adds or replaces an entry.
func (c *Cache[T]) Store(key string, value T) {
	c.lru.Add(key, value)
}

// Load returns the entry for key if present. Re-adding on hit resets the
// entry's expiration, giving refresh-on-get semantics.
func (c *Cache[T]) Load(key string) (T, bool) {
	value, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		var zero T
		return zero, false
	}
	c.hits.Add(1)
	c.lru.Add(key, value)
	return value, true
}

// Invalidate removes a single entry.
func (c *Cache[T]) Invalidate(key string) {
	c.lru.Remove(key)
}

// InvalidatePrefix removes every entry whose key starts with prefix. Writes
// through the gateway use this to drop all reads touching the same item or
// repository.
func (c *Cache[T]) InvalidatePrefix(prefix string) {
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

// Purge drops every entry.
func (c *Cache[T]) Purge() {
	c.lru.Purge()
}
