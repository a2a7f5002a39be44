// Package cache implements the single bounded-cache contract used
// throughout the node: get-or-load, invalidate, bounded capacity, optional
// per-entry TTL. It replaces the sync.Map-plus-sweeper-goroutine pattern
// with one LRU-backed implementation shared by every cache in the process.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded, optionally-TTL'd, concurrency-safe key-value cache.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	lru   *lru.Cache[K, entry[V]]
	ttl   time.Duration // zero means no expiry
	now   func() time.Time
}

type entry[V any] struct {
	value   V
	expires time.Time // zero means no expiry
}

// New creates a cache bounded to capacity entries. ttl of zero disables
// expiry (capacity-only eviction).
func New[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	l, err := lru.New[K, entry[V]](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0 (e.g. a zero or negative
		// configured cache size); fall back to a single-entry cache rather
		// than panicking a long-running node process.
		l, _ = lru.New[K, entry[V]](1)
	}
	return &Cache[K, V]{lru: l, ttl: ttl, now: time.Now}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores a value under key, resetting its TTL.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	c.lru.Add(key, entry[V]{value: value, expires: expires})
}

// Invalidate evicts key, if present.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Concurrent misses for the same key may call load more
// than once; the last write wins. This matches the teacher's own
// cache-then-db-then-cache-fill pattern, generalized to any loader.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}
