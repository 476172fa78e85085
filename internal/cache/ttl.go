// Package cache provides a bounded, time-boxed cache for search results and
// query embeddings.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultTTL is how long an entry stays valid after insertion.
	DefaultTTL = 10 * time.Minute
	// DefaultSize bounds the number of entries kept.
	DefaultSize = 512
)

// Entry is a cached value with its insertion time.
type Entry[V any] struct {
	Value      V
	InsertedAt time.Time
}

// Stats holds cache statistics.
type Stats struct {
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Expired int64  `json:"expired"`
	Entries int    `json:"entries"`
	Size    int    `json:"size"`
	TTL     string `json:"ttl"`
}

// TTLCache is a least-recently-used cache whose entries expire a fixed
// duration after insertion. Expired entries are evicted lazily by Get.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries *lru.Cache[K, Entry[V]]
	ttl     time.Duration
	size    int
	now     func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64
}

// Option configures a TTLCache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, letting tests advance time without sleeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a TTLCache. Non-positive ttl or size fall back to the defaults.
func New[K comparable, V any](ttl time.Duration, size int, opts ...Option) *TTLCache[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	// lru.New only fails for size <= 0, handled above.
	entries, _ := lru.New[K, Entry[V]](size)

	return &TTLCache[K, V]{
		entries: entries,
		ttl:     ttl,
		size:    size,
		now:     o.now,
	}
}

// Get returns the value for key if it was inserted no longer than ttl ago.
// A stale entry is removed and reported as a miss.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	if c.now().Sub(entry.InsertedAt) > c.ttl {
		c.entries.Remove(key)
		c.expired.Add(1)
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return entry.Value, true
}

// Set stores value under key, overwriting any previous entry.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(key, Entry[V]{Value: value, InsertedAt: c.now()})
}

// Delete removes key if present.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)
}

// Clear drops every entry.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
}

// Len returns the number of entries, including ones that have expired but
// were not looked up yet.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}

// TTL returns the configured time-to-live.
func (c *TTLCache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Stats returns a snapshot of hit/miss counters.
func (c *TTLCache[K, V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
		Entries: c.Len(),
		Size:    c.size,
		TTL:     c.ttl.String(),
	}
}
