package embed

import (
	"context"
	"math"
	"time"

	"github.com/abdul-hamid-achik/cmdvec/internal/cache"
)

// DefaultQueryCacheSize bounds the query embedding cache.
const DefaultQueryCacheSize = 1000

// CachedProvider wraps an embedding provider with an LRU of computed
// vectors keyed by exact text.
type CachedProvider struct {
	inner Provider
	cache *cache.TTLCache[string, []float32]
}

// WithCache wraps a Provider with a cache of size entries that never expire.
func WithCache(p Provider, size int) *CachedProvider {
	return WithCacheAndTTL(p, size, 0)
}

// WithCacheAndTTL wraps a Provider with a cache whose entries expire after
// ttl. A zero ttl disables expiry.
func WithCacheAndTTL(p Provider, size int, ttl time.Duration, opts ...cache.Option) *CachedProvider {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	if ttl <= 0 {
		ttl = time.Duration(math.MaxInt64)
	}
	return &CachedProvider{
		inner: p,
		cache: cache.New[string, []float32](ttl, size, opts...),
	}
}

// Embed generates an embedding for text, using the cache when possible.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Set(text, v)
	return v, nil
}

// EmbedBatch generates embeddings for texts, only sending cache misses to
// the wrapped provider.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			results[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for i, idx := range missIdx {
		results[idx] = fresh[i]
		c.cache.Set(missTexts[i], fresh[i])
	}
	return results, nil
}

func (c *CachedProvider) Model() string                  { return c.inner.Model() }
func (c *CachedProvider) Dimensions() int                { return c.inner.Dimensions() }
func (c *CachedProvider) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

// Inner returns the wrapped provider.
func (c *CachedProvider) Inner() Provider { return c.inner }

// CacheStats returns statistics about the cache.
func (c *CachedProvider) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// ClearCache removes all cached vectors. Called after a reset, or when the
// serving backend switches between the worker and the fallback.
func (c *CachedProvider) ClearCache() {
	c.cache.Clear()
}
