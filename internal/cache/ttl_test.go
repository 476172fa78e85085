package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewDefaults(t *testing.T) {
	tests := []struct {
		name     string
		ttl      time.Duration
		size     int
		wantTTL  time.Duration
		wantSize int
	}{
		{"zero values", 0, 0, DefaultTTL, DefaultSize},
		{"negative values", -time.Second, -1, DefaultTTL, DefaultSize},
		{"custom", time.Minute, 8, time.Minute, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New[string, int](tt.ttl, tt.size)
			assert.Equal(t, tt.wantTTL, c.TTL())
			assert.Equal(t, tt.wantSize, c.Stats().Size)
		})
	}
}

func TestGetSetOverwrite(t *testing.T) {
	c := New[string, string](time.Minute, 10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("q", "first")
	c.Set("q", "second")

	v, ok := c.Get("q")
	require.True(t, ok)
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, c.Len())
}

func TestExpiryIsLazyAndIndependent(t *testing.T) {
	clock := newFakeClock()
	c := New[string, []string](10*time.Minute, 10, WithClock(clock.Now))

	c.Set("install dir", []string{"c1"})
	clock.Advance(6 * time.Minute)
	c.Set("registry key", []string{"c2"})

	// Exactly at the boundary the entry is still valid.
	clock.Advance(4 * time.Minute)
	v, ok := c.Get("install dir")
	require.True(t, ok)
	assert.Equal(t, []string{"c1"}, v)

	clock.Advance(time.Second)
	_, ok = c.Get("install dir")
	assert.False(t, ok, "entry older than ttl must not be returned")
	assert.Equal(t, 1, c.Len(), "expired entry evicted on lookup")

	v, ok = c.Get("registry key")
	require.True(t, ok)
	assert.Equal(t, []string{"c2"}, v)

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Expired)
}

func TestClear(t *testing.T) {
	c := New[string, int](time.Minute, 10)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	require.Equal(t, 5, c.Len())

	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](time.Minute, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](time.Minute, 100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(n*100+j, j)
				c.Get(n*100 + j)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 100)
}
