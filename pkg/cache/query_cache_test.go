package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_BasicOperations(t *testing.T) {
	c := New[string, int](10, 0)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	c.Remove("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_LRUEviction(t *testing.T) {
	c := New[string, int](3, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" becomes the oldest.
	c.Get("a")
	c.Put("d", 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "%s should still be cached", k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_TTL(t *testing.T) {
	c := New[string, string](10, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put("q", "plan")
	_, ok := c.Get("q")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("q")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCache_Disabled(t *testing.T) {
	c := New[string, int](10, 0)
	c.Put("a", 1)
	c.SetEnabled(false)
	assert.Zero(t, c.Len())

	c.Put("b", 2)
	_, ok := c.Get("b")
	assert.False(t, ok)
}

func TestCache_Stats(t *testing.T) {
	c := New[string, int](10, 0)
	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 66.67, s.HitRate, 0.01)
	assert.Equal(t, 10, s.MaxSize)
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int, int](50, 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Put(i%100, g)
				c.Get((i + g) % 100)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
