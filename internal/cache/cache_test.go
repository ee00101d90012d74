// ABOUTME: Tests for the TTL/LRU cache.
// ABOUTME: Uses a manual clock for expiry and goleak to check the sweeper exits on Close.

package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache[V any](t *testing.T, ttl time.Duration, size int) (*Cache[V], *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := newCache[V](ttl, size, time.Hour, clock.Now)
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_GetSet(t *testing.T) {
	c, _ := newTestCache[string](t, time.Minute, 10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", "alpha")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	c.Set("a", "again")
	v, _ = c.Get("a")
	assert.Equal(t, "again", v)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache[int](t, time.Minute, 10)

	c.Set("k", 1)
	clock.Advance(59 * time.Second)
	assert.True(t, c.Contains("k"))

	clock.Advance(time.Second)
	assert.False(t, c.Contains("k"))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on Get")
}

func TestCache_SetRefreshesTTL(t *testing.T) {
	c, clock := newTestCache[int](t, time.Minute, 10)

	c.Set("k", 1)
	clock.Advance(40 * time.Second)
	c.Set("k", 2)
	clock.Advance(40 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache[int](t, time.Hour, 3)

	c.Set("first", 1)
	c.Set("second", 2)
	c.Set("third", 3)

	// touching first makes second the eviction candidate
	_, ok := c.Get("first")
	require.True(t, ok)

	c.Set("fourth", 4)
	assert.True(t, c.Contains("first"))
	assert.False(t, c.Contains("second"), "second should be evicted")
	assert.True(t, c.Contains("third"))
	assert.True(t, c.Contains("fourth"))
	assert.Equal(t, 3, c.Len())
}

func TestCache_CheckAndMark(t *testing.T) {
	c, clock := newTestCache[struct{}](t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("publish:1"), "first mark is new")
	assert.True(t, c.CheckAndMark("publish:1"), "second mark is a duplicate")

	clock.Advance(2 * time.Minute)
	assert.False(t, c.CheckAndMark("publish:1"), "expired key can be marked again")
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	c, _ := newTestCache[struct{}](t, time.Minute, 100)

	const goroutines = 100
	var winners int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("contested") {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache[int](t, time.Minute, 10)

	c.Set("k", 1)
	c.Delete("k")
	c.Delete("never-set")
	assert.False(t, c.Contains("k"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_RunCleanup(t *testing.T) {
	c, clock := newTestCache[int](t, time.Minute, 10)

	c.Set("old-1", 1)
	c.Set("old-2", 2)
	clock.Advance(30 * time.Second)
	c.Set("fresh", 3)
	clock.Advance(45 * time.Second)

	c.runCleanup()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("fresh"))
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int](5*time.Minute, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('A'+id%26)) + "-" + string(rune('0'+j%10))
				c.Set(key, j)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	c.Set("final", 1)
	assert.True(t, c.Contains("final"))
}

func TestCache_CloseTwice(t *testing.T) {
	c := New[int](time.Minute, 10)
	c.Close()
	c.Close()
}

func TestCache_MinimumSize(t *testing.T) {
	c, _ := newTestCache[int](t, time.Minute, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("b"))
}
