// ABOUTME: Tests for the processed-span cache
// ABOUTME: TTL expiry with a fake clock, LRU eviction, forget, sweep and concurrency

package dedupe

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

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: ttl, MaxSize: size, CleanupInterval: -1, Clock: clock.Now})
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_SeenMarksFirstSighting(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Seen("s1"))
	assert.True(t, c.Seen("s1"))
	assert.True(t, c.Contains("s1"))
	assert.False(t, c.Contains("s2"))
	assert.Equal(t, int64(1), c.Stats().Duplicates)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Seen("s1")
	clock.Advance(2 * time.Minute)

	assert.False(t, c.Contains("s1"))
	assert.False(t, c.Seen("s1"), "expired keys count as new")
	assert.True(t, c.Seen("s1"))
}

func TestCache_EvictsLeastRecentlySeen(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 3)

	for _, k := range []string{"a", "b", "c"} {
		c.Seen(k)
		clock.Advance(time.Second)
	}
	c.Seen("a") // refresh a; b is now oldest
	c.Seen("d")

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.True(t, c.Contains("d"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Equal(t, 3, c.Stats().Size)
}

func TestCache_ForgetAndReset(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 10)

	c.Seen("a")
	c.Seen("b")
	c.Forget("a")
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))

	c.Reset()
	assert.Equal(t, 0, c.Stats().Size)
	assert.False(t, c.Seen("b"))
}

func TestCache_SweepStopsAtLiveEntry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Seen("old1")
	c.Seen("old2")
	clock.Advance(90 * time.Second)
	c.Seen("fresh")

	c.sweep()
	assert.Equal(t, 1, c.Stats().Size)
	assert.True(t, c.Contains("fresh"))
}

func TestCache_BackgroundSweep(t *testing.T) {
	c := New(Options{TTL: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	defer c.Close()

	c.Seen("k")
	require.Eventually(t, func() bool { return c.Stats().Size == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_ConcurrentSeenReportsOneWinner(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 1000)

	const goroutines = 16
	for k := 0; k < 20; k++ {
		key := fmt.Sprintf("span-%d", k)
		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0
		wg.Add(goroutines)
		for g := 0; g < goroutines; g++ {
			go func() {
				defer wg.Done()
				if !c.Seen(key) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, fresh, key)
	}
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(Options{})
	c.Close()
	c.Close()
}
