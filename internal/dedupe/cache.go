// ABOUTME: Bounded TTL cache of processed span ids
// ABOUTME: Lets an agent ignore spans that were appended more than once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	MaxSize int
	// CleanupInterval controls the background sweep; zero means TTL/2, negative disables it.
	CleanupInterval time.Duration
	Clock           func() time.Time
}

// Stats are cumulative cache counters.
type Stats struct {
	Size       int   `json:"size"`
	Duplicates int64 `json:"duplicates"`
	Evictions  int64 `json:"evictions"`
}

// Cache remembers keys for a TTL, evicting the least recently seen key when
// full. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // least recently seen at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	stats   Stats

	done   chan struct{}
	closed bool
}

// New creates a cache and starts its sweeper.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Clock,
		done:    make(chan struct{}),
	}

	interval := opts.CleanupInterval
	if interval == 0 {
		interval = opts.TTL / 2
	}
	if interval > 0 {
		go c.sweepLoop(interval)
	}
	return c
}

// Contains reports whether key was seen within the TTL.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

// Seen records key and reports whether it had already been recorded within
// the TTL. Checking and recording happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		dup := now.Sub(e.seenAt) < c.ttl
		e.seenAt = now
		c.order.MoveToBack(e.element)
		if dup {
			c.stats.Duplicates++
		}
		return dup
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Forget removes key so it is processed again if it reappears.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Reset forgets every key, e.g. after the log was replaced and is being replayed.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]*entry)
	c.order.Init()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.seen)
	return s
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
	c.stats.Evictions++
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. The list is ordered by last sighting, so it stops
// at the first live entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
