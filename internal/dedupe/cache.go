// ABOUTME: Thread-safe TTL cache for suppressing redelivered chat events.
// ABOUTME: Sweeps expired ids on every duplicate check so reused ids are admitted again after the window.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL is how long an event id suppresses redelivery.
const DefaultTTL = 10 * time.Minute

// DefaultMaxSize bounds memory when the event rate outpaces the TTL.
const DefaultMaxSize = 100_000

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks seen event ids. Ids are appended in arrival order and never
// refreshed, so expired ids are always at the front of the list.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache with the given TTL and size cap and starts its
// background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup()
	return c
}

// IsDuplicate sweeps expired entries, then reports whether id was seen within
// the TTL. A new id is recorded. The empty id is never a duplicate and is
// never recorded.
func (c *Cache) IsDuplicate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(c.now())

	if id == "" {
		return false
	}
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.markLocked(id)
	return false
}

// Seen reports whether id is tracked and still inside the TTL. It does not
// record id.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[id]
	return ok && c.now().Sub(entry.timestamp) <= c.ttl
}

// Len reports the number of tracked ids, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked records a new id, evicting the oldest when full.
func (c *Cache) markLocked(id string) {
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(id)
	c.seen[id] = &cacheEntry{timestamp: c.now(), element: elem}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// sweepLocked drops entries older than the TTL, oldest first, stopping at the
// first live one.
func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if entry != nil && now.Sub(entry.timestamp) <= c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.seen, key)
		removed++
	}
	return removed
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
