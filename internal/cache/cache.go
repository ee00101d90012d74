// ABOUTME: Thread-safe TTL cache with LRU eviction and a size bound.
// ABOUTME: Holds publish idempotency keys and proxied image bytes.

package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is the list payload for one cached key.
type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// Cache is a thread-safe, TTL-based, size-limited cache. The least recently
// used entry is evicted when the cache is full. A background goroutine drops
// expired entries until Close is called.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // least recently used at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum number of entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	return newCache[V](ttl, maxSize, time.Minute, time.Now)
}

func newCache[V any](ttl time.Duration, maxSize int, sweep time.Duration, now func() time.Time) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup(sweep)
	return c
}

// Get returns the value for key if present and not expired, and marks it recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if !c.now().Before(e.expires) {
		c.removeLocked(elem)
		return zero, false
	}
	c.order.MoveToBack(elem)
	return e.value, true
}

// Set stores value under key, replacing any previous value and restarting its TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Contains reports whether key is present and not expired without touching its recency.
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	return ok && c.now().Before(elem.Value.(*entry[V]).expires)
}

// CheckAndMark atomically reports whether key is already present and, if it is
// not, stores the zero value under it. Returns true for a duplicate.
func (c *Cache[V]) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok && c.now().Before(elem.Value.(*entry[V]).expires) {
		return true
	}
	var zero V
	c.setLocked(key, zero)
	return false
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// setLocked must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V) {
	expires := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expires = expires
		c.order.MoveToBack(elem)
		return
	}
	if len(c.items) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front)
		}
	}
	c.items[key] = c.order.PushBack(&entry[V]{key: key, value: value, expires: expires})
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[V]).key)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// runCleanup removes all expired entries.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, elem := range c.items {
		if !now.Before(elem.Value.(*entry[V]).expires) {
			c.removeLocked(elem)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
