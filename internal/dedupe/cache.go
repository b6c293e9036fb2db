// ABOUTME: Thread-safe TTL cache that remembers the first value stored under a key
// ABOUTME: Used for resolved continuation tokens and duplicate inbound UI actions

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-bounded, size-limited map whose first write for a key wins
// until the entry expires. Insertion order is kept in a linked list so the
// oldest entry is evicted in O(1) when the cache is full.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a cache. A background goroutine sweeps expired entries every
// sweep interval until Close.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: max(maxSize, 1),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweep(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Get returns the live value stored for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// LoadOrStore returns the existing live value for key and true, or stores
// value and returns it with false. The check and the store are atomic.
func (c *Cache[V]) LoadOrStore(key string, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if !c.expired(e) {
			return e.value, true
		}
		c.removeLocked(key, e)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &entry[V]{
		value:     value,
		timestamp: c.now(),
		element:   c.order.PushBack(key),
	}
	return value, false
}

// Seen marks key and reports whether it was already present.
func (c *Cache[V]) Seen(key string) bool {
	var zero V
	_, loaded := c.LoadOrStore(key, zero)
	return loaded
}

// Forget removes key so a later write for it succeeds.
func (c *Cache[V]) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// Len returns the number of entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.timestamp) >= c.ttl
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, key)
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) sweep(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if c.expired(e) {
			c.removeLocked(key, e)
		}
	}
}

// Close stops the sweeper and waits for it to exit. Safe to call repeatedly.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
}
