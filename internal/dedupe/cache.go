// ABOUTME: Thread-safe TTL cache for suppressing duplicate submits.
// ABOUTME: Keys are caller-supplied idempotency keys; expired entries are swept lazily on insert.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the insertion time for a cached key.
type entry struct {
	key  string
	seen time.Time
}

// Cache tracks recently seen idempotency keys so that a double-fired submit
// (a repeated host command, a double click relayed by the embedding page)
// is applied once. Insertion order is kept in a list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically checks whether a key was seen within the TTL and
// marks it if not. Returns true for a duplicate, false for a new key.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.sweepLocked(now)

	if elem, ok := c.seen[key]; ok {
		if now.Sub(elem.Value.(*entry).seen) < c.ttl {
			return true
		}
		c.order.Remove(elem)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = c.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of tracked keys, expired entries included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweepLocked drops expired entries from the front of the insertion order.
// Entries age in insertion order, so the sweep stops at the first live one.
func (c *Cache) sweepLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now.Sub(e.seen) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, e.key)
	}
}

// evictOldestLocked removes the oldest entry to make room.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.seen, e.key)
}
