package cache

import (
	"sync"
	"time"

	"github.com/c360/chatrelay/errors"
)

// boundedCache holds at most capacity entries, each valid for ttl after its write.
type boundedCache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*Entry[V]

	stats   *Statistics
	evictFn EvictCallback[V]
}

// NewBounded creates a cache holding at most capacity entries that expire
// ttl after they are written. A ttl of zero disables expiry.
func NewBounded[V any](capacity int, ttl time.Duration, options ...Option[V]) (Cache[V], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewBounded", "capacity must be positive")
	}
	if ttl < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewBounded", "ttl cannot be negative")
	}

	opts := applyOptions(options...)

	c := &boundedCache[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      opts.clock,
		items:    make(map[string]*Entry[V], capacity),
		stats:    NewStatistics(),
		evictFn:  opts.evictCallback,
	}
	return c, nil
}

func (c *boundedCache[V]) expired(e *Entry[V], now time.Time) bool {
	return c.ttl > 0 && e.Age(now) >= c.ttl
}

func (c *boundedCache[V]) Get(key string) (V, bool) {
	e, ok := c.Entry(key)
	return e.Value, ok
}

func (c *boundedCache[V]) Entry(key string) (Entry[V], bool) {
	now := c.now()

	c.mu.Lock()
	entry, exists := c.items[key]
	var evicted *Entry[V]
	if exists && c.expired(entry, now) {
		delete(c.items, key)
		evicted = entry
		exists = false
	}
	size := len(c.items)
	var out Entry[V]
	if exists {
		out = *entry
	}
	c.mu.Unlock()

	if evicted != nil {
		c.recordEviction(evicted, size)
	}

	if !exists {
		c.stats.Miss()
		return out, false
	}
	c.stats.Hit()
	return out, true
}

func (c *boundedCache[V]) Set(key string, value V) (bool, error) {
	return c.SetAt(key, value, c.now())
}

func (c *boundedCache[V]) SetAt(key string, value V, writtenAt time.Time) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	var evicted *Entry[V]
	if !exists && len(c.items) >= c.capacity {
		evicted = c.oldestLocked()
		delete(c.items, evicted.Key)
	}
	c.items[key] = &Entry[V]{Key: key, Value: value, WrittenAt: writtenAt}
	size := len(c.items)
	c.mu.Unlock()

	if evicted != nil {
		c.recordEviction(evicted, size)
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(size))

	return !exists, nil
}

// oldestLocked returns the entry with the earliest write time. Caller holds mu
// and guarantees the map is non-empty.
func (c *boundedCache[V]) oldestLocked() *Entry[V] {
	var oldest *Entry[V]
	for _, e := range c.items {
		if oldest == nil || e.WrittenAt.Before(oldest.WrittenAt) {
			oldest = e
		}
	}
	return oldest
}

func (c *boundedCache[V]) recordEviction(e *Entry[V], size int) {
	if c.evictFn != nil {
		c.evictFn(e.Key, e.Value)
	}
	c.stats.Eviction()
	c.stats.UpdateSize(int64(size))
}

func (c *boundedCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
	}
	return exists, nil
}

func (c *boundedCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *boundedCache[V]) Stats() *Statistics {
	return c.stats
}
