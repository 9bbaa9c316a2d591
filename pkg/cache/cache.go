// Package cache provides a small LRU with optional TTL, used for shard
// payloads and reconstituted blob images.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Capacity  int
	Evictions int64
	Expired   int64
}

// Options configures a Cache.
type Options struct {
	Capacity int           // default 1024
	TTL      time.Duration // zero disables expiry
	// Cleanup is the background prune interval; zero disables the
	// goroutine and expiry happens lazily on access.
	Cleanup time.Duration
	Now     func() time.Time
}

// Cache is a threadsafe LRU keyed by K.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[K]*list.Element
	capacity int
	ttl      time.Duration
	now      func() time.Time
	stats    Stats

	stop context.CancelFunc
	done chan struct{}
}

type entry[K comparable, V any] struct {
	key    K
	value  V
	expire time.Time
}

// New returns an empty cache.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache[K, V]{
		ll:       list.New(),
		items:    make(map[K]*list.Element),
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		now:      opts.Now,
	}
	if opts.TTL > 0 && opts.Cleanup > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.done = make(chan struct{})
		go c.cleanupLoop(ctx, opts.Cleanup)
	}
	return c
}

// Get retrieves a value if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or refreshes key, evicting the least recently used entry
// when full.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expire time.Time
	if c.ttl > 0 {
		expire = c.now().Add(c.ttl)
	}
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry[K, V])
		ent.value = value
		ent.expire = expire
		c.ll.MoveToFront(ele)
		return
	}
	if c.ll.Len() >= c.capacity {
		if oldest := c.ll.Back(); oldest != nil {
			c.removeElement(oldest)
			c.stats.Evictions++
		}
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value, expire: expire})
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// DeleteFunc removes every key for which match returns true.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, ele := range c.items {
		if match(key) {
			c.removeElement(ele)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.ll.Init()
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	for _, ele := range c.items {
		if c.expired(ele.Value.(*entry[K, V])) {
			c.removeElement(ele)
			removed++
		}
	}
	c.stats.Expired += int64(removed)
	return removed
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

// Len returns the current number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Close stops the background cleanup goroutine. It is safe to call more
// than once.
func (c *Cache[K, V]) Close() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}

func (c *Cache[K, V]) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Prune()
		}
	}
}

func (c *Cache[K, V]) expired(ent *entry[K, V]) bool {
	return c.ttl > 0 && c.now().After(ent.expire)
}

func (c *Cache[K, V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry[K, V]).key)
}
