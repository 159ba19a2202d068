package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	entry   Entry
	expires time.Time // zero means no expiry
}

// MemoryCache is an in-process LRU cache with an optional TTL.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	order   []string // LRU order, oldest first
	maxSize int
	ttl     time.Duration
	gen     int64
	now     func() time.Time
	metrics Metrics
}

// NewMemoryCache creates a memory cache holding at most maxSize entries.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &MemoryCache{
		items:   make(map[string]memoryItem),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetMetrics sets the metrics recorder for this cache.
func (c *MemoryCache) SetMetrics(metrics Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if ok && !item.expires.IsZero() && c.now().After(item.expires) {
		c.remove(key)
		ok = false
	}
	if !ok {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss("memory")
		}
		return Entry{}, false
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit("memory")
	}
	c.moveToEnd(key)
	return item.entry, true
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, entry Entry) {
	c.set(-1, key, entry)
}

// Generation implements Cache.
func (c *MemoryCache) Generation(context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetAt implements Cache.
func (c *MemoryCache) SetAt(_ context.Context, gen int64, key string, entry Entry) {
	c.set(gen, key, entry)
}

// set stores entry unless gen is non-negative and no longer current.
func (c *MemoryCache) set(gen int64, key string, entry Entry) {
	body := make([]byte, len(entry.Body))
	copy(body, entry.Body)
	item := memoryItem{entry: Entry{ContentType: entry.ContentType, Body: body}}
	if c.ttl > 0 {
		item.expires = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen >= 0 && gen != c.gen {
		return
	}

	if _, exists := c.items[key]; exists {
		c.items[key] = item
		c.moveToEnd(key)
		return
	}

	for len(c.items) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[key] = item
	c.order = append(c.order, key)

	if c.metrics != nil {
		c.metrics.UpdateCacheSize("memory", len(c.items))
	}
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.items = make(map[string]memoryItem)
	c.order = make([]string, 0, c.maxSize)
	if c.metrics != nil {
		c.metrics.UpdateCacheSize("memory", 0)
	}
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	return nil
}

// Size returns the number of stored entries, including expired ones not yet
// evicted.
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// moveToEnd marks key most recently used (must hold lock).
func (c *MemoryCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}

// remove deletes key (must hold lock).
func (c *MemoryCache) remove(key string) {
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
