// Package cache provides the LRU cache the arena keeps verified blocks in.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// cacheEntry holds the key and value for a cache item.
type cacheEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache is a fixed-size, count-bounded LRU cache. A capacity of zero or
// less disables it: Put is a no-op and Get always misses.
type LRUCache[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[K]*list.Element
	onEvicted  func(key K, value V)
	onHit      func(key K)
	onMiss     func(key K)

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[string, []byte] = (*LRUCache[string, []byte])(nil)

// NewLRUCache creates a new LRUCache. The callbacks are optional and run
// with the cache lock held, so they must not call back into the cache.
func NewLRUCache[K comparable, V any](capacity int, onEvicted func(key K, value V), onHit, onMiss func(key K)) *LRUCache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache[K, V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[K]*list.Element),
		onEvicted:  onEvicted,
		onHit:      onHit,
		onMiss:     onMiss,
	}
}

func (c *LRUCache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Enabled reports whether the cache retains anything.
func (c *LRUCache[K, V]) Enabled() bool {
	return c.capacity > 0
}

// Get retrieves a value and marks it most recently used.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return value, false
	}

	if elem, found := c.cacheItems[key]; found {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(key)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(key)
	}
	return value, false
}

// Put adds or replaces a value, evicting the least recently used entry
// when the cache is full.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry[K, V]).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	element := c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value})
	c.cacheItems[key] = element
}

// Remove drops key without invoking the eviction callback.
func (c *LRUCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.Remove(elem)
		delete(c.cacheItems, key)
	}
}

// Len returns the current number of items in the cache.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item. Must be called with c.mu held.
func (c *LRUCache[K, V]) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removed := c.lruList.Remove(elem).(*cacheEntry[K, V])
		delete(c.cacheItems, removed.key)
		if c.onEvicted != nil {
			c.onEvicted(removed.key, removed.value)
		}
	}
}

// Clear removes all entries. The hit/miss counters are cumulative and are
// not reset.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			e := elem.Value.(*cacheEntry[K, V])
			c.onEvicted(e.key, e.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[K]*list.Element)
}

// GetHitRate returns hits / (hits + misses), or 0 before any lookup.
// It is suitable for an expvar.Func.
func (c *LRUCache[K, V]) GetHitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
