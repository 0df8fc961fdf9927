package smbproxy

import (
	"container/list"
	"sync"
)

// CacheStats provides statistics about cache usage.
type CacheStats struct {
	Name       string
	Entries    int
	MaxEntries int // 0 = unbounded
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

// keyedCache is a map with optional least-recently-used bounding. Entries
// never expire on their own; they leave the cache through Remove,
// RemoveFunc, Clear or capacity overflow.
type keyedCache[K comparable, V comparable] struct {
	mu      sync.Mutex
	name    string
	max     int
	entries map[K]*list.Element
	order   *list.List // front = most recently used
	onEvict func(K, V)
	metrics Metrics

	hits      uint64
	misses    uint64
	evictions uint64
}

type cacheEntry[K comparable, V comparable] struct {
	key   K
	value V
}

func newKeyedCache[K comparable, V comparable](name string, max int, metrics Metrics, onEvict func(K, V)) *keyedCache[K, V] {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &keyedCache[K, V]{
		name:    name,
		max:     max,
		entries: make(map[K]*list.Element),
		order:   list.New(),
		onEvict: onEvict,
		metrics: metrics,
	}
}

// Get returns the cached value for key.
func (c *keyedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.metrics.CacheMiss(c.name)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.hits++
	v := el.Value.(*cacheEntry[K, V]).value
	c.mu.Unlock()

	c.metrics.CacheHit(c.name)
	return v, true
}

// Put stores value under key, replacing any previous entry.
func (c *keyedCache[K, V]) Put(key K, value V) {
	var evicted []*cacheEntry[K, V]

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry[K, V])
		if e.value != value {
			evicted = append(evicted, &cacheEntry[K, V]{key: key, value: e.value})
		}
		e.value = value
		c.order.MoveToFront(el)
	} else {
		c.entries[key] = c.order.PushFront(&cacheEntry[K, V]{key: key, value: value})
		evicted = append(evicted, c.evictIfNeeded()...)
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// Remove drops the entry for key if present.
func (c *keyedCache[K, V]) Remove(key K) {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e := c.removeElement(el)
	c.mu.Unlock()

	c.notify([]*cacheEntry[K, V]{e})
}

// RemoveFunc drops every entry whose key satisfies match and returns how
// many were removed.
func (c *keyedCache[K, V]) RemoveFunc(match func(K) bool) int {
	var removed []*cacheEntry[K, V]

	c.mu.Lock()
	for key, el := range c.entries {
		if match(key) {
			removed = append(removed, c.removeElement(el))
		}
	}
	c.mu.Unlock()

	c.notify(removed)
	return len(removed)
}

// Clear drops every entry.
func (c *keyedCache[K, V]) Clear() {
	c.RemoveFunc(func(K) bool { return true })
}

// Len returns the number of cached entries.
func (c *keyedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *keyedCache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Name:       c.name,
		Entries:    len(c.entries),
		MaxEntries: c.max,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}

// evictIfNeeded evicts least recently used entries while the cache is over
// its bound. Caller must hold c.mu.
func (c *keyedCache[K, V]) evictIfNeeded() []*cacheEntry[K, V] {
	if c.max <= 0 {
		return nil
	}

	var evicted []*cacheEntry[K, V]
	for len(c.entries) > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, c.removeElement(oldest))
		c.evictions++
	}
	return evicted
}

// removeElement unlinks el. Caller must hold c.mu.
func (c *keyedCache[K, V]) removeElement(el *list.Element) *cacheEntry[K, V] {
	e := c.order.Remove(el).(*cacheEntry[K, V])
	delete(c.entries, e.key)
	return e
}

// notify runs the eviction hook outside the lock; closing a session or
// handle may block on the network.
func (c *keyedCache[K, V]) notify(entries []*cacheEntry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range entries {
		c.onEvict(e.key, e.value)
	}
}

// ContextCache holds authenticated sessions keyed by Connection.SessionKey.
type ContextCache struct {
	*keyedCache[string, RemoteSession]
}

// HandleCache holds open remote handles keyed by URI.
type HandleCache struct {
	*keyedCache[string, RemoteHandle]
}

// MetadataCache holds file metadata snapshots keyed by URI.
type MetadataCache struct {
	*keyedCache[string, *FileMetadata]
}

// NewContextCache creates a session cache. Evicted sessions are closed.
func NewContextCache(max int, metrics Metrics, logger Logger) *ContextCache {
	return &ContextCache{newKeyedCache("context", max, metrics, func(key string, s RemoteSession) {
		if err := s.Close(); err != nil && logger != nil {
			logger.Printf("closing evicted session: %v", err)
		}
	})}
}

// NewHandleCache creates a handle cache. Evicted handles are closed.
func NewHandleCache(max int, metrics Metrics, logger Logger) *HandleCache {
	return &HandleCache{newKeyedCache("handle", max, metrics, func(uri string, h RemoteHandle) {
		if err := h.Close(); err != nil && logger != nil {
			logger.Printf("closing evicted handle %s: %v", uri, err)
		}
	})}
}

// NewMetadataCache creates a metadata cache.
func NewMetadataCache(max int, metrics Metrics) *MetadataCache {
	return &MetadataCache{newKeyedCache[string, *FileMetadata]("metadata", max, metrics, nil)}
}
