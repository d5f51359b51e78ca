package vfs

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultCacheEntries bounds the read cache when no limit is configured.
const DefaultCacheEntries = 1000

// readCache holds fully loaded files keyed by "site:path". When the entry
// count would exceed the bound, the whole map is dropped: site deploys
// replace many files at once, so partial eviction buys little and a flat
// map keeps hits cheap.
//
// The generation counter fences in-flight loads: every invalidation bumps
// it, and a load started before the bump is refused entry. A reader racing
// a write can therefore never park stale content in the cache after the
// write's invalidation ran.
type readCache struct {
	mu      sync.RWMutex
	entries map[string]*File
	max     int
	gen     uint64

	hits   atomic.Uint64
	misses atomic.Uint64
	clears atomic.Uint64
}

func newReadCache(max int) *readCache {
	if max <= 0 {
		max = DefaultCacheEntries
	}
	return &readCache{
		entries: make(map[string]*File, max),
		max:     max,
	}
}

func (c *readCache) get(key string) (*File, bool) {
	c.mu.RLock()
	f, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return f, ok
}

// generation returns the fence value a load must capture before reading
// the store.
func (c *readCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// putIfCurrent stores f unless an invalidation ran since gen was captured.
func (c *readCache) putIfCurrent(key string, f *File, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return
	}
	if len(c.entries) >= c.max {
		c.entries = make(map[string]*File, c.max)
		c.clears.Add(1)
	}
	c.entries[key] = f
}

// invalidate drops one key and fences in-flight loads.
func (c *readCache) invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen++
	c.mu.Unlock()
}

// purgeSite drops every key belonging to siteID.
func (c *readCache) purgeSite(siteID string) {
	prefix := siteID + ":"
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.gen++
	c.mu.Unlock()
}

// clear drops everything.
func (c *readCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]*File, c.max)
	c.gen++
	c.mu.Unlock()
	c.clears.Add(1)
}

func (c *readCache) stats() (hits, misses, clears uint64, size int) {
	c.mu.RLock()
	size = len(c.entries)
	c.mu.RUnlock()
	return c.hits.Load(), c.misses.Load(), c.clears.Load(), size
}
