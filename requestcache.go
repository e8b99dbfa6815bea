package livecache

import "sync"

// RequestCache maps query keys to entries. Implementations must be safe for
// concurrent use and GetOrCreate must be atomic.
type RequestCache interface {
	// Get returns the entry for key, or nil. The policy lets persistent
	// caches hide stale entries from policies that would never refresh them.
	Get(key string, policy CachePolicy) *Entry
	Set(key string, e *Entry)
	Remove(key string)
	// GetOrCreate returns the entry visible under policy, creating and
	// registering a fresh one when there is none.
	GetOrCreate(key string, policy CachePolicy) *Entry
}

// MemoryCache is the default in-process RequestCache.
type MemoryCache struct {
	mu sync.Mutex
	m  map[string]*Entry
}

var _ RequestCache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]*Entry)}
}

func (c *MemoryCache) Get(key string, _ CachePolicy) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key]
}

func (c *MemoryCache) Set(key string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = e
}

func (c *MemoryCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

func (c *MemoryCache) GetOrCreate(key string, _ CachePolicy) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[key]; ok {
		return e
	}
	e := newEntry(StatusNoRequests)
	c.m[key] = e
	return e
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
