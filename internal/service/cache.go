package service

import (
	"sync"
	"time"
)

// viewCacheTTL bounds staleness of aggregation views between commits.
const viewCacheTTL = 5 * time.Minute

// viewCache is a process-scoped cache of computed aggregates, keyed by the
// query parameters that produced them. Commit calls Invalidate; entries
// also age out on their own.
type viewCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	value   any
	expires time.Time
}

func newViewCache() *viewCache {
	return &viewCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *viewCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *viewCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(viewCacheTTL)}
}

// invalidate drops every cached view. Called when finalized data changes.
func (c *viewCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
