package index

import (
	"sync"
	"time"
)

// cacheEntry pairs a resolution with its expiry.
type cacheEntry struct {
	res       Resolution
	expiresAt time.Time
}

// resolutionCache is the TTL-bounded local cache consulted when
// fresh=false. Stub entries are never cached — the resolver enforces
// that before calling put.
type resolutionCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newResolutionCache(ttl time.Duration) *resolutionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &resolutionCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *resolutionCache) get(key string) (Resolution, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Resolution{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Resolution{}, false
	}
	return e.res, true
}

func (c *resolutionCache) put(key string, res Resolution) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{res: res, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}
