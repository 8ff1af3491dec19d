package emission

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// EntityCache is an explicit, caller-owned TTL cache for looked-up entities
// (tenants, invoices). Expiry is checked on read; expired entries are removed
// lazily. It is safe for concurrent use.
type EntityCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func NewEntityCache(ttl time.Duration) *EntityCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &EntityCache{
		ttl:     ttl,
		entries: map[string]cacheEntry{},
	}
}

func (c *EntityCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *EntityCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

func (c *EntityCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *EntityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
