package geo

import (
	"context"
	"sync"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
)

// Cache memoizes successful lookups for ttl. Failures are not cached so a
// transient outage does not pin an address to Unknown.
type Cache struct {
	next  Lookuper
	ttl   time.Duration
	max   int
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	loc     Location
	expires time.Time
}

// NewCache wraps next. max bounds the number of entries; when full, expired
// entries are swept and, if still full, the cache is reset.
func NewCache(next Lookuper, ttl time.Duration, max int, c clock.Clock) *Cache {
	if max <= 0 {
		max = 10000
	}
	return &Cache{
		next:    next,
		ttl:     ttl,
		max:     max,
		clock:   c,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Lookup(ctx context.Context, addr string) (Location, error) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[addr]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.loc, nil
	}

	loc, err := c.next.Lookup(ctx, addr)
	if err != nil {
		return Location{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.sweep(now)
		if len(c.entries) >= c.max {
			clear(c.entries)
		}
	}
	c.entries[addr] = cacheEntry{loc: loc, expires: now.Add(c.ttl)}
	return loc, nil
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep must be called with c.mu held.
func (c *Cache) sweep(now time.Time) {
	for addr, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, addr)
		}
	}
}
