package schedule

import (
	"sync"
	"time"

	"github.com/liamcoop/anomalies/attendance"
)

type cacheEntry struct {
	schedule *attendance.Schedule
	cachedAt time.Time
}

// InMemoryCache is a simple in-memory implementation of Cache.
// Thread-safe for concurrent access.
type InMemoryCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryCache creates a new in-memory schedule cache
func NewInMemoryCache(config CacheConfig) *InMemoryCache {
	return &InMemoryCache{
		entries: make(map[string]cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

// Get retrieves a cached schedule. Returns false if missing or expired.
func (c *InMemoryCache) Get(scheduleID string) (*attendance.Schedule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[scheduleID]
	if !ok || c.expired(e) {
		return nil, false
	}
	return e.schedule, true
}

// Set stores a schedule
func (c *InMemoryCache) Set(s *attendance.Schedule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[s.ID]; !exists && c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictLocked()
	}
	c.entries[s.ID] = cacheEntry{schedule: s, cachedAt: c.now()}
}

// Invalidate drops one schedule
func (c *InMemoryCache) Invalidate(scheduleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, scheduleID)
}

// Clear drops every entry
func (c *InMemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of stored entries, expired ones included
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

func (c *InMemoryCache) expired(e cacheEntry) bool {
	return c.config.TTL > 0 && c.now().Sub(e.cachedAt) > c.config.TTL
}

// evictLocked removes expired entries, or the oldest one if none expired
func (c *InMemoryCache) evictLocked() {
	var oldestID string
	var oldest time.Time
	removed := false
	for id, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, id)
			removed = true
			continue
		}
		if oldestID == "" || e.cachedAt.Before(oldest) {
			oldestID, oldest = id, e.cachedAt
		}
	}
	if !removed && oldestID != "" {
		delete(c.entries, oldestID)
	}
}
