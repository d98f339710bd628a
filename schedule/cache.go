package schedule

import (
	"time"

	"github.com/liamcoop/anomalies/attendance"
)

// Cache holds schedules by ID so batch scans do not reload the same
// schedule for every employee of a site.
// This allows swapping between in-memory, Redis, or other caching implementations.
type Cache interface {
	// Get returns a cached schedule, or false on miss or expiry
	Get(scheduleID string) (*attendance.Schedule, bool)

	// Set stores a schedule
	Set(s *attendance.Schedule)

	// Invalidate drops one schedule, forcing a reload on next Get
	Invalidate(scheduleID string)

	// Clear drops everything
	Clear()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration

	// MaxEntries bounds the cache size; 0 means unbounded.
	// When full, expired entries are evicted first, then the oldest one.
	MaxEntries int
}

// DefaultCacheConfig returns sensible defaults for schedule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        5 * time.Minute,
		MaxEntries: 10000,
	}
}
