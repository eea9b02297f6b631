package rules

import "time"

// RulesCache caches a tenant's active rules so the event path and the
// scheduler do not query the store on every publish. Implementations may be
// in-memory or shared (e.g. Redis).
type RulesCache interface {
	// Get returns the cached active rules, or nil on miss/expiry.
	Get(tenantID string) []*Rule

	// Set stores a tenant's active rules.
	Set(tenantID string, rules []*Rule)

	// Invalidate clears one tenant's entry, forcing a refresh on next Get.
	Invalidate(tenantID string)

	// InvalidateAll clears every tenant's entry.
	InvalidateAll()
}

// CacheConfig holds cache behavior settings.
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Zero means no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for active-rule caching.
// A short TTL bounds staleness for writes that bypass this process.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 30 * time.Second}
}
