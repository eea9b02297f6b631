package rules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is a tenant-keyed in-memory implementation of
// RulesCache. Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// NewInMemoryRulesCache creates a new in-memory rules cache.
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]cacheEntry),
		config:  config,
	}
}

// Get retrieves a tenant's cached rules.
// Returns nil if there is no entry or the entry has expired.
func (c *InMemoryRulesCache) Get(tenantID string) []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[tenantID]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}

	// Return a copy to prevent external modifications.
	rulesCopy := make([]*Rule, len(entry.rules))
	copy(rulesCopy, entry.rules)
	return rulesCopy
}

// Set stores a tenant's active rules.
func (c *InMemoryRulesCache) Set(tenantID string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[tenantID] = cacheEntry{rules: stored, cachedAt: time.Now()}
}

// Invalidate clears one tenant's entry.
func (c *InMemoryRulesCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}

// InvalidateAll clears the whole cache.
func (c *InMemoryRulesCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
