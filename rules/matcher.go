package rules

import (
	"context"
	"sort"
)

// Matcher selects the active rules that apply to an incoming event. Reads go
// through the active-rules cache; matching itself is a pure filter.
type Matcher struct {
	store RuleStore
	cache RulesCache
}

// NewMatcher creates a matcher backed by the given store and cache.
func NewMatcher(store RuleStore, cache RulesCache) *Matcher {
	return &Matcher{store: store, cache: cache}
}

// FindMatching returns the tenant's active rules whose trigger kind equals
// the given kind, ordered by priority ascending. The rule's entity-type and
// event-name filters are optional narrowing: an unset filter matches any
// value, a set filter must equal the event's value exactly.
func (m *Matcher) FindMatching(ctx context.Context, tenantID string, trigger TriggerKind, entityType, eventName string) ([]*Rule, error) {
	rules := m.cache.Get(tenantID)
	if rules == nil {
		var err error
		rules, err = m.store.ListActive(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		m.cache.Set(tenantID, rules)
	}

	var matched []*Rule
	for _, rule := range rules {
		if !rule.Active || rule.Trigger != trigger {
			continue
		}
		if rule.EntityType != "" && rule.EntityType != entityType {
			continue
		}
		if rule.EventName != "" && rule.EventName != eventName {
			continue
		}
		matched = append(matched, rule)
	}

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority < matched[j].Priority })
	return matched, nil
}

// Invalidate drops the tenant's cache entry after a rule mutation.
func (m *Matcher) Invalidate(tenantID string) {
	m.cache.Invalidate(tenantID)
}
