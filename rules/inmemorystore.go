package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRuleStore implements RuleStore using maps. Thread-safe with an
// RWMutex; used by tests and embedded deployments.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[string]*Rule)}
}

func (s *InMemoryRuleStore) Create(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	normalizeConditions(rule)
	s.rules[rule.ID] = copyRule(rule)
	return nil
}

func (s *InMemoryRuleStore) Get(_ context.Context, tenantID, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists || rule.TenantID != tenantID {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return copyRule(rule), nil
}

func (s *InMemoryRuleStore) List(_ context.Context, tenantID string, filter RuleFilter) ([]*Rule, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Rule
	for _, rule := range s.rules {
		if rule.TenantID != tenantID {
			continue
		}
		if filter.Trigger != "" && rule.Trigger != filter.Trigger {
			continue
		}
		if filter.Action != "" && rule.Action != filter.Action {
			continue
		}
		if filter.Active != nil && rule.Active != *filter.Active {
			continue
		}
		if filter.Search != "" {
			needle := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(rule.Name), needle) &&
				!strings.Contains(strings.ToLower(rule.Description), needle) {
				continue
			}
		}
		matched = append(matched, copyRule(rule))
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	matched = paginate(matched, filter.Offset, filter.Limit)
	return matched, total, nil
}

func (s *InMemoryRuleStore) ListActive(_ context.Context, tenantID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Rule
	for _, rule := range s.rules {
		if rule.TenantID == tenantID && rule.Active {
			active = append(active, copyRule(rule))
		}
	}
	return active, nil
}

func (s *InMemoryRuleStore) ListScheduled(_ context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scheduled []*Rule
	for _, rule := range s.rules {
		if rule.Active && rule.Trigger == TriggerSchedule {
			scheduled = append(scheduled, copyRule(rule))
		}
	}
	return scheduled, nil
}

func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists || existing.TenantID != rule.TenantID {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	}

	// Counters and audit fields are owned by the engine, not by rule edits.
	rule.CreatedAt = existing.CreatedAt
	rule.TotalExecutions = existing.TotalExecutions
	rule.SuccessfulExecutions = existing.SuccessfulExecutions
	rule.FailedExecutions = existing.FailedExecutions
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.UpdatedAt = time.Now()
	normalizeConditions(rule)
	s.rules[rule.ID] = copyRule(rule)
	return nil
}

func (s *InMemoryRuleStore) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists || rule.TenantID != tenantID {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(s.rules, id)
	return nil
}

func (s *InMemoryRuleStore) ApplyExecution(_ context.Context, ruleID string, status ExecutionStatus, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}

	rule.TotalExecutions++
	switch status {
	case ExecutionCompleted:
		rule.SuccessfulExecutions++
	case ExecutionFailed:
		rule.FailedExecutions++
	}
	t := executedAt
	rule.LastExecutedAt = &t
	return nil
}

func (s *InMemoryRuleStore) SetNextScheduledAt(_ context.Context, ruleID string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	rule.NextScheduledAt = next
	return nil
}

func normalizeConditions(rule *Rule) {
	for i := range rule.Conditions {
		if rule.Conditions[i].ID == "" {
			rule.Conditions[i].ID = uuid.New().String()
		}
		rule.Conditions[i].RuleID = rule.ID
		if rule.Conditions[i].Logic == "" {
			rule.Conditions[i].Logic = LogicAnd
		}
	}
}

func copyRule(rule *Rule) *Rule {
	c := *rule
	c.Conditions = make([]Condition, len(rule.Conditions))
	copy(c.Conditions, rule.Conditions)
	if rule.LastExecutedAt != nil {
		t := *rule.LastExecutedAt
		c.LastExecutedAt = &t
	}
	if rule.NextScheduledAt != nil {
		t := *rule.NextScheduledAt
		c.NextScheduledAt = &t
	}
	return &c
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// InMemoryExecutionStore implements ExecutionStore using a slice guarded by
// an RWMutex. Append-only: Finalize only fills terminal fields.
type InMemoryExecutionStore struct {
	executions map[string]*Execution
	rules      *InMemoryRuleStore // for stats; may be nil
	mu         sync.RWMutex
}

// NewInMemoryExecutionStore creates an empty in-memory execution store.
// The rule store is only consulted for aggregate stats.
func NewInMemoryExecutionStore(rules *InMemoryRuleStore) *InMemoryExecutionStore {
	return &InMemoryExecutionStore{
		executions: make(map[string]*Execution),
		rules:      rules,
	}
}

func (s *InMemoryExecutionStore) Create(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution with ID %s already exists", exec.ID)
	}
	c := *exec
	s.executions[exec.ID] = &c
	return nil
}

func (s *InMemoryExecutionStore) Finalize(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.executions[exec.ID]
	if !exists {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
	}
	if stored.Status != ExecutionRunning {
		return fmt.Errorf("execution %s is already finalized", exec.ID)
	}
	c := *exec
	s.executions[exec.ID] = &c
	return nil
}

func (s *InMemoryExecutionStore) Get(_ context.Context, tenantID, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists || exec.TenantID != tenantID {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	c := *exec
	return &c, nil
}

func (s *InMemoryExecutionStore) List(_ context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Execution
	for _, exec := range s.executions {
		if exec.TenantID != tenantID {
			continue
		}
		if filter.RuleID != "" && exec.RuleID != filter.RuleID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.From != nil && exec.StartedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && exec.StartedAt.After(*filter.To) {
			continue
		}
		c := *exec
		matched = append(matched, &c)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })

	total := int64(len(matched))
	matched = paginate(matched, filter.Offset, filter.Limit)
	return matched, total, nil
}

func (s *InMemoryExecutionStore) ListByRule(ctx context.Context, tenantID, ruleID string, limit int) ([]*Execution, error) {
	execs, _, err := s.List(ctx, tenantID, ExecutionFilter{RuleID: ruleID, Limit: limit})
	return execs, err
}

func (s *InMemoryExecutionStore) CountSince(_ context.Context, ruleID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, exec := range s.executions {
		if exec.RuleID == ruleID && !exec.StartedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryExecutionStore) Stats(_ context.Context, tenantID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{TodayByStatus: make(map[string]int64)}

	ruleNames := make(map[string]string)
	if s.rules != nil {
		s.rules.mu.RLock()
		for _, rule := range s.rules.rules {
			if rule.TenantID != tenantID {
				continue
			}
			stats.TotalRules++
			if rule.Active {
				stats.ActiveRules++
			}
			ruleNames[rule.ID] = rule.Name
		}
		s.rules.mu.RUnlock()
	}

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := startOfDay.AddDate(0, 0, -6)

	trend := make(map[string]int64)
	perRule := make(map[string]int64)
	for _, exec := range s.executions {
		if exec.TenantID != tenantID {
			continue
		}
		perRule[exec.RuleID]++
		if !exec.StartedAt.Before(startOfDay) {
			stats.TodayByStatus[string(exec.Status)]++
		}
		if !exec.StartedAt.Before(weekAgo) {
			trend[exec.StartedAt.Format("2006-01-02")]++
		}
	}

	for i := 0; i < 7; i++ {
		day := weekAgo.AddDate(0, 0, i).Format("2006-01-02")
		stats.WeekTrend = append(stats.WeekTrend, DayCount{Day: day, Count: trend[day]})
	}

	for ruleID, count := range perRule {
		stats.TopRules = append(stats.TopRules, RuleCount{RuleID: ruleID, RuleName: ruleNames[ruleID], Count: count})
	}
	sort.Slice(stats.TopRules, func(i, j int) bool {
		if stats.TopRules[i].Count != stats.TopRules[j].Count {
			return stats.TopRules[i].Count > stats.TopRules[j].Count
		}
		return stats.TopRules[i].RuleID < stats.TopRules[j].RuleID
	})
	if len(stats.TopRules) > 5 {
		stats.TopRules = stats.TopRules[:5]
	}

	return stats, nil
}
