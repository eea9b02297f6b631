package rules

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested rule or execution
// does not exist for the tenant.
var ErrNotFound = errors.New("not found")

// RuleStore manages rule persistence. A rule owns its conditions: stores
// persist and delete them with the rule.
type RuleStore interface {
	// Create a new rule with its conditions.
	Create(ctx context.Context, rule *Rule) error

	// Get a rule with its conditions.
	Get(ctx context.Context, tenantID, id string) (*Rule, error)

	// List rules matching the filter, newest first, plus the unpaginated total.
	List(ctx context.Context, tenantID string, filter RuleFilter) ([]*Rule, int64, error)

	// ListActive returns all active rules for a tenant.
	ListActive(ctx context.Context, tenantID string) ([]*Rule, error)

	// ListScheduled returns all active schedule-triggered rules across tenants.
	ListScheduled(ctx context.Context) ([]*Rule, error)

	// Update an existing rule, replacing its conditions.
	Update(ctx context.Context, rule *Rule) error

	// Delete a rule, its conditions and its executions.
	Delete(ctx context.Context, tenantID, id string) error

	// ApplyExecution bumps the rule's counters for one finished execution and
	// stamps last-executed-at. Increments must be atomic at the store level.
	ApplyExecution(ctx context.Context, ruleID string, status ExecutionStatus, executedAt time.Time) error

	// SetNextScheduledAt records the next cron occurrence for a schedule rule.
	SetNextScheduledAt(ctx context.Context, ruleID string, next *time.Time) error
}

// ExecutionStore manages the append-only execution log.
type ExecutionStore interface {
	// Create inserts an execution in the running state.
	Create(ctx context.Context, exec *Execution) error

	// Finalize writes an execution's terminal fields. Called exactly once.
	Finalize(ctx context.Context, exec *Execution) error

	// Get one execution.
	Get(ctx context.Context, tenantID, id string) (*Execution, error)

	// List executions matching the filter, newest first, plus the total.
	List(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, int64, error)

	// ListByRule returns a rule's most recent executions.
	ListByRule(ctx context.Context, tenantID, ruleID string, limit int) ([]*Execution, error)

	// CountSince counts a rule's executions started at or after the given time.
	CountSince(ctx context.Context, ruleID string, since time.Time) (int64, error)

	// Stats aggregates a tenant's rule and execution activity.
	Stats(ctx context.Context, tenantID string) (*Stats, error)
}
