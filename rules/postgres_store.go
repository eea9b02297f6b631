package rules

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, tenant_id, name, description, trigger_kind, entity_type, event_name,
	cron_expr, timezone, expression, action_kind, action_config, active, priority,
	max_per_day, cooldown_seconds, total_executions, successful_executions,
	failed_executions, last_executed_at, next_scheduled_at, created_at, updated_at`

func (s *PostgresRuleStore) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	normalizeConditions(rule)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automation_rules (
			id, tenant_id, name, description, trigger_kind, entity_type, event_name,
			cron_expr, timezone, expression, action_kind, action_config, active, priority,
			max_per_day, cooldown_seconds, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, rule.ID, rule.TenantID, rule.Name, rule.Description, rule.Trigger, rule.EntityType,
		rule.EventName, rule.CronExpr, rule.Timezone, rule.Expression, rule.Action,
		nullableJSON(rule.ActionConfig), rule.Active, rule.Priority, rule.MaxPerDay,
		rule.CooldownSeconds, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := insertConditions(ctx, tx, rule); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresRuleStore) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	if err := s.attachConditions(ctx, []*Rule{rule}); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *PostgresRuleStore) List(ctx context.Context, tenantID string, filter RuleFilter) ([]*Rule, int64, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	if filter.Trigger != "" {
		args = append(args, filter.Trigger)
		where = append(where, fmt.Sprintf("trigger_kind = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		where = append(where, fmt.Sprintf("action_kind = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	whereClause := strings.Join(where, " AND ")

	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM automation_rules WHERE "+whereClause, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	query := "SELECT " + ruleColumns + " FROM automation_rules WHERE " + whereClause +
		" ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rules, err := s.queryRules(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

func (s *PostgresRuleStore) ListActive(ctx context.Context, tenantID string) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE tenant_id = $1 AND active = true
		ORDER BY priority ASC, created_at ASC
	`, tenantID)
}

func (s *PostgresRuleStore) ListScheduled(ctx context.Context) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE active = true AND trigger_kind = $1
		ORDER BY tenant_id, priority ASC
	`, TriggerSchedule)
}

func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now()
	normalizeConditions(rule)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE automation_rules
		SET name = $3, description = $4, trigger_kind = $5, entity_type = $6,
			event_name = $7, cron_expr = $8, timezone = $9, expression = $10,
			action_kind = $11, action_config = $12, active = $13, priority = $14,
			max_per_day = $15, cooldown_seconds = $16, updated_at = $17
		WHERE id = $1 AND tenant_id = $2
	`, rule.ID, rule.TenantID, rule.Name, rule.Description, rule.Trigger, rule.EntityType,
		rule.EventName, rule.CronExpr, rule.Timezone, rule.Expression, rule.Action,
		nullableJSON(rule.ActionConfig), rule.Active, rule.Priority, rule.MaxPerDay,
		rule.CooldownSeconds, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	}

	// Conditions are replaced wholesale; they have no identity of their own
	// beyond their rule.
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_conditions WHERE rule_id = $1`, rule.ID); err != nil {
		return fmt.Errorf("failed to clear conditions: %w", err)
	}
	if err := insertConditions(ctx, tx, rule); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresRuleStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_rules WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ApplyExecution bumps counters with atomic increments in a single statement
// so concurrent executions of the same rule never lose updates.
func (s *PostgresRuleStore) ApplyExecution(ctx context.Context, ruleID string, status ExecutionStatus, executedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET total_executions = total_executions + 1,
			successful_executions = successful_executions + CASE WHEN $2 = 'completed' THEN 1 ELSE 0 END,
			failed_executions = failed_executions + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
			last_executed_at = $3
		WHERE id = $1
	`, ruleID, string(status), executedAt)
	if err != nil {
		return fmt.Errorf("failed to apply execution counters: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) SetNextScheduledAt(ctx context.Context, ruleID string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules SET next_scheduled_at = $2 WHERE id = $1
	`, ruleID, nullableTime(next))
	if err != nil {
		return fmt.Errorf("failed to set next scheduled time: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) queryRules(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule rows: %w", err)
	}

	if err := s.attachConditions(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *PostgresRuleStore) attachConditions(ctx context.Context, rules []*Rule) error {
	if len(rules) == 0 {
		return nil
	}

	byID := make(map[string]*Rule, len(rules))
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
		ids = append(ids, rule.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, sequence, logic, field_path, operator, expected_value
		FROM rule_conditions
		WHERE rule_id = ANY($1::uuid[])
		ORDER BY rule_id, sequence ASC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cond Condition
		if err := rows.Scan(&cond.ID, &cond.RuleID, &cond.Sequence, &cond.Logic,
			&cond.Field, &cond.Operator, &cond.Value); err != nil {
			return fmt.Errorf("failed to scan condition: %w", err)
		}
		if rule, ok := byID[cond.RuleID]; ok {
			rule.Conditions = append(rule.Conditions, cond)
		}
	}
	return rows.Err()
}

func insertConditions(ctx context.Context, tx *sql.Tx, rule *Rule) error {
	for _, cond := range rule.Conditions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_conditions (id, rule_id, sequence, logic, field_path, operator, expected_value)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, cond.ID, rule.ID, cond.Sequence, cond.Logic, cond.Field, cond.Operator, cond.Value)
		if err != nil {
			return fmt.Errorf("failed to insert condition: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var actionConfig sql.NullString
	var lastExecutedAt, nextScheduledAt sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Description, &rule.Trigger,
		&rule.EntityType, &rule.EventName, &rule.CronExpr, &rule.Timezone,
		&rule.Expression, &rule.Action, &actionConfig, &rule.Active, &rule.Priority,
		&rule.MaxPerDay, &rule.CooldownSeconds, &rule.TotalExecutions,
		&rule.SuccessfulExecutions, &rule.FailedExecutions,
		&lastExecutedAt, &nextScheduledAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if actionConfig.Valid {
		rule.ActionConfig = []byte(actionConfig.String)
	}
	if lastExecutedAt.Valid {
		t := lastExecutedAt.Time
		rule.LastExecutedAt = &t
	}
	if nextScheduledAt.Valid {
		t := nextScheduledAt.Time
		rule.NextScheduledAt = &t
	}
	return &rule, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
