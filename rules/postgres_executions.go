package rules

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostgresExecutionStore implements ExecutionStore backed by PostgreSQL.
// The execution log is append-only: rows are inserted running and finalized
// exactly once.
type PostgresExecutionStore struct {
	db *sql.DB
}

// NewPostgresExecutionStore creates a PostgreSQL-backed ExecutionStore.
func NewPostgresExecutionStore(db *sql.DB) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

const executionColumns = `id, tenant_id, rule_id, entity_type, entity_id, payload, status,
	conditions_met, result, error, stack_trace, created_entity_type, created_entity_id,
	started_at, completed_at, duration_ms`

func (s *PostgresExecutionStore) Create(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_executions (
			id, tenant_id, rule_id, entity_type, entity_id, payload, status,
			conditions_met, started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
	`, exec.ID, exec.TenantID, exec.RuleID, exec.EntityType, exec.EntityID,
		nullableJSON(exec.Payload), exec.Status, exec.ConditionsMet, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *PostgresExecutionStore) Finalize(ctx context.Context, exec *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rule_executions
		SET status = $2, conditions_met = $3, result = $4, error = $5, stack_trace = $6,
			created_entity_type = $7, created_entity_id = $8, completed_at = $9, duration_ms = $10
		WHERE id = $1 AND status = 'running'
	`, exec.ID, exec.Status, exec.ConditionsMet, exec.Result, exec.Error, exec.StackTrace,
		exec.CreatedEntityType, exec.CreatedEntityID, nullableTime(exec.CompletedAt), exec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not found or already finalized", exec.ID)
	}
	return nil
}

func (s *PostgresExecutionStore) Get(ctx context.Context, tenantID, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM rule_executions
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

func (s *PostgresExecutionStore) List(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, int64, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	if filter.RuleID != "" {
		args = append(args, filter.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("started_at <= $%d", len(args)))
	}

	whereClause := strings.Join(where, " AND ")

	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rule_executions WHERE "+whereClause, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := "SELECT " + executionColumns + " FROM rule_executions WHERE " + whereClause +
		" ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, total, rows.Err()
}

func (s *PostgresExecutionStore) ListByRule(ctx context.Context, tenantID, ruleID string, limit int) ([]*Execution, error) {
	execs, _, err := s.List(ctx, tenantID, ExecutionFilter{RuleID: ruleID, Limit: limit})
	return execs, err
}

func (s *PostgresExecutionStore) CountSince(ctx context.Context, ruleID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rule_executions WHERE rule_id = $1 AND started_at >= $2
	`, ruleID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

func (s *PostgresExecutionStore) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	stats := &Stats{TodayByStatus: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE active)
		FROM automation_rules
		WHERE tenant_id = $1
	`, tenantID).Scan(&stats.TotalRules, &stats.ActiveRules)
	if err != nil {
		return nil, fmt.Errorf("failed to count rules: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM rule_executions
		WHERE tenant_id = $1 AND started_at >= date_trunc('day', now())
		GROUP BY status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query today's executions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.TodayByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trendRows, err := s.db.QueryContext(ctx, `
		SELECT d::date, COALESCE(e.count, 0)
		FROM generate_series(date_trunc('day', now()) - interval '6 days', date_trunc('day', now()), interval '1 day') AS d
		LEFT JOIN (
			SELECT date_trunc('day', started_at) AS day, COUNT(*) AS count
			FROM rule_executions
			WHERE tenant_id = $1 AND started_at >= date_trunc('day', now()) - interval '6 days'
			GROUP BY 1
		) e ON e.day = d
		ORDER BY d
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution trend: %w", err)
	}
	defer trendRows.Close()
	for trendRows.Next() {
		var day time.Time
		var count int64
		if err := trendRows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("failed to scan trend row: %w", err)
		}
		stats.WeekTrend = append(stats.WeekTrend, DayCount{Day: day.Format("2006-01-02"), Count: count})
	}
	if err := trendRows.Err(); err != nil {
		return nil, err
	}

	topRows, err := s.db.QueryContext(ctx, `
		SELECT e.rule_id, COALESCE(r.name, ''), COUNT(*)
		FROM rule_executions e
		LEFT JOIN automation_rules r ON r.id = e.rule_id
		WHERE e.tenant_id = $1
		GROUP BY e.rule_id, r.name
		ORDER BY COUNT(*) DESC
		LIMIT 5
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query top rules: %w", err)
	}
	defer topRows.Close()
	for topRows.Next() {
		var rc RuleCount
		if err := topRows.Scan(&rc.RuleID, &rc.RuleName, &rc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top rule: %w", err)
		}
		stats.TopRules = append(stats.TopRules, rc)
	}

	return stats, topRows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var payload, result, errMsg, stack, createdType, createdID sql.NullString
	var entityType, entityID sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&exec.ID, &exec.TenantID, &exec.RuleID, &entityType, &entityID, &payload,
		&exec.Status, &exec.ConditionsMet, &result, &errMsg, &stack,
		&createdType, &createdID, &exec.StartedAt, &completedAt, &exec.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	exec.EntityType = entityType.String
	exec.EntityID = entityID.String
	if payload.Valid {
		exec.Payload = []byte(payload.String)
	}
	exec.Result = result.String
	exec.Error = errMsg.String
	exec.StackTrace = stack.String
	exec.CreatedEntityType = createdType.String
	exec.CreatedEntityID = createdID.String
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}
