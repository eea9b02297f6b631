//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stockflow/automation/rules"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container, applies the schema and returns
// a connection.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automation_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=automation_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

// createTenant helper function to create a tenant in the database
func createTenant(t *testing.T, db *sql.DB, name string) string {
	var tenantID string
	err := db.QueryRow(`
		INSERT INTO tenants (name) VALUES ($1) RETURNING id
	`, name).Scan(&tenantID)
	if err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	return tenantID
}

func sampleRule(tenantID string) *rules.Rule {
	return &rules.Rule{
		TenantID:   tenantID,
		Name:       "low-stock-alert",
		Trigger:    rules.TriggerThresholdCrossed,
		EntityType: "product",
		Conditions: []rules.Condition{
			{Field: "newValue", Operator: rules.OpLessThan, Value: "10"},
		},
		Action:       rules.ActionSendNotification,
		ActionConfig: json.RawMessage(`{"title":"Low stock","message":"{{entityId}} is low"}`),
		Active:       true,
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db)

	rule := sampleRule(tenantID)
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}
	if rule.ID == "" {
		t.Fatal("Expected Create to assign an ID")
	}

	retrieved, err := store.Get(ctx, tenantID, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "low-stock-alert" {
		t.Errorf("Expected name 'low-stock-alert', got '%s'", retrieved.Name)
	}
	if len(retrieved.Conditions) != 1 {
		t.Fatalf("Expected 1 condition, got %d", len(retrieved.Conditions))
	}
	if retrieved.Conditions[0].Field != "newValue" {
		t.Errorf("Expected condition field 'newValue', got '%s'", retrieved.Conditions[0].Field)
	}
	if retrieved.Conditions[0].RuleID != rule.ID {
		t.Errorf("Expected condition rule ID '%s', got '%s'", rule.ID, retrieved.Conditions[0].RuleID)
	}

	active, err := store.ListActive(ctx, tenantID)
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("Expected 1 active rule, got %d", len(active))
	}

	rule.Name = "low-stock-alert-v2"
	rule.Active = false
	rule.Conditions = []rules.Condition{
		{Field: "newValue", Operator: rules.OpLessThan, Value: "5"},
		{Logic: rules.LogicAnd, Field: "entity.category", Operator: rules.OpEquals, Value: "perishable"},
	}
	if err := store.Update(ctx, rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	updated, err := store.Get(ctx, tenantID, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Name != "low-stock-alert-v2" {
		t.Errorf("Expected name 'low-stock-alert-v2', got '%s'", updated.Name)
	}
	if updated.Active {
		t.Error("Expected rule to be inactive after update")
	}
	if len(updated.Conditions) != 2 {
		t.Errorf("Expected conditions to be replaced, got %d", len(updated.Conditions))
	}

	active, err = store.ListActive(ctx, tenantID)
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected 0 active rules, got %d", len(active))
	}

	if err := store.Delete(ctx, tenantID, rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	_, err = store.Get(ctx, tenantID, rule.ID)
	if !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for deleted rule, got %v", err)
	}
}

func TestPostgresRuleStore_TenantIsolation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantA := createTenant(t, db, "tenant-a")
	tenantB := createTenant(t, db, "tenant-b")
	store := rules.NewPostgresRuleStore(db)

	ruleA := sampleRule(tenantA)
	ruleA.Name = "tenant-a-rule"
	if err := store.Create(ctx, ruleA); err != nil {
		t.Fatalf("Failed to create rule for tenant A: %v", err)
	}

	ruleB := sampleRule(tenantB)
	ruleB.Name = "tenant-b-rule"
	if err := store.Create(ctx, ruleB); err != nil {
		t.Fatalf("Failed to create rule for tenant B: %v", err)
	}

	if _, err := store.Get(ctx, tenantA, ruleB.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Tenant A should not see tenant B's rule, got %v", err)
	}
	if _, err := store.Get(ctx, tenantB, ruleA.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Tenant B should not see tenant A's rule, got %v", err)
	}
	if err := store.Delete(ctx, tenantA, ruleB.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Tenant A should not delete tenant B's rule, got %v", err)
	}

	rulesA, err := store.ListActive(ctx, tenantA)
	if err != nil {
		t.Fatalf("Failed to list rules for tenant A: %v", err)
	}
	if len(rulesA) != 1 || rulesA[0].Name != "tenant-a-rule" {
		t.Errorf("Expected tenant A to see only its own rule, got %+v", rulesA)
	}

	rulesB, err := store.ListActive(ctx, tenantB)
	if err != nil {
		t.Fatalf("Failed to list rules for tenant B: %v", err)
	}
	if len(rulesB) != 1 || rulesB[0].Name != "tenant-b-rule" {
		t.Errorf("Expected tenant B to see only its own rule, got %+v", rulesB)
	}
}

func TestPostgresRuleStore_ListFilters(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db)

	alert := sampleRule(tenantID)
	alert.Name = "stock alert"
	if err := store.Create(ctx, alert); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	report := sampleRule(tenantID)
	report.Name = "nightly report"
	report.Trigger = rules.TriggerSchedule
	report.CronExpr = "0 2 * * *"
	report.Action = rules.ActionGenerateReport
	report.ActionConfig = json.RawMessage(`{"reportType":"inventory"}`)
	report.Active = false
	report.Conditions = nil
	if err := store.Create(ctx, report); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	byTrigger, total, err := store.List(ctx, tenantID, rules.RuleFilter{Trigger: rules.TriggerSchedule})
	if err != nil {
		t.Fatalf("Failed to list by trigger: %v", err)
	}
	if total != 1 || len(byTrigger) != 1 || byTrigger[0].Name != "nightly report" {
		t.Errorf("Expected trigger filter to match the scheduled rule, got total=%d rules=%+v", total, byTrigger)
	}

	activeOnly := true
	byActive, total, err := store.List(ctx, tenantID, rules.RuleFilter{Active: &activeOnly})
	if err != nil {
		t.Fatalf("Failed to list by active: %v", err)
	}
	if total != 1 || len(byActive) != 1 || byActive[0].Name != "stock alert" {
		t.Errorf("Expected active filter to match the alert rule, got total=%d rules=%+v", total, byActive)
	}

	bySearch, total, err := store.List(ctx, tenantID, rules.RuleFilter{Search: "report"})
	if err != nil {
		t.Fatalf("Failed to list by search: %v", err)
	}
	if total != 1 || len(bySearch) != 1 || bySearch[0].Name != "nightly report" {
		t.Errorf("Expected search to match by name, got total=%d rules=%+v", total, bySearch)
	}

	paged, total, err := store.List(ctx, tenantID, rules.RuleFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Failed to list with pagination: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected total 2 regardless of paging, got %d", total)
	}
	if len(paged) != 1 {
		t.Errorf("Expected 1 rule on the second page, got %d", len(paged))
	}

	scheduled, err := store.ListScheduled(ctx)
	if err != nil {
		t.Fatalf("Failed to list scheduled rules: %v", err)
	}
	// The report rule is inactive, so nothing is due for scheduling.
	if len(scheduled) != 0 {
		t.Errorf("Expected no active scheduled rules, got %d", len(scheduled))
	}
}

func TestPostgresRuleStore_ApplyExecution(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db)

	rule := sampleRule(tenantID)
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	executedAt := time.Now()
	for _, status := range []rules.ExecutionStatus{
		rules.ExecutionCompleted, rules.ExecutionCompleted,
		rules.ExecutionFailed, rules.ExecutionSkipped,
	} {
		if err := store.ApplyExecution(ctx, rule.ID, status, executedAt); err != nil {
			t.Fatalf("Failed to apply %s execution: %v", status, err)
		}
	}

	got, err := store.Get(ctx, tenantID, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.TotalExecutions != 4 {
		t.Errorf("Expected 4 total executions, got %d", got.TotalExecutions)
	}
	if got.SuccessfulExecutions != 2 {
		t.Errorf("Expected 2 successful executions, got %d", got.SuccessfulExecutions)
	}
	if got.FailedExecutions != 1 {
		t.Errorf("Expected 1 failed execution, got %d", got.FailedExecutions)
	}
	if got.LastExecutedAt == nil {
		t.Fatal("Expected last executed timestamp to be set")
	}
	if got.LastExecutedAt.Sub(executedAt).Abs() > time.Second {
		t.Errorf("Expected last executed at ~%v, got %v", executedAt, *got.LastExecutedAt)
	}
}

func TestPostgresRuleStore_SetNextScheduledAt(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db)

	rule := sampleRule(tenantID)
	rule.Trigger = rules.TriggerSchedule
	rule.CronExpr = "0 * * * *"
	rule.Conditions = nil
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	next := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := store.SetNextScheduledAt(ctx, rule.ID, &next); err != nil {
		t.Fatalf("Failed to set next scheduled time: %v", err)
	}
	got, err := store.Get(ctx, tenantID, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.NextScheduledAt == nil || !got.NextScheduledAt.Equal(next) {
		t.Errorf("Expected next scheduled at %v, got %v", next, got.NextScheduledAt)
	}

	if err := store.SetNextScheduledAt(ctx, rule.ID, nil); err != nil {
		t.Fatalf("Failed to clear next scheduled time: %v", err)
	}
	got, err = store.Get(ctx, tenantID, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.NextScheduledAt != nil {
		t.Errorf("Expected next scheduled at to be cleared, got %v", got.NextScheduledAt)
	}
}

func TestPostgresExecutionStore_Lifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	ruleStore := rules.NewPostgresRuleStore(db)
	execStore := rules.NewPostgresExecutionStore(db)

	rule := sampleRule(tenantID)
	if err := ruleStore.Create(ctx, rule); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	exec := &rules.Execution{
		TenantID:   tenantID,
		RuleID:     rule.ID,
		EntityType: "product",
		EntityID:   "prod-1",
		Payload:    json.RawMessage(`{"eventType":"threshold_crossed","newValue":3}`),
		Status:     rules.ExecutionRunning,
		StartedAt:  time.Now(),
	}
	if err := execStore.Create(ctx, exec); err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	if exec.ID == "" {
		t.Fatal("Expected Create to assign an ID")
	}

	got, err := execStore.Get(ctx, tenantID, exec.ID)
	if err != nil {
		t.Fatalf("Failed to get execution: %v", err)
	}
	if got.Status != rules.ExecutionRunning {
		t.Errorf("Expected status running, got %s", got.Status)
	}

	completedAt := time.Now()
	exec.Status = rules.ExecutionCompleted
	exec.ConditionsMet = true
	exec.Result = `{"message":"notification sent"}`
	exec.CompletedAt = &completedAt
	exec.DurationMs = 12
	if err := execStore.Finalize(ctx, exec); err != nil {
		t.Fatalf("Failed to finalize execution: %v", err)
	}

	got, err = execStore.Get(ctx, tenantID, exec.ID)
	if err != nil {
		t.Fatalf("Failed to get finalized execution: %v", err)
	}
	if got.Status != rules.ExecutionCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	if !got.ConditionsMet {
		t.Error("Expected conditions met to be recorded")
	}
	if got.CompletedAt == nil {
		t.Error("Expected completed at to be set")
	}

	// Terminal executions are immutable.
	exec.Status = rules.ExecutionFailed
	if err := execStore.Finalize(ctx, exec); err == nil {
		t.Error("Expected error when finalizing an already finalized execution, got nil")
	}

	if _, err := execStore.Get(ctx, "00000000-0000-0000-0000-000000000000", exec.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other tenant, got %v", err)
	}
}

func TestPostgresExecutionStore_ListAndCount(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	ruleStore := rules.NewPostgresRuleStore(db)
	execStore := rules.NewPostgresExecutionStore(db)

	ruleA := sampleRule(tenantID)
	if err := ruleStore.Create(ctx, ruleA); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}
	ruleB := sampleRule(tenantID)
	ruleB.Name = "other-rule"
	if err := ruleStore.Create(ctx, ruleB); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	now := time.Now()
	addExec := func(ruleID string, status rules.ExecutionStatus, startedAt time.Time) {
		t.Helper()
		exec := &rules.Execution{
			TenantID:  tenantID,
			RuleID:    ruleID,
			Status:    rules.ExecutionRunning,
			StartedAt: startedAt,
		}
		if err := execStore.Create(ctx, exec); err != nil {
			t.Fatalf("Failed to create execution: %v", err)
		}
		if status == rules.ExecutionRunning {
			return
		}
		exec.Status = status
		completedAt := startedAt.Add(time.Second)
		exec.CompletedAt = &completedAt
		if err := execStore.Finalize(ctx, exec); err != nil {
			t.Fatalf("Failed to finalize execution: %v", err)
		}
	}

	addExec(ruleA.ID, rules.ExecutionCompleted, now.Add(-3*time.Hour))
	addExec(ruleA.ID, rules.ExecutionFailed, now.Add(-2*time.Hour))
	addExec(ruleA.ID, rules.ExecutionSkipped, now.Add(-time.Minute))
	addExec(ruleB.ID, rules.ExecutionCompleted, now.Add(-time.Hour))

	all, total, err := execStore.List(ctx, tenantID, rules.ExecutionFilter{})
	if err != nil {
		t.Fatalf("Failed to list executions: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Fatalf("Expected 4 executions, got total=%d len=%d", total, len(all))
	}
	// Most recent first.
	if all[0].RuleID != ruleA.ID || all[0].Status != rules.ExecutionSkipped {
		t.Errorf("Expected newest execution first, got %+v", all[0])
	}

	byRule, total, err := execStore.List(ctx, tenantID, rules.ExecutionFilter{RuleID: ruleA.ID})
	if err != nil {
		t.Fatalf("Failed to list by rule: %v", err)
	}
	if total != 3 || len(byRule) != 3 {
		t.Errorf("Expected 3 executions for rule A, got total=%d len=%d", total, len(byRule))
	}

	failed, total, err := execStore.List(ctx, tenantID, rules.ExecutionFilter{Status: rules.ExecutionFailed})
	if err != nil {
		t.Fatalf("Failed to list by status: %v", err)
	}
	if total != 1 || len(failed) != 1 {
		t.Errorf("Expected 1 failed execution, got total=%d len=%d", total, len(failed))
	}

	from := now.Add(-90 * time.Minute)
	recent, total, err := execStore.List(ctx, tenantID, rules.ExecutionFilter{From: &from})
	if err != nil {
		t.Fatalf("Failed to list by time range: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected 2 executions in the last 90 minutes, got %d", total)
	}
	for _, exec := range recent {
		if exec.StartedAt.Before(from) {
			t.Errorf("Execution %s started before the range at %v", exec.ID, exec.StartedAt)
		}
	}

	count, err := execStore.CountSince(ctx, ruleA.ID, now.Add(-150*time.Minute))
	if err != nil {
		t.Fatalf("Failed to count executions: %v", err)
	}
	// Skipped executions count toward the daily limit too.
	if count != 2 {
		t.Errorf("Expected 2 executions of rule A since cutoff, got %d", count)
	}
}

func TestPostgresExecutionStore_Stats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tenantID := createTenant(t, db, "test-tenant")
	ruleStore := rules.NewPostgresRuleStore(db)
	execStore := rules.NewPostgresExecutionStore(db)

	active := sampleRule(tenantID)
	if err := ruleStore.Create(ctx, active); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}
	inactive := sampleRule(tenantID)
	inactive.Name = "paused-rule"
	inactive.Active = false
	if err := ruleStore.Create(ctx, inactive); err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	exec := &rules.Execution{
		TenantID:  tenantID,
		RuleID:    active.ID,
		Status:    rules.ExecutionRunning,
		StartedAt: time.Now(),
	}
	if err := execStore.Create(ctx, exec); err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	exec.Status = rules.ExecutionCompleted
	exec.ConditionsMet = true
	completedAt := time.Now()
	exec.CompletedAt = &completedAt
	if err := execStore.Finalize(ctx, exec); err != nil {
		t.Fatalf("Failed to finalize execution: %v", err)
	}

	stats, err := execStore.Stats(ctx, tenantID)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.TotalRules != 2 {
		t.Errorf("Expected 2 total rules, got %d", stats.TotalRules)
	}
	if stats.ActiveRules != 1 {
		t.Errorf("Expected 1 active rule, got %d", stats.ActiveRules)
	}
	if stats.TodayByStatus["completed"] != 1 {
		t.Errorf("Expected 1 completed execution today, got %d", stats.TodayByStatus["completed"])
	}
	if len(stats.WeekTrend) != 7 {
		t.Errorf("Expected a 7 day trend, got %d days", len(stats.WeekTrend))
	}
	if len(stats.TopRules) != 1 || stats.TopRules[0].RuleID != active.ID {
		t.Errorf("Expected the active rule to top the execution count, got %+v", stats.TopRules)
	}
}
