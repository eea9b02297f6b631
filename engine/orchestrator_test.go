package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stockflow/automation/dispatch"
	"github.com/stockflow/automation/rules"
)

type recordingNotifications struct {
	batches [][]dispatch.Notification
	panics  bool
}

func (f *recordingNotifications) InsertBatch(_ context.Context, batch []dispatch.Notification) error {
	if f.panics {
		panic("notification store corrupted")
	}
	f.batches = append(f.batches, batch)
	return nil
}

type engineFixture struct {
	engine        *Engine
	ruleStore     *rules.InMemoryRuleStore
	execStore     *rules.InMemoryExecutionStore
	notifications *recordingNotifications
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ruleStore := rules.NewInMemoryRuleStore()
	execStore := rules.NewInMemoryExecutionStore(ruleStore)
	notifications := &recordingNotifications{}
	dispatcher := dispatch.NewDispatcher(&dispatch.Services{Notification: notifications}, nil, nil)

	expressions, err := rules.NewExpressionEvaluator()
	if err != nil {
		t.Fatalf("NewExpressionEvaluator() failed: %v", err)
	}

	return &engineFixture{
		engine:        New(ruleStore, execStore, dispatcher, expressions, nil),
		ruleStore:     ruleStore,
		execStore:     execStore,
		notifications: notifications,
	}
}

func notifyRule(t *testing.T, f *engineFixture, conditions []rules.Condition) *rules.Rule {
	t.Helper()
	rule := &rules.Rule{
		TenantID:     "t",
		Name:         "notify",
		Trigger:      rules.TriggerEntityCreated,
		Action:       rules.ActionSendNotification,
		ActionConfig: json.RawMessage(`{"title":"hello","userIds":["u1"]}`),
		Active:       true,
		Conditions:   conditions,
	}
	if err := f.ruleStore.Create(context.Background(), rule); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return rule
}

// TestTriggerRuleCompleted verifies the full lifecycle of a successful run:
// running execution, dispatched action, completed status, rule counters
func TestTriggerRuleCompleted(t *testing.T) {
	f := newEngineFixture(t)
	rule := notifyRule(t, f, nil)

	exec, err := f.engine.TriggerRule(context.Background(), rule, map[string]any{"id": "e1"}, "product", "e1")
	if err != nil {
		t.Fatalf("TriggerRule() failed: %v", err)
	}

	if exec.Status != rules.ExecutionCompleted {
		t.Errorf("Status = %q, want completed (error: %s)", exec.Status, exec.Error)
	}
	if !exec.ConditionsMet {
		t.Error("empty conditions should count as met")
	}
	if exec.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
	if len(f.notifications.batches) != 1 {
		t.Errorf("dispatched %d batches, want 1", len(f.notifications.batches))
	}

	stored, err := f.execStore.Get(context.Background(), "t", exec.ID)
	if err != nil {
		t.Fatalf("execution not persisted: %v", err)
	}
	if stored.Status != rules.ExecutionCompleted {
		t.Errorf("persisted status = %q", stored.Status)
	}

	got, _ := f.ruleStore.Get(context.Background(), "t", rule.ID)
	if got.TotalExecutions != 1 || got.SuccessfulExecutions != 1 || got.FailedExecutions != 0 {
		t.Errorf("counters: total=%d success=%d failed=%d",
			got.TotalExecutions, got.SuccessfulExecutions, got.FailedExecutions)
	}
	if got.LastExecutedAt == nil {
		t.Error("LastExecutedAt not stamped")
	}
}

// TestTriggerRuleSkipped verifies unmet conditions skip the action but still
// record an execution and bump only the total counter
func TestTriggerRuleSkipped(t *testing.T) {
	f := newEngineFixture(t)
	rule := notifyRule(t, f, []rules.Condition{
		{Field: "status", Operator: rules.OpEquals, Value: "confirmed"},
	})

	exec, err := f.engine.TriggerRule(context.Background(), rule, map[string]any{"status": "draft"}, "", "")
	if err != nil {
		t.Fatalf("TriggerRule() failed: %v", err)
	}

	if exec.Status != rules.ExecutionSkipped {
		t.Errorf("Status = %q, want skipped", exec.Status)
	}
	if exec.ConditionsMet {
		t.Error("ConditionsMet should be false")
	}
	if len(f.notifications.batches) != 0 {
		t.Error("skipped rule should not dispatch")
	}

	got, _ := f.ruleStore.Get(context.Background(), "t", rule.ID)
	if got.TotalExecutions != 1 || got.SuccessfulExecutions != 0 || got.FailedExecutions != 0 {
		t.Errorf("counters: total=%d success=%d failed=%d",
			got.TotalExecutions, got.SuccessfulExecutions, got.FailedExecutions)
	}
}

// TestTriggerRuleFailed verifies an action failure lands as a failed
// execution carrying the failure message, not as an error to the caller
func TestTriggerRuleFailed(t *testing.T) {
	f := newEngineFixture(t)
	rule := &rules.Rule{
		TenantID:     "t",
		Name:         "mail",
		Trigger:      rules.TriggerEntityCreated,
		Action:       rules.ActionSendEmail,
		ActionConfig: json.RawMessage(`{"to":["x@example.com"],"subject":"s"}`),
		Active:       true,
	}
	if err := f.ruleStore.Create(context.Background(), rule); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// No email service is wired, so the action fails.
	exec, err := f.engine.TriggerRule(context.Background(), rule, nil, "", "")
	if err != nil {
		t.Fatalf("TriggerRule() returned error: %v", err)
	}
	if exec.Status != rules.ExecutionFailed {
		t.Errorf("Status = %q, want failed", exec.Status)
	}
	if exec.Error == "" {
		t.Error("failed execution should carry the failure message")
	}

	got, _ := f.ruleStore.Get(context.Background(), "t", rule.ID)
	if got.FailedExecutions != 1 {
		t.Errorf("FailedExecutions = %d, want 1", got.FailedExecutions)
	}
}

// TestTriggerRulePanicContained verifies a panicking collaborator becomes a
// failed execution instead of crashing the caller
func TestTriggerRulePanicContained(t *testing.T) {
	f := newEngineFixture(t)
	f.notifications.panics = true
	rule := notifyRule(t, f, nil)

	exec, err := f.engine.TriggerRule(context.Background(), rule, map[string]any{}, "", "")
	if err != nil {
		t.Fatalf("TriggerRule() returned error: %v", err)
	}
	if exec.Status != rules.ExecutionFailed {
		t.Errorf("Status = %q, want failed", exec.Status)
	}
	if exec.Error == "" {
		t.Error("panic should surface in the execution error")
	}
}

// TestTriggerRuleExpressionPrecedence verifies a CEL expression, when set,
// replaces the condition list
func TestTriggerRuleExpressionPrecedence(t *testing.T) {
	f := newEngineFixture(t)
	rule := notifyRule(t, f, []rules.Condition{
		// Would fail, but must be ignored in favor of the expression.
		{Field: "status", Operator: rules.OpEquals, Value: "never"},
	})
	rule.Expression = `event.total > 100.0`

	exec, err := f.engine.TriggerRule(context.Background(), rule, map[string]any{"total": 150.0}, "", "")
	if err != nil {
		t.Fatalf("TriggerRule() failed: %v", err)
	}
	if exec.Status != rules.ExecutionCompleted {
		t.Errorf("Status = %q, want completed (error: %s)", exec.Status, exec.Error)
	}
	if !exec.ConditionsMet {
		t.Error("expression should have matched")
	}
}

// TestTestRuleDryRun verifies dry runs evaluate without dispatching or
// recording an execution
func TestTestRuleDryRun(t *testing.T) {
	f := newEngineFixture(t)
	rule := notifyRule(t, f, []rules.Condition{
		{Field: "total", Operator: rules.OpGreaterThan, Value: "100"},
	})

	met, details, err := f.engine.TestRule(rule, map[string]any{"total": 250})
	if err != nil {
		t.Fatalf("TestRule() failed: %v", err)
	}
	if !met {
		t.Error("conditions should be met")
	}
	if len(details) != 1 || !details[0].Passed {
		t.Errorf("details = %+v", details)
	}
	if len(f.notifications.batches) != 0 {
		t.Error("dry run must not dispatch")
	}

	execs, total, err := f.execStore.List(context.Background(), "t", rules.ExecutionFilter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if total != 0 || len(execs) != 0 {
		t.Error("dry run must not record an execution")
	}
}
