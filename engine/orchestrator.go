package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/stockflow/automation/dispatch"
	"github.com/stockflow/automation/rules"
)

// Engine drives a rule through one execution: create the execution record,
// evaluate conditions, dispatch the action, finalize. Every execution ends
// in exactly one terminal state and the rule's counters are updated with it.
type Engine struct {
	ruleStore   rules.RuleStore
	execStore   rules.ExecutionStore
	dispatcher  *dispatch.Dispatcher
	expressions *rules.ExpressionEvaluator
	log         *slog.Logger
}

// New creates the orchestrator. The expression evaluator may be nil when no
// rule uses expression conditions.
func New(ruleStore rules.RuleStore, execStore rules.ExecutionStore, dispatcher *dispatch.Dispatcher, expressions *rules.ExpressionEvaluator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		ruleStore:   ruleStore,
		execStore:   execStore,
		dispatcher:  dispatcher,
		expressions: expressions,
		log:         log,
	}
}

// TriggerRule runs one rule against a trigger payload and returns the
// finalized execution. It is the synchronous entry point shared by the event
// publisher, the scheduler and the manual "trigger now" operation.
//
// The returned error covers only the inability to record the execution;
// action failures are reported through the execution's status, never as an
// error to the caller.
func (e *Engine) TriggerRule(ctx context.Context, rule *rules.Rule, payload map[string]any, entityType, entityID string) (*rules.Execution, error) {
	var snapshot json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err == nil {
			snapshot = encoded
		}
	}

	exec := &rules.Execution{
		TenantID:   rule.TenantID,
		RuleID:     rule.ID,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    snapshot,
		Status:     rules.ExecutionRunning,
		StartedAt:  time.Now(),
	}
	if err := e.execStore.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	e.run(ctx, rule, exec, payload)
	e.finalize(ctx, exec)
	return exec, nil
}

// run evaluates and dispatches, leaving the terminal status on exec. Panics
// anywhere inside become a Failed execution with the stack captured.
func (e *Engine) run(ctx context.Context, rule *rules.Rule, exec *rules.Execution, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			exec.Status = rules.ExecutionFailed
			exec.Error = fmt.Sprintf("unexpected error: %v", r)
			exec.StackTrace = string(debug.Stack())
		}
	}()

	met := e.conditionsMet(rule, payload)
	exec.ConditionsMet = met
	if !met {
		exec.Status = rules.ExecutionSkipped
		exec.Result = `{"reason":"conditions not met"}`
		return
	}

	res := e.dispatcher.Execute(ctx, rule, exec, payload)
	exec.CreatedEntityType = res.CreatedEntityType
	exec.CreatedEntityID = res.CreatedEntityID
	exec.Result = encodeSummary(res)

	if res.Success {
		exec.Status = rules.ExecutionCompleted
	} else {
		exec.Status = rules.ExecutionFailed
		exec.Error = res.Message
	}
}

func (e *Engine) conditionsMet(rule *rules.Rule, payload map[string]any) bool {
	if rule.Expression != "" && e.expressions != nil {
		met, err := e.expressions.Evaluate(rule.ID, rule.Expression, payload)
		if err != nil {
			e.log.Warn("rule expression evaluation failed",
				"ruleId", rule.ID, "error", err)
			return false
		}
		return met
	}
	return rules.Evaluate(rule.Conditions, payload)
}

// finalize stamps completion, persists the terminal execution and applies
// the rule counters. Persistence failures are logged, not propagated: the
// action side effect has already happened.
func (e *Engine) finalize(ctx context.Context, exec *rules.Execution) {
	now := time.Now()
	exec.CompletedAt = &now
	exec.DurationMs = now.Sub(exec.StartedAt).Milliseconds()

	if err := e.execStore.Finalize(ctx, exec); err != nil {
		e.log.Error("failed to finalize execution",
			"executionId", exec.ID, "ruleId", exec.RuleID, "error", err)
	}
	if err := e.ruleStore.ApplyExecution(ctx, exec.RuleID, exec.Status, now); err != nil {
		e.log.Error("failed to update rule counters",
			"ruleId", exec.RuleID, "error", err)
	}
}

// TestRule evaluates a rule's conditions against a sample payload without
// recording an execution or invoking the dispatcher. Returns the overall
// outcome and, for condition-list rules, the per-condition detail.
func (e *Engine) TestRule(rule *rules.Rule, payload map[string]any) (bool, []rules.ConditionResult, error) {
	if rule.Expression != "" && e.expressions != nil {
		met, err := e.expressions.Evaluate(rule.ID, rule.Expression, payload)
		if err != nil {
			return false, nil, fmt.Errorf("expression evaluation failed: %w", err)
		}
		return met, nil, nil
	}
	met, details := rules.EvaluateDetailed(rule.Conditions, payload)
	return met, details, nil
}

func encodeSummary(res dispatch.Result) string {
	summary := res.Summary
	if summary == nil {
		summary = map[string]any{}
	}
	summary["message"] = res.Message
	encoded, err := json.Marshal(summary)
	if err != nil {
		return fmt.Sprintf(`{"message":%q}`, res.Message)
	}
	const maxResult = 4096
	if len(encoded) > maxResult {
		return fmt.Sprintf(`{"message":%q,"truncated":true}`, res.Message)
	}
	return string(encoded)
}
