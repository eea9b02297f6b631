package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ExpressionEvaluator evaluates the optional CEL expression form of a rule's
// conditions. Compiled programs are cached per rule and recompiled when the
// expression changes. Safe for concurrent use.
type ExpressionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]compiledExpression
}

type compiledExpression struct {
	source  string
	program cel.Program
}

// NewExpressionEvaluator builds an evaluator whose environment exposes the
// trigger event envelope as a single dynamic `event` variable.
func NewExpressionEvaluator() (*ExpressionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ExpressionEvaluator{
		env:      env,
		programs: make(map[string]compiledExpression),
	}, nil
}

// Compile validates and caches a rule's expression. Used at rule
// create/update time so malformed expressions are rejected before they are
// stored.
func (e *ExpressionEvaluator) Compile(ruleID, expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit guards against runaway expressions from rule authors.
	prog, err := e.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.programs[ruleID] = compiledExpression{source: expression, program: prog}
	e.mu.Unlock()

	return nil
}

// Evaluate runs a rule's expression against a trigger payload, compiling on
// first use. Non-boolean results and evaluation errors count as false.
func (e *ExpressionEvaluator) Evaluate(ruleID, expression string, payload map[string]any) (bool, error) {
	e.mu.RLock()
	cached, ok := e.programs[ruleID]
	e.mu.RUnlock()

	if !ok || cached.source != expression {
		if err := e.Compile(ruleID, expression); err != nil {
			return false, err
		}
		e.mu.RLock()
		cached = e.programs[ruleID]
		e.mu.RUnlock()
	}

	if payload == nil {
		payload = map[string]any{}
	}

	out, _, err := cached.program.Eval(map[string]any{"event": payload})
	if err != nil {
		return false, err
	}

	matched, _ := out.Value().(bool)
	return matched, nil
}

// Remove drops a rule's compiled program, called when the rule is deleted.
func (e *ExpressionEvaluator) Remove(ruleID string) {
	e.mu.Lock()
	delete(e.programs, ruleID)
	e.mu.Unlock()
}
