package rules

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts standard 5-field expressions plus an optional leading
// seconds field. Shared by validation and the scheduler so both agree on
// what parses.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateRule checks a rule's structural invariants before it is stored.
// Action configuration is validated separately by the dispatcher's config
// decoder; CEL expressions by the expression evaluator.
func ValidateRule(rule *Rule) error {
	if rule.TenantID == "" {
		return fmt.Errorf("tenant is required")
	}
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(rule.Name) > 200 {
		return fmt.Errorf("rule name length %d exceeds maximum of 200 characters", len(rule.Name))
	}

	if !isValidTrigger(rule.Trigger) {
		return fmt.Errorf("unknown trigger kind %q", rule.Trigger)
	}
	if !isValidAction(rule.Action) {
		return fmt.Errorf("unknown action kind %q", rule.Action)
	}

	if rule.Trigger == TriggerSchedule {
		if rule.CronExpr == "" {
			return fmt.Errorf("schedule rules require a cron expression")
		}
		if _, err := CronParser.Parse(rule.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", rule.CronExpr, err)
		}
		if rule.Timezone != "" {
			if _, err := time.LoadLocation(rule.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", rule.Timezone, err)
			}
		}
	} else if rule.CronExpr != "" {
		return fmt.Errorf("cron expression is only valid for schedule rules")
	}

	if rule.MaxPerDay < 0 {
		return fmt.Errorf("max executions per day cannot be negative")
	}
	if rule.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown seconds cannot be negative")
	}

	for i, cond := range rule.Conditions {
		if cond.Field == "" {
			return fmt.Errorf("condition %d: field path is required", i)
		}
		if !isValidOperator(cond.Operator) {
			return fmt.Errorf("condition %d: unknown operator %q", i, cond.Operator)
		}
		if cond.Logic != "" && cond.Logic != LogicAnd && cond.Logic != LogicOr {
			return fmt.Errorf("condition %d: logic must be AND or OR, got %q", i, cond.Logic)
		}
	}

	return nil
}

func isValidTrigger(kind TriggerKind) bool {
	for _, t := range TriggerKinds {
		if t == kind {
			return true
		}
	}
	return false
}

func isValidAction(kind ActionKind) bool {
	for _, a := range ActionKinds {
		if a == kind {
			return true
		}
	}
	return false
}

func isValidOperator(op Operator) bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}
