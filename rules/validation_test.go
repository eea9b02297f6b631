package rules

import (
	"strings"
	"testing"
)

func validRule() *Rule {
	return &Rule{
		TenantID: "tenant-1",
		Name:     "Low stock alert",
		Trigger:  TriggerThresholdCrossed,
		Action:   ActionSendNotification,
	}
}

func TestValidateRuleAcceptsValid(t *testing.T) {
	if err := ValidateRule(validRule()); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}
}

func TestValidateRuleRequiredFields(t *testing.T) {
	rule := validRule()
	rule.TenantID = ""
	if err := ValidateRule(rule); err == nil {
		t.Error("missing tenant should be rejected")
	}

	rule = validRule()
	rule.Name = ""
	if err := ValidateRule(rule); err == nil {
		t.Error("missing name should be rejected")
	}

	rule = validRule()
	rule.Name = strings.Repeat("x", 201)
	if err := ValidateRule(rule); err == nil {
		t.Error("overlong name should be rejected")
	}
}

func TestValidateRuleUnknownKinds(t *testing.T) {
	rule := validRule()
	rule.Trigger = "on_full_moon"
	if err := ValidateRule(rule); err == nil {
		t.Error("unknown trigger should be rejected")
	}

	rule = validRule()
	rule.Action = "launch_rocket"
	if err := ValidateRule(rule); err == nil {
		t.Error("unknown action should be rejected")
	}
}

func TestValidateRuleSchedule(t *testing.T) {
	rule := validRule()
	rule.Trigger = TriggerSchedule
	if err := ValidateRule(rule); err == nil {
		t.Error("schedule rule without cron expression should be rejected")
	}

	rule.CronExpr = "0 8 * * MON-FRI"
	if err := ValidateRule(rule); err != nil {
		t.Errorf("valid cron expression rejected: %v", err)
	}

	// Optional seconds field.
	rule.CronExpr = "30 0 8 * * *"
	if err := ValidateRule(rule); err != nil {
		t.Errorf("six-field cron expression rejected: %v", err)
	}

	rule.CronExpr = "not a cron"
	if err := ValidateRule(rule); err == nil {
		t.Error("malformed cron expression should be rejected")
	}

	rule.CronExpr = "0 8 * * *"
	rule.Timezone = "America/New_York"
	if err := ValidateRule(rule); err != nil {
		t.Errorf("valid timezone rejected: %v", err)
	}

	rule.Timezone = "Mars/Olympus"
	if err := ValidateRule(rule); err == nil {
		t.Error("unknown timezone should be rejected")
	}
}

// TestValidateRuleCronOnNonSchedule verifies a cron expression on an event
// trigger is rejected instead of silently ignored
func TestValidateRuleCronOnNonSchedule(t *testing.T) {
	rule := validRule()
	rule.CronExpr = "0 8 * * *"
	if err := ValidateRule(rule); err == nil {
		t.Error("cron expression on non-schedule rule should be rejected")
	}
}

func TestValidateRuleLimits(t *testing.T) {
	rule := validRule()
	rule.MaxPerDay = -1
	if err := ValidateRule(rule); err == nil {
		t.Error("negative max per day should be rejected")
	}

	rule = validRule()
	rule.CooldownSeconds = -1
	if err := ValidateRule(rule); err == nil {
		t.Error("negative cooldown should be rejected")
	}
}

func TestValidateRuleConditions(t *testing.T) {
	rule := validRule()
	rule.Conditions = []Condition{{Field: "", Operator: OpEquals, Value: "x"}}
	if err := ValidateRule(rule); err == nil {
		t.Error("condition without field should be rejected")
	}

	rule.Conditions = []Condition{{Field: "status", Operator: "resembles", Value: "x"}}
	if err := ValidateRule(rule); err == nil {
		t.Error("unknown operator should be rejected")
	}

	rule.Conditions = []Condition{{Field: "status", Operator: OpEquals, Value: "x", Logic: "XOR"}}
	if err := ValidateRule(rule); err == nil {
		t.Error("unknown logic connector should be rejected")
	}

	rule.Conditions = []Condition{
		{Field: "status", Operator: OpEquals, Value: "x"},
		{Field: "total", Operator: OpGreaterThan, Value: "10", Logic: LogicOr},
	}
	if err := ValidateRule(rule); err != nil {
		t.Errorf("valid conditions rejected: %v", err)
	}
}
