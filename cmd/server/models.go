package main

import (
	"encoding/json"

	"github.com/stockflow/automation/rules"
)

// API request and response models.

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Trigger         string             `json:"trigger"`
	EntityType      string             `json:"entityType"`
	EventName       string             `json:"eventName"`
	CronExpr        string             `json:"cronExpr"`
	Timezone        string             `json:"timezone"`
	Conditions      []ConditionRequest `json:"conditions"`
	Expression      string             `json:"expression"`
	Action          string             `json:"action"`
	ActionConfig    json.RawMessage    `json:"actionConfig"`
	Active          *bool              `json:"active"`
	Priority        int                `json:"priority"`
	MaxPerDay       int                `json:"maxPerDay"`
	CooldownSeconds int                `json:"cooldownSeconds"`
}

// ConditionRequest is one condition in a rule request. Conditions apply in
// the order given.
type ConditionRequest struct {
	Logic    string `json:"logic"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// PublishEventRequest is the request body for reporting a business event.
// EventType selects the trigger; the remaining fields depend on it.
type PublishEventRequest struct {
	EventType     string         `json:"eventType"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	Entity        map[string]any `json:"entity"`
	Previous      map[string]any `json:"previous"`
	OldStatus     string         `json:"oldStatus"`
	NewStatus     string         `json:"newStatus"`
	Field         string         `json:"field"`
	PreviousValue float64        `json:"previousValue"`
	NewValue      float64        `json:"newValue"`
	Threshold     float64        `json:"threshold"`
	EventName     string         `json:"eventName"`
	Data          map[string]any `json:"data"`
}

// TestRuleRequest is the request body for a dry run against a sample payload.
type TestRuleRequest struct {
	Payload map[string]any `json:"payload"`
}

// TestRuleResponse reports a dry run's outcome with per-condition detail.
type TestRuleResponse struct {
	ConditionsMet bool                    `json:"conditionsMet"`
	Results       []rules.ConditionResult `json:"results,omitempty"`
}

// recentExecutionsLimit caps the execution history attached to a rule detail.
const recentExecutionsLimit = 10

// RuleDetailResponse is a single rule with its most recent executions.
type RuleDetailResponse struct {
	Rule             *rules.Rule        `json:"rule"`
	RecentExecutions []*rules.Execution `json:"recentExecutions"`
}

// RulesListResponse is the paginated rule listing.
type RulesListResponse struct {
	Rules  []*rules.Rule `json:"rules"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ExecutionsListResponse is the paginated execution listing.
type ExecutionsListResponse struct {
	Executions []*rules.Execution `json:"executions"`
	Total      int64              `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// toRule converts a request body into a domain rule. Identity and counter
// fields are left for the store to manage.
func (req *RuleRequest) toRule(tenantID string) *rules.Rule {
	conditions := make([]rules.Condition, 0, len(req.Conditions))
	for i, c := range req.Conditions {
		conditions = append(conditions, rules.Condition{
			Sequence: i,
			Logic:    rules.LogicOp(c.Logic),
			Field:    c.Field,
			Operator: rules.Operator(c.Operator),
			Value:    c.Value,
		})
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	return &rules.Rule{
		TenantID:        tenantID,
		Name:            req.Name,
		Description:     req.Description,
		Trigger:         rules.TriggerKind(req.Trigger),
		EntityType:      req.EntityType,
		EventName:       req.EventName,
		CronExpr:        req.CronExpr,
		Timezone:        req.Timezone,
		Conditions:      conditions,
		Expression:      req.Expression,
		Action:          rules.ActionKind(req.Action),
		ActionConfig:    req.ActionConfig,
		Active:          active,
		Priority:        req.Priority,
		MaxPerDay:       req.MaxPerDay,
		CooldownSeconds: req.CooldownSeconds,
	}
}
