package rules

import (
	"encoding/json"
	"time"
)

// TriggerKind is the category of event that can start a rule.
type TriggerKind string

const (
	TriggerEntityCreated    TriggerKind = "entity_created"
	TriggerEntityUpdated    TriggerKind = "entity_updated"
	TriggerEntityDeleted    TriggerKind = "entity_deleted"
	TriggerStatusChanged    TriggerKind = "status_changed"
	TriggerThresholdCrossed TriggerKind = "threshold_crossed"
	TriggerSchedule         TriggerKind = "schedule"
	TriggerWebhookReceived  TriggerKind = "webhook_received"
)

// TriggerKinds lists every valid trigger kind.
var TriggerKinds = []TriggerKind{
	TriggerEntityCreated,
	TriggerEntityUpdated,
	TriggerEntityDeleted,
	TriggerStatusChanged,
	TriggerThresholdCrossed,
	TriggerSchedule,
	TriggerWebhookReceived,
}

// ActionKind is the category of side effect a rule performs when it fires.
type ActionKind string

const (
	ActionSendNotification   ActionKind = "send_notification"
	ActionSendEmail          ActionKind = "send_email"
	ActionSendWebhook        ActionKind = "send_webhook"
	ActionCreateTask         ActionKind = "create_task"
	ActionUpdateEntityStatus ActionKind = "update_entity_status"
	ActionUpdateEntityField  ActionKind = "update_entity_field"
	ActionCreateAdjustment   ActionKind = "create_adjustment"
	ActionCreateTransfer     ActionKind = "create_transfer"
	ActionGenerateReport     ActionKind = "generate_report"
	ActionTriggerSync        ActionKind = "trigger_sync"
)

// ActionKinds lists every valid action kind.
var ActionKinds = []ActionKind{
	ActionSendNotification,
	ActionSendEmail,
	ActionSendWebhook,
	ActionCreateTask,
	ActionUpdateEntityStatus,
	ActionUpdateEntityField,
	ActionCreateAdjustment,
	ActionCreateTransfer,
	ActionGenerateReport,
	ActionTriggerSync,
}

// LogicOp chains a condition to the result of the conditions before it.
type LogicOp string

const (
	LogicAnd LogicOp = "AND"
	LogicOr  LogicOp = "OR"
)

// Operator compares a resolved payload field against a condition's expected value.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpIsNull         Operator = "is_null"
	OpIsNotNull      Operator = "is_not_null"
	OpGreaterThan    Operator = "greater_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessThan       Operator = "less_than"
	OpLessOrEqual    Operator = "less_or_equal"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
)

// Operators lists every valid comparison operator.
var Operators = []Operator{
	OpEquals, OpNotEquals,
	OpContains, OpNotContains,
	OpStartsWith, OpEndsWith,
	OpIsNull, OpIsNotNull,
	OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual,
	OpIn, OpNotIn,
}

// Condition is a single comparison against a field of the trigger payload.
// Logic connects it to the running result of the conditions before it;
// the first condition's Logic is ignored.
type Condition struct {
	ID       string   `json:"id"`
	RuleID   string   `json:"ruleId"`
	Sequence int      `json:"sequence"`
	Logic    LogicOp  `json:"logic"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Rule is a condition-triggered or time-triggered automation rule.
//
// If Trigger is TriggerSchedule, CronExpr must be set and NextScheduledAt is
// kept consistent with it. Expression is an optional CEL alternative to the
// condition list; when set it takes precedence. ActionConfig is an opaque,
// kind-specific blob decoded by the dispatcher.
type Rule struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Trigger     TriggerKind `json:"trigger"`
	EntityType  string      `json:"entityType,omitempty"` // optional narrowing filter
	EventName   string      `json:"eventName,omitempty"`  // optional narrowing filter
	CronExpr    string      `json:"cronExpr,omitempty"`
	Timezone    string      `json:"timezone,omitempty"`
	Conditions  []Condition `json:"conditions"`
	Expression  string      `json:"expression,omitempty"`

	Action       ActionKind      `json:"action"`
	ActionConfig json.RawMessage `json:"actionConfig"`

	Active   bool `json:"active"`
	Priority int  `json:"priority"` // lower runs first

	// Advisory rate limits, enforced by the publisher, not the engine.
	MaxPerDay       int `json:"maxPerDay,omitempty"`
	CooldownSeconds int `json:"cooldownSeconds,omitempty"`

	TotalExecutions      int64      `json:"totalExecutions"`
	SuccessfulExecutions int64      `json:"successfulExecutions"`
	FailedExecutions     int64      `json:"failedExecutions"`
	LastExecutedAt       *time.Time `json:"lastExecutedAt,omitempty"`
	NextScheduledAt      *time.Time `json:"nextScheduledAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExecutionStatus is the lifecycle state of one rule execution.
// Running is the only non-terminal state.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// Execution is one audited attempt to run a rule for one trigger occurrence.
// Once it reaches a terminal status it is never mutated again.
type Execution struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	RuleID   string `json:"ruleId"`

	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"` // snapshot of the trigger payload

	Status        ExecutionStatus `json:"status"`
	ConditionsMet bool            `json:"conditionsMet"`

	Result     string `json:"result,omitempty"` // compact JSON summary
	Error      string `json:"error,omitempty"`
	StackTrace string `json:"stackTrace,omitempty"`

	CreatedEntityType string `json:"createdEntityType,omitempty"`
	CreatedEntityID   string `json:"createdEntityId,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`
}

// RuleFilter narrows a rule listing.
type RuleFilter struct {
	Trigger TriggerKind
	Action  ActionKind
	Active  *bool
	Search  string // matched against name and description
	Limit   int
	Offset  int
}

// ExecutionFilter narrows an execution listing.
type ExecutionFilter struct {
	RuleID string
	Status ExecutionStatus
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// DayCount is one day of the execution trend.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD
	Count int64  `json:"count"`
}

// RuleCount ranks a rule by its execution volume.
type RuleCount struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Count    int64  `json:"count"`
}

// Stats is the aggregate view of a tenant's automation activity.
type Stats struct {
	TotalRules    int64            `json:"totalRules"`
	ActiveRules   int64            `json:"activeRules"`
	TodayByStatus map[string]int64 `json:"todayByStatus"`
	WeekTrend     []DayCount       `json:"weekTrend"`
	TopRules      []RuleCount      `json:"topRules"`
}
