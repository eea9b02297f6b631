package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stockflow/automation/rules"
)

// Publisher is the fire-and-forget bridge between business operations and
// the rule engine. Callers report what happened; the publisher finds the
// matching rules and runs them. It never returns an error and never panics
// out into the calling operation, so a broken rule cannot break a sale.
type Publisher struct {
	engine  *Engine
	matcher *rules.Matcher
	execs   rules.ExecutionStore
	log     *slog.Logger
	now     func() time.Time
}

func NewPublisher(engine *Engine, matcher *rules.Matcher, execs rules.ExecutionStore, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		engine:  engine,
		matcher: matcher,
		execs:   execs,
		log:     log,
		now:     time.Now,
	}
}

// PublishEntityCreated reports a newly created entity. The entity's fields
// are merged into the event payload so conditions can reference them by
// name directly as well as under "entity.".
func (p *Publisher) PublishEntityCreated(ctx context.Context, tenantID, entityType string, entity any) {
	m := entityToMap(entity)
	payload := basePayload("created", entityType, extractID(m))
	payload["entity"] = m
	mergeFields(payload, m)
	p.publish(ctx, tenantID, rules.TriggerEntityCreated, entityType, "", payload)
}

// PublishEntityUpdated reports an updated entity along with its previous
// state for conditions that compare before and after.
func (p *Publisher) PublishEntityUpdated(ctx context.Context, tenantID, entityType string, entity, previous any) {
	m := entityToMap(entity)
	payload := basePayload("updated", entityType, extractID(m))
	payload["entity"] = m
	payload["previous"] = entityToMap(previous)
	mergeFields(payload, m)
	p.publish(ctx, tenantID, rules.TriggerEntityUpdated, entityType, "", payload)
}

// PublishEntityDeleted reports a deletion. Only the identifier survives the
// delete, so the payload carries no entity body.
func (p *Publisher) PublishEntityDeleted(ctx context.Context, tenantID, entityType, entityID string) {
	payload := basePayload("deleted", entityType, entityID)
	p.publish(ctx, tenantID, rules.TriggerEntityDeleted, entityType, "", payload)
}

// PublishStatusChanged reports a status transition. Conditions typically
// match on "newStatus"; the old value is available as "oldStatus".
func (p *Publisher) PublishStatusChanged(ctx context.Context, tenantID, entityType string, entity any, oldStatus, newStatus string) {
	m := entityToMap(entity)
	payload := basePayload("status_changed", entityType, extractID(m))
	payload["entity"] = m
	payload["oldStatus"] = oldStatus
	payload["newStatus"] = newStatus
	mergeFields(payload, m)
	p.publish(ctx, tenantID, rules.TriggerStatusChanged, entityType, "", payload)
}

// PublishThresholdCrossed reports a numeric field crossing a configured
// threshold, such as stock dropping below a reorder point.
func (p *Publisher) PublishThresholdCrossed(ctx context.Context, tenantID, entityType, entityID, field string, previousValue, newValue, threshold float64) {
	payload := basePayload("threshold_crossed", entityType, entityID)
	payload["field"] = field
	payload["previousValue"] = previousValue
	payload["newValue"] = newValue
	payload["threshold"] = threshold
	p.publish(ctx, tenantID, rules.TriggerThresholdCrossed, entityType, "", payload)
}

// PublishCustomEvent reports a named application event, matched by rules
// with the webhook_received trigger and the given event name.
func (p *Publisher) PublishCustomEvent(ctx context.Context, tenantID, eventName string, data map[string]any) {
	payload := basePayload(eventName, "", "")
	for k, v := range data {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	payload["data"] = data
	p.publish(ctx, tenantID, rules.TriggerWebhookReceived, "", eventName, payload)
}

// publish matches and runs rules for one event. Matching failures and rule
// failures are logged and swallowed; a panic in any rule is contained to
// that rule.
func (p *Publisher) publish(ctx context.Context, tenantID string, trigger rules.TriggerKind, entityType, eventName string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("event publish panicked",
				"tenantId", tenantID, "trigger", string(trigger), "panic", fmt.Sprintf("%v", r))
		}
	}()

	matched, err := p.matcher.FindMatching(ctx, tenantID, trigger, entityType, eventName)
	if err != nil {
		p.log.Error("rule matching failed",
			"tenantId", tenantID, "trigger", string(trigger), "error", err)
		return
	}

	entityID, _ := payload["entityId"].(string)
	for _, rule := range matched {
		if reason := p.throttled(ctx, rule); reason != "" {
			p.log.Debug("rule throttled", "ruleId", rule.ID, "reason", reason)
			continue
		}
		if _, err := p.engine.TriggerRule(ctx, rule, payload, entityType, entityID); err != nil {
			p.log.Error("rule trigger failed",
				"ruleId", rule.ID, "trigger", string(trigger), "error", err)
		}
	}
}

// throttled reports whether a rule's cooldown or daily cap blocks this run.
// Returns an empty string when the rule may fire. Manual triggers do not go
// through here and always run.
func (p *Publisher) throttled(ctx context.Context, rule *rules.Rule) string {
	now := p.now()
	if rule.CooldownSeconds > 0 && rule.LastExecutedAt != nil {
		elapsed := now.Sub(*rule.LastExecutedAt)
		if elapsed < time.Duration(rule.CooldownSeconds)*time.Second {
			return fmt.Sprintf("cooldown, %s remaining", time.Duration(rule.CooldownSeconds)*time.Second-elapsed)
		}
	}
	if rule.MaxPerDay > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		count, err := p.execs.CountSince(ctx, rule.ID, dayStart)
		if err != nil {
			p.log.Warn("daily execution count failed", "ruleId", rule.ID, "error", err)
			return ""
		}
		if count >= int64(rule.MaxPerDay) {
			return fmt.Sprintf("daily limit of %d reached", rule.MaxPerDay)
		}
	}
	return ""
}

func basePayload(eventType, entityType, entityID string) map[string]any {
	payload := map[string]any{
		"eventType": eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if entityType != "" {
		payload["entityType"] = entityType
	}
	if entityID != "" {
		payload["entityId"] = entityID
	}
	return payload
}

// entityToMap converts any entity to a field map by round-tripping through
// JSON, so struct tags decide the field names conditions match against.
func entityToMap(entity any) map[string]any {
	if entity == nil {
		return map[string]any{}
	}
	if m, ok := entity.(map[string]any); ok {
		return m
	}
	encoded, err := json.Marshal(entity)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(encoded, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func extractID(m map[string]any) string {
	for k, v := range m {
		if strings.EqualFold(k, "id") {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// mergeFields lifts entity fields to the payload top level without
// clobbering the envelope keys.
func mergeFields(payload, entity map[string]any) {
	for k, v := range entity {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
}
