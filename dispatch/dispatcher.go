package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stockflow/automation/rules"
)

// Result is the outcome of dispatching one action. Summary is a compact
// description of what happened, stored on the execution record.
type Result struct {
	Success           bool
	Message           string
	CreatedEntityType string
	CreatedEntityID   string
	Summary           map[string]any
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Dispatcher routes a firing rule to the handler for its action kind.
type Dispatcher struct {
	services *Services
	http     HTTPDoer
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher. httpClient is used for webhooks; nil
// falls back to a default client (the per-call timeout still applies).
func NewDispatcher(services *Services, httpClient HTTPDoer, log *slog.Logger) *Dispatcher {
	if services == nil {
		services = &Services{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{services: services, http: httpClient, log: log}
}

// Execute runs the rule's action against the trigger payload. It never
// panics and never returns an error: every downstream failure is converted
// into an unsuccessful Result carrying the failure message.
func (d *Dispatcher) Execute(ctx context.Context, rule *rules.Rule, exec *rules.Execution, payload map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("action handler panicked",
				"ruleId", rule.ID, "action", string(rule.Action), "panic", fmt.Sprint(r))
			result = failure("action handler panicked: %v", r)
		}
	}()

	cfgAny, err := DecodeConfig(rule.Action, rule.ActionConfig)
	if err != nil {
		return failure("%s", err.Error())
	}

	if payload == nil {
		payload = map[string]any{}
	}
	data := rules.Flatten(payload)

	switch cfg := cfgAny.(type) {
	case *NotificationConfig:
		return d.sendNotification(ctx, rule, cfg, data)
	case *EmailConfig:
		return d.sendEmail(ctx, cfg, data)
	case *WebhookConfig:
		return d.sendWebhook(ctx, rule, cfg, payload, data)
	case *TaskConfig:
		return d.createTask(ctx, rule, cfg, data)
	case *StatusUpdateConfig:
		return d.updateEntityStatus(ctx, rule, exec, cfg, data)
	case *FieldUpdateConfig:
		return d.updateEntityField(ctx, rule, exec, cfg, data)
	case *AdjustmentConfig:
		return d.createAdjustment(ctx, rule, cfg, data)
	case *TransferConfig:
		return d.createTransfer(ctx, rule, cfg, data)
	case *ReportConfig:
		return d.generateReport(ctx, rule, cfg)
	case *SyncConfig:
		return d.triggerSync(ctx, rule, cfg)
	}

	return failure("unsupported action type: %s", rule.Action)
}

func (d *Dispatcher) sendNotification(ctx context.Context, rule *rules.Rule, cfg *NotificationConfig, data map[string]string) Result {
	if d.services.Notification == nil {
		return failure("notification service not configured")
	}

	recipients := cfg.UserIDs
	if d.services.Recipients != nil {
		resolved, err := d.services.Recipients.Resolve(ctx, rule.TenantID, cfg.Role, cfg.UserIDs)
		if err != nil {
			return failure("failed to resolve notification recipients: %v", err)
		}
		recipients = resolved
	}
	if len(recipients) == 0 {
		return failure("no notification recipients resolved")
	}

	title := rules.Substitute(cfg.Title, data)
	message := rules.Substitute(cfg.Message, data)
	kind := cfg.Type
	if kind == "" {
		kind = "info"
	}

	now := time.Now()
	batch := make([]Notification, 0, len(recipients))
	for _, recipient := range recipients {
		batch = append(batch, Notification{
			TenantID:    rule.TenantID,
			RecipientID: recipient,
			Type:        kind,
			Title:       title,
			Message:     message,
			CreatedAt:   now,
		})
	}

	if err := d.services.Notification.InsertBatch(ctx, batch); err != nil {
		return failure("failed to insert notifications: %v", err)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("notified %d recipients", len(batch)),
		Summary: map[string]any{"recipients": len(batch), "title": truncate(title, 200)},
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, cfg *EmailConfig, data map[string]string) Result {
	if d.services.Email == nil {
		return failure("email service not configured")
	}

	msg := EmailMessage{
		Subject: rules.Substitute(cfg.Subject, data),
		Body:    rules.Substitute(cfg.Body, data),
		IsHTML:  cfg.IsHTML,
	}
	for _, to := range cfg.To {
		msg.To = append(msg.To, rules.Substitute(to, data))
	}
	for _, cc := range cfg.Cc {
		msg.Cc = append(msg.Cc, rules.Substitute(cc, data))
	}

	res, err := d.services.Email.SendEmail(ctx, msg)
	if err != nil {
		return failure("failed to send email: %v", err)
	}
	if !res.Success {
		return failure("email delivery rejected: %s", res.ErrorMessage)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("email sent to %d recipients", len(msg.To)),
		Summary: map[string]any{"messageId": res.MessageID, "subject": truncate(msg.Subject, 200)},
	}
}

func (d *Dispatcher) updateEntityStatus(ctx context.Context, rule *rules.Rule, exec *rules.Execution, cfg *StatusUpdateConfig, data map[string]string) Result {
	if d.services.Entities == nil {
		return failure("entity writer not configured")
	}

	entityType := cfg.EntityType
	if entityType == "" {
		entityType = exec.EntityType
	}
	if entityType == "" {
		entityType = lookup(data, "entitytype")
	}
	entityID := exec.EntityID
	if entityID == "" {
		entityID = lookup(data, "entityid", "id")
	}
	if entityType == "" || entityID == "" {
		return failure("trigger payload does not identify an entity to update")
	}

	status := rules.Substitute(cfg.Status, data)
	if err := d.services.Entities.UpdateStatus(ctx, rule.TenantID, entityType, entityID, status); err != nil {
		return failure("failed to update %s %s: %v", entityType, entityID, err)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%s %s set to %s", entityType, entityID, status),
		Summary: map[string]any{"entityType": entityType, "entityId": entityID, "status": status},
	}
}

func (d *Dispatcher) updateEntityField(ctx context.Context, rule *rules.Rule, exec *rules.Execution, cfg *FieldUpdateConfig, data map[string]string) Result {
	if d.services.Entities == nil {
		return failure("entity writer not configured")
	}

	// DecodeConfig already rejected non-writable fields, but the allow-list
	// is cheap to re-check against a stale stored config.
	if !FieldWritable(cfg.EntityType, cfg.Field) {
		return failure("field %q of %q is not writable by automation", cfg.Field, cfg.EntityType)
	}

	entityID := exec.EntityID
	if entityID == "" {
		entityID = lookup(data, "entityid", "id")
	}
	if entityID == "" {
		return failure("trigger payload does not identify an entity to update")
	}

	value := rules.Substitute(cfg.Value, data)
	if err := d.services.Entities.UpdateField(ctx, rule.TenantID, cfg.EntityType, entityID, cfg.Field, value); err != nil {
		return failure("failed to update %s.%s on %s: %v", cfg.EntityType, cfg.Field, entityID, err)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%s %s field %s updated", cfg.EntityType, entityID, cfg.Field),
		Summary: map[string]any{"entityType": cfg.EntityType, "entityId": entityID, "field": cfg.Field, "value": truncate(value, 200)},
	}
}

func (d *Dispatcher) createAdjustment(ctx context.Context, rule *rules.Rule, cfg *AdjustmentConfig, data map[string]string) Result {
	if d.services.Adjustments == nil {
		return failure("adjustment service not configured")
	}

	productID := lookup(data, "productid")
	if productID == "" {
		return failure("trigger data missing productId for adjustment")
	}
	locationID := cfg.LocationID
	if locationID == "" {
		locationID = lookup(data, "locationid")
	}

	res, err := d.services.Adjustments.CreateAdjustment(ctx, rule.TenantID, automationUser, AdjustmentRequest{
		ProductID:      productID,
		LocationID:     locationID,
		QuantityChange: cfg.QuantityChange,
		Reason:         cfg.Reason,
		Notes:          rules.Substitute(cfg.Notes, data),
	})
	if err != nil {
		return failure("failed to create adjustment: %v", err)
	}
	if !res.Success {
		return failure("%s", res.Message)
	}

	return Result{
		Success:           true,
		Message:           "stock adjustment created",
		CreatedEntityType: "StockAdjustment",
		CreatedEntityID:   dataID(res),
		Summary:           map[string]any{"productId": productID, "quantityChange": cfg.QuantityChange, "reason": cfg.Reason},
	}
}

func (d *Dispatcher) createTransfer(ctx context.Context, rule *rules.Rule, cfg *TransferConfig, data map[string]string) Result {
	if d.services.Transfers == nil {
		return failure("transfer service not configured")
	}

	productID := lookup(data, "productid")
	fromLocation := lookup(data, "fromlocationid", "locationid")
	if productID == "" || fromLocation == "" {
		return failure("trigger data missing productId or source location for transfer")
	}

	quantity := cfg.Quantity
	if quantity == 0 {
		if q := lookup(data, "quantity"); q != "" {
			fmt.Sscanf(q, "%f", &quantity)
		}
	}
	if quantity <= 0 {
		return failure("transfer quantity could not be resolved")
	}

	res, err := d.services.Transfers.CreateTransfer(ctx, rule.TenantID, automationUser, TransferRequest{
		ProductID:      productID,
		FromLocationID: fromLocation,
		ToLocationID:   cfg.ToLocationID,
		Quantity:       quantity,
		Notes:          rules.Substitute(cfg.Notes, data),
	})
	if err != nil {
		return failure("failed to create transfer: %v", err)
	}
	if !res.Success {
		return failure("%s", res.Message)
	}

	return Result{
		Success:           true,
		Message:           "stock transfer created",
		CreatedEntityType: "StockTransfer",
		CreatedEntityID:   dataID(res),
		Summary:           map[string]any{"productId": productID, "from": fromLocation, "to": cfg.ToLocationID, "quantity": quantity},
	}
}

func (d *Dispatcher) triggerSync(ctx context.Context, rule *rules.Rule, cfg *SyncConfig) Result {
	if d.services.Integrations == nil {
		return failure("integration service not configured")
	}

	integration, err := d.services.Integrations.GetIntegration(ctx, rule.TenantID, cfg.IntegrationID)
	if err != nil {
		return failure("integration %s not found: %v", cfg.IntegrationID, err)
	}
	if !integration.Enabled {
		return failure("integration %s is disabled", integration.Name)
	}

	syncType := cfg.SyncType
	if syncType == "" {
		syncType = "full"
	}

	res, err := d.services.Integrations.TriggerSync(ctx, rule.TenantID, cfg.IntegrationID, syncType)
	if err != nil {
		return failure("failed to trigger sync: %v", err)
	}
	if !res.Success {
		return failure("%s", res.Message)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%s sync triggered for %s", syncType, integration.Name),
		Summary: map[string]any{"integrationId": cfg.IntegrationID, "syncType": syncType},
	}
}

// automationUser is the actor recorded on entities created by automation.
const automationUser = "automation"

// lookup returns the first non-empty value among the given flattened keys.
func lookup(data map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := data[key]; v != "" {
			return v
		}
	}
	return ""
}

func dataID(res *ServiceResult) string {
	if res.Data == nil {
		return ""
	}
	for _, key := range []string{"id", "taskId", "adjustmentId", "transferId"} {
		if v, ok := res.Data[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
