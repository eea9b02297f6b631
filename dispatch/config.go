package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stockflow/automation/rules"
)

// Per-kind action configuration. Each action kind decodes the rule's opaque
// config blob into its own struct; there is no shared bag of optional
// fields.

// NotificationConfig configures send_notification.
type NotificationConfig struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Type    string   `json:"type,omitempty"` // info, warning, alert
	Role    string   `json:"role,omitempty"`
	UserIDs []string `json:"userIds,omitempty"`
}

// EmailConfig configures send_email.
type EmailConfig struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	IsHTML  bool     `json:"isHtml,omitempty"`
}

// WebhookAuth selects one of the supported webhook auth schemes.
type WebhookAuth struct {
	Type     string `json:"type"` // bearer, basic, api_key
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Header   string `json:"header,omitempty"` // api_key header name
	Key      string `json:"key,omitempty"`    // api_key value
}

// WebhookConfig configures send_webhook.
type WebhookConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method,omitempty"` // default POST
	Headers         map[string]string `json:"headers,omitempty"`
	Auth            *WebhookAuth      `json:"auth,omitempty"`
	TimeoutSeconds  int               `json:"timeoutSeconds,omitempty"` // default 30
	PayloadTemplate string            `json:"payloadTemplate,omitempty"`
}

// TaskConfig configures create_task; TaskType selects the sub-handler.
type TaskConfig struct {
	TaskType    string `json:"taskType"` // pick, putaway, cycle_count
	WarehouseID string `json:"warehouseId,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	AssignedTo  string `json:"assignedTo,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// StatusUpdateConfig configures update_entity_status.
type StatusUpdateConfig struct {
	EntityType string `json:"entityType,omitempty"` // falls back to the trigger's entity type
	Status     string `json:"status"`
}

// FieldUpdateConfig configures update_entity_field.
type FieldUpdateConfig struct {
	EntityType string `json:"entityType"`
	Field      string `json:"field"`
	Value      string `json:"value"`
}

// AdjustmentConfig configures create_adjustment.
type AdjustmentConfig struct {
	Reason         string  `json:"reason"`
	QuantityChange float64 `json:"quantityChange"`
	LocationID     string  `json:"locationId,omitempty"`
	Notes          string  `json:"notes,omitempty"`
}

// TransferConfig configures create_transfer.
type TransferConfig struct {
	ToLocationID string  `json:"toLocationId"`
	Quantity     float64 `json:"quantity,omitempty"`
	Notes        string  `json:"notes,omitempty"`
}

// ReportConfig configures generate_report.
type ReportConfig struct {
	ReportType  string   `json:"reportType"` // inventory_summary, order_summary, stock_movements, low_stock
	Days        int      `json:"days,omitempty"` // default 30
	WarehouseID string   `json:"warehouseId,omitempty"`
	EmailTo     []string `json:"emailTo,omitempty"`
}

// SyncConfig configures trigger_sync.
type SyncConfig struct {
	IntegrationID string `json:"integrationId"`
	SyncType      string `json:"syncType,omitempty"`
}

// TaskTypes lists the create_task sub-kinds.
const (
	TaskTypePick       = "pick"
	TaskTypePutaway    = "putaway"
	TaskTypeCycleCount = "cycle_count"
)

// ReportTypes lists the generate_report kinds.
const (
	ReportInventorySummary = "inventory_summary"
	ReportOrderSummary     = "order_summary"
	ReportStockMovements   = "stock_movements"
	ReportLowStock         = "low_stock"
)

// writableFields is the closed allow-list for update_entity_field. Keys are
// lowercase. Automation may only touch annotation-grade fields; anything
// else is rejected at validation time, not execution time.
var writableFields = map[string]map[string]bool{
	"salesorder":    {"priority": true, "notes": true, "tags": true},
	"purchaseorder": {"priority": true, "notes": true, "tags": true},
	"product":       {"notes": true, "tags": true},
	"task":          {"priority": true, "notes": true},
}

// FieldWritable reports whether automation is allowed to write the given
// field of the given entity type.
func FieldWritable(entityType, field string) bool {
	return writableFields[strings.ToLower(entityType)][strings.ToLower(field)]
}

// DecodeConfig decodes a rule's action config blob into the struct for its
// action kind and checks required fields. It is used both when a rule is
// saved and when it executes, so a rule that stored cleanly cannot fail
// decoding later for a different reason.
func DecodeConfig(kind rules.ActionKind, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch kind {
	case rules.ActionSendNotification:
		var cfg NotificationConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if cfg.Title == "" && cfg.Message == "" {
			return nil, fmt.Errorf("send_notification config requires a title or message")
		}
		return &cfg, nil

	case rules.ActionSendEmail:
		var cfg EmailConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if len(cfg.To) == 0 {
			return nil, fmt.Errorf("send_email config requires at least one recipient")
		}
		if cfg.Subject == "" {
			return nil, fmt.Errorf("send_email config requires a subject")
		}
		return &cfg, nil

	case rules.ActionSendWebhook:
		var cfg WebhookConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("send_webhook config requires a url")
		}
		if cfg.Auth != nil {
			switch cfg.Auth.Type {
			case "bearer":
				if cfg.Auth.Token == "" {
					return nil, fmt.Errorf("bearer auth requires a token")
				}
			case "basic":
				if cfg.Auth.Username == "" {
					return nil, fmt.Errorf("basic auth requires a username")
				}
			case "api_key":
				if cfg.Auth.Header == "" || cfg.Auth.Key == "" {
					return nil, fmt.Errorf("api_key auth requires a header name and key")
				}
			default:
				return nil, fmt.Errorf("unknown webhook auth type %q", cfg.Auth.Type)
			}
		}
		return &cfg, nil

	case rules.ActionCreateTask:
		var cfg TaskConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		switch cfg.TaskType {
		case TaskTypePick, TaskTypePutaway, TaskTypeCycleCount:
		default:
			return nil, fmt.Errorf("unknown task type %q", cfg.TaskType)
		}
		return &cfg, nil

	case rules.ActionUpdateEntityStatus:
		var cfg StatusUpdateConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if cfg.Status == "" {
			return nil, fmt.Errorf("update_entity_status config requires a status")
		}
		return &cfg, nil

	case rules.ActionUpdateEntityField:
		var cfg FieldUpdateConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if cfg.EntityType == "" || cfg.Field == "" {
			return nil, fmt.Errorf("update_entity_field config requires an entity type and field")
		}
		if !FieldWritable(cfg.EntityType, cfg.Field) {
			return nil, fmt.Errorf("field %q of %q is not writable by automation", cfg.Field, cfg.EntityType)
		}
		return &cfg, nil

	case rules.ActionCreateAdjustment:
		var cfg AdjustmentConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if cfg.Reason == "" {
			return nil, fmt.Errorf("create_adjustment config requires a reason")
		}
		if cfg.QuantityChange == 0 {
			return nil, fmt.Errorf("create_adjustment config requires a non-zero quantity change")
		}
		return &cfg, nil

	case rules.ActionCreateTransfer:
		var cfg TransferConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if cfg.ToLocationID == "" {
			return nil, fmt.Errorf("create_transfer config requires a destination location")
		}
		return &cfg, nil

	case rules.ActionGenerateReport:
		var cfg ReportConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		switch cfg.ReportType {
		case ReportInventorySummary, ReportOrderSummary, ReportStockMovements, ReportLowStock:
		default:
			return nil, fmt.Errorf("unknown report type %q", cfg.ReportType)
		}
		return &cfg, nil

	case rules.ActionTriggerSync:
		var cfg SyncConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, decodeErr(kind, err)
		}
		if cfg.IntegrationID == "" {
			return nil, fmt.Errorf("trigger_sync config requires an integration id")
		}
		return &cfg, nil
	}

	return nil, fmt.Errorf("unsupported action type: %s", kind)
}

// ValidateConfig checks an action config blob without keeping the decoded
// value; used by rule create/update validation.
func ValidateConfig(kind rules.ActionKind, raw json.RawMessage) error {
	_, err := DecodeConfig(kind, raw)
	return err
}

func decodeErr(kind rules.ActionKind, err error) error {
	return fmt.Errorf("invalid %s configuration: %w", kind, err)
}
