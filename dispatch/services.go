package dispatch

import (
	"context"
	"net/http"
	"time"
)

// ServiceResult is the common outcome shape of the warehouse collaborators.
type ServiceResult struct {
	Success bool
	Data    map[string]any
	Message string
}

// TaskRequest asks a task service to create one task.
type TaskRequest struct {
	OrderID        string
	ProductID      string
	FromLocationID string
	ToLocationID   string
	WarehouseID    string
	Priority       int
	AssignedTo     string
	Notes          string
}

// TaskService creates one kind of warehouse task (pick, putaway or cycle
// count); each kind has its own collaborator.
type TaskService interface {
	CreateTask(ctx context.Context, tenantID string, req TaskRequest) (*ServiceResult, error)
}

// AdjustmentRequest asks the adjustment service for a stock correction.
type AdjustmentRequest struct {
	ProductID      string
	LocationID     string
	QuantityChange float64
	Reason         string
	Notes          string
}

// AdjustmentService creates stock adjustments.
type AdjustmentService interface {
	CreateAdjustment(ctx context.Context, tenantID, userID string, req AdjustmentRequest) (*ServiceResult, error)
}

// TransferRequest asks the transfer service to move stock between locations.
type TransferRequest struct {
	ProductID      string
	FromLocationID string
	ToLocationID   string
	Quantity       float64
	Notes          string
}

// TransferService creates stock transfers.
type TransferService interface {
	CreateTransfer(ctx context.Context, tenantID, userID string, req TransferRequest) (*ServiceResult, error)
}

// Notification is one in-app notification record.
type Notification struct {
	TenantID    string
	RecipientID string
	Type        string
	Title       string
	Message     string
	CreatedAt   time.Time
}

// NotificationService accepts a batch insert of notification records.
type NotificationService interface {
	InsertBatch(ctx context.Context, notifications []Notification) error
}

// EmailMessage is one outbound email.
type EmailMessage struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
	IsHTML  bool
}

// EmailResult reports delivery acceptance.
type EmailResult struct {
	Success      bool
	MessageID    string
	ErrorMessage string
}

// EmailService delivers email.
type EmailService interface {
	SendEmail(ctx context.Context, msg EmailMessage) (*EmailResult, error)
}

// ReportFilter scopes a report request.
type ReportFilter struct {
	From        time.Time
	To          time.Time
	WarehouseID string
}

// ReportingService exposes the fixed set of report kinds the engine can
// generate.
type ReportingService interface {
	GetInventorySummary(ctx context.Context, tenantID string, filter ReportFilter) (*ServiceResult, error)
	GetOrderSummary(ctx context.Context, tenantID string, filter ReportFilter) (*ServiceResult, error)
	GetStockMovements(ctx context.Context, tenantID string, filter ReportFilter) (*ServiceResult, error)
	GetLowStock(ctx context.Context, tenantID string, filter ReportFilter) (*ServiceResult, error)
}

// Integration is the engine's view of a configured external integration.
type Integration struct {
	ID      string
	Name    string
	Enabled bool
}

// IntegrationService looks up integrations and starts syncs.
type IntegrationService interface {
	GetIntegration(ctx context.Context, tenantID, integrationID string) (*Integration, error)
	TriggerSync(ctx context.Context, tenantID, integrationID, syncType string) (*ServiceResult, error)
}

// EntityWriter applies the two sanctioned entity mutations. Implementations
// are expected to reject unknown entity types; field names are additionally
// gated by the dispatcher's allow-list.
type EntityWriter interface {
	UpdateStatus(ctx context.Context, tenantID, entityType, entityID, status string) error
	UpdateField(ctx context.Context, tenantID, entityType, entityID, field string, value string) error
}

// StockLocator resolves stock placement questions for task handlers.
type StockLocator interface {
	// BestPickLocation returns the location holding the greatest available
	// stock of the product.
	BestPickLocation(ctx context.Context, tenantID, productID string) (string, error)
}

// WarehouseDirectory resolves warehouse defaults.
type WarehouseDirectory interface {
	FirstActiveWarehouse(ctx context.Context, tenantID string) (string, error)
}

// RecipientResolver expands a notification config (explicit user IDs and/or
// a role) into concrete recipient IDs.
type RecipientResolver interface {
	Resolve(ctx context.Context, tenantID string, role string, userIDs []string) ([]string, error)
}

// HTTPDoer abstracts the outbound HTTP client used for webhooks.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Services bundles every collaborator the dispatcher can reach. Nil fields
// are allowed; the corresponding action fails with a "not configured"
// message instead of panicking.
type Services struct {
	PickTasks      TaskService
	PutawayTasks   TaskService
	CycleCountTask TaskService

	Adjustments  AdjustmentService
	Transfers    TransferService
	Notification NotificationService
	Email        EmailService
	Reporting    ReportingService
	Integrations IntegrationService

	Entities   EntityWriter
	Stock      StockLocator
	Warehouses WarehouseDirectory
	Recipients RecipientResolver
}
