package dispatch

import (
	"context"
	"fmt"

	"github.com/stockflow/automation/rules"
)

// createTask sub-dispatches on the configured task type. Each sub-handler
// pulls the fields it needs from the flattened trigger data and resolves any
// missing context before delegating to its task-creation collaborator.
func (d *Dispatcher) createTask(ctx context.Context, rule *rules.Rule, cfg *TaskConfig, data map[string]string) Result {
	switch cfg.TaskType {
	case TaskTypePick:
		return d.createPickTask(ctx, rule, cfg, data)
	case TaskTypePutaway:
		return d.createPutawayTask(ctx, rule, cfg, data)
	case TaskTypeCycleCount:
		return d.createCycleCountTask(ctx, rule, cfg, data)
	}
	return failure("unknown task type %q", cfg.TaskType)
}

func (d *Dispatcher) createPickTask(ctx context.Context, rule *rules.Rule, cfg *TaskConfig, data map[string]string) Result {
	if d.services.PickTasks == nil {
		return failure("pick task service not configured")
	}

	orderID := lookup(data, "orderid", "salesorderid")
	productID := lookup(data, "productid")
	if orderID == "" || productID == "" {
		return failure("trigger data missing orderId or productId for pick task")
	}

	fromLocation := lookup(data, "fromlocationid", "locationid")
	if fromLocation == "" && d.services.Stock != nil {
		// Pick from wherever the most stock is available.
		best, err := d.services.Stock.BestPickLocation(ctx, rule.TenantID, productID)
		if err != nil {
			return failure("failed to resolve pick location for product %s: %v", productID, err)
		}
		fromLocation = best
	}

	res, err := d.services.PickTasks.CreateTask(ctx, rule.TenantID, TaskRequest{
		OrderID:        orderID,
		ProductID:      productID,
		FromLocationID: fromLocation,
		Priority:       cfg.Priority,
		AssignedTo:     cfg.AssignedTo,
		Notes:          rules.Substitute(cfg.Notes, data),
	})
	if err != nil {
		return failure("failed to create pick task: %v", err)
	}
	if !res.Success {
		return failure("%s", res.Message)
	}

	return taskResult("PickTask", res, map[string]any{"orderId": orderID, "productId": productID})
}

func (d *Dispatcher) createPutawayTask(ctx context.Context, rule *rules.Rule, cfg *TaskConfig, data map[string]string) Result {
	if d.services.PutawayTasks == nil {
		return failure("putaway task service not configured")
	}

	productID := lookup(data, "productid")
	fromLocation := lookup(data, "fromlocationid", "locationid", "receivinglocationid")
	if productID == "" || fromLocation == "" {
		return failure("trigger data missing productId or source location for putaway task")
	}

	res, err := d.services.PutawayTasks.CreateTask(ctx, rule.TenantID, TaskRequest{
		ProductID:      productID,
		FromLocationID: fromLocation,
		ToLocationID:   lookup(data, "tolocationid"),
		Priority:       cfg.Priority,
		AssignedTo:     cfg.AssignedTo,
		Notes:          rules.Substitute(cfg.Notes, data),
	})
	if err != nil {
		return failure("failed to create putaway task: %v", err)
	}
	if !res.Success {
		return failure("%s", res.Message)
	}

	return taskResult("PutawayTask", res, map[string]any{"productId": productID, "from": fromLocation})
}

func (d *Dispatcher) createCycleCountTask(ctx context.Context, rule *rules.Rule, cfg *TaskConfig, data map[string]string) Result {
	if d.services.CycleCountTask == nil {
		return failure("cycle count task service not configured")
	}

	warehouseID := cfg.WarehouseID
	if warehouseID == "" {
		warehouseID = lookup(data, "warehouseid")
	}
	if warehouseID == "" {
		if d.services.Warehouses == nil {
			return failure("cycle count requires a warehouse and none was configured")
		}
		first, err := d.services.Warehouses.FirstActiveWarehouse(ctx, rule.TenantID)
		if err != nil {
			return failure("failed to resolve default warehouse: %v", err)
		}
		warehouseID = first
	}

	res, err := d.services.CycleCountTask.CreateTask(ctx, rule.TenantID, TaskRequest{
		WarehouseID: warehouseID,
		ProductID:   lookup(data, "productid"),
		Priority:    cfg.Priority,
		AssignedTo:  cfg.AssignedTo,
		Notes:       rules.Substitute(cfg.Notes, data),
	})
	if err != nil {
		return failure("failed to create cycle count task: %v", err)
	}
	if !res.Success {
		return failure("%s", res.Message)
	}

	return taskResult("CycleCountTask", res, map[string]any{"warehouseId": warehouseID})
}

func taskResult(entityType string, res *ServiceResult, summary map[string]any) Result {
	id := dataID(res)
	summary["taskId"] = id
	return Result{
		Success:           true,
		Message:           fmt.Sprintf("%s created", entityType),
		CreatedEntityType: entityType,
		CreatedEntityID:   id,
		Summary:           summary,
	}
}
