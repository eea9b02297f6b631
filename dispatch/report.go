package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stockflow/automation/rules"
)

const (
	defaultReportDays  = 30
	maxEmailedReport   = 16 * 1024
	maxStoredReportLen = 2048
)

func (d *Dispatcher) generateReport(ctx context.Context, rule *rules.Rule, cfg *ReportConfig) Result {
	if d.services.Reporting == nil {
		return failure("reporting service not configured")
	}

	days := cfg.Days
	if days <= 0 {
		days = defaultReportDays
	}
	now := time.Now()
	filter := ReportFilter{
		From:        now.AddDate(0, 0, -days),
		To:          now,
		WarehouseID: cfg.WarehouseID,
	}

	var res *ServiceResult
	var err error
	switch cfg.ReportType {
	case ReportInventorySummary:
		res, err = d.services.Reporting.GetInventorySummary(ctx, rule.TenantID, filter)
	case ReportOrderSummary:
		res, err = d.services.Reporting.GetOrderSummary(ctx, rule.TenantID, filter)
	case ReportStockMovements:
		res, err = d.services.Reporting.GetStockMovements(ctx, rule.TenantID, filter)
	case ReportLowStock:
		res, err = d.services.Reporting.GetLowStock(ctx, rule.TenantID, filter)
	default:
		return failure("unknown report type %q", cfg.ReportType)
	}
	if err != nil {
		return failure("failed to generate %s report: %v", cfg.ReportType, err)
	}
	if !res.Success {
		return failure("%s", res.Message)
	}

	encoded, err := json.Marshal(res.Data)
	if err != nil {
		return failure("failed to encode report data: %v", err)
	}

	summary := map[string]any{
		"reportType": cfg.ReportType,
		"from":       filter.From.Format("2006-01-02"),
		"to":         filter.To.Format("2006-01-02"),
		"report":     truncate(string(encoded), maxStoredReportLen),
	}

	if len(cfg.EmailTo) > 0 {
		if d.services.Email == nil {
			return failure("report generated but email service not configured")
		}
		mail := EmailMessage{
			To:      cfg.EmailTo,
			Subject: fmt.Sprintf("Scheduled report: %s", cfg.ReportType),
			Body:    truncate(string(encoded), maxEmailedReport),
		}
		emailRes, err := d.services.Email.SendEmail(ctx, mail)
		if err != nil {
			return failure("report generated but email failed: %v", err)
		}
		if !emailRes.Success {
			return failure("report generated but email rejected: %s", emailRes.ErrorMessage)
		}
		summary["emailedTo"] = len(cfg.EmailTo)
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%s report generated", cfg.ReportType),
		Summary: summary,
	}
}
