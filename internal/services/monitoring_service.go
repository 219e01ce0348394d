package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/models"
)

// Health levels, ordered by severity.
const (
	HealthUnknown  = "unknown"
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// ComponentHealth is the health of one subsystem.
type ComponentHealth struct {
	Status  string                 `json:"status"`
	Alerts  []string               `json:"alerts,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SystemHealth is the aggregate health report.
type SystemHealth struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// MonitoringService derives system health from the settlement tables:
// webhook backlog, reconciliation mismatches and ledger sync drift.
type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{db: db, logger: logger}
}

// CheckHealth runs every component check and aggregates the worst
// status.
func (m *MonitoringService) CheckHealth(ctx context.Context) *SystemHealth {
	health := &SystemHealth{
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	health.Components["webhooks"] = m.checkWebhookHealth(ctx)
	health.Components["reconciliation"] = m.checkReconciliationHealth(ctx)
	health.Components["ledger_sync"] = m.checkSyncHealth(ctx)

	health.Status = HealthHealthy
	for _, component := range health.Components {
		if severity(component.Status) > severity(health.Status) {
			health.Status = component.Status
		}
	}
	return health
}

// checkWebhookHealth inspects the processor event tables. Silence is
// suspicious too: a gateway that has seen events before but none in the
// last hour likely has a delivery problem upstream.
func (m *MonitoringService) checkWebhookHealth(ctx context.Context) ComponentHealth {
	db := m.db.WithContext(ctx)

	var total, failed, lastHour, processedToday int64
	if err := db.Model(&models.StripeWebhookEvent{}).Count(&total).Error; err != nil {
		return ComponentHealth{Status: HealthUnknown, Alerts: []string{"webhook event query failed"}}
	}
	if total == 0 {
		return ComponentHealth{
			Status:  HealthUnknown,
			Details: map[string]interface{}{"total_events": 0},
		}
	}

	db.Model(&models.StripeWebhookEvent{}).
		Where("status = ?", models.WebhookStatusFailed).Count(&failed)
	db.Model(&models.StripeWebhookEvent{}).
		Where("received_at > ?", time.Now().Add(-time.Hour)).Count(&lastHour)
	db.Model(&models.StripeWebhookEvent{}).
		Where("status = ? AND processed_at > ?", models.WebhookStatusProcessed,
			time.Now().Add(-24*time.Hour)).Count(&processedToday)

	status := HealthHealthy
	var alerts []string
	if failed > 0 {
		status = HealthWarning
		alerts = append(alerts, fmt.Sprintf("%d webhook events failed processing", failed))
	}
	if failed > 10 {
		status = HealthCritical
	}
	if lastHour == 0 {
		if severity(HealthWarning) > severity(status) {
			status = HealthWarning
		}
		alerts = append(alerts, "no webhook events received in the last hour")
	}

	return ComponentHealth{
		Status: status,
		Alerts: alerts,
		Details: map[string]interface{}{
			"total_events":    total,
			"failed_events":   failed,
			"last_hour":       lastHour,
			"processed_today": processedToday,
		},
	}
}

func (m *MonitoringService) checkReconciliationHealth(ctx context.Context) ComponentHealth {
	db := m.db.WithContext(ctx)

	var mismatched, pending int64
	db.Model(&models.Payment{}).
		Where("reconciliation_status = ?", models.ReconciliationMismatched).Count(&mismatched)
	db.Model(&models.Payment{}).
		Where("reconciliation_status = ?", models.ReconciliationPending).Count(&pending)

	status := HealthHealthy
	var alerts []string
	if mismatched > 0 {
		status = HealthWarning
		alerts = append(alerts, fmt.Sprintf("%d payments need manual reconciliation", mismatched))
	}

	return ComponentHealth{
		Status: status,
		Alerts: alerts,
		Details: map[string]interface{}{
			"mismatched_payments": mismatched,
			"pending_payments":    pending,
		},
	}
}

// checkSyncHealth verifies the ledger invariant: every issued invoice
// should either carry an external id or be flagged sync pending.
func (m *MonitoringService) checkSyncHealth(ctx context.Context) ComponentHealth {
	db := m.db.WithContext(ctx)

	var failedLogs, pendingInvoices, unsynced int64
	db.Model(&models.XeroSyncLog{}).
		Where("status = ?", models.SyncStatusFailed).Count(&failedLogs)
	db.Model(&models.Invoice{}).
		Where("sync_pending = ?", true).Count(&pendingInvoices)
	db.Model(&models.Invoice{}).
		Where("status != ? AND xero_invoice_id = '' AND sync_pending = ?",
			models.InvoiceStatusDraft, false).Count(&unsynced)

	status := HealthHealthy
	var alerts []string
	if failedLogs > 0 {
		status = HealthWarning
		alerts = append(alerts, fmt.Sprintf("%d ledger sync attempts failed", failedLogs))
	}
	if failedLogs > 10 {
		status = HealthCritical
	}
	if unsynced > 0 {
		if severity(HealthWarning) > severity(status) {
			status = HealthWarning
		}
		alerts = append(alerts, fmt.Sprintf("%d issued invoices have no ledger id and no pending flag", unsynced))
	}

	return ComponentHealth{
		Status: status,
		Alerts: alerts,
		Details: map[string]interface{}{
			"failed_sync_logs":      failedLogs,
			"sync_pending_invoices": pendingInvoices,
			"unsynced_invoices":     unsynced,
		},
	}
}

// HandleHealthCheck serves the detailed health endpoint. Critical
// health maps to 503 so load balancers can react.
func (m *MonitoringService) HandleHealthCheck(c *gin.Context) {
	health := m.CheckHealth(c.Request.Context())

	statusCode := http.StatusOK
	if health.Status == HealthCritical {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// HandleMetrics serves operational counters for scraping.
func (m *MonitoringService) HandleMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	db := m.db.WithContext(ctx)

	var payments, invoices, creditNotes, refunds, events, syncLogs int64
	db.Model(&models.Payment{}).Count(&payments)
	db.Model(&models.Invoice{}).Count(&invoices)
	db.Model(&models.CreditNote{}).Count(&creditNotes)
	db.Model(&models.Refund{}).Count(&refunds)
	db.Model(&models.StripeWebhookEvent{}).Count(&events)
	db.Model(&models.XeroSyncLog{}).Count(&syncLogs)

	c.JSON(http.StatusOK, gin.H{
		"counts": gin.H{
			"payments":       payments,
			"invoices":       invoices,
			"credit_notes":   creditNotes,
			"refunds":        refunds,
			"webhook_events": events,
			"sync_logs":      syncLogs,
		},
		"health":    m.CheckHealth(ctx),
		"timestamp": time.Now(),
	})
}

func severity(status string) int {
	switch status {
	case HealthCritical:
		return 3
	case HealthWarning:
		return 2
	case HealthUnknown:
		return 1
	default:
		return 0
	}
}
