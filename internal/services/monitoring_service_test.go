package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/settlement/internal/models"
)

// TestHealthUnknownWithoutTraffic reports unknown, not healthy, when no
// webhook events were ever seen.
func TestHealthUnknownWithoutTraffic(t *testing.T) {
	db := newTestDB(t)
	monitoring := NewMonitoringService(db, testLogger(t))

	health := monitoring.CheckHealth(context.Background())
	assert.Equal(t, HealthUnknown, health.Components["webhooks"].Status)
	assert.Equal(t, HealthHealthy, health.Components["reconciliation"].Status)
	assert.Equal(t, HealthHealthy, health.Components["ledger_sync"].Status)
	assert.Equal(t, HealthUnknown, health.Status)
}

// TestHealthWarnsOnFailedEventsAndSilence surfaces failed events and a
// silent gateway as alerts.
func TestHealthWarnsOnFailedEventsAndSilence(t *testing.T) {
	db := newTestDB(t)
	monitoring := NewMonitoringService(db, testLogger(t))

	require.NoError(t, db.Create(&models.StripeWebhookEvent{
		EventID:    "evt_old_failed",
		EventType:  "payment_intent.succeeded",
		Status:     models.WebhookStatusFailed,
		ReceivedAt: time.Now().Add(-2 * time.Hour),
	}).Error)

	health := monitoring.CheckHealth(context.Background())
	webhooks := health.Components["webhooks"]
	assert.Equal(t, HealthWarning, webhooks.Status)
	assert.Len(t, webhooks.Alerts, 2)
	assert.Equal(t, HealthWarning, health.Status)
}

// TestHealthCriticalOnFailureBacklog escalates past the failed-event
// threshold.
func TestHealthCriticalOnFailureBacklog(t *testing.T) {
	db := newTestDB(t)
	monitoring := NewMonitoringService(db, testLogger(t))

	for i := 0; i < 11; i++ {
		require.NoError(t, db.Create(&models.StripeWebhookEvent{
			EventID:    fmt.Sprintf("evt_crit_%d", i),
			EventType:  "payment_intent.succeeded",
			Status:     models.WebhookStatusFailed,
			ReceivedAt: time.Now(),
		}).Error)
	}

	health := monitoring.CheckHealth(context.Background())
	assert.Equal(t, HealthCritical, health.Components["webhooks"].Status)
	assert.Equal(t, HealthCritical, health.Status)
}

// TestHealthFlagsMismatchedPayments counts payments stuck in manual
// review.
func TestHealthFlagsMismatchedPayments(t *testing.T) {
	db, _, payments, _ := newTestServices(t)
	monitoring := NewMonitoringService(db, testLogger(t))

	_, err := payments.CreateFromProcessorEvent(context.Background(), testIntent("cus_none", 5000))
	require.NoError(t, err)

	health := monitoring.CheckHealth(context.Background())
	recon := health.Components["reconciliation"]
	assert.Equal(t, HealthWarning, recon.Status)
	assert.EqualValues(t, 1, recon.Details["mismatched_payments"])
}

// TestHealthFlagsUnsyncedInvoices catches issued invoices that neither
// carry a ledger id nor await sync.
func TestHealthFlagsUnsyncedInvoices(t *testing.T) {
	db, invoices, _, _ := newTestServices(t)
	monitoring := NewMonitoringService(db, testLogger(t))

	customer := createTestCustomer(t, db, "")
	invoice := createIssuedInvoice(t, db, invoices, customer.ID, "100.00", "EUR")

	// Issued invoices awaiting sync are fine.
	health := monitoring.CheckHealth(context.Background())
	assert.Equal(t, HealthHealthy, health.Components["ledger_sync"].Status)

	// Losing the pending flag without an external id is drift.
	require.NoError(t, db.Model(&models.Invoice{}).Where("id = ?", invoice.ID).
		Update("sync_pending", false).Error)

	health = monitoring.CheckHealth(context.Background())
	sync := health.Components["ledger_sync"]
	assert.Equal(t, HealthWarning, sync.Status)
	assert.EqualValues(t, 1, sync.Details["unsynced_invoices"])
}
