package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/models"
)

type webhookFixture struct {
	db       *gorm.DB
	invoices *InvoiceService
	payments *PaymentService
	refunds  *RefundService
	webhooks *WebhookService
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	db, invoices, payments, _ := newTestServices(t)
	log := testLogger(t)
	refunds := NewRefundService(db, &fakeRefundGateway{}, NewAuditService(log), nil, log, 3, time.Millisecond)
	webhooks := NewWebhookService(db, payments, refunds, invoices, log)
	return &webhookFixture{db: db, invoices: invoices, payments: payments, refunds: refunds, webhooks: webhooks}
}

func makeEvent(t *testing.T, eventID, eventType string, object interface{}) (*stripe.Event, []byte) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)

	event := &stripe.Event{
		ID:   eventID,
		Type: eventType,
		Data: &stripe.EventData{Raw: raw},
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]interface{}{"object": json.RawMessage(raw)},
	})
	require.NoError(t, err)
	return event, body
}

func paymentIntentPayload(intentID, chargeID, customerID string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":            intentID,
		"amount":        amount,
		"currency":      "eur",
		"customer":      customerID,
		"latest_charge": chargeID,
	}
}

// TestProcessEventCreatesAndReconcilesPayment runs the succeeded intent
// path end to end.
func TestProcessEventCreatesAndReconcilesPayment(t *testing.T) {
	f := newWebhookFixture(t)
	customer := createTestCustomer(t, f.db, "cus_hook")
	invoice := createIssuedInvoice(t, f.db, f.invoices, customer.ID, "250.00", "EUR")

	event, body := makeEvent(t, "evt_1", "payment_intent.succeeded",
		paymentIntentPayload("pi_hook", "ch_hook", "cus_hook", 25000))
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), event, body))

	var payment models.Payment
	require.NoError(t, f.db.First(&payment, "stripe_payment_intent_id = ?", "pi_hook").Error)
	assert.Equal(t, models.ReconciliationMatched, payment.ReconciliationStatus)
	assert.Equal(t, "ch_hook", payment.StripeChargeID)

	var reloaded models.Invoice
	require.NoError(t, f.db.First(&reloaded, "id = ?", invoice.ID).Error)
	assert.Equal(t, models.InvoiceStatusPaid, reloaded.Status)

	var record models.StripeWebhookEvent
	require.NoError(t, f.db.First(&record, "event_id = ?", "evt_1").Error)
	assert.Equal(t, models.WebhookStatusProcessed, record.Status)
	require.NotNil(t, record.ProcessedAt)
}

// TestProcessEventDeduplicates acknowledges a redelivered event without
// side effects.
func TestProcessEventDeduplicates(t *testing.T) {
	f := newWebhookFixture(t)
	createTestCustomer(t, f.db, "cus_dup")

	event, body := makeEvent(t, "evt_dup", "payment_intent.succeeded",
		paymentIntentPayload("pi_dup", "ch_dup", "cus_dup", 10000))
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), event, body))
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), event, body))

	var payments int64
	require.NoError(t, f.db.Model(&models.Payment{}).Count(&payments).Error)
	assert.Equal(t, int64(1), payments)

	var events int64
	require.NoError(t, f.db.Model(&models.StripeWebhookEvent{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

// TestProcessEventUnknownTypeAcknowledged stores and completes unknown
// event types so the processor stops redelivering them.
func TestProcessEventUnknownTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	event, body := makeEvent(t, "evt_unknown", "customer.subscription.updated",
		map[string]interface{}{"id": "sub_1"})
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), event, body))

	var record models.StripeWebhookEvent
	require.NoError(t, f.db.First(&record, "event_id = ?", "evt_unknown").Error)
	assert.Equal(t, models.WebhookStatusProcessed, record.Status)
}

// TestProcessEventFailureRecordedAndRetryable marks an undecodable
// event failed and counts the retry.
func TestProcessEventFailureRecordedAndRetryable(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"id":"evt_bad","type":"payment_intent.succeeded","data":{"object":{"amount":"not-a-number"}}}`)
	event := &stripe.Event{
		ID:   "evt_bad",
		Type: "payment_intent.succeeded",
		Data: &stripe.EventData{Raw: json.RawMessage(`{"amount":"not-a-number"}`)},
	}
	err := f.webhooks.ProcessEvent(context.Background(), event, body)
	require.Error(t, err)

	var record models.StripeWebhookEvent
	require.NoError(t, f.db.First(&record, "event_id = ?", "evt_bad").Error)
	assert.Equal(t, models.WebhookStatusFailed, record.Status)
	assert.NotEmpty(t, record.ErrorMessage)

	// The stored payload is the raw body, which has no usable intent
	// either, so the retry fails again but is counted.
	err = f.webhooks.RetryFailedWebhook(context.Background(), "evt_bad")
	require.Error(t, err)

	require.NoError(t, f.db.First(&record, "event_id = ?", "evt_bad").Error)
	assert.Equal(t, 1, record.RetryCount)
	assert.Equal(t, models.WebhookStatusFailed, record.Status)
}

// TestRetryFailedWebhookRejectsProcessed refuses to replay an event
// that already went through.
func TestRetryFailedWebhookRejectsProcessed(t *testing.T) {
	f := newWebhookFixture(t)

	event, body := makeEvent(t, "evt_done", "customer.subscription.updated",
		map[string]interface{}{"id": "sub_2"})
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), event, body))

	err := f.webhooks.RetryFailedWebhook(context.Background(), "evt_done")
	assert.ErrorIs(t, err, ErrValidation)
}

// TestPaymentIntentFailedMarksPayment flips a recorded payment to
// failed, idempotently.
func TestPaymentIntentFailedMarksPayment(t *testing.T) {
	f := newWebhookFixture(t)
	createTestCustomer(t, f.db, "cus_fail")

	succeeded, body := makeEvent(t, "evt_ok", "payment_intent.succeeded",
		paymentIntentPayload("pi_fail", "ch_fail", "cus_fail", 5000))
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), succeeded, body))

	for i := 0; i < 2; i++ {
		failed, failedBody := makeEvent(t, fmt.Sprintf("evt_fail_%d", i), "payment_intent.payment_failed",
			map[string]interface{}{"id": "pi_fail"})
		require.NoError(t, f.webhooks.ProcessEvent(context.Background(), failed, failedBody))
	}

	var payment models.Payment
	require.NoError(t, f.db.First(&payment, "stripe_payment_intent_id = ?", "pi_fail").Error)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, int64(1), countAuditEvents(t, f.db, payment.ID, "failed"))
}

// TestChargeRefundedRecordsExternalRefunds records each refund line
// once, even across redeliveries with fresh event ids.
func TestChargeRefundedRecordsExternalRefunds(t *testing.T) {
	f := newWebhookFixture(t)
	customer := createTestCustomer(t, f.db, "cus_ext")
	invoice := createIssuedInvoice(t, f.db, f.invoices, customer.ID, "100.00", "EUR")

	succeeded, body := makeEvent(t, "evt_pi", "payment_intent.succeeded",
		paymentIntentPayload("pi_ext", "ch_ext", "cus_ext", 10000))
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), succeeded, body))

	chargePayload := map[string]interface{}{
		"id":             "ch_ext",
		"payment_intent": "pi_ext",
		"refunds": map[string]interface{}{
			"data": []map[string]interface{}{
				{"id": "re_ext_1", "amount": 10000, "reason": "requested_by_customer"},
			},
		},
	}

	for i := 0; i < 2; i++ {
		refunded, refundedBody := makeEvent(t, fmt.Sprintf("evt_ref_%d", i), "charge.refunded", chargePayload)
		require.NoError(t, f.webhooks.ProcessEvent(context.Background(), refunded, refundedBody))
	}

	var refunds []models.Refund
	require.NoError(t, f.db.Find(&refunds).Error)
	require.Len(t, refunds, 1)
	assert.Equal(t, "re_ext_1", refunds[0].StripeRefundID)
	assert.Equal(t, models.RefundStatusProcessed, refunds[0].Status)
	assert.Equal(t, invoice.ID, refunds[0].InvoiceID)
	assert.True(t, refunds[0].Amount.Equal(decimal.RequireFromString("100.00")))

	// Full external refund rolls the payment up.
	var payment models.Payment
	require.NoError(t, f.db.First(&payment, "stripe_charge_id = ?", "ch_ext").Error)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)
}

// TestDisputeCreatedFlagsInvoices disputes every invoice the charge
// paid and skips the same dispute on redelivery.
func TestDisputeCreatedFlagsInvoices(t *testing.T) {
	f := newWebhookFixture(t)
	customer := createTestCustomer(t, f.db, "cus_disp")
	invoice := createIssuedInvoice(t, f.db, f.invoices, customer.ID, "75.00", "EUR")

	succeeded, body := makeEvent(t, "evt_pay", "payment_intent.succeeded",
		paymentIntentPayload("pi_disp", "ch_disp", "cus_disp", 7500))
	require.NoError(t, f.webhooks.ProcessEvent(context.Background(), succeeded, body))

	disputePayload := map[string]interface{}{"id": "dp_1", "charge": "ch_disp"}
	for i := 0; i < 2; i++ {
		disputed, disputedBody := makeEvent(t, fmt.Sprintf("evt_dp_%d", i), "charge.dispute.created", disputePayload)
		require.NoError(t, f.webhooks.ProcessEvent(context.Background(), disputed, disputedBody))
	}

	var reloaded models.Invoice
	require.NoError(t, f.db.First(&reloaded, "id = ?", invoice.ID).Error)
	assert.Equal(t, models.InvoiceStatusDisputed, reloaded.Status)
	assert.Equal(t, "dp_1", reloaded.StripeDisputeID)
	assert.Equal(t, int64(1), countAuditEvents(t, f.db, invoice.ID, "disputed"))
}
