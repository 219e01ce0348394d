package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/mediators"
	"github.com/atelier-erp/settlement/internal/models"
)

// fakeRefundGateway scripts processor behaviour per attempt.
type fakeRefundGateway struct {
	attempts int
	// failures to return before succeeding; -1 fails forever.
	failCount int
	err       error
	created   []*mediators.RefundRequest
}

func (f *fakeRefundGateway) CreateRefund(ctx context.Context, req *mediators.RefundRequest) (*mediators.RefundResult, error) {
	f.attempts++
	f.created = append(f.created, req)
	if f.failCount == -1 || f.attempts <= f.failCount {
		return nil, f.err
	}
	return &mediators.RefundResult{
		ID:     "re_" + uuid.NewString(),
		Status: "succeeded",
		Raw:    json.RawMessage(`{"status":"succeeded"}`),
	}, nil
}

func (f *fakeRefundGateway) GetRefund(ctx context.Context, refundID string) (*mediators.RefundResult, error) {
	return &mediators.RefundResult{ID: refundID, Status: "succeeded", Raw: json.RawMessage(`{}`)}, nil
}

func newRefundFixture(t *testing.T, gateway mediators.RefundGateway) (*gorm.DB, *RefundService, *models.Invoice, *models.Payment) {
	t.Helper()
	db, invoices, payments, _ := newTestServices(t)
	log := testLogger(t)
	refunds := NewRefundService(db, gateway, NewAuditService(log), nil, log, 3, time.Millisecond)

	customer := createTestCustomer(t, db, "cus_refund")
	invoice := createIssuedInvoice(t, db, invoices, customer.ID, "100.00", "EUR")

	payment, err := payments.CreateBankPayment(context.Background(),
		decimal.RequireFromString("100.00"), "WIRE-R", &customer.ID, "EUR", nil)
	require.NoError(t, err)
	// Give the payment a charge id so stripe refunds are permitted.
	payment.StripeChargeID = "ch_refundable"
	require.NoError(t, db.Save(payment).Error)

	_, err = payments.ApplyToInvoice(context.Background(), payment.ID, invoice.ID,
		decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	return db, refunds, invoice, payment
}

// TestProcessStripeRefundRetriesThenFails burns the full retry budget
// on a persistent 503 and marks the refund failed.
func TestProcessStripeRefundRetriesThenFails(t *testing.T) {
	gateway := &fakeRefundGateway{
		failCount: -1,
		err:       &mediators.APIError{Provider: "stripe", StatusCode: 503, Body: "service unavailable"},
	}
	db, refunds, invoice, payment := newRefundFixture(t, gateway)

	refund, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("50.00"), models.RefundMethodStripe, "customer request")
	require.NoError(t, err)

	result, err := refunds.ProcessStripeRefund(context.Background(), refund.ID)
	require.Error(t, err)
	assert.Equal(t, 3, gateway.attempts)
	assert.Equal(t, models.RefundStatusFailed, result.Status)
	assert.Contains(t, result.FailureMessage, "after 3 attempts")

	var reloaded models.Refund
	require.NoError(t, db.First(&reloaded, "id = ?", refund.ID).Error)
	assert.Equal(t, models.RefundStatusFailed, reloaded.Status)
}

// TestProcessStripeRefundTransientThenSuccess recovers after one
// transient failure without exhausting the budget.
func TestProcessStripeRefundTransientThenSuccess(t *testing.T) {
	gateway := &fakeRefundGateway{
		failCount: 1,
		err:       &mediators.APIError{Provider: "stripe", StatusCode: 429, Body: "rate limited"},
	}
	db, refunds, invoice, payment := newRefundFixture(t, gateway)

	refund, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("40.00"), models.RefundMethodStripe, "customer request")
	require.NoError(t, err)

	result, err := refunds.ProcessStripeRefund(context.Background(), refund.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, gateway.attempts)
	assert.Equal(t, models.RefundStatusProcessed, result.Status)
	assert.NotEmpty(t, result.StripeRefundID)
	require.NotNil(t, result.ProcessedAt)

	// Amount travels in minor units.
	require.Len(t, gateway.created, 2)
	assert.Equal(t, int64(4000), gateway.created[0].AmountMinor)

	// Partial refund leaves the payment confirmed.
	var reloaded models.Payment
	require.NoError(t, db.First(&reloaded, "id = ?", payment.ID).Error)
	assert.Equal(t, models.PaymentStatusConfirmed, reloaded.Status)
}

// TestProcessStripeRefundNonRetryableFailsImmediately does not waste
// attempts on a permanent rejection.
func TestProcessStripeRefundNonRetryableFailsImmediately(t *testing.T) {
	gateway := &fakeRefundGateway{
		failCount: -1,
		err:       &mediators.APIError{Provider: "stripe", StatusCode: 400, Body: "charge already refunded"},
	}
	_, refunds, invoice, payment := newRefundFixture(t, gateway)

	refund, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("10.00"), models.RefundMethodStripe, "customer request")
	require.NoError(t, err)

	result, err := refunds.ProcessStripeRefund(context.Background(), refund.ID)
	require.Error(t, err)
	assert.Equal(t, 1, gateway.attempts)
	assert.Equal(t, models.RefundStatusFailed, result.Status)
}

// TestRefundRollUpMarksPaymentRefunded flips the payment to refunded
// only when processed refunds cover everything applied.
func TestRefundRollUpMarksPaymentRefunded(t *testing.T) {
	gateway := &fakeRefundGateway{}
	db, refunds, invoice, payment := newRefundFixture(t, gateway)

	partial, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("99.00"), models.RefundMethodStripe, "partial")
	require.NoError(t, err)
	_, err = refunds.ProcessStripeRefund(context.Background(), partial.ID)
	require.NoError(t, err)

	var mid models.Payment
	require.NoError(t, db.First(&mid, "id = ?", payment.ID).Error)
	assert.Equal(t, models.PaymentStatusConfirmed, mid.Status)

	rest, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("1.00"), models.RefundMethodStripe, "remainder")
	require.NoError(t, err)
	_, err = refunds.ProcessStripeRefund(context.Background(), rest.ID)
	require.NoError(t, err)

	var final models.Payment
	require.NoError(t, db.First(&final, "id = ?", payment.ID).Error)
	assert.Equal(t, models.PaymentStatusRefunded, final.Status)
}

// TestBankRefundMarkProcessed completes a bank refund manually,
// including from a previously failed state.
func TestBankRefundMarkProcessed(t *testing.T) {
	db, refunds, invoice, payment := newRefundFixture(t, &fakeRefundGateway{})

	refund, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("30.00"), models.RefundMethodBankTransfer, "returned goods")
	require.NoError(t, err)

	_, err = refunds.MarkProcessed(context.Background(), refund.ID, "  ")
	assert.ErrorIs(t, err, ErrValidation)

	// Simulate an operator marking it failed earlier; failed refunds
	// can still be completed.
	require.NoError(t, db.Model(&models.Refund{}).Where("id = ?", refund.ID).
		Update("status", models.RefundStatusFailed).Error)

	processed, err := refunds.MarkProcessed(context.Background(), refund.ID, "REF123")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusProcessed, processed.Status)
	assert.Equal(t, "REF123", processed.BankReference)
	require.NotNil(t, processed.ProcessedAt)
}

// TestRefundValidation covers the creation guard rails.
func TestRefundValidation(t *testing.T) {
	db, refunds, invoice, payment := newRefundFixture(t, &fakeRefundGateway{})

	// More than applied.
	_, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("100.01"), models.RefundMethodStripe, "too much")
	assert.ErrorIs(t, err, ErrValidation)

	// Unapplied pairing.
	_, err = refunds.Create(context.Background(), uuid.New(), payment.ID,
		decimal.RequireFromString("10.00"), models.RefundMethodStripe, "no application")
	assert.ErrorIs(t, err, ErrValidation)

	// Stripe refund without a charge id.
	payment.StripeChargeID = ""
	require.NoError(t, db.Save(payment).Error)
	_, err = refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("10.00"), models.RefundMethodStripe, "no charge")
	assert.ErrorIs(t, err, ErrValidation)

	// Bank refunds need no charge id.
	_, err = refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("10.00"), models.RefundMethodBankTransfer, "bank is fine")
	assert.NoError(t, err)
}

// TestRetryRefundAfterFailure resubmits a failed stripe refund once the
// processor recovers.
func TestRetryRefundAfterFailure(t *testing.T) {
	gateway := &fakeRefundGateway{
		failCount: 3,
		err:       &mediators.APIError{Provider: "stripe", StatusCode: 500, Body: "boom"},
	}
	_, refunds, invoice, payment := newRefundFixture(t, gateway)

	refund, err := refunds.Create(context.Background(), invoice.ID, payment.ID,
		decimal.RequireFromString("20.00"), models.RefundMethodStripe, "flaky processor")
	require.NoError(t, err)

	_, err = refunds.ProcessStripeRefund(context.Background(), refund.ID)
	require.Error(t, err)

	retried, err := refunds.RetryRefund(context.Background(), refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusProcessed, retried.Status)
	assert.Empty(t, retried.FailureMessage)
}
