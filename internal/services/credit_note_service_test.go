package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/settlement/internal/models"
)

// TestCreditNoteNumberingSequential issues several credit notes and
// checks the numbers are unique, zero padded and strictly increasing.
func TestCreditNoteNumberingSequential(t *testing.T) {
	db, invoices, _, creditNotes := newTestServices(t)
	customer := createTestCustomer(t, db, "")
	invoice := createIssuedInvoice(t, db, invoices, customer.ID, "1000.00", "EUR")

	year := time.Now().Year()
	var previous string
	for i := 1; i <= 5; i++ {
		note, err := creditNotes.CreateDraft(context.Background(), invoice.ID,
			decimal.RequireFromString("10.00"), "pricing adjustment")
		require.NoError(t, err)
		assert.Nil(t, note.Number)

		issued, err := creditNotes.Issue(context.Background(), note.ID, nil)
		require.NoError(t, err)
		require.NotNil(t, issued.Number)

		expected := fmt.Sprintf("CN-%d-%06d", year, i)
		assert.Equal(t, expected, *issued.Number)
		assert.Greater(t, *issued.Number, previous)
		previous = *issued.Number
	}
}

// TestCreditNoteLimitIncludesPaidAndCredited rejects a note above the
// remaining creditable balance and names the limit.
func TestCreditNoteLimitIncludesPaidAndCredited(t *testing.T) {
	db, invoices, payments, creditNotes := newTestServices(t)
	customer := createTestCustomer(t, db, "")
	invoice := createIssuedInvoice(t, db, invoices, customer.ID, "300.00", "EUR")

	// Pay 100.00, leaving 200.00 creditable.
	payment, err := payments.CreateBankPayment(context.Background(),
		decimal.RequireFromString("100.00"), "WIRE-CN", &customer.ID, "EUR", nil)
	require.NoError(t, err)
	_, err = payments.ApplyToInvoice(context.Background(), payment.ID, invoice.ID,
		decimal.RequireFromString("100.00"))
	require.NoError(t, err)

	_, err = creditNotes.CreateDraft(context.Background(), invoice.ID,
		decimal.RequireFromString("300.00"), "over limit")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "200.00")

	// Exactly the limit is fine; afterwards nothing is creditable.
	note, err := creditNotes.CreateDraft(context.Background(), invoice.ID,
		decimal.RequireFromString("200.00"), "goodwill")
	require.NoError(t, err)
	_, err = creditNotes.Issue(context.Background(), note.ID, nil)
	require.NoError(t, err)

	_, err = creditNotes.CreateDraft(context.Background(), invoice.ID,
		decimal.RequireFromString("0.01"), "one cent too far")
	assert.ErrorIs(t, err, ErrValidation)
}

// TestCreditNoteValidation rejects empty reasons, non-positive amounts
// and uncreditable invoice states.
func TestCreditNoteValidation(t *testing.T) {
	db, invoices, _, creditNotes := newTestServices(t)
	customer := createTestCustomer(t, db, "")
	invoice := createIssuedInvoice(t, db, invoices, customer.ID, "100.00", "EUR")

	_, err := creditNotes.CreateDraft(context.Background(), invoice.ID, decimal.Zero, "r")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = creditNotes.CreateDraft(context.Background(), invoice.ID,
		decimal.RequireFromString("10.00"), "   ")
	assert.ErrorIs(t, err, ErrValidation)

	// Draft invoices cannot be credited.
	draft, err := invoices.CreateDraft(context.Background(), customer.ID,
		decimal.RequireFromString("50.00"), "EUR", nil, "")
	require.NoError(t, err)
	_, err = creditNotes.CreateDraft(context.Background(), draft.ID,
		decimal.RequireFromString("10.00"), "too early")
	assert.ErrorIs(t, err, ErrValidation)
}

// TestFullyCreditedInvoiceTransitions moves the invoice to credited
// once issued notes cover the total.
func TestFullyCreditedInvoiceTransitions(t *testing.T) {
	db, invoices, _, creditNotes := newTestServices(t)
	customer := createTestCustomer(t, db, "")
	invoice := createIssuedInvoice(t, db, invoices, customer.ID, "100.00", "EUR")

	first, err := creditNotes.CreateDraft(context.Background(), invoice.ID,
		decimal.RequireFromString("60.00"), "partial credit")
	require.NoError(t, err)
	_, err = creditNotes.Issue(context.Background(), first.ID, nil)
	require.NoError(t, err)

	var mid models.Invoice
	require.NoError(t, db.First(&mid, "id = ?", invoice.ID).Error)
	assert.Equal(t, models.InvoiceStatusIssued, mid.Status)

	second, err := creditNotes.CreateDraft(context.Background(), invoice.ID,
		decimal.RequireFromString("40.00"), "remainder")
	require.NoError(t, err)
	_, err = creditNotes.Issue(context.Background(), second.ID, nil)
	require.NoError(t, err)

	var final models.Invoice
	require.NoError(t, db.First(&final, "id = ?", invoice.ID).Error)
	assert.Equal(t, models.InvoiceStatusCredited, final.Status)
	assert.True(t, final.SyncPending)
	assert.Equal(t, int64(1), countAuditEvents(t, db, invoice.ID, "status_changed"))
}

// TestCreditNoteApplyLifecycle walks draft to issued to applied and
// rejects out-of-order transitions.
func TestCreditNoteApplyLifecycle(t *testing.T) {
	db, invoices, _, creditNotes := newTestServices(t)
	customer := createTestCustomer(t, db, "")
	invoice := createIssuedInvoice(t, db, invoices, customer.ID, "100.00", "EUR")

	note, err := creditNotes.CreateDraft(context.Background(), invoice.ID,
		decimal.RequireFromString("25.00"), "damaged packaging")
	require.NoError(t, err)

	// Draft cannot go straight to applied.
	_, err = creditNotes.Apply(context.Background(), note.ID, nil)
	assert.ErrorIs(t, err, ErrValidation)

	issued, err := creditNotes.Issue(context.Background(), note.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, issued.IssuedAt)

	applied, err := creditNotes.Apply(context.Background(), note.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.CreditNoteStatusApplied, applied.Status)
	require.NotNil(t, applied.AppliedAt)

	// No double issuance.
	_, err = creditNotes.Issue(context.Background(), note.ID, nil)
	assert.ErrorIs(t, err, ErrValidation)
}
