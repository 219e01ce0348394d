package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/models"
)

// InvoiceService owns invoice-side bookkeeping. The line-item, tax and
// pricing computation that produces draft invoices lives in the
// invoicing engine; this service covers the contract the settlement
// core consumes: draft creation, issuance, and payment application.
type InvoiceService struct {
	db     *gorm.DB
	audit  *AuditService
	logger *zap.Logger
}

// NewInvoiceService creates a new invoice service.
func NewInvoiceService(db *gorm.DB, audit *AuditService, logger *zap.Logger) *InvoiceService {
	return &InvoiceService{db: db, audit: audit, logger: logger}
}

// CreateDraft creates a draft invoice for a customer.
func (s *InvoiceService) CreateDraft(ctx context.Context, customerID uuid.UUID, total decimal.Decimal, currency string, dueDate *time.Time, notes string) (*models.Invoice, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: invoice total must be positive, got %s", ErrValidation, total.StringFixed(2))
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrValidation)
	}

	invoice := &models.Invoice{
		CustomerID:  customerID,
		TotalAmount: total.Round(2),
		AmountPaid:  decimal.Zero,
		Currency:    strings.ToUpper(currency),
		Status:      models.InvoiceStatusDraft,
		DueDate:     dueDate,
		Notes:       notes,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		return s.audit.Record(tx, models.AuditEntityInvoice, invoice.ID, "created", nil, map[string]interface{}{
			"total_amount": invoice.TotalAmount.StringFixed(2),
			"currency":     invoice.Currency,
			"status":       string(invoice.Status),
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// Issue numbers a draft invoice and marks it issued. Issued invoices
// are flagged sync-pending so the ledger sync picks them up.
func (s *InvoiceService) Issue(ctx context.Context, invoiceID uuid.UUID, userID *uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&invoice, "id = ?", invoiceID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
			}
			return fmt.Errorf("failed to load invoice: %w", err)
		}
		if !invoice.Status.CanTransitionTo(models.InvoiceStatusIssued) {
			return fmt.Errorf("%w: invoice in status %s cannot be issued", ErrValidation, invoice.Status)
		}

		number, err := nextSequentialNumber(tx, &models.Invoice{}, "invoice_number", "INV", time.Now().Year())
		if err != nil {
			return err
		}

		now := time.Now()
		oldStatus := invoice.Status
		invoice.InvoiceNumber = number
		invoice.Status = models.InvoiceStatusIssued
		invoice.IssuedAt = &now
		invoice.SyncPending = true
		if err := tx.Save(&invoice).Error; err != nil {
			return fmt.Errorf("failed to issue invoice: %w", err)
		}

		return s.audit.Record(tx, models.AuditEntityInvoice, invoice.ID, "issued",
			map[string]interface{}{"status": string(oldStatus)},
			map[string]interface{}{"status": string(invoice.Status), "invoice_number": number}, userID)
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// ApplyPayment applies an amount of a payment to an invoice inside the
// caller's transaction. It never partially applies: either the full
// amount fits the outstanding balance or the call fails. The invoice
// side limit is enforced here regardless of what the caller already
// checked.
func (s *InvoiceService) ApplyPayment(tx *gorm.DB, invoice *models.Invoice, payment *models.Payment, amount decimal.Decimal) (*models.InvoicePayment, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: applied amount must be positive, got %s", ErrValidation, amount.StringFixed(2))
	}
	if !invoice.Status.AllowsPayment() {
		return nil, fmt.Errorf("%w: invoice %s in status %s does not accept payments", ErrValidation, invoice.ID, invoice.Status)
	}
	outstanding := invoice.Outstanding()
	if amount.GreaterThan(outstanding) {
		return nil, fmt.Errorf("%w: amount %s exceeds invoice outstanding balance %s", ErrValidation, amount.StringFixed(2), outstanding.StringFixed(2))
	}

	application := &models.InvoicePayment{
		InvoiceID:     invoice.ID,
		PaymentID:     payment.ID,
		AmountApplied: amount,
	}
	if err := tx.Create(application).Error; err != nil {
		return nil, fmt.Errorf("failed to record payment application: %w", err)
	}

	oldStatus := invoice.Status
	oldPaid := invoice.AmountPaid
	invoice.AmountPaid = invoice.AmountPaid.Add(amount).Round(2)

	target := models.InvoiceStatusPartiallyPaid
	if invoice.AmountPaid.GreaterThanOrEqual(invoice.TotalAmount.Round(2)) {
		target = models.InvoiceStatusPaid
	}
	if invoice.Status != target && invoice.Status.CanTransitionTo(target) {
		invoice.Status = target
	}

	if err := tx.Save(invoice).Error; err != nil {
		return nil, fmt.Errorf("failed to update invoice balance: %w", err)
	}

	err := s.audit.Record(tx, models.AuditEntityInvoice, invoice.ID, "payment_applied",
		map[string]interface{}{"amount_paid": oldPaid.StringFixed(2), "status": string(oldStatus)},
		map[string]interface{}{
			"amount_paid": invoice.AmountPaid.StringFixed(2),
			"status":      string(invoice.Status),
			"payment_id":  payment.ID.String(),
			"amount":      amount.StringFixed(2),
		}, nil)
	if err != nil {
		return nil, err
	}

	return application, nil
}

// MarkDisputed flags an invoice as disputed for a card-network dispute.
// Returns false when the invoice is already flagged for the same
// dispute id.
func (s *InvoiceService) MarkDisputed(tx *gorm.DB, invoice *models.Invoice, disputeID string) (bool, error) {
	if invoice.StripeDisputeID == disputeID {
		return false, nil
	}
	if invoice.Status != models.InvoiceStatusDisputed && !invoice.Status.CanTransitionTo(models.InvoiceStatusDisputed) {
		return false, nil
	}

	oldStatus := invoice.Status
	invoice.Status = models.InvoiceStatusDisputed
	invoice.StripeDisputeID = disputeID
	if err := tx.Save(invoice).Error; err != nil {
		return false, fmt.Errorf("failed to flag invoice as disputed: %w", err)
	}

	err := s.audit.Record(tx, models.AuditEntityInvoice, invoice.ID, "disputed",
		map[string]interface{}{"status": string(oldStatus)},
		map[string]interface{}{"status": string(invoice.Status), "dispute_id": disputeID}, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// nextSequentialNumber assigns the next number in the format
// <prefix>-<year>-<6 digit sequence>. The sequence is the maximum
// existing suffix for the year plus one; the zero-padded width makes
// lexical ordering numeric, and issuance runs inside a transaction so
// ties are impossible.
func nextSequentialNumber(tx *gorm.DB, model interface{}, column, prefix string, year int) (string, error) {
	yearPrefix := fmt.Sprintf("%s-%d-", prefix, year)

	var numbers []string
	err := tx.Model(model).
		Where(column+" LIKE ?", yearPrefix+"%").
		Order(column + " DESC").
		Limit(1).
		Pluck(column, &numbers).Error
	if err != nil {
		return "", fmt.Errorf("failed to scan %s sequence: %w", prefix, err)
	}

	last := ""
	if len(numbers) > 0 {
		last = numbers[0]
	}

	seq := 1
	if last != "" {
		suffix := strings.TrimPrefix(last, yearPrefix)
		n, err := strconv.Atoi(suffix)
		if err != nil {
			return "", fmt.Errorf("malformed document number %q: %w", last, err)
		}
		seq = n + 1
	}

	return fmt.Sprintf("%s%06d", yearPrefix, seq), nil
}
