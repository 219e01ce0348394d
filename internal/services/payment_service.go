package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/eventbus"
	"github.com/atelier-erp/settlement/internal/models"
)

// ProcessorPaymentIntent is the normalized payload of a successful
// payment intent extracted from a processor webhook. Amount is in
// minor units.
type ProcessorPaymentIntent struct {
	IntentID         string
	ChargeID         string
	AmountMinor      int64
	Currency         string
	StripeCustomerID string
	Metadata         map[string]interface{}
}

// PaymentService is the payment ledger: it creates and validates
// payments, applies them to invoices, and owns auto-reconciliation.
type PaymentService struct {
	db       *gorm.DB
	invoices *InvoiceService
	audit    *AuditService
	bus      eventbus.EventBus
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service. bus may be nil when
// no event bus is configured.
func NewPaymentService(db *gorm.DB, invoices *InvoiceService, audit *AuditService, bus eventbus.EventBus, logger *zap.Logger) *PaymentService {
	return &PaymentService{db: db, invoices: invoices, audit: audit, bus: bus, logger: logger}
}

// CreateFromProcessorEvent creates a confirmed payment from a processor
// payment intent and auto-reconciles it, all in one transaction. The
// call is idempotent on the payment intent id: a redelivered webhook
// returns the existing payment unchanged.
func (s *PaymentService) CreateFromProcessorEvent(ctx context.Context, intent *ProcessorPaymentIntent) (*models.Payment, error) {
	if intent.IntentID == "" {
		return nil, fmt.Errorf("%w: payment intent id is required", ErrValidation)
	}

	var existing models.Payment
	err := s.db.WithContext(ctx).First(&existing, "stripe_payment_intent_id = ?", intent.IntentID).Error
	if err == nil {
		s.logger.Info("payment intent already recorded, skipping",
			zap.String("payment_intent_id", intent.IntentID),
			zap.String("payment_id", existing.ID.String()))
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up payment intent: %w", err)
	}

	payment := &models.Payment{
		Source:                models.PaymentSourceStripe,
		Amount:                decimal.New(intent.AmountMinor, -2),
		Currency:              strings.ToUpper(intent.Currency),
		Status:                models.PaymentStatusConfirmed,
		ReconciliationStatus:  models.ReconciliationPending,
		StripePaymentIntentID: &intent.IntentID,
		StripeChargeID:        intent.ChargeID,
		ReceivedAt:            time.Now(),
		Metadata:              datatypes.JSONMap(intent.Metadata),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if intent.StripeCustomerID != "" {
			// Best effort: an unknown processor customer leaves the
			// payment unlinked and reconciliation records no_customer.
			var customer models.Customer
			if err := tx.First(&customer, "stripe_customer_id = ?", intent.StripeCustomerID).Error; err == nil {
				payment.CustomerID = &customer.ID
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to resolve customer: %w", err)
			}
		}

		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}

		if err := s.audit.Record(tx, models.AuditEntityPayment, payment.ID, "created", nil, map[string]interface{}{
			"source":            string(payment.Source),
			"amount":            payment.Amount.StringFixed(2),
			"currency":          payment.Currency,
			"status":            string(payment.Status),
			"payment_intent_id": intent.IntentID,
		}, nil); err != nil {
			return err
		}

		_, err := s.autoReconcile(tx, payment)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, eventbus.TopicPaymentCreated, payment)
	if payment.ReconciliationStatus == models.ReconciliationMatched {
		s.publish(ctx, eventbus.TopicPaymentMatched, payment)
	} else if payment.ReconciliationStatus == models.ReconciliationMismatched {
		s.publish(ctx, eventbus.TopicPaymentMismatched, payment)
	}

	return payment, nil
}

// CreateBankPayment records a manually entered bank transfer. Bank
// payments always start with reconciliation pending; matching them is
// a manual review step, not auto-reconciliation.
func (s *PaymentService) CreateBankPayment(ctx context.Context, amount decimal.Decimal, bankReference string, customerID *uuid.UUID, currency string, receivedAt *time.Time) (*models.Payment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive, got %s", ErrValidation, amount.StringFixed(2))
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrValidation)
	}

	received := time.Now()
	if receivedAt != nil {
		received = *receivedAt
	}

	payment := &models.Payment{
		Source:               models.PaymentSourceBankTransfer,
		Amount:               amount.Round(2),
		Currency:             strings.ToUpper(currency),
		Status:               models.PaymentStatusConfirmed,
		ReconciliationStatus: models.ReconciliationPending,
		CustomerID:           customerID,
		BankReference:        bankReference,
		ReceivedAt:           received,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create bank payment: %w", err)
		}
		return s.audit.Record(tx, models.AuditEntityPayment, payment.ID, "created", nil, map[string]interface{}{
			"source":         string(payment.Source),
			"amount":         payment.Amount.StringFixed(2),
			"currency":       payment.Currency,
			"bank_reference": bankReference,
		}, nil)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, eventbus.TopicPaymentCreated, payment)
	return payment, nil
}

// ApplyToInvoice applies an amount of a payment to an invoice. The
// invoice-side bookkeeping is delegated to the invoice service, which
// enforces its own outstanding-balance limit.
func (s *PaymentService) ApplyToInvoice(ctx context.Context, paymentID, invoiceID uuid.UUID, amount decimal.Decimal) (*models.InvoicePayment, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: applied amount must be positive, got %s", ErrValidation, amount.StringFixed(2))
	}

	var application *models.InvoicePayment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.First(&payment, "id = ?", paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
			}
			return fmt.Errorf("failed to load payment: %w", err)
		}
		var invoice models.Invoice
		if err := tx.First(&invoice, "id = ?", invoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
			}
			return fmt.Errorf("failed to load invoice: %w", err)
		}

		if !payment.Status.AllowsApplication() {
			return fmt.Errorf("%w: payment in status %s cannot be applied", ErrValidation, payment.Status)
		}
		if payment.Currency != invoice.Currency {
			return fmt.Errorf("%w: payment currency %s does not match invoice currency %s", ErrValidation, payment.Currency, invoice.Currency)
		}

		applied, err := s.appliedTotal(tx, payment.ID)
		if err != nil {
			return err
		}
		unapplied := payment.Amount.Sub(applied).Round(2)
		if amount.GreaterThan(unapplied) {
			return fmt.Errorf("%w: amount %s exceeds payment unapplied balance %s", ErrValidation, amount.StringFixed(2), unapplied.StringFixed(2))
		}

		application, err = s.invoices.ApplyPayment(tx, &invoice, &payment, amount)
		if err != nil {
			return err
		}

		return s.audit.Record(tx, models.AuditEntityPayment, payment.ID, "applied_to_invoice", nil, map[string]interface{}{
			"invoice_id": invoice.ID.String(),
			"amount":     amount.StringFixed(2),
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	return application, nil
}

// AutoReconcile runs the matching algorithm for a payment in its own
// transaction. Returns true only when the payment was matched and
// applied.
func (s *PaymentService) AutoReconcile(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	var matched bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.First(&payment, "id = ?", paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
			}
			return fmt.Errorf("failed to load payment: %w", err)
		}
		var err error
		matched, err = s.autoReconcile(tx, &payment)
		return err
	})
	return matched, err
}

// autoReconcile matches a processor payment against the customer's
// open invoices. Only an exact, unambiguous outstanding-amount match is
// applied; every other outcome is recorded as mismatch data on the
// payment, never raised, so a mis-amounted payment cannot block the
// webhook that delivered it.
func (s *PaymentService) autoReconcile(tx *gorm.DB, payment *models.Payment) (bool, error) {
	if payment.Source != models.PaymentSourceStripe || payment.ReconciliationStatus != models.ReconciliationPending {
		return false, nil
	}

	if payment.CustomerID == nil {
		return false, s.recordMismatch(tx, payment, models.MismatchNoCustomer, nil)
	}

	var invoices []models.Invoice
	err := tx.
		Where("customer_id = ? AND currency = ? AND status IN ?",
			*payment.CustomerID, payment.Currency,
			[]models.InvoiceStatus{models.InvoiceStatusIssued, models.InvoiceStatusPartiallyPaid}).
		Find(&invoices).Error
	if err != nil {
		return false, fmt.Errorf("failed to load candidate invoices: %w", err)
	}

	amount := payment.Amount.Round(2)
	var candidates []models.Invoice
	for _, inv := range invoices {
		if inv.Outstanding().Equal(amount) {
			candidates = append(candidates, inv)
		}
	}

	switch len(candidates) {
	case 0:
		return false, s.recordMismatch(tx, payment, models.MismatchNoMatch, nil)
	case 1:
		invoice := candidates[0]
		if _, err := s.invoices.ApplyPayment(tx, &invoice, payment, amount); err != nil {
			if errors.Is(err, ErrValidation) {
				return false, s.recordMismatch(tx, payment, models.MismatchApplicationFailed, map[string]interface{}{
					"invoice_id": invoice.ID.String(),
					"error":      err.Error(),
				})
			}
			return false, err
		}
		if err := s.markReconciled(tx, payment, models.ReconciliationMatched); err != nil {
			return false, err
		}
		s.logger.Info("payment auto-reconciled",
			zap.String("payment_id", payment.ID.String()),
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("amount", amount.StringFixed(2)))
		return true, nil
	default:
		ids := make([]string, len(candidates))
		for i, inv := range candidates {
			ids[i] = inv.ID.String()
		}
		return false, s.recordMismatch(tx, payment, models.MismatchMultipleMatches, map[string]interface{}{
			"match_count":           len(candidates),
			"candidate_invoice_ids": ids,
		})
	}
}

// MarkReconciled transitions a payment's reconciliation status
// manually (back-office resolution of a mismatch).
func (s *PaymentService) MarkReconciled(ctx context.Context, paymentID uuid.UUID, status models.ReconciliationStatus, userID *uuid.UUID) (*models.Payment, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown reconciliation status %q", ErrValidation, status)
	}

	var payment models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&payment, "id = ?", paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
			}
			return fmt.Errorf("failed to load payment: %w", err)
		}

		old := payment.ReconciliationStatus
		payment.ReconciliationStatus = status
		if status == models.ReconciliationMatched {
			payment.MismatchReason = ""
			payment.MismatchDetail = nil
		}
		if err := tx.Save(&payment).Error; err != nil {
			return fmt.Errorf("failed to update reconciliation status: %w", err)
		}

		return s.audit.Record(tx, models.AuditEntityPayment, payment.ID, "reconciliation_status_changed",
			map[string]interface{}{"reconciliation_status": string(old)},
			map[string]interface{}{"reconciliation_status": string(status)}, userID)
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListPayments returns payments with filtering and pagination.
func (s *PaymentService) ListPayments(ctx context.Context, filters map[string]interface{}, page, limit int) ([]models.Payment, int64, error) {
	var payments []models.Payment
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Payment{})
	if status, ok := filters["status"].(string); ok && status != "" {
		query = query.Where("status = ?", status)
	}
	if recon, ok := filters["reconciliation_status"].(string); ok && recon != "" {
		query = query.Where("reconciliation_status = ?", recon)
	}
	if source, ok := filters["source"].(string); ok && source != "" {
		query = query.Where("source = ?", source)
	}
	if customerID, ok := filters["customer_id"].(uuid.UUID); ok {
		query = query.Where("customer_id = ?", customerID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payments: %w", err)
	}

	offset := (page - 1) * limit
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&payments).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch payments: %w", err)
	}
	return payments, total, nil
}

// markReconciled transitions the reconciliation status inside a
// transaction. Matching clears any stored mismatch diagnostics.
func (s *PaymentService) markReconciled(tx *gorm.DB, payment *models.Payment, status models.ReconciliationStatus) error {
	old := payment.ReconciliationStatus
	payment.ReconciliationStatus = status
	if status == models.ReconciliationMatched {
		payment.MismatchReason = ""
		payment.MismatchDetail = nil
	}
	if err := tx.Save(payment).Error; err != nil {
		return fmt.Errorf("failed to update reconciliation status: %w", err)
	}
	return s.audit.Record(tx, models.AuditEntityPayment, payment.ID, "reconciliation_status_changed",
		map[string]interface{}{"reconciliation_status": string(old)},
		map[string]interface{}{"reconciliation_status": string(status)}, nil)
}

func (s *PaymentService) recordMismatch(tx *gorm.DB, payment *models.Payment, reason string, detail map[string]interface{}) error {
	payment.ReconciliationStatus = models.ReconciliationMismatched
	payment.MismatchReason = reason
	payment.MismatchDetail = datatypes.JSONMap(detail)
	if err := tx.Save(payment).Error; err != nil {
		return fmt.Errorf("failed to record mismatch: %w", err)
	}

	s.logger.Warn("payment reconciliation mismatch",
		zap.String("payment_id", payment.ID.String()),
		zap.String("reason", reason))

	newValues := map[string]interface{}{"mismatch_reason": reason}
	for k, v := range detail {
		newValues[k] = v
	}
	return s.audit.Record(tx, models.AuditEntityPayment, payment.ID, "reconciliation_mismatched", nil, newValues, nil)
}

// appliedTotal sums a payment's applications.
func (s *PaymentService) appliedTotal(tx *gorm.DB, paymentID uuid.UUID) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal `gorm:"column:total"`
	}
	err := tx.Model(&models.InvoicePayment{}).
		Select("COALESCE(SUM(amount_applied), 0) AS total").
		Where("payment_id = ?", paymentID).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum payment applications: %w", err)
	}
	return result.Total.Round(2), nil
}

func (s *PaymentService) publish(ctx context.Context, topic string, payment *models.Payment) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishAsync(ctx, topic, payment); err != nil {
		s.logger.Warn("failed to publish payment event", zap.String("topic", topic), zap.Error(err))
	}
}
