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
	"github.com/atelier-erp/settlement/internal/mediators"
	"github.com/atelier-erp/settlement/internal/models"
)

// RefundService creates refunds against applied payments and drives
// them through the processor with a bounded retry budget.
type RefundService struct {
	db      *gorm.DB
	gateway mediators.RefundGateway
	audit   *AuditService
	bus     eventbus.EventBus
	logger  *zap.Logger

	maxAttempts int
	baseDelay   time.Duration
}

func NewRefundService(db *gorm.DB, gateway mediators.RefundGateway, audit *AuditService, bus eventbus.EventBus, logger *zap.Logger, maxAttempts int, baseDelay time.Duration) *RefundService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RefundService{
		db:          db,
		gateway:     gateway,
		audit:       audit,
		bus:         bus,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Create records a pending refund against an existing payment
// application. A Stripe refund requires the source payment to carry a
// charge id; the money cannot go back through a channel it never came
// in on.
func (s *RefundService) Create(ctx context.Context, invoiceID, paymentID uuid.UUID, amount decimal.Decimal, method models.RefundMethod, reason string) (*models.Refund, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive, got %s", ErrValidation, amount.StringFixed(2))
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: refund reason is required", ErrValidation)
	}
	if !method.IsValid() {
		return nil, fmt.Errorf("%w: unknown refund method %q", ErrValidation, method)
	}

	var refund *models.Refund
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.First(&payment, "id = ?", paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
			}
			return fmt.Errorf("failed to load payment: %w", err)
		}

		var application models.InvoicePayment
		err := tx.First(&application, "invoice_id = ? AND payment_id = ?", invoiceID, paymentID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment %s was never applied to invoice %s", ErrValidation, paymentID, invoiceID)
			}
			return fmt.Errorf("failed to load payment application: %w", err)
		}

		if amount.GreaterThan(application.AmountApplied.Round(2)) {
			return fmt.Errorf("%w: amount %s exceeds applied amount %s", ErrValidation, amount.StringFixed(2), application.AmountApplied.StringFixed(2))
		}

		if method == models.RefundMethodStripe && payment.StripeChargeID == "" {
			return fmt.Errorf("%w: payment %s has no charge id for a stripe refund", ErrValidation, paymentID)
		}

		refundType := models.RefundTypePartial
		if amount.Equal(application.AmountApplied.Round(2)) {
			refundType = models.RefundTypeFull
		}

		refund = &models.Refund{
			InvoiceID:  invoiceID,
			PaymentID:  paymentID,
			RefundType: refundType,
			Method:     method,
			Amount:     amount,
			Currency:   payment.Currency,
			Reason:     reason,
			Status:     models.RefundStatusPending,
		}
		if err := tx.Create(refund).Error; err != nil {
			return fmt.Errorf("failed to create refund: %w", err)
		}

		return s.audit.Record(tx, models.AuditEntityRefund, refund.ID, "created", nil, map[string]interface{}{
			"invoice_id": invoiceID.String(),
			"payment_id": paymentID.String(),
			"amount":     amount.StringFixed(2),
			"method":     string(method),
			"reason":     reason,
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// ProcessStripeRefund submits a pending Stripe refund to the processor
// with up to maxAttempts attempts. Transient failures back off linearly
// (baseDelay times the attempt number) before retrying; a non-transient
// failure consumes no further attempts. Exhausting the budget marks the
// refund failed and returns the last error.
func (s *RefundService) ProcessStripeRefund(ctx context.Context, refundID uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	if err := s.db.WithContext(ctx).First(&refund, "id = ?", refundID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: refund %s", ErrNotFound, refundID)
		}
		return nil, fmt.Errorf("failed to load refund: %w", err)
	}

	if refund.Method != models.RefundMethodStripe {
		return nil, fmt.Errorf("%w: refund %s is a %s refund", ErrValidation, refundID, refund.Method)
	}
	if !refund.Status.AllowsProcessing() {
		return nil, fmt.Errorf("%w: refund in status %s cannot be processed", ErrValidation, refund.Status)
	}

	// A refund that already carries a processor id was submitted once;
	// verify its state instead of submitting a duplicate.
	if refund.StripeRefundID != "" {
		result, err := s.gateway.GetRefund(ctx, refund.StripeRefundID)
		if err != nil {
			return nil, fmt.Errorf("failed to verify refund %s: %w", refund.StripeRefundID, err)
		}
		if result.Succeeded() {
			if err := s.finalizeProcessed(ctx, &refund, result); err != nil {
				return nil, err
			}
			return &refund, nil
		}
	}

	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", refund.PaymentID).Error; err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	req := &mediators.RefundRequest{
		RefundID:    refund.ID,
		InvoiceID:   refund.InvoiceID,
		ChargeID:    payment.StripeChargeID,
		AmountMinor: refund.Amount.Mul(decimal.NewFromInt(100)).IntPart(),
		Reason:      refund.Reason,
	}

	var result *mediators.RefundResult
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, lastErr = s.gateway.CreateRefund(ctx, req)
		if lastErr == nil {
			break
		}

		s.logger.Warn("refund attempt failed",
			zap.String("refund_id", refund.ID.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(lastErr))

		if !mediators.IsRetryableError(lastErr) {
			break
		}
		if attempt < s.maxAttempts {
			select {
			case <-time.After(s.baseDelay * time.Duration(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = s.maxAttempts
			}
		}
	}

	if lastErr != nil {
		msg := fmt.Sprintf("refund failed after %d attempts: %v", s.maxAttempts, lastErr)
		if !mediators.IsRetryableError(lastErr) {
			msg = fmt.Sprintf("refund rejected: %v", lastErr)
		}
		if err := s.markFailed(ctx, &refund, msg); err != nil {
			return nil, err
		}
		return &refund, fmt.Errorf("failed to process refund %s: %w", refund.ID, lastErr)
	}

	if err := s.finalizeProcessed(ctx, &refund, result); err != nil {
		return nil, err
	}
	return &refund, nil
}

// MarkProcessed completes a bank transfer refund once the operator has
// sent the money and recorded the bank reference.
func (s *RefundService) MarkProcessed(ctx context.Context, refundID uuid.UUID, bankReference string) (*models.Refund, error) {
	if strings.TrimSpace(bankReference) == "" {
		return nil, fmt.Errorf("%w: bank reference is required", ErrValidation)
	}

	var refund models.Refund
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&refund, "id = ?", refundID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: refund %s", ErrNotFound, refundID)
			}
			return fmt.Errorf("failed to load refund: %w", err)
		}
		if refund.Method != models.RefundMethodBankTransfer {
			return fmt.Errorf("%w: refund %s is a %s refund", ErrValidation, refundID, refund.Method)
		}
		if !refund.Status.AllowsProcessing() {
			return fmt.Errorf("%w: refund in status %s cannot be processed", ErrValidation, refund.Status)
		}

		now := time.Now()
		old := refund.Status
		refund.Status = models.RefundStatusProcessed
		refund.BankReference = bankReference
		refund.FailureMessage = ""
		refund.ProcessedAt = &now
		if err := tx.Save(&refund).Error; err != nil {
			return fmt.Errorf("failed to mark refund processed: %w", err)
		}

		if err := s.audit.Record(tx, models.AuditEntityRefund, refund.ID, "processed",
			map[string]interface{}{"status": string(old)},
			map[string]interface{}{"status": string(refund.Status), "bank_reference": bankReference}, nil); err != nil {
			return err
		}

		return s.rollUpPayment(tx, refund.PaymentID)
	})
	if err != nil {
		return nil, err
	}

	s.publishProcessed(ctx, &refund)
	return &refund, nil
}

// RetryRefund resubmits a failed refund. Stripe refunds go back through
// the processor; bank refunds just return to pending for the operator.
func (s *RefundService) RetryRefund(ctx context.Context, refundID uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	if err := s.db.WithContext(ctx).First(&refund, "id = ?", refundID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: refund %s", ErrNotFound, refundID)
		}
		return nil, fmt.Errorf("failed to load refund: %w", err)
	}

	if refund.Status != models.RefundStatusFailed {
		return nil, fmt.Errorf("%w: refund in status %s cannot be retried", ErrValidation, refund.Status)
	}

	if refund.Method == models.RefundMethodStripe {
		return s.ProcessStripeRefund(ctx, refundID)
	}

	refund.Status = models.RefundStatusPending
	refund.FailureMessage = ""
	if err := s.db.WithContext(ctx).Save(&refund).Error; err != nil {
		return nil, fmt.Errorf("failed to reset refund: %w", err)
	}
	return &refund, nil
}

// RecordExternalRefund records a refund initiated at the processor
// (seen via webhook) as already processed. Idempotent on the processor
// refund id.
func (s *RefundService) RecordExternalRefund(tx *gorm.DB, payment *models.Payment, invoiceID uuid.UUID, stripeRefundID string, amountMinor int64, reason string) (*models.Refund, error) {
	var existing models.Refund
	err := tx.First(&existing, "stripe_refund_id = ?", stripeRefundID).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up refund: %w", err)
	}

	if reason == "" {
		reason = "refunded at processor"
	}
	now := time.Now()
	refund := &models.Refund{
		InvoiceID:      invoiceID,
		PaymentID:      payment.ID,
		RefundType:     models.RefundTypePartial,
		Method:         models.RefundMethodStripe,
		Amount:         decimal.New(amountMinor, -2),
		Currency:       payment.Currency,
		Reason:         reason,
		Status:         models.RefundStatusProcessed,
		StripeRefundID: stripeRefundID,
		ProcessedAt:    &now,
	}
	if refund.Amount.Equal(payment.Amount.Round(2)) {
		refund.RefundType = models.RefundTypeFull
	}
	if err := tx.Create(refund).Error; err != nil {
		return nil, fmt.Errorf("failed to record external refund: %w", err)
	}

	if err := s.audit.Record(tx, models.AuditEntityRefund, refund.ID, "recorded_external", nil, map[string]interface{}{
		"payment_id":       payment.ID.String(),
		"stripe_refund_id": stripeRefundID,
		"amount":           refund.Amount.StringFixed(2),
	}, nil); err != nil {
		return nil, err
	}

	if err := s.rollUpPayment(tx, payment.ID); err != nil {
		return nil, err
	}
	return refund, nil
}

// finalizeProcessed stores the processor result and rolls the payment
// up, in one transaction.
func (s *RefundService) finalizeProcessed(ctx context.Context, refund *models.Refund, result *mediators.RefundResult) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		old := refund.Status
		refund.Status = models.RefundStatusProcessed
		refund.StripeRefundID = result.ID
		refund.FailureMessage = ""
		refund.ProviderResponse = datatypes.JSON(result.Raw)
		refund.ProcessedAt = &now
		if err := tx.Save(refund).Error; err != nil {
			return fmt.Errorf("failed to mark refund processed: %w", err)
		}

		if err := s.audit.Record(tx, models.AuditEntityRefund, refund.ID, "processed",
			map[string]interface{}{"status": string(old)},
			map[string]interface{}{"status": string(refund.Status), "stripe_refund_id": result.ID}, nil); err != nil {
			return err
		}

		return s.rollUpPayment(tx, refund.PaymentID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("refund processed",
		zap.String("refund_id", refund.ID.String()),
		zap.String("stripe_refund_id", refund.StripeRefundID),
		zap.String("amount", refund.Amount.StringFixed(2)))
	s.publishProcessed(ctx, refund)
	return nil
}

func (s *RefundService) markFailed(ctx context.Context, refund *models.Refund, message string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := refund.Status
		refund.Status = models.RefundStatusFailed
		refund.FailureMessage = message
		if err := tx.Save(refund).Error; err != nil {
			return fmt.Errorf("failed to mark refund failed: %w", err)
		}
		return s.audit.Record(tx, models.AuditEntityRefund, refund.ID, "failed",
			map[string]interface{}{"status": string(old)},
			map[string]interface{}{"status": string(refund.Status), "failure_message": message}, nil)
	})
}

// rollUpPayment marks the payment refunded once processed refunds cover
// everything that was applied from it.
func (s *RefundService) rollUpPayment(tx *gorm.DB, paymentID uuid.UUID) error {
	var payment models.Payment
	if err := tx.First(&payment, "id = ?", paymentID).Error; err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}
	if payment.Status == models.PaymentStatusRefunded {
		return nil
	}

	var applied struct {
		Total decimal.Decimal `gorm:"column:total"`
	}
	if err := tx.Model(&models.InvoicePayment{}).
		Select("COALESCE(SUM(amount_applied), 0) AS total").
		Where("payment_id = ?", paymentID).
		Scan(&applied).Error; err != nil {
		return fmt.Errorf("failed to sum payment applications: %w", err)
	}
	if !applied.Total.IsPositive() {
		return nil
	}

	var refunded struct {
		Total decimal.Decimal `gorm:"column:total"`
	}
	if err := tx.Model(&models.Refund{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("payment_id = ? AND status = ?", paymentID, models.RefundStatusProcessed).
		Scan(&refunded).Error; err != nil {
		return fmt.Errorf("failed to sum refunds: %w", err)
	}

	if refunded.Total.Round(2).LessThan(applied.Total.Round(2)) {
		return nil
	}

	old := payment.Status
	payment.Status = models.PaymentStatusRefunded
	if err := tx.Save(&payment).Error; err != nil {
		return fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	return s.audit.Record(tx, models.AuditEntityPayment, payment.ID, "refunded",
		map[string]interface{}{"status": string(old)},
		map[string]interface{}{"status": string(payment.Status), "refunded_total": refunded.Total.StringFixed(2)}, nil)
}

func (s *RefundService) publishProcessed(ctx context.Context, refund *models.Refund) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishAsync(ctx, eventbus.TopicRefundProcessed, refund); err != nil {
		s.logger.Warn("failed to publish refund event", zap.Error(err))
	}
}
