package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/models"
)

var webhookTracer = otel.Tracer("settlement/webhooks")

// WebhookService ingests processor events: dedup, persistence, dispatch
// to the payment and refund services, and retry of failed events.
type WebhookService struct {
	db       *gorm.DB
	payments *PaymentService
	refunds  *RefundService
	invoices *InvoiceService
	logger   *zap.Logger
}

func NewWebhookService(db *gorm.DB, payments *PaymentService, refunds *RefundService, invoices *InvoiceService, logger *zap.Logger) *WebhookService {
	return &WebhookService{db: db, payments: payments, refunds: refunds, invoices: invoices, logger: logger}
}

// ProcessEvent records and dispatches one processor event. The
// processor event id is the dedup key: an event already processed is
// acknowledged without side effects, so the processor can redeliver
// freely.
func (s *WebhookService) ProcessEvent(ctx context.Context, event *stripe.Event, raw []byte) error {
	ctx, span := webhookTracer.Start(ctx, "webhook.process", trace.WithAttributes(
		attribute.String("stripe.event_id", event.ID),
		attribute.String("stripe.event_type", string(event.Type)),
	))
	defer span.End()

	var record models.StripeWebhookEvent
	err := s.db.WithContext(ctx).First(&record, "event_id = ?", event.ID).Error
	switch {
	case err == nil:
		if record.Status == models.WebhookStatusProcessed {
			s.logger.Info("webhook event already processed, skipping",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
			return nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = models.StripeWebhookEvent{
			EventID:    event.ID,
			EventType:  string(event.Type),
			Payload:    datatypes.JSON(raw),
			Status:     models.WebhookStatusReceived,
			ReceivedAt: time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record webhook event: %w", err)
		}
	default:
		return fmt.Errorf("failed to look up webhook event: %w", err)
	}

	if err := s.dispatch(ctx, event); err != nil {
		s.markEvent(ctx, &record, models.WebhookStatusFailed, err.Error())
		return fmt.Errorf("failed to process %s event %s: %w", event.Type, event.ID, err)
	}

	s.markEvent(ctx, &record, models.WebhookStatusProcessed, "")
	return nil
}

// RetryFailedWebhook reprocesses one failed event from its stored
// payload.
func (s *WebhookService) RetryFailedWebhook(ctx context.Context, eventID string) error {
	var record models.StripeWebhookEvent
	if err := s.db.WithContext(ctx).First(&record, "event_id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: webhook event %s", ErrNotFound, eventID)
		}
		return fmt.Errorf("failed to load webhook event: %w", err)
	}

	if record.Status == models.WebhookStatusProcessed {
		return fmt.Errorf("%w: webhook event %s is already processed", ErrValidation, eventID)
	}

	var event stripe.Event
	if err := json.Unmarshal(record.Payload, &event); err != nil {
		return fmt.Errorf("failed to decode stored webhook payload: %w", err)
	}

	record.RetryCount++
	record.Status = models.WebhookStatusPendingRetry
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}

	if err := s.dispatch(ctx, &event); err != nil {
		s.markEvent(ctx, &record, models.WebhookStatusFailed, err.Error())
		return fmt.Errorf("failed to reprocess event %s: %w", eventID, err)
	}
	s.markEvent(ctx, &record, models.WebhookStatusProcessed, "")
	return nil
}

// RetryAllFailedWebhooks reprocesses every failed event, oldest first.
// Individual failures are logged and skipped.
func (s *WebhookService) RetryAllFailedWebhooks(ctx context.Context) (int, error) {
	var records []models.StripeWebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", models.WebhookStatusFailed).
		Order("received_at ASC").
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch failed webhook events: %w", err)
	}

	retried := 0
	for _, record := range records {
		if err := s.RetryFailedWebhook(ctx, record.EventID); err != nil {
			s.logger.Warn("webhook retry failed",
				zap.String("event_id", record.EventID),
				zap.Error(err))
			continue
		}
		retried++
	}
	return retried, nil
}

func (s *WebhookService) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		return s.handlePaymentIntentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		return s.handlePaymentIntentFailed(ctx, event)
	case "charge.refunded":
		return s.handleChargeRefunded(ctx, event)
	case "charge.dispute.created":
		return s.handleDisputeCreated(ctx, event)
	default:
		// Unknown types are acknowledged so the processor stops
		// redelivering them.
		s.logger.Info("ignoring unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return nil
	}
}

func (s *WebhookService) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to decode payment intent: %w", err)
	}

	intent := &ProcessorPaymentIntent{
		IntentID:    pi.ID,
		AmountMinor: pi.Amount,
		Currency:    string(pi.Currency),
	}
	if pi.Customer != nil {
		intent.StripeCustomerID = pi.Customer.ID
	}
	if pi.LatestCharge != nil {
		intent.ChargeID = pi.LatestCharge.ID
	}
	if len(pi.Metadata) > 0 {
		intent.Metadata = make(map[string]interface{}, len(pi.Metadata))
		for k, v := range pi.Metadata {
			intent.Metadata[k] = v
		}
	}

	_, err := s.payments.CreateFromProcessorEvent(ctx, intent)
	return err
}

// handlePaymentIntentFailed marks a previously recorded payment as
// failed. A failure for an intent we never recorded is just logged.
func (s *WebhookService) handlePaymentIntentFailed(ctx context.Context, event *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to decode payment intent: %w", err)
	}

	var payment models.Payment
	err := s.db.WithContext(ctx).First(&payment, "stripe_payment_intent_id = ?", pi.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Info("payment failure for unknown intent",
			zap.String("payment_intent_id", pi.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up payment: %w", err)
	}
	if payment.Status == models.PaymentStatusFailed {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := payment.Status
		payment.Status = models.PaymentStatusFailed
		if err := tx.Save(&payment).Error; err != nil {
			return fmt.Errorf("failed to mark payment failed: %w", err)
		}
		return s.payments.audit.Record(tx, models.AuditEntityPayment, payment.ID, "failed",
			map[string]interface{}{"status": string(old)},
			map[string]interface{}{"status": string(payment.Status)}, nil)
	})
}

// handleChargeRefunded records processor-initiated refunds. Each refund
// line is linked to the invoice the payment was first applied to; a
// refund on an unapplied payment is logged and skipped.
func (s *WebhookService) handleChargeRefunded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("failed to decode charge: %w", err)
	}

	var payment models.Payment
	err := s.db.WithContext(ctx).First(&payment, "stripe_charge_id = ?", charge.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && charge.PaymentIntent != nil {
		err = s.db.WithContext(ctx).First(&payment, "stripe_payment_intent_id = ?", charge.PaymentIntent.ID).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("refund for unknown charge", zap.String("charge_id", charge.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up payment: %w", err)
	}

	var application models.InvoicePayment
	err = s.db.WithContext(ctx).
		Where("payment_id = ?", payment.ID).
		Order("created_at ASC").
		First(&application).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("refund for unapplied payment, skipping",
			zap.String("payment_id", payment.ID.String()),
			zap.String("charge_id", charge.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load payment application: %w", err)
	}

	if charge.Refunds == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range charge.Refunds.Data {
			reason := ""
			if r.Reason != "" {
				reason = string(r.Reason)
			}
			if _, err := s.refunds.RecordExternalRefund(tx, &payment, application.InvoiceID, r.ID, r.Amount, reason); err != nil {
				return err
			}
		}
		return nil
	})
}

// handleDisputeCreated flags every invoice the disputed charge paid.
func (s *WebhookService) handleDisputeCreated(ctx context.Context, event *stripe.Event) error {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return fmt.Errorf("failed to decode dispute: %w", err)
	}
	if dispute.Charge == nil {
		return nil
	}

	var payment models.Payment
	err := s.db.WithContext(ctx).First(&payment, "stripe_charge_id = ?", dispute.Charge.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("dispute for unknown charge", zap.String("charge_id", dispute.Charge.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up payment: %w", err)
	}

	var applications []models.InvoicePayment
	if err := s.db.WithContext(ctx).Where("payment_id = ?", payment.ID).Find(&applications).Error; err != nil {
		return fmt.Errorf("failed to load payment applications: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, app := range applications {
			var invoice models.Invoice
			if err := tx.First(&invoice, "id = ?", app.InvoiceID).Error; err != nil {
				return fmt.Errorf("failed to load invoice: %w", err)
			}
			flagged, err := s.invoices.MarkDisputed(tx, &invoice, dispute.ID)
			if err != nil {
				return err
			}
			if flagged {
				s.logger.Warn("invoice flagged as disputed",
					zap.String("invoice_id", invoice.ID.String()),
					zap.String("dispute_id", dispute.ID))
			}
		}
		return nil
	})
}

func (s *WebhookService) markEvent(ctx context.Context, record *models.StripeWebhookEvent, status models.WebhookStatus, errMsg string) {
	record.Status = status
	record.ErrorMessage = errMsg
	if status == models.WebhookStatusProcessed {
		now := time.Now()
		record.ProcessedAt = &now
	}
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		s.logger.Error("failed to update webhook event status",
			zap.String("event_id", record.EventID),
			zap.Error(err))
	}
}
