package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/eventbus"
	"github.com/atelier-erp/settlement/internal/mediators"
	"github.com/atelier-erp/settlement/internal/models"
)

var syncTracer = otel.Tracer("settlement/sync")

// SyncService pushes invoices, credit notes and payments to the
// external ledger, one way. Every attempt leaves a sync log; a synced
// document is never pushed twice.
type SyncService struct {
	db     *gorm.DB
	client mediators.LedgerClient
	audit  *AuditService
	bus    eventbus.EventBus
	logger *zap.Logger

	enabled          bool
	maxRetries       int
	accountCode      string
	salesAccountCode string
	taxType          string
}

func NewSyncService(db *gorm.DB, client mediators.LedgerClient, audit *AuditService, bus eventbus.EventBus, logger *zap.Logger, enabled bool, maxRetries int, accountCode, salesAccountCode, taxType string) *SyncService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SyncService{
		db:               db,
		client:           client,
		audit:            audit,
		bus:              bus,
		logger:           logger,
		enabled:          enabled,
		maxRetries:       maxRetries,
		accountCode:      accountCode,
		salesAccountCode: salesAccountCode,
		taxType:          taxType,
	}
}

// SyncInvoice pushes one invoice to the external ledger. Idempotent: an
// invoice that already carries an external id with a synced log returns
// that log without another call.
func (s *SyncService) SyncInvoice(ctx context.Context, invoiceID uuid.UUID) (*models.XeroSyncLog, error) {
	ctx, span := syncTracer.Start(ctx, "sync.invoice")
	defer span.End()
	span.SetAttributes(attribute.String("entity_id", invoiceID.String()))

	var invoice models.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
		}
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	if invoice.Status == models.InvoiceStatusDraft {
		return nil, fmt.Errorf("%w: draft invoices are not synced", ErrValidation)
	}

	if !s.enabled {
		return s.bypass(ctx, models.SyncTypeInvoice, invoice.ID)
	}

	if invoice.XeroInvoiceID != "" {
		if log := s.latestSyncedLog(ctx, models.SyncTypeInvoice, invoice.ID); log != nil {
			return log, nil
		}
	}

	var customer models.Customer
	if err := s.db.WithContext(ctx).First(&customer, "id = ?", invoice.CustomerID).Error; err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}

	doc := &mediators.LedgerInvoiceDocument{
		Type:          "ACCREC",
		InvoiceNumber: invoice.InvoiceNumber,
		Contact: mediators.LedgerContact{
			ContactID: customer.XeroContactID,
			Name:      customer.Name,
		},
		Date:            invoice.CreatedAt.Format("2006-01-02"),
		CurrencyCode:    invoice.Currency,
		LineAmountTypes: "Exclusive",
		LineItems: []mediators.LedgerLineItem{{
			Description: fmt.Sprintf("Invoice %s", invoice.InvoiceNumber),
			Quantity:    1,
			UnitAmount:  invoice.TotalAmount.StringFixed(2),
			AccountCode: s.salesAccountCode,
			TaxType:     s.taxType,
		}},
		Status: "AUTHORISED",
	}
	if invoice.DueDate != nil {
		doc.DueDate = invoice.DueDate.Format("2006-01-02")
	}

	return s.execute(ctx, models.SyncTypeInvoice, invoice.ID, doc, func(ctx context.Context) (*mediators.LedgerResponse, error) {
		return s.client.CreateInvoice(ctx, doc)
	}, func(tx *gorm.DB, externalID string) error {
		invoice.XeroInvoiceID = externalID
		invoice.SyncPending = false
		if err := tx.Save(&invoice).Error; err != nil {
			return fmt.Errorf("failed to store external invoice id: %w", err)
		}
		return nil
	})
}

// SyncCreditNote pushes one issued credit note to the external ledger.
func (s *SyncService) SyncCreditNote(ctx context.Context, noteID uuid.UUID) (*models.XeroSyncLog, error) {
	ctx, span := syncTracer.Start(ctx, "sync.credit_note")
	defer span.End()
	span.SetAttributes(attribute.String("entity_id", noteID.String()))

	var note models.CreditNote
	if err := s.db.WithContext(ctx).First(&note, "id = ?", noteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: credit note %s", ErrNotFound, noteID)
		}
		return nil, fmt.Errorf("failed to load credit note: %w", err)
	}
	if note.Status == models.CreditNoteStatusDraft {
		return nil, fmt.Errorf("%w: draft credit notes are not synced", ErrValidation)
	}

	if !s.enabled {
		return s.bypass(ctx, models.SyncTypeCreditNote, note.ID)
	}

	if note.XeroCreditNoteID != "" {
		if log := s.latestSyncedLog(ctx, models.SyncTypeCreditNote, note.ID); log != nil {
			return log, nil
		}
	}

	var customer models.Customer
	if err := s.db.WithContext(ctx).First(&customer, "id = ?", note.CustomerID).Error; err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}

	number := ""
	if note.Number != nil {
		number = *note.Number
	}
	doc := &mediators.LedgerCreditNoteDocument{
		Type:             "ACCRECCREDIT",
		CreditNoteNumber: number,
		Contact: mediators.LedgerContact{
			ContactID: customer.XeroContactID,
			Name:      customer.Name,
		},
		Date:         note.CreatedAt.Format("2006-01-02"),
		CurrencyCode: note.Currency,
		LineItems: []mediators.LedgerLineItem{{
			Description: note.Reason,
			Quantity:    1,
			UnitAmount:  note.Amount.StringFixed(2),
			AccountCode: s.salesAccountCode,
			TaxType:     s.taxType,
		}},
		Status: "AUTHORISED",
	}

	return s.execute(ctx, models.SyncTypeCreditNote, note.ID, doc, func(ctx context.Context) (*mediators.LedgerResponse, error) {
		return s.client.CreateCreditNote(ctx, doc)
	}, func(tx *gorm.DB, externalID string) error {
		note.XeroCreditNoteID = externalID
		if err := tx.Save(&note).Error; err != nil {
			return fmt.Errorf("failed to store external credit note id: %w", err)
		}
		return nil
	})
}

// SyncPayment pushes one payment to the external ledger. The payment
// must be applied to an invoice that has already been synced; the
// ledger rejects payments against invoices it has never seen.
func (s *SyncService) SyncPayment(ctx context.Context, paymentID uuid.UUID) (*models.XeroSyncLog, error) {
	ctx, span := syncTracer.Start(ctx, "sync.payment")
	defer span.End()
	span.SetAttributes(attribute.String("entity_id", paymentID.String()))

	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
		}
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	if !s.enabled {
		return s.bypass(ctx, models.SyncTypePayment, payment.ID)
	}

	if payment.XeroPaymentID != "" {
		if log := s.latestSyncedLog(ctx, models.SyncTypePayment, payment.ID); log != nil {
			return log, nil
		}
	}

	var application models.InvoicePayment
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", payment.ID).
		Order("created_at ASC").
		First(&application).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: payment %s is not applied to any invoice", ErrValidation, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment application: %w", err)
	}

	var invoice models.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", application.InvoiceID).Error; err != nil {
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	if invoice.XeroInvoiceID == "" {
		return nil, fmt.Errorf("%w: invoice %s has not been synced yet", ErrValidation, invoice.ID)
	}

	reference := payment.BankReference
	if reference == "" && payment.StripePaymentIntentID != nil {
		reference = *payment.StripePaymentIntentID
	}
	doc := &mediators.LedgerPaymentDocument{
		Invoice:   mediators.LedgerInvoiceRef{InvoiceID: invoice.XeroInvoiceID},
		Account:   mediators.LedgerAccountRef{Code: s.accountCode},
		Date:      payment.ReceivedAt.Format("2006-01-02"),
		Amount:    application.AmountApplied.StringFixed(2),
		Reference: reference,
	}

	return s.execute(ctx, models.SyncTypePayment, payment.ID, doc, func(ctx context.Context) (*mediators.LedgerResponse, error) {
		return s.client.CreatePayment(ctx, doc)
	}, func(tx *gorm.DB, externalID string) error {
		payment.XeroPaymentID = externalID
		if err := tx.Save(&payment).Error; err != nil {
			return fmt.Errorf("failed to store external payment id: %w", err)
		}
		return nil
	})
}

// RetryFailed retries one failed sync log, re-dispatching by its type.
// A log past the retry budget is left alone.
func (s *SyncService) RetryFailed(ctx context.Context, logID uuid.UUID) (*models.XeroSyncLog, error) {
	var log models.XeroSyncLog
	if err := s.db.WithContext(ctx).First(&log, "id = ?", logID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: sync log %s", ErrNotFound, logID)
		}
		return nil, fmt.Errorf("failed to load sync log: %w", err)
	}

	if !log.Status.IsRetryable() {
		return nil, fmt.Errorf("%w: sync log in status %s cannot be retried", ErrValidation, log.Status)
	}
	if log.RetryCount >= s.maxRetries {
		return nil, fmt.Errorf("%w: sync log %s exhausted its %d retries", ErrValidation, logID, s.maxRetries)
	}

	log.RetryCount++
	if err := s.db.WithContext(ctx).Save(&log).Error; err != nil {
		return nil, fmt.Errorf("failed to update sync log: %w", err)
	}

	switch log.SyncType {
	case models.SyncTypeInvoice:
		return s.SyncInvoice(ctx, log.EntityID)
	case models.SyncTypeCreditNote:
		return s.SyncCreditNote(ctx, log.EntityID)
	case models.SyncTypePayment:
		return s.SyncPayment(ctx, log.EntityID)
	default:
		return nil, fmt.Errorf("%w: unknown sync type %q", ErrValidation, log.SyncType)
	}
}

// RetryAllFailed retries every retryable sync log within budget.
// Individual failures are logged and skipped.
func (s *SyncService) RetryAllFailed(ctx context.Context) (int, error) {
	var logs []models.XeroSyncLog
	err := s.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", models.SyncStatusFailed, s.maxRetries).
		Order("created_at ASC").
		Find(&logs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch failed sync logs: %w", err)
	}

	retried := 0
	for _, log := range logs {
		if _, err := s.RetryFailed(ctx, log.ID); err != nil {
			s.logger.Warn("sync retry failed",
				zap.String("sync_log_id", log.ID.String()),
				zap.String("sync_type", string(log.SyncType)),
				zap.Error(err))
			continue
		}
		retried++
	}
	return retried, nil
}

// ListSyncLogs returns sync logs with optional type and status filters.
func (s *SyncService) ListSyncLogs(ctx context.Context, syncType, status string, page, limit int) ([]models.XeroSyncLog, int64, error) {
	var logs []models.XeroSyncLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.XeroSyncLog{})
	if syncType != "" {
		query = query.Where("sync_type = ?", syncType)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count sync logs: %w", err)
	}

	offset := (page - 1) * limit
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch sync logs: %w", err)
	}
	return logs, total, nil
}

// execute runs one sync attempt: a pending log is committed before the
// external call so a crash mid-call leaves evidence, then the entity
// and log are finalized together in a second transaction.
func (s *SyncService) execute(ctx context.Context, syncType models.SyncType, entityID uuid.UUID, doc interface{}, call func(context.Context) (*mediators.LedgerResponse, error), store func(*gorm.DB, string) error) (*models.XeroSyncLog, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync payload: %w", err)
	}

	log := &models.XeroSyncLog{
		SyncType:       syncType,
		EntityID:       entityID,
		Status:         models.SyncStatusPending,
		RequestPayload: datatypes.JSON(payload),
	}
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}

	resp, callErr := call(ctx)
	if callErr != nil {
		log.Status = models.SyncStatusFailed
		log.ErrorMessage = callErr.Error()
		if err := s.db.WithContext(ctx).Save(log).Error; err != nil {
			s.logger.Error("failed to record sync failure", zap.Error(err))
		}
		s.logger.Error("ledger sync failed",
			zap.String("sync_type", string(syncType)),
			zap.String("entity_id", entityID.String()),
			zap.Error(callErr))
		return log, fmt.Errorf("failed to sync %s %s: %w", syncType, entityID, callErr)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := store(tx, resp.ID); err != nil {
			return err
		}
		now := time.Now()
		log.Status = models.SyncStatusSynced
		log.XeroID = resp.ID
		log.ResponsePayload = datatypes.JSON(resp.Raw)
		log.SyncedAt = &now
		if err := tx.Save(log).Error; err != nil {
			return fmt.Errorf("failed to finalize sync log: %w", err)
		}
		return s.audit.Record(tx, models.AuditEntitySyncLog, log.ID, "synced", nil, map[string]interface{}{
			"sync_type": string(syncType),
			"entity_id": entityID.String(),
			"xero_id":   resp.ID,
		}, nil)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("document synced to ledger",
		zap.String("sync_type", string(syncType)),
		zap.String("entity_id", entityID.String()),
		zap.String("xero_id", resp.ID))

	if s.bus != nil {
		if err := s.bus.PublishAsync(ctx, eventbus.TopicLedgerSynced, log); err != nil {
			s.logger.Warn("failed to publish sync event", zap.Error(err))
		}
	}
	return log, nil
}

// bypass records a synthetic synced log when sync is globally disabled
// so downstream consumers see a consistent trail.
func (s *SyncService) bypass(ctx context.Context, syncType models.SyncType, entityID uuid.UUID) (*models.XeroSyncLog, error) {
	now := time.Now()
	log := &models.XeroSyncLog{
		SyncType: syncType,
		EntityID: entityID,
		Status:   models.SyncStatusSynced,
		Bypassed: true,
		SyncedAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return nil, fmt.Errorf("failed to create bypass log: %w", err)
	}
	s.logger.Info("ledger sync disabled, bypassing",
		zap.String("sync_type", string(syncType)),
		zap.String("entity_id", entityID.String()))
	return log, nil
}

// latestSyncedLog returns the newest synced log for an entity, nil when
// none exists.
func (s *SyncService) latestSyncedLog(ctx context.Context, syncType models.SyncType, entityID uuid.UUID) *models.XeroSyncLog {
	var log models.XeroSyncLog
	err := s.db.WithContext(ctx).
		Where("sync_type = ? AND entity_id = ? AND status = ?", syncType, entityID, models.SyncStatusSynced).
		Order("created_at DESC").
		First(&log).Error
	if err != nil {
		return nil
	}
	return &log
}
