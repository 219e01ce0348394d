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
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/eventbus"
	"github.com/atelier-erp/settlement/internal/models"
)

// CreditNoteService issues credit notes against invoices and keeps the
// invoice's credited state consistent.
type CreditNoteService struct {
	db     *gorm.DB
	audit  *AuditService
	bus    eventbus.EventBus
	logger *zap.Logger
}

func NewCreditNoteService(db *gorm.DB, audit *AuditService, bus eventbus.EventBus, logger *zap.Logger) *CreditNoteService {
	return &CreditNoteService{db: db, audit: audit, bus: bus, logger: logger}
}

// CreateDraft creates an unnumbered draft credit note against an
// invoice. The creditable limit is the invoice total minus what has
// already been paid and minus credit notes already counting against it.
func (s *CreditNoteService) CreateDraft(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reason string) (*models.CreditNote, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit note amount must be positive, got %s", ErrValidation, amount.StringFixed(2))
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: credit note reason is required", ErrValidation)
	}

	var note *models.CreditNote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice models.Invoice
		if err := tx.First(&invoice, "id = ?", invoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
			}
			return fmt.Errorf("failed to load invoice: %w", err)
		}

		if !invoice.Status.AllowsCreditNote() {
			return fmt.Errorf("%w: invoice in status %s cannot be credited", ErrValidation, invoice.Status)
		}

		credited, err := s.creditedTotal(tx, invoice.ID)
		if err != nil {
			return err
		}
		limit := invoice.TotalAmount.Sub(invoice.AmountPaid).Sub(credited).Round(2)
		if limit.IsNegative() {
			limit = decimal.Zero
		}
		if amount.GreaterThan(limit) {
			return fmt.Errorf("%w: amount %s exceeds creditable balance %s", ErrValidation, amount.StringFixed(2), limit.StringFixed(2))
		}

		note = &models.CreditNote{
			InvoiceID:  invoice.ID,
			CustomerID: invoice.CustomerID,
			Amount:     amount,
			Currency:   invoice.Currency,
			Reason:     reason,
			Status:     models.CreditNoteStatusDraft,
		}
		if err := tx.Create(note).Error; err != nil {
			return fmt.Errorf("failed to create credit note: %w", err)
		}

		return s.audit.Record(tx, models.AuditEntityCreditNote, note.ID, "created", nil, map[string]interface{}{
			"invoice_id": invoice.ID.String(),
			"amount":     amount.StringFixed(2),
			"currency":   note.Currency,
			"reason":     reason,
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// Issue assigns the next sequential number to a draft credit note and
// moves it to issued. When the issued and applied notes reach the
// invoice total, the invoice itself moves to credited.
func (s *CreditNoteService) Issue(ctx context.Context, noteID uuid.UUID, userID *uuid.UUID) (*models.CreditNote, error) {
	var note models.CreditNote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&note, "id = ?", noteID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: credit note %s", ErrNotFound, noteID)
			}
			return fmt.Errorf("failed to load credit note: %w", err)
		}

		if !note.Status.CanTransitionTo(models.CreditNoteStatusIssued) {
			return fmt.Errorf("%w: credit note in status %s cannot be issued", ErrValidation, note.Status)
		}

		number, err := nextSequentialNumber(tx, &models.CreditNote{}, "number", "CN", time.Now().Year())
		if err != nil {
			return err
		}

		now := time.Now()
		note.Number = &number
		note.Status = models.CreditNoteStatusIssued
		note.IssuedAt = &now
		note.IssuedBy = userID
		if err := tx.Save(&note).Error; err != nil {
			return fmt.Errorf("failed to issue credit note: %w", err)
		}

		if err := s.audit.Record(tx, models.AuditEntityCreditNote, note.ID, "issued",
			map[string]interface{}{"status": string(models.CreditNoteStatusDraft)},
			map[string]interface{}{"status": string(note.Status), "number": number}, userID); err != nil {
			return err
		}

		return s.propagateCredited(tx, note.InvoiceID, userID)
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		if err := s.bus.PublishAsync(ctx, eventbus.TopicCreditNoteIssued, &note); err != nil {
			s.logger.Warn("failed to publish credit note event", zap.Error(err))
		}
	}
	s.logger.Info("credit note issued",
		zap.String("credit_note_id", note.ID.String()),
		zap.Stringp("number", note.Number),
		zap.String("amount", note.Amount.StringFixed(2)))
	return &note, nil
}

// Apply marks an issued credit note as consumed by the customer. This
// is bookkeeping only; the note already counts against the invoice
// from issuance.
func (s *CreditNoteService) Apply(ctx context.Context, noteID uuid.UUID, userID *uuid.UUID) (*models.CreditNote, error) {
	var note models.CreditNote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&note, "id = ?", noteID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: credit note %s", ErrNotFound, noteID)
			}
			return fmt.Errorf("failed to load credit note: %w", err)
		}

		if !note.Status.CanTransitionTo(models.CreditNoteStatusApplied) {
			return fmt.Errorf("%w: credit note in status %s cannot be applied", ErrValidation, note.Status)
		}

		now := time.Now()
		note.Status = models.CreditNoteStatusApplied
		note.AppliedAt = &now
		if err := tx.Save(&note).Error; err != nil {
			return fmt.Errorf("failed to apply credit note: %w", err)
		}

		return s.audit.Record(tx, models.AuditEntityCreditNote, note.ID, "applied",
			map[string]interface{}{"status": string(models.CreditNoteStatusIssued)},
			map[string]interface{}{"status": string(note.Status)}, userID)
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// ListCreditNotes returns credit notes, optionally filtered by invoice.
func (s *CreditNoteService) ListCreditNotes(ctx context.Context, invoiceID *uuid.UUID, page, limit int) ([]models.CreditNote, int64, error) {
	var notes []models.CreditNote
	var total int64

	query := s.db.WithContext(ctx).Model(&models.CreditNote{})
	if invoiceID != nil {
		query = query.Where("invoice_id = ?", *invoiceID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count credit notes: %w", err)
	}

	offset := (page - 1) * limit
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&notes).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch credit notes: %w", err)
	}
	return notes, total, nil
}

// propagateCredited moves the invoice to credited once its counting
// credit notes cover the full invoice amount.
func (s *CreditNoteService) propagateCredited(tx *gorm.DB, invoiceID uuid.UUID, userID *uuid.UUID) error {
	var invoice models.Invoice
	if err := tx.First(&invoice, "id = ?", invoiceID).Error; err != nil {
		return fmt.Errorf("failed to load invoice: %w", err)
	}

	credited, err := s.creditedTotal(tx, invoice.ID)
	if err != nil {
		return err
	}
	if credited.LessThan(invoice.TotalAmount.Round(2)) {
		return nil
	}
	if !invoice.Status.CanTransitionTo(models.InvoiceStatusCredited) {
		return nil
	}

	old := invoice.Status
	invoice.Status = models.InvoiceStatusCredited
	invoice.SyncPending = true
	if err := tx.Save(&invoice).Error; err != nil {
		return fmt.Errorf("failed to mark invoice credited: %w", err)
	}

	s.logger.Info("invoice fully credited",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("credited_total", credited.StringFixed(2)))

	return s.audit.Record(tx, models.AuditEntityInvoice, invoice.ID, "status_changed",
		map[string]interface{}{"status": string(old)},
		map[string]interface{}{"status": string(invoice.Status), "reason": "fully_credited"}, userID)
}

// creditedTotal sums the issued and applied credit notes for an
// invoice.
func (s *CreditNoteService) creditedTotal(tx *gorm.DB, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal `gorm:"column:total"`
	}
	err := tx.Model(&models.CreditNote{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("invoice_id = ? AND status IN ?", invoiceID,
			[]models.CreditNoteStatus{models.CreditNoteStatusIssued, models.CreditNoteStatusApplied}).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum credit notes: %w", err)
	}
	return result.Total.Round(2), nil
}
