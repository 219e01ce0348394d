package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CreditNoteStatus is the lifecycle status of a credit note.
type CreditNoteStatus string

const (
	CreditNoteStatusDraft   CreditNoteStatus = "draft"
	CreditNoteStatusIssued  CreditNoteStatus = "issued"
	CreditNoteStatusApplied CreditNoteStatus = "applied"
)

func (s CreditNoteStatus) IsValid() bool {
	switch s {
	case CreditNoteStatusDraft, CreditNoteStatusIssued, CreditNoteStatusApplied:
		return true
	}
	return false
}

var creditNoteTransitions = map[CreditNoteStatus][]CreditNoteStatus{
	CreditNoteStatusDraft:   {CreditNoteStatusIssued},
	CreditNoteStatusIssued:  {CreditNoteStatusApplied},
	CreditNoteStatusApplied: {},
}

// CanTransitionTo reports whether the status may move to target.
func (s CreditNoteStatus) CanTransitionTo(target CreditNoteStatus) bool {
	for _, allowed := range creditNoteTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// CountsTowardCredit returns true when the note's amount offsets the
// invoice balance.
func (s CreditNoteStatus) CountsTowardCredit() bool {
	return s == CreditNoteStatusIssued || s == CreditNoteStatusApplied
}

// CreditNote offsets part or all of an invoice. The sequential number
// is assigned at issuance, format CN-<year>-<6 digit sequence>.
type CreditNote struct {
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	// Nil until issuance so unnumbered drafts don't collide on the
	// unique index.
	Number     *string         `json:"number,omitempty" gorm:"uniqueIndex"`
	InvoiceID  uuid.UUID       `json:"invoice_id" gorm:"type:uuid;not null;index"`
	CustomerID uuid.UUID       `json:"customer_id" gorm:"type:uuid;not null;index"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(20,2);not null"`
	Currency   string          `json:"currency" gorm:"size:3;not null"`
	Reason     string          `json:"reason" gorm:"not null"`

	Status CreditNoteStatus `json:"status" gorm:"size:32;not null;default:'draft';index"`

	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	IssuedBy  *uuid.UUID `json:"issued_by,omitempty" gorm:"type:uuid"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`

	XeroCreditNoteID string `json:"xero_credit_note_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *CreditNote) TableName() string { return "credit_notes" }

func (c *CreditNote) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
