package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusIssued        InvoiceStatus = "issued"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusCredited      InvoiceStatus = "credited"
	InvoiceStatusDisputed      InvoiceStatus = "disputed"
)

// IsValid checks whether the status is a known InvoiceStatus.
func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusIssued, InvoiceStatusPartiallyPaid,
		InvoiceStatusPaid, InvoiceStatusCredited, InvoiceStatusDisputed:
		return true
	}
	return false
}

func (s InvoiceStatus) String() string { return string(s) }

// IsTerminal returns true when no further transition is allowed.
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusCredited || s == InvoiceStatusDisputed
}

// invoiceTransitions is the closed transition table. Transitions are
// monotonic except Disputed, which is reachable from any non-terminal
// status.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:         {InvoiceStatusIssued, InvoiceStatusDisputed},
	InvoiceStatusIssued:        {InvoiceStatusPartiallyPaid, InvoiceStatusPaid, InvoiceStatusCredited, InvoiceStatusDisputed},
	InvoiceStatusPartiallyPaid: {InvoiceStatusPaid, InvoiceStatusCredited, InvoiceStatusDisputed},
	InvoiceStatusPaid:          {InvoiceStatusCredited, InvoiceStatusDisputed},
	InvoiceStatusCredited:      {},
	InvoiceStatusDisputed:      {},
}

// CanTransitionTo reports whether the status may move to target.
func (s InvoiceStatus) CanTransitionTo(target InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// AllowsPayment returns true when payments may still be applied.
func (s InvoiceStatus) AllowsPayment() bool {
	return s == InvoiceStatusIssued || s == InvoiceStatusPartiallyPaid
}

// AllowsCreditNote returns true when credit notes may be raised.
func (s InvoiceStatus) AllowsCreditNote() bool {
	return s == InvoiceStatusIssued || s == InvoiceStatusPartiallyPaid || s == InvoiceStatusPaid
}

// Invoice is the receivable document that payments and credit notes
// settle against. Line items, tax and pricing are owned by the invoicing
// engine; this core only moves the monetary totals and the status.
type Invoice struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	InvoiceNumber string          `json:"invoice_number" gorm:"index"`
	CustomerID    uuid.UUID       `json:"customer_id" gorm:"type:uuid;not null;index"`
	TotalAmount   decimal.Decimal `json:"total_amount" gorm:"type:decimal(20,2);not null"`
	AmountPaid    decimal.Decimal `json:"amount_paid" gorm:"type:decimal(20,2);not null;default:0"`
	Currency      string          `json:"currency" gorm:"size:3;not null"`
	Status        InvoiceStatus   `json:"status" gorm:"size:32;not null;default:'draft';index"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	Notes         string          `json:"notes,omitempty"`

	// External ledger linkage.
	XeroInvoiceID string `json:"xero_invoice_id,omitempty" gorm:"index"`
	SyncPending   bool   `json:"sync_pending" gorm:"default:false;index"`

	// Set when a card-network dispute flags this invoice.
	StripeDisputeID string `json:"stripe_dispute_id,omitempty"`

	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (i *Invoice) TableName() string { return "invoices" }

func (i *Invoice) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// Outstanding is the amount still owed, rounded to 2 decimals and
// floored at zero.
func (i *Invoice) Outstanding() decimal.Decimal {
	out := i.TotalAmount.Sub(i.AmountPaid).Round(2)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
