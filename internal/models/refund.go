package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RefundType distinguishes full from partial refunds.
type RefundType string

const (
	RefundTypeFull    RefundType = "full"
	RefundTypePartial RefundType = "partial"
)

func (t RefundType) IsValid() bool {
	return t == RefundTypeFull || t == RefundTypePartial
}

// RefundMethod is the channel the money returns through.
type RefundMethod string

const (
	RefundMethodStripe       RefundMethod = "stripe"
	RefundMethodBankTransfer RefundMethod = "bank_transfer"
)

func (m RefundMethod) IsValid() bool {
	return m == RefundMethodStripe || m == RefundMethodBankTransfer
}

// RefundStatus is the processing status of a refund.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusProcessed RefundStatus = "processed"
	RefundStatusFailed    RefundStatus = "failed"
)

func (s RefundStatus) IsValid() bool {
	switch s {
	case RefundStatusPending, RefundStatusProcessed, RefundStatusFailed:
		return true
	}
	return false
}

// AllowsProcessing returns true when the refund may be (re)submitted.
func (s RefundStatus) AllowsProcessing() bool {
	return s == RefundStatusPending || s == RefundStatusFailed
}

// Refund reverses part or all of a payment application. Stripe refunds
// require the source payment to carry a charge id.
type Refund struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	InvoiceID uuid.UUID `json:"invoice_id" gorm:"type:uuid;not null;index"`
	PaymentID uuid.UUID `json:"payment_id" gorm:"type:uuid;not null;index"`

	RefundType RefundType      `json:"refund_type" gorm:"size:16;not null"`
	Method     RefundMethod    `json:"method" gorm:"size:32;not null"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:decimal(20,2);not null"`
	Currency   string          `json:"currency" gorm:"size:3;not null"`
	Reason     string          `json:"reason" gorm:"not null"`

	Status RefundStatus `json:"status" gorm:"size:32;not null;default:'pending';index"`

	StripeRefundID   string         `json:"stripe_refund_id,omitempty" gorm:"index"`
	BankReference    string         `json:"bank_reference,omitempty"`
	FailureMessage   string         `json:"failure_message,omitempty"`
	ProviderResponse datatypes.JSON `json:"provider_response,omitempty"`

	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (r *Refund) TableName() string { return "refunds" }

func (r *Refund) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
