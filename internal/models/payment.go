package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentSource is the immutable origin of a payment.
type PaymentSource string

const (
	PaymentSourceStripe       PaymentSource = "stripe"
	PaymentSourceBankTransfer PaymentSource = "bank_transfer"
)

func (s PaymentSource) IsValid() bool {
	return s == PaymentSourceStripe || s == PaymentSourceBankTransfer
}

// PaymentStatus is the processing status of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// AllowsApplication returns true when the payment may be applied to an
// invoice.
func (s PaymentStatus) AllowsApplication() bool {
	return s == PaymentStatusConfirmed
}

// ReconciliationStatus tracks automatic payment-to-invoice matching.
type ReconciliationStatus string

const (
	ReconciliationPending    ReconciliationStatus = "pending"
	ReconciliationMatched    ReconciliationStatus = "matched"
	ReconciliationMismatched ReconciliationStatus = "mismatched"
)

func (s ReconciliationStatus) IsValid() bool {
	switch s {
	case ReconciliationPending, ReconciliationMatched, ReconciliationMismatched:
		return true
	}
	return false
}

// Mismatch reasons recorded by auto-reconciliation.
const (
	MismatchNoCustomer        = "no_customer"
	MismatchNoMatch           = "no_match"
	MismatchMultipleMatches   = "multiple_matches"
	MismatchApplicationFailed = "application_failed"
)

// Payment is a single money movement. Created once per processor
// payment intent or manual bank entry, mutated by reconciliation and
// refund roll-up, never deleted.
type Payment struct {
	ID       uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	Source   PaymentSource `json:"source" gorm:"size:32;not null"`
	Amount   decimal.Decimal `json:"amount" gorm:"type:decimal(20,2);not null"`
	Currency string          `json:"currency" gorm:"size:3;not null"`

	Status               PaymentStatus        `json:"status" gorm:"size:32;not null;default:'pending';index"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status" gorm:"size:32;not null;default:'pending';index"`

	CustomerID *uuid.UUID `json:"customer_id,omitempty" gorm:"type:uuid;index"`

	// Processor identifiers. The intent id is the idempotency key for
	// webhook-created payments; nullable so bank entries don't collide
	// on the unique index.
	StripePaymentIntentID *string `json:"stripe_payment_intent_id,omitempty" gorm:"uniqueIndex"`
	StripeChargeID        string  `json:"stripe_charge_id,omitempty" gorm:"index"`
	BankReference         string  `json:"bank_reference,omitempty"`

	ReceivedAt time.Time         `json:"received_at"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`

	// Mismatch diagnostics, cleared when the payment is matched.
	MismatchReason string            `json:"mismatch_reason,omitempty"`
	MismatchDetail datatypes.JSONMap `json:"mismatch_detail,omitempty"`

	XeroPaymentID string `json:"xero_payment_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Payment) TableName() string { return "payments" }

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// InvoicePayment records one application of a payment to an invoice.
// Immutable once created; a reversal is a Refund, not a deletion.
type InvoicePayment struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	InvoiceID     uuid.UUID       `json:"invoice_id" gorm:"type:uuid;not null;index"`
	PaymentID     uuid.UUID       `json:"payment_id" gorm:"type:uuid;not null;index"`
	AmountApplied decimal.Decimal `json:"amount_applied" gorm:"type:decimal(20,2);not null"`

	CreatedAt time.Time `json:"created_at"`
}

func (ip *InvoicePayment) TableName() string { return "invoice_payments" }

func (ip *InvoicePayment) BeforeCreate(tx *gorm.DB) error {
	if ip.ID == uuid.Nil {
		ip.ID = uuid.New()
	}
	return nil
}
