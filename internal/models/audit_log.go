package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditEntityType identifies the kind of entity an audit record belongs
// to.
type AuditEntityType string

const (
	AuditEntityInvoice    AuditEntityType = "invoice"
	AuditEntityPayment    AuditEntityType = "payment"
	AuditEntityCreditNote AuditEntityType = "credit_note"
	AuditEntityRefund     AuditEntityType = "refund"
	AuditEntitySyncLog    AuditEntityType = "sync_log"
)

func (t AuditEntityType) IsValid() bool {
	switch t {
	case AuditEntityInvoice, AuditEntityPayment, AuditEntityCreditNote,
		AuditEntityRefund, AuditEntitySyncLog:
		return true
	}
	return false
}

// AuditLog is an append-only record of one state change on a financial
// entity. Rows are never updated or deleted.
type AuditLog struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	EntityType AuditEntityType `json:"entity_type" gorm:"size:32;not null;index:idx_audit_entity"`
	EntityID   uuid.UUID       `json:"entity_id" gorm:"type:uuid;not null;index:idx_audit_entity"`

	Event     string            `json:"event" gorm:"not null;index"`
	OldValues datatypes.JSONMap `json:"old_values,omitempty"`
	NewValues datatypes.JSONMap `json:"new_values,omitempty"`

	// Nil for system-initiated changes (webhooks, retries).
	UserID *uuid.UUID `json:"user_id,omitempty" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at"`
}

func (a *AuditLog) TableName() string { return "audit_logs" }

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// All returns every model for automigration, in dependency order.
func All() []interface{} {
	return []interface{}{
		&Customer{},
		&Invoice{},
		&Payment{},
		&InvoicePayment{},
		&CreditNote{},
		&Refund{},
		&XeroSyncLog{},
		&StripeWebhookEvent{},
		&AuditLog{},
	}
}
