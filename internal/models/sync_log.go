package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SyncType is the kind of document a sync log refers to. Closed enum so
// dispatch over it stays exhaustive.
type SyncType string

const (
	SyncTypeInvoice    SyncType = "invoice"
	SyncTypeCreditNote SyncType = "credit_note"
	SyncTypePayment    SyncType = "payment"
)

func (t SyncType) IsValid() bool {
	switch t {
	case SyncTypeInvoice, SyncTypeCreditNote, SyncTypePayment:
		return true
	}
	return false
}

// SyncStatus is the outcome of one sync attempt.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// IsRetryable returns true when the log may be retried.
func (s SyncStatus) IsRetryable() bool {
	return s == SyncStatusFailed
}

// XeroSyncLog records one outbound sync attempt for a financial
// document. A document accumulates logs across retries.
type XeroSyncLog struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	SyncType SyncType  `json:"sync_type" gorm:"size:32;not null;index:idx_sync_entity"`
	EntityID uuid.UUID `json:"entity_id" gorm:"type:uuid;not null;index:idx_sync_entity"`

	Status SyncStatus `json:"status" gorm:"size:32;not null;default:'pending';index"`
	XeroID string     `json:"xero_id,omitempty"`

	RequestPayload  datatypes.JSON `json:"request_payload,omitempty"`
	ResponsePayload datatypes.JSON `json:"response_payload,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`

	// True when global sync was disabled and the call was skipped.
	Bypassed bool `json:"bypassed" gorm:"default:false"`

	RetryCount int        `json:"retry_count" gorm:"default:0"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (l *XeroSyncLog) TableName() string { return "xero_sync_logs" }

func (l *XeroSyncLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
