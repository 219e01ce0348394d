package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookStatus is the processing status of a processor event.
type WebhookStatus string

const (
	WebhookStatusReceived     WebhookStatus = "received"
	WebhookStatusProcessed    WebhookStatus = "processed"
	WebhookStatusFailed       WebhookStatus = "failed"
	WebhookStatusPendingRetry WebhookStatus = "pending_retry"
)

func (s WebhookStatus) IsValid() bool {
	switch s {
	case WebhookStatusReceived, WebhookStatusProcessed, WebhookStatusFailed, WebhookStatusPendingRetry:
		return true
	}
	return false
}

// StripeWebhookEvent is one card-network event. The processor event id
// is the dedup key; redelivery of a processed event is a no-op.
type StripeWebhookEvent struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	EventID   string    `json:"event_id" gorm:"not null;uniqueIndex"`
	EventType string    `json:"event_type" gorm:"not null;index"`

	Payload datatypes.JSON `json:"payload"`

	Status       WebhookStatus `json:"status" gorm:"size:32;not null;default:'received';index"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RetryCount   int           `json:"retry_count" gorm:"default:0"`

	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (e *StripeWebhookEvent) TableName() string { return "stripe_webhook_events" }

func (e *StripeWebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
