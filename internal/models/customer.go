package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Customer is the billing counterparty. Payments resolve their customer
// by the processor customer id, best effort.
type Customer struct {
	ID               uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name             string    `json:"name" gorm:"not null"`
	Email            string    `json:"email" gorm:"index"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty" gorm:"index"`
	XeroContactID    string    `json:"xero_contact_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Customer) TableName() string { return "customers" }

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
