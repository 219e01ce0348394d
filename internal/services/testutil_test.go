package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/atelier-erp/settlement/internal/models"
)

// newTestDB opens a fresh in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	t.Cleanup(func() { logger.Sync() })
	return logger
}

// newTestServices wires the service graph against one test database.
func newTestServices(t *testing.T) (*gorm.DB, *InvoiceService, *PaymentService, *CreditNoteService) {
	t.Helper()
	db := newTestDB(t)
	log := testLogger(t)
	audit := NewAuditService(log)
	invoices := NewInvoiceService(db, audit, log)
	payments := NewPaymentService(db, invoices, audit, nil, log)
	creditNotes := NewCreditNoteService(db, audit, nil, log)
	return db, invoices, payments, creditNotes
}

func createTestCustomer(t *testing.T, db *gorm.DB, stripeCustomerID string) *models.Customer {
	t.Helper()
	customer := &models.Customer{
		ID:               uuid.New(),
		Name:             "Maison Test",
		Email:            "accounts@maison-test.example",
		StripeCustomerID: stripeCustomerID,
	}
	require.NoError(t, db.Create(customer).Error)
	return customer
}

// createIssuedInvoice creates a customer-linked invoice already in
// issued state with a number assigned.
func createIssuedInvoice(t *testing.T, db *gorm.DB, invoices *InvoiceService, customerID uuid.UUID, total string, currency string) *models.Invoice {
	t.Helper()
	amount, err := decimal.NewFromString(total)
	require.NoError(t, err)

	due := time.Now().AddDate(0, 1, 0)
	invoice, err := invoices.CreateDraft(context.Background(), customerID, amount, currency, &due, "")
	require.NoError(t, err)

	issued, err := invoices.Issue(context.Background(), invoice.ID, nil)
	require.NoError(t, err)
	return issued
}

func countAuditEvents(t *testing.T, db *gorm.DB, entityID uuid.UUID, event string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("entity_id = ? AND event = ?", entityID, event).
		Count(&count).Error)
	return count
}
