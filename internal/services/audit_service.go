package services

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atelier-erp/settlement/internal/models"
)

// AuditService appends immutable audit records for financial entities.
// Every state change in the settlement core writes one record inside
// the transaction that performs the change.
type AuditService struct {
	logger *zap.Logger
}

// NewAuditService creates a new audit service.
func NewAuditService(logger *zap.Logger) *AuditService {
	return &AuditService{logger: logger}
}

// Record appends one audit record inside the caller's transaction.
// userID is nil for system actions (webhooks, retries, sync).
func (s *AuditService) Record(tx *gorm.DB, entityType models.AuditEntityType, entityID uuid.UUID, event string, oldValues, newValues map[string]interface{}, userID *uuid.UUID) error {
	record := &models.AuditLog{
		EntityType: entityType,
		EntityID:   entityID,
		Event:      event,
		OldValues:  datatypes.JSONMap(oldValues),
		NewValues:  datatypes.JSONMap(newValues),
		UserID:     userID,
	}

	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}

	s.logger.Debug("audit record written",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID.String()),
		zap.String("event", event))

	return nil
}
