package persistence

import (
	"context"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormOrphanedPaymentLog stores unmatched payment confirmations for manual review
type GormOrphanedPaymentLog struct {
	db *gorm.DB
}

// NewGormOrphanedPaymentLog creates a new GormOrphanedPaymentLog
func NewGormOrphanedPaymentLog(db *gorm.DB) *GormOrphanedPaymentLog {
	return &GormOrphanedPaymentLog{db: db}
}

// RecordOrphan stores an unmatched payment event
func (l *GormOrphanedPaymentLog) RecordOrphan(ctx context.Context, event sales.PaymentConfirmation) error {
	var model models.OrphanedPaymentEventModel
	model.FromDomain(event)
	return l.db.WithContext(ctx).Create(&model).Error
}

// Recent returns the latest orphaned events, newest first
func (l *GormOrphanedPaymentLog) Recent(ctx context.Context, limit int) ([]sales.PaymentConfirmation, error) {
	var rows []models.OrphanedPaymentEventModel
	query := l.db.WithContext(ctx).Order("received_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]sales.PaymentConfirmation, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}
