package persistence

import (
	"context"
	"time"

	"github.com/salesflow/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormIdempotencyStore is a shared.IdempotencyStore backed by the
// processed_payment_events table. It survives restarts and is shared by all
// instances, unlike the in-memory store.
type GormIdempotencyStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormIdempotencyStore creates a new GormIdempotencyStore
func NewGormIdempotencyStore(db *gorm.DB) *GormIdempotencyStore {
	return &GormIdempotencyStore{db: db, now: time.Now}
}

// MarkProcessed records key unless an unexpired record exists. An expired
// record is taken over.
func (s *GormIdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	row := models.ProcessedPaymentEventModel{
		EventKey:    key,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"processed_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "processed_payment_events.expires_at <= ?", Vars: []any{now}},
		}},
	}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// IsProcessed checks if an unexpired record exists for key
func (s *GormIdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ProcessedPaymentEventModel{}).
		Where("event_key = ? AND expires_at > ?", key, s.now()).
		Count(&count).Error
	return count > 0, err
}

// Release forgets a key so the event can be delivered again
func (s *GormIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("event_key = ?", key).
		Delete(&models.ProcessedPaymentEventModel{}).Error
}

// PurgeExpired deletes expired records and returns how many were removed
func (s *GormIdempotencyStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&models.ProcessedPaymentEventModel{})
	return result.RowsAffected, result.Error
}

// Close is a no-op; the connection belongs to the Database
func (s *GormIdempotencyStore) Close() error {
	return nil
}
