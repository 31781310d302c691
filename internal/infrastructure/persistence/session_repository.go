package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/domain/shared"
	"github.com/salesflow/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSessionRepository implements sales.SessionRepository using GORM
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a new GormSessionRepository
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func withMessages(db *gorm.DB) *gorm.DB {
	return db.Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("seq") })
}

// FindActiveByCustomer returns the customer's non-archived session
func (r *GormSessionRepository) FindActiveByCustomer(ctx context.Context, customerID string) (*sales.Session, error) {
	var model models.SessionModel
	if err := withMessages(r.db.WithContext(ctx)).
		Where("customer_id = ? AND archived_at IS NULL", customerID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

// FindByID returns a session by ID, archived or not
func (r *GormSessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*sales.Session, error) {
	var model models.SessionModel
	if err := withMessages(r.db.WithContext(ctx)).
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

// Save inserts or updates the session with a version check and appends any
// message log turns not yet stored.
func (r *GormSessionRepository) Save(ctx context.Context, session *sales.Session) error {
	var model models.SessionModel
	if err := model.FromDomain(session); err != nil {
		return err
	}

	updated := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var versions []int
		if err := tx.Model(&models.SessionModel{}).
			Where("id = ?", session.ID).
			Pluck("version", &versions).Error; err != nil {
			return err
		}

		if len(versions) == 0 {
			if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
				return translateWriteError(err)
			}
		} else {
			if versions[0] != session.Version {
				return shared.ErrConcurrencyConflict
			}
			result := tx.Model(&models.SessionModel{}).
				Where("id = ? AND version = ?", session.ID, session.Version).
				Updates(map[string]any{
					"active_order_id":   model.ActiveOrderID,
					"escalated":         model.Escalated,
					"escalation_reason": model.EscalationReason,
					"unresolved_turns":  model.UnresolvedTurns,
					"last_intent":       model.LastIntent,
					"suggestions":       model.Suggestions,
					"last_activity_at":  model.LastActivityAt,
					"archived_at":       model.ArchivedAt,
					"version":           session.Version + 1,
					"updated_at":        time.Now(),
				})
			if result.Error != nil {
				return translateWriteError(result.Error)
			}
			if result.RowsAffected == 0 {
				return shared.ErrConcurrencyConflict
			}
			updated = true
		}

		if len(model.Messages) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&model.Messages, 100).Error
	})
	if err != nil {
		return err
	}
	if updated {
		session.Version++
	}
	return nil
}

// ListIdle returns active sessions whose last customer activity is before the cutoff
func (r *GormSessionRepository) ListIdle(ctx context.Context, before time.Time, limit int) ([]*sales.Session, error) {
	var rows []models.SessionModel
	query := withMessages(r.db.WithContext(ctx)).
		Where("archived_at IS NULL AND last_activity_at < ?", before).
		Order("last_activity_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*sales.Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].ToDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
