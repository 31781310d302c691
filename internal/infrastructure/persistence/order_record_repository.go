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

// GormOrderRecordRepository implements sales.OrderRecordRepository using GORM
type GormOrderRecordRepository struct {
	db *gorm.DB
}

// NewGormOrderRecordRepository creates a new GormOrderRecordRepository
func NewGormOrderRecordRepository(db *gorm.DB) *GormOrderRecordRepository {
	return &GormOrderRecordRepository{db: db}
}

// withChildren preloads items, payment attempts and the audit trail in order
func withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Items").
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Preload("Audit", func(db *gorm.DB) *gorm.DB { return db.Order("seq") })
}

// FindByID finds an order record by its ID
func (r *GormOrderRecordRepository) FindByID(ctx context.Context, id uuid.UUID) (*sales.OrderRecord, error) {
	var model models.OrderRecordModel
	if err := withChildren(r.db.WithContext(ctx)).
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

// FindByPaymentReference resolves a tracking reference of any attempt to its order
func (r *GormOrderRecordRepository) FindByPaymentReference(ctx context.Context, trackingReference string) (*sales.OrderRecord, error) {
	var attempt models.PaymentAttemptModel
	if err := r.db.WithContext(ctx).
		Select("order_id").
		First(&attempt, "tracking_reference = ?", trackingReference).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return r.FindByID(ctx, attempt.OrderID)
}

// Save inserts a new order record or updates an existing one with an
// optimistic version check. On update the passed order's Version is bumped.
func (r *GormOrderRecordRepository) Save(ctx context.Context, order *sales.OrderRecord) error {
	var model models.OrderRecordModel
	if err := model.FromDomain(order); err != nil {
		return err
	}

	updated := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var versions []int
		if err := tx.Model(&models.OrderRecordModel{}).
			Where("id = ?", order.ID).
			Pluck("version", &versions).Error; err != nil {
			return err
		}

		if len(versions) == 0 {
			if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
				return translateWriteError(err)
			}
		} else {
			if versions[0] != order.Version {
				return shared.ErrConcurrencyConflict
			}
			next := order.Version + 1
			now := time.Now()
			result := tx.Model(&models.OrderRecordModel{}).
				Where("id = ? AND version = ?", order.ID, order.Version).
				Updates(map[string]any{
					"state":                   model.State,
					"currency":                model.Currency,
					"destination_postal_code": model.DestinationPostalCode,
					"destination_city":        model.DestinationCity,
					"destination_line":        model.DestinationLine,
					"has_destination":         model.HasDestination,
					"quote":                   model.Quote,
					"subtotal":                model.Subtotal,
					"shipping_cost":           model.ShippingCost,
					"total":                   model.Total,
					"payment_reference":       model.PaymentReference,
					"payment_deadline":        model.PaymentDeadline,
					"deal_reference":          model.DealReference,
					"inventory_reference":     model.InventoryReference,
					"crm_sync_pending":        model.CRMSyncPending,
					"needs_manual_review":     model.NeedsManualReview,
					"cancel_reason":           model.CancelReason,
					"escalation_reason":       model.EscalationReason,
					"paid_at":                 model.PaidAt,
					"fulfilled_at":            model.FulfilledAt,
					"cancelled_at":            model.CancelledAt,
					"version":                 next,
					"updated_at":              now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return shared.ErrConcurrencyConflict
			}
			updated = true
		}

		if err := saveItems(tx, order.ID, model.Items); err != nil {
			return err
		}
		if len(model.Payments) > 0 {
			if err := ensureReferencesOwned(tx, order.ID, model.Payments); err != nil {
				return err
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "tracking_reference"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"status", "idempotency_key", "resolved_at", "confirmation_url",
				}),
			}).Create(&model.Payments).Error; err != nil {
				return translateWriteError(err)
			}
		}
		if len(model.Audit) > 0 {
			// The trail is append-only: entries already stored are left untouched.
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.Audit).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if updated {
		order.Version++
	}
	return nil
}

// saveItems replaces the stored line items with the current ones
func saveItems(tx *gorm.DB, orderID uuid.UUID, items []models.OrderItemModel) error {
	ids := make([]uuid.UUID, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	del := tx.Where("order_id = ?", orderID)
	if len(ids) > 0 {
		del = del.Where("id NOT IN ?", ids)
	}
	if err := del.Delete(&models.OrderItemModel{}).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return tx.Save(&items).Error
}

// ensureReferencesOwned rejects a tracking reference already indexed for another order
func ensureReferencesOwned(tx *gorm.DB, orderID uuid.UUID, payments []models.PaymentAttemptModel) error {
	refs := make([]string, len(payments))
	for i := range payments {
		refs[i] = payments[i].TrackingReference
	}
	var foreign int64
	if err := tx.Model(&models.PaymentAttemptModel{}).
		Where("tracking_reference IN ? AND order_id <> ?", refs, orderID).
		Count(&foreign).Error; err != nil {
		return err
	}
	if foreign > 0 {
		return shared.ErrAlreadyExists
	}
	return nil
}

// ListAwaitingPaymentBefore returns orders whose payment deadline passed
func (r *GormOrderRecordRepository) ListAwaitingPaymentBefore(ctx context.Context, deadline time.Time, limit int) ([]*sales.OrderRecord, error) {
	return r.list(ctx, limit, "created_at", func(db *gorm.DB) *gorm.DB {
		return db.Where("state = ? AND payment_deadline < ?", sales.StateAwaitingPayment, deadline)
	})
}

// ListCRMPending returns orders whose CRM deal is still missing
func (r *GormOrderRecordRepository) ListCRMPending(ctx context.Context, limit int) ([]*sales.OrderRecord, error) {
	return r.list(ctx, limit, "created_at", func(db *gorm.DB) *gorm.DB {
		return db.Where("crm_sync_pending = ? AND deal_reference IS NULL", true)
	})
}

// ListNeedingReview returns orders flagged for manual follow-up, newest first
func (r *GormOrderRecordRepository) ListNeedingReview(ctx context.Context, limit int) ([]*sales.OrderRecord, error) {
	return r.list(ctx, limit, "updated_at DESC", func(db *gorm.DB) *gorm.DB {
		return db.Where("needs_manual_review = ?", true)
	})
}

// list runs a filtered query. Scopes apply at Find time, after any Order
// added here, so the ordering is passed in rather than set by the scope.
func (r *GormOrderRecordRepository) list(ctx context.Context, limit int, orderBy string, scope func(*gorm.DB) *gorm.DB) ([]*sales.OrderRecord, error) {
	var rows []models.OrderRecordModel
	query := withChildren(r.db.WithContext(ctx)).Scopes(scope).Order(orderBy)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*sales.OrderRecord, 0, len(rows))
	for i := range rows {
		o, err := rows[i].ToDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// translateWriteError maps unique violations to shared.ErrAlreadyExists.
// Requires gorm.Config.TranslateError.
func translateWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists
	}
	return err
}
