package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

// Repository persists subscription rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindByParentOrder(ctx context.Context, orderID uuid.UUID) (*models.Subscription, error)
	FindByVendorID(ctx context.Context, gateway, vendorID string) (*models.Subscription, error)
	UpdateFields(ctx context.Context, id uuid.UUID, updates map[string]any) error
	// Activate applies updates only while the row is still pending or
	// intended, and returns the affected row count.
	Activate(ctx context.Context, id uuid.UUID, updates map[string]any) (int64, error)
	// ListForResync returns reportable, non-terminal subscriptions not synced
	// since staleBefore, oldest first.
	ListForResync(ctx context.Context, staleBefore time.Time, limit int) ([]models.Subscription, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByParentOrder(ctx context.Context, orderID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("parent_order_id = ?", orderID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByVendorID(ctx context.Context, gateway, vendorID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("gateway = ? AND vendor_subscription_id = ?", gateway, vendorID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repository) UpdateFields(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) Activate(ctx context.Context, id uuid.UUID, updates map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status IN ?", id, preActivation).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *repository) ListForResync(ctx context.Context, staleBefore time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []enums.SubscriptionStatus{
			enums.SubscriptionStatusPending,
			enums.SubscriptionStatusIntended,
			enums.SubscriptionStatusCanceled,
			enums.SubscriptionStatusExpired,
		}).
		Where("vendor_subscription_id IS NOT NULL").
		Where("last_synced_at IS NULL OR last_synced_at < ?", staleBefore).
		Order("last_synced_at ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

var preActivation = []enums.SubscriptionStatus{
	enums.SubscriptionStatusPending,
	enums.SubscriptionStatusIntended,
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
