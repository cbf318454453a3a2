package transactions

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

// Repository persists transaction rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, txn *models.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByVendorID(ctx context.Context, gateway, vendorID string) (*models.Transaction, error)
	FindPendingCharge(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error)
	ListRefunds(ctx context.Context, parentID uuid.UUID) ([]models.Transaction, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Transaction, error)
	CountSettledRenewals(ctx context.Context, subscriptionID uuid.UUID) (int64, error)
	// MarkSucceeded applies the settle update only while the row is still
	// pending or failed and returns the affected row count. A failed row may
	// settle: the gateway reporting success for the same vendor charge means
	// the money moved, whatever the local decline said.
	MarkSucceeded(ctx context.Context, id uuid.UUID, updates map[string]any) (int64, error)
	UpdateFields(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a transactions repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindByVendorID(ctx context.Context, gateway, vendorID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("gateway = ? AND (vendor_charge_id = ? OR vendor_payment_ref = ?)", gateway, vendorID, vendorID).
		Order("created_at ASC").
		First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindPendingCharge(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND type = ? AND status = ?", orderID, enums.TransactionTypeCharge, enums.TransactionStatusPending).
		Order("created_at DESC").
		First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) ListRefunds(ctx context.Context, parentID uuid.UUID) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := r.db.WithContext(ctx).
		Where("parent_id = ? AND type = ?", parentID, enums.TransactionTypeRefund).
		Order("created_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND type <> ?", subscriptionID, enums.TransactionTypeRefund).
		Order("created_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *repository) CountSettledRenewals(ctx context.Context, subscriptionID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Joins("JOIN orders ON orders.id = transactions.order_id").
		Where("transactions.subscription_id = ?", subscriptionID).
		Where("orders.type = ?", enums.OrderTypeRenewal).
		Where("transactions.type <> ?", enums.TransactionTypeRefund).
		Where("transactions.status IN ?", []enums.TransactionStatus{
			enums.TransactionStatusSucceeded,
			enums.TransactionStatusRefunded,
			enums.TransactionStatusDisputeLost,
		}).
		Count(&count).Error
	return count, err
}

func (r *repository) MarkSucceeded(ctx context.Context, id uuid.UUID, updates map[string]any) (int64, error) {
	updates["status"] = enums.TransactionStatusSucceeded
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status IN ?", id, []enums.TransactionStatus{
			enums.TransactionStatusPending,
			enums.TransactionStatusFailed,
		}).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *repository) UpdateFields(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
