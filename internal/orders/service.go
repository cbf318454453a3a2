package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

// Service owns order reads and the payment status recompute.
type Service struct {
	repo Repository
	logg *logger.Logger
}

// NewService builds an order service.
func NewService(repo Repository, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{repo: repo, logg: logg}, nil
}

// Repo returns the repository bound to tx.
func (s *Service) Repo(tx *gorm.DB) Repository {
	return s.repo.WithTx(tx)
}

// Get loads an order, mapping a missing row to CodeNotFound.
func (s *Service) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	order, err := s.repo.WithTx(tx).FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found").
				WithDetails(map[string]any{"order_id": id})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

// RecomputePaymentStatus re-derives paid totals and status from the order's
// transactions and persists them. It must run inside the caller's tx.
func (s *Service) RecomputePaymentStatus(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	repo := s.repo.WithTx(tx)
	order, err := s.Get(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	txs, err := repo.ListTransactions(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list order transactions")
	}

	summary := DerivePaymentSummary(order.TotalCents, txs)
	status := nextOrderStatus(order.Status, summary.PaymentStatus)
	if summary.PaidCents == order.TotalPaidCents && summary.PaymentStatus == order.PaymentStatus && status == order.Status {
		return order, nil
	}
	if err := repo.UpdatePayment(ctx, orderID, summary.PaidCents, summary.PaymentStatus, status); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order payment status")
	}

	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, orderID.String()), map[string]any{
		"payment_status":  summary.PaymentStatus,
		"previous_status": order.PaymentStatus,
		"paid_cents":      summary.PaidCents,
	})
	s.logg.Info(logCtx, "order payment status recomputed")

	order.TotalPaidCents = summary.PaidCents
	order.PaymentStatus = summary.PaymentStatus
	order.Status = status
	return order, nil
}

// CreateRenewal materializes the order for one subscription billing cycle.
func (s *Service) CreateRenewal(ctx context.Context, tx *gorm.DB, sub *models.Subscription, amountCents int64) (*models.Order, error) {
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription required")
	}
	order := NewRenewalOrder(sub, amountCents)
	if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create renewal order")
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id":        order.ID.String(),
		"subscription_id": sub.ID.String(),
	}), "renewal order created")
	return order, nil
}

// NewRenewalOrder builds (without saving) a renewal order for sub.
func NewRenewalOrder(sub *models.Subscription, amountCents int64) *models.Order {
	parent := sub.ParentOrderID
	subID := sub.ID
	return &models.Order{
		ID:             uuid.New(),
		Type:           enums.OrderTypeRenewal,
		ParentOrderID:  &parent,
		SubscriptionID: &subID,
		CustomerRef:    sub.CustomerRef,
		Currency:       sub.Currency,
		TotalCents:     amountCents,
		PaymentStatus:  enums.PaymentStatusPending,
		Status:         enums.OrderStatusPending,
		Gateway:        sub.Gateway,
		Mode:           sub.Mode,
	}
}
