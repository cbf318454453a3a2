package webhooks

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

// ErrNotOurs means the notification references nothing this store created.
var ErrNotOurs = errors.New("webhook does not reference a local order")

// Resolution is what a notification points at locally.
type Resolution struct {
	Order        *models.Order
	Transaction  *models.Transaction
	Subscription *models.Subscription
	// Renewal is set when the resolver materialized a renewal order.
	Renewal bool
}

type transactionFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByVendorID(ctx context.Context, gateway, vendorID string) (*models.Transaction, error)
}

type orderGetter interface {
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
}

type subscriptionFinder interface {
	FindByVendorID(ctx context.Context, tx *gorm.DB, gatewayID, vendorID string) (*models.Subscription, error)
	MaterializeRenewal(ctx context.Context, subID uuid.UUID, report gateway.ChargeReport) (*models.Order, *models.Transaction, error)
}

// Resolver maps a decoded notification to the local order it concerns.
type Resolver struct {
	txns   transactionFinder
	orders orderGetter
	subs   subscriptionFinder
}

func NewResolver(txns transactionFinder, orders orderGetter, subs subscriptionFinder) *Resolver {
	return &Resolver{txns: txns, orders: orders, subs: subs}
}

// Resolve looks the event up by vendor charge id, then by the order hint the
// gateway echoed back, then by vendor subscription id. A charge on an active
// subscription that nothing local knows about is a renewal and gets its order
// created here.
func (r *Resolver) Resolve(ctx context.Context, ev *gateway.WebhookEvent) (*Resolution, error) {
	if ev.VendorChargeID != "" {
		txn, err := r.txns.FindByVendorID(ctx, ev.Gateway, ev.VendorChargeID)
		switch {
		case err == nil:
			return r.fromTransaction(ctx, txn)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find transaction by vendor id")
		}
	}

	if id, err := uuid.Parse(ev.Hint.TransactionID); err == nil {
		txn, err := r.txns.FindByID(ctx, id)
		switch {
		case err == nil:
			return r.fromTransaction(ctx, txn)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find transaction")
		}
	}
	if id, err := uuid.Parse(ev.Hint.OrderID); err == nil {
		order, err := r.orders.Get(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		return &Resolution{Order: order}, nil
	}

	if ev.VendorSubscriptionID == "" || r.subs == nil {
		return nil, ErrNotOurs
	}
	sub, err := r.subs.FindByVendorID(ctx, nil, ev.Gateway, ev.VendorSubscriptionID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, ErrNotOurs
		}
		return nil, err
	}

	if ev.Charge != nil && ev.Charge.VendorChargeID != "" && sub.Status.IsReportable() && chargeEvent(ev.Type) {
		order, txn, err := r.subs.MaterializeRenewal(ctx, sub.ID, *ev.Charge)
		if err != nil {
			return nil, err
		}
		return &Resolution{Order: order, Transaction: txn, Subscription: sub, Renewal: true}, nil
	}

	parent, err := r.orders.Get(ctx, nil, sub.ParentOrderID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Order: parent, Subscription: sub}, nil
}

func (r *Resolver) fromTransaction(ctx context.Context, txn *models.Transaction) (*Resolution, error) {
	order, err := r.orders.Get(ctx, nil, txn.OrderID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Order: order, Transaction: txn}, nil
}

func chargeEvent(t gateway.EventType) bool {
	switch t {
	case gateway.EventPaymentSucceeded, gateway.EventPaymentFailed, gateway.EventSubscriptionRenewed:
		return true
	default:
		return false
	}
}
