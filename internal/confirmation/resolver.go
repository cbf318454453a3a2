// Package confirmation serves the browser return leg of a payment. It races
// the webhook for the same charge and both paths end in the same reconciler
// entry, so whichever arrives second observes the first one's result.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/transactions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/metrics"
)

const defaultTimeout = 20 * time.Second

type chargeReconciler interface {
	ConfirmCharge(ctx context.Context, report gateway.ChargeReport) (*transactions.Outcome, error)
	MarkFailed(ctx context.Context, report gateway.ChargeReport) (*transactions.Outcome, error)
}

type transactionFinder interface {
	FindByVendorID(ctx context.Context, gateway, vendorID string) (*models.Transaction, error)
	FindPendingCharge(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error)
}

type orderGetter interface {
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
}

// ConfirmRequest is what the buyer's browser brings back from the gateway.
type ConfirmRequest struct {
	GatewayID      string
	VendorChargeID string
	OrderID        string
}

// Result tells the browser where to go next. A repeated confirmation
// serializes exactly like the first; AlreadyApplied stays server-side.
type Result struct {
	OrderID        uuid.UUID           `json:"order_id"`
	TransactionID  *uuid.UUID          `json:"transaction_id,omitempty"`
	PaymentStatus  enums.PaymentStatus `json:"payment_status"`
	RedirectURL    string              `json:"redirect_url"`
	Pending        bool                `json:"pending"`
	AlreadyApplied bool                `json:"-"`
}

// Params wires a Resolver.
type Params struct {
	Gateways     *gateway.Registry
	Reconciler   chargeReconciler
	Transactions transactionFinder
	Orders       orderGetter
	ReturnURL    string
	Timeout      time.Duration
	Metrics      *metrics.PaymentMetrics
	Logger       *logger.Logger
}

type Resolver struct {
	gateways  *gateway.Registry
	rec       chargeReconciler
	txns      transactionFinder
	orders    orderGetter
	returnURL string
	timeout   time.Duration
	metrics   *metrics.PaymentMetrics
	logg      *logger.Logger
}

func NewResolver(params Params) (*Resolver, error) {
	if params.Gateways == nil {
		return nil, fmt.Errorf("gateway registry required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Transactions == nil || params.Orders == nil {
		return nil, fmt.Errorf("transaction and order lookups required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Resolver{
		gateways:  params.Gateways,
		rec:       params.Reconciler,
		txns:      params.Transactions,
		orders:    params.Orders,
		returnURL: params.ReturnURL,
		timeout:   timeout,
		metrics:   params.Metrics,
		logg:      logg,
	}, nil
}

// Confirm settles the charge from the gateway's authoritative state unless
// the webhook already did, in which case the stored result is returned
// without another gateway call.
func (r *Resolver) Confirm(ctx context.Context, req ConfirmRequest) (*Result, error) {
	gatewayID := strings.ToLower(strings.TrimSpace(req.GatewayID))
	if _, err := r.gateways.Require(gatewayID); err != nil {
		return nil, err
	}
	ctx = r.logg.WithGateway(ctx, gatewayID)

	txn, order, err := r.lookup(ctx, gatewayID, req)
	if err != nil {
		return nil, err
	}
	ctx = r.logg.WithOrderID(ctx, order.ID.String())

	if settled(txn, order) {
		r.metrics.Reconciled("browser_confirmation", "already_applied")
		r.logg.Debug(ctx, "charge already settled; returning stored result")
		return r.result(order, txn, false, true), nil
	}

	vendorID := strings.TrimSpace(req.VendorChargeID)
	if vendorID == "" && txn != nil {
		vendorID = txn.VendorID()
	}
	if vendorID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor charge id required")
	}

	confirmer := r.gateways.Capabilities(gatewayID).Confirmer
	if confirmer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway does not support browser confirmation").
			WithDetails(map[string]any{"gateway": gatewayID})
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	report, err := confirmer.FetchCharge(callCtx, vendorID)
	cancel()
	r.metrics.ObserveGatewayCall(gatewayID, "fetch_charge", err, time.Since(start))
	if err != nil {
		r.logg.Error(ctx, "fetch charge failed", err)
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch charge from gateway")
	}

	report.Gateway = gatewayID
	report.Channel = "confirmation"
	if report.VendorChargeID == "" {
		report.VendorChargeID = vendorID
	}
	report.OrderID = order.ID.String()
	if txn != nil {
		report.TransactionID = txn.ID.String()
	}

	if report.Status == gateway.StatusFailed {
		if _, err := r.rec.MarkFailed(ctx, *report); err != nil {
			return nil, err
		}
		reason := report.DeclineReason
		if reason == "" {
			reason = "payment declined"
		}
		return nil, pkgerrors.New(pkgerrors.CodeDeclined, reason).
			WithDetails(map[string]any{"order_id": order.ID})
	}

	out, err := r.rec.ConfirmCharge(ctx, *report)
	if err != nil {
		return nil, err
	}
	return r.result(out.Order, out.Transaction, out.Pending, out.AlreadyApplied), nil
}

// lookup finds the local charge the browser is returning for. The order is
// always resolved; the charge may be nil when the order is already paid.
func (r *Resolver) lookup(ctx context.Context, gatewayID string, req ConfirmRequest) (*models.Transaction, *models.Order, error) {
	if vendorID := strings.TrimSpace(req.VendorChargeID); vendorID != "" {
		txn, err := r.txns.FindByVendorID(ctx, gatewayID, vendorID)
		switch {
		case err == nil:
			order, err := r.orders.Get(ctx, nil, txn.OrderID)
			if err != nil {
				return nil, nil, err
			}
			return txn, order, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find charge by vendor id")
		}
	}

	orderID, err := uuid.Parse(strings.TrimSpace(req.OrderID))
	if err != nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := r.orders.Get(ctx, nil, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Gateway != "" && !strings.EqualFold(order.Gateway, gatewayID) {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "order was not paid with this gateway")
	}
	txn, err := r.txns.FindPendingCharge(ctx, order.ID)
	switch {
	case err == nil:
		return txn, order, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, order, nil
	default:
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find pending charge")
	}
}

func settled(txn *models.Transaction, order *models.Order) bool {
	if txn != nil {
		return txn.Status == enums.TransactionStatusSucceeded ||
			txn.Status == enums.TransactionStatusRefunded ||
			txn.Status == enums.TransactionStatusDisputed
	}
	return order.PaymentStatus == enums.PaymentStatusPaid
}

func (r *Resolver) result(order *models.Order, txn *models.Transaction, pending, applied bool) *Result {
	res := &Result{
		OrderID:        order.ID,
		PaymentStatus:  order.PaymentStatus,
		RedirectURL:    ReturnURL(r.returnURL, order.ID),
		Pending:        pending,
		AlreadyApplied: applied,
	}
	if txn != nil {
		id := txn.ID
		res.TransactionID = &id
	}
	return res
}

// ReturnURL appends the order reference to base.
func ReturnURL(base string, orderID uuid.UUID) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return "/?order=" + orderID.String()
	}
	q := u.Query()
	q.Set("order", orderID.String())
	u.RawQuery = q.Encode()
	return u.String()
}
