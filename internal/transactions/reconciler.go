// Package transactions applies gateway-reported outcomes to transaction rows.
// Every path converges on the same conditional writes so repeated or racing
// reports settle a charge once.
package transactions

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	dbpkg "github.com/angelmondragon/paycore/pkg/db"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/metrics"
	"github.com/angelmondragon/paycore/pkg/money"
	"github.com/angelmondragon/paycore/pkg/outbox"
)

const (
	uniqueOrderVendorCharge   = "ux_transactions_order_vendor_charge"
	uniqueGatewayVendorCharge = "ux_transactions_gateway_vendor_charge"
	confirmSavepoint          = "confirm_charge"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderStore interface {
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
	RecomputePaymentStatus(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
}

// SubscriptionHook is told about every newly settled charge that belongs to a
// subscription, inside the same database transaction.
type SubscriptionHook interface {
	ChargeSucceeded(ctx context.Context, tx *gorm.DB, charge *models.Transaction, order *models.Order, report gateway.ChargeReport) error
}

// Outcome is the result of applying a report.
type Outcome struct {
	Transaction *models.Transaction
	Order       *models.Order
	// AlreadyApplied is true when a previous report had settled the row.
	AlreadyApplied bool
	Pending        bool
	Failed         bool
}

// ReconcilerParams wires a Reconciler.
type ReconcilerParams struct {
	Repo       Repository
	Orders     orderStore
	Outbox     outbox.Emitter
	Normalizer *money.Normalizer
	Tx         txRunner
	Metrics    *metrics.PaymentMetrics
	Logger     *logger.Logger
}

// Reconciler is the single write path for charge, refund and dispute outcomes.
type Reconciler struct {
	repo    Repository
	orders  orderStore
	outbox  outbox.Emitter
	money   *money.Normalizer
	tx      txRunner
	hook    SubscriptionHook
	metrics *metrics.PaymentMetrics
	logg    *logger.Logger
}

// NewReconciler validates params and builds a Reconciler.
func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("transactions repository required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	normalizer := params.Normalizer
	if normalizer == nil {
		normalizer = money.NewNormalizer(logg)
	}
	return &Reconciler{
		repo:    params.Repo,
		orders:  params.Orders,
		outbox:  params.Outbox,
		money:   normalizer,
		tx:      params.Tx,
		metrics: params.Metrics,
		logg:    logg,
	}, nil
}

// SetSubscriptionHook registers the lifecycle manager. Called once at wiring.
func (r *Reconciler) SetSubscriptionHook(h SubscriptionHook) {
	r.hook = h
}

// Repo exposes the repository bound to tx.
func (r *Reconciler) Repo(tx *gorm.DB) Repository {
	return r.repo.WithTx(tx)
}

// ConfirmCharge applies a charge report from either the browser confirmation
// path or a webhook. A charge that is already settled is returned untouched.
func (r *Reconciler) ConfirmCharge(ctx context.Context, report gateway.ChargeReport) (*Outcome, error) {
	var out *Outcome
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = r.ConfirmChargeTx(ctx, tx, report)
		return err
	})
	r.record("confirm_charge", out, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmChargeTx is ConfirmCharge inside the caller's transaction.
func (r *Reconciler) ConfirmChargeTx(ctx context.Context, tx *gorm.DB, report gateway.ChargeReport) (*Outcome, error) {
	if strings.TrimSpace(report.VendorChargeID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor charge id required")
	}
	ctx = r.logg.WithFields(r.logg.WithGateway(ctx, report.Gateway), map[string]any{
		"vendor_charge_id": report.VendorChargeID,
		"channel":          report.Channel,
	})
	repo := r.repo.WithTx(tx)

	txn, err := r.locateCharge(ctx, repo, report)
	if err != nil {
		return nil, err
	}
	ctx = r.logg.WithTransactionID(ctx, txn.ID.String())

	if isSettled(txn) {
		return r.alreadyApplied(ctx, tx, txn)
	}
	if report.Status == gateway.StatusFailed {
		return r.failLocked(ctx, tx, txn, report)
	}
	if !report.Settled() {
		return r.notePending(ctx, tx, txn, report)
	}

	currency := report.Currency
	if currency == "" {
		currency = txn.Currency
	}
	amount := r.money.ToCanonicalMinorUnits(ctx, report.GatewayAmount, currency)
	vendorID := report.VendorChargeID
	if report.VendorSubscriptionID != "" {
		txn.SetMeta(models.MetaVendorSubscription, report.VendorSubscriptionID)
	}
	updates := map[string]any{
		"vendor_charge_id":    vendorID,
		"total_cents":         amount,
		"currency":            money.Code(currency),
		"payment_method_type": report.PaymentMethod.Type,
		"card_brand":          report.PaymentMethod.Brand,
		"card_last4":          report.PaymentMethod.Last4,
	}
	if report.VendorPaymentRef != "" && report.VendorPaymentRef != vendorID {
		updates["vendor_payment_ref"] = report.VendorPaymentRef
	}
	if txn.Meta != nil {
		updates["meta"] = txn.Meta
	}

	if err := tx.SavePoint(confirmSavepoint).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "savepoint")
	}
	rows, err := repo.MarkSucceeded(ctx, txn.ID, updates)
	if err != nil {
		if IsDuplicateCharge(err) {
			if rbErr := tx.RollbackTo(confirmSavepoint).Error; rbErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, rbErr, "rollback to savepoint")
			}
			winner, findErr := repo.FindByVendorID(ctx, report.Gateway, vendorID)
			if findErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "reload settled charge")
			}
			return r.alreadyApplied(ctx, tx, winner)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settle charge")
	}
	if rows == 0 {
		current, err := repo.FindByID(ctx, txn.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload charge")
		}
		return r.alreadyApplied(ctx, tx, current)
	}

	settled, err := repo.FindByID(ctx, txn.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload charge")
	}
	order, err := r.orders.RecomputePaymentStatus(ctx, tx, settled.OrderID)
	if err != nil {
		return nil, err
	}

	if err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentSucceeded,
		AggregateType: enums.AggregateTransaction,
		AggregateID:   settled.ID,
		Source:        &outbox.Source{Gateway: report.Gateway, Channel: report.Channel},
		Data: outbox.PaymentEvent{
			OrderID:        settled.OrderID,
			TransactionID:  settled.ID,
			SubscriptionID: settled.SubscriptionID,
			AmountCents:    settled.TotalCents,
			Currency:       settled.Currency,
			Gateway:        settled.Gateway,
			VendorChargeID: vendorID,
		},
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment succeeded")
	}

	if r.hook != nil && settled.SubscriptionID != nil {
		if err := r.hook.ChargeSucceeded(ctx, tx, settled, order, report); err != nil {
			return nil, err
		}
	}

	r.logg.Info(r.logg.WithField(ctx, "amount_cents", settled.TotalCents), "charge settled")
	return &Outcome{Transaction: settled, Order: order}, nil
}

// MarkFailed records a decline. A charge that already settled is not downgraded.
func (r *Reconciler) MarkFailed(ctx context.Context, report gateway.ChargeReport) (*Outcome, error) {
	var out *Outcome
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		txn, err := r.locateCharge(ctx, repo, report)
		if err != nil {
			return err
		}
		if isSettled(txn) {
			out, err = r.alreadyApplied(ctx, tx, txn)
			return err
		}
		out, err = r.failLocked(ctx, tx, txn, report)
		return err
	})
	r.record("mark_failed", out, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reconciler) failLocked(ctx context.Context, tx *gorm.DB, txn *models.Transaction, report gateway.ChargeReport) (*Outcome, error) {
	repo := r.repo.WithTx(tx)
	if txn.Status == enums.TransactionStatusFailed && txn.VendorID() == report.VendorChargeID {
		out, err := r.alreadyApplied(ctx, tx, txn)
		if out != nil {
			out.Failed = true
		}
		return out, err
	}

	reason := strings.TrimSpace(report.DeclineReason)
	if reason == "" {
		reason = "declined"
	}
	txn.SetMeta(models.MetaDeclineReason, reason)
	updates := map[string]any{
		"status": enums.TransactionStatusFailed,
		"meta":   txn.Meta,
	}
	if report.VendorChargeID != "" && txn.VendorID() == "" {
		updates["vendor_charge_id"] = report.VendorChargeID
	}
	if err := repo.UpdateFields(ctx, txn.ID, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark charge failed")
	}
	txn.Status = enums.TransactionStatusFailed

	order, err := r.orders.RecomputePaymentStatus(ctx, tx, txn.OrderID)
	if err != nil {
		return nil, err
	}
	if err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentFailed,
		AggregateType: enums.AggregateOrder,
		AggregateID:   txn.OrderID,
		Source:        &outbox.Source{Gateway: txn.Gateway, Channel: report.Channel},
		Data: outbox.PaymentEvent{
			OrderID:        txn.OrderID,
			TransactionID:  txn.ID,
			SubscriptionID: txn.SubscriptionID,
			AmountCents:    txn.TotalCents,
			Currency:       txn.Currency,
			Gateway:        txn.Gateway,
			VendorChargeID: report.VendorChargeID,
			Reason:         reason,
		},
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment failed")
	}
	r.logg.Warn(r.logg.WithField(ctx, "decline_reason", reason), "charge declined")
	return &Outcome{Transaction: txn, Order: order, Failed: true}, nil
}

func (r *Reconciler) notePending(ctx context.Context, tx *gorm.DB, txn *models.Transaction, report gateway.ChargeReport) (*Outcome, error) {
	if txn.VendorID() == "" {
		if err := r.repo.WithTx(tx).UpdateFields(ctx, txn.ID, map[string]any{"vendor_charge_id": report.VendorChargeID}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record vendor charge id")
		}
		vendorID := report.VendorChargeID
		txn.VendorChargeID = &vendorID
	}
	order, err := r.orders.Get(ctx, tx, txn.OrderID)
	if err != nil {
		return nil, err
	}
	r.logg.Debug(ctx, "charge not yet captured")
	return &Outcome{Transaction: txn, Order: order, Pending: true}, nil
}

func (r *Reconciler) alreadyApplied(ctx context.Context, tx *gorm.DB, txn *models.Transaction) (*Outcome, error) {
	order, err := r.orders.Get(ctx, tx, txn.OrderID)
	if err != nil {
		return nil, err
	}
	r.logg.Debug(ctx, "charge already applied")
	return &Outcome{
		Transaction:    txn,
		Order:          order,
		AlreadyApplied: true,
		Failed:         txn.Status == enums.TransactionStatusFailed,
	}, nil
}

// locateCharge finds the row a report refers to: by vendor charge id, then by
// our transaction id, then by the order's pending charge.
func (r *Reconciler) locateCharge(ctx context.Context, repo Repository, report gateway.ChargeReport) (*models.Transaction, error) {
	if report.VendorChargeID != "" {
		txn, err := repo.FindByVendorID(ctx, report.Gateway, report.VendorChargeID)
		switch {
		case err == nil && txn.Type != enums.TransactionTypeRefund:
			return txn, nil
		case err != nil && !isNotFound(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find charge by vendor id")
		}
	}

	if id, err := uuid.Parse(report.TransactionID); err == nil {
		txn, err := repo.FindByID(ctx, id)
		switch {
		case err == nil:
			return r.chargeForAttempt(ctx, repo, txn, report)
		case !isNotFound(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find charge")
		}
	}

	if id, err := uuid.Parse(report.OrderID); err == nil {
		txn, err := repo.FindPendingCharge(ctx, id)
		switch {
		case err == nil:
			return txn, nil
		case !isNotFound(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find pending charge")
		}
	}

	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found").
		WithDetails(map[string]any{"vendor_charge_id": report.VendorChargeID, "order_id": report.OrderID})
}

// chargeForAttempt returns txn, or a fresh charge row when txn already failed
// under a different vendor charge id and the report is a new attempt.
func (r *Reconciler) chargeForAttempt(ctx context.Context, repo Repository, txn *models.Transaction, report gateway.ChargeReport) (*models.Transaction, error) {
	if txn.Status != enums.TransactionStatusFailed || txn.VendorID() == "" || txn.VendorID() == report.VendorChargeID {
		return txn, nil
	}
	retry := &models.Transaction{
		OrderID:        txn.OrderID,
		SubscriptionID: txn.SubscriptionID,
		Type:           enums.TransactionTypeCharge,
		Status:         enums.TransactionStatusPending,
		TotalCents:     txn.TotalCents,
		Currency:       txn.Currency,
		Gateway:        txn.Gateway,
		Mode:           txn.Mode,
	}
	if err := repo.Create(ctx, retry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create retry charge")
	}
	return retry, nil
}

// isSettled reports whether a charge has moved past the pending/failed stage.
func isSettled(txn *models.Transaction) bool {
	switch txn.Status {
	case enums.TransactionStatusSucceeded,
		enums.TransactionStatusRefunded,
		enums.TransactionStatusDisputed,
		enums.TransactionStatusDisputeLost:
		return true
	default:
		return false
	}
}

func (r *Reconciler) record(operation string, out *Outcome, err error) {
	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
	case out == nil:
		outcome = "noop"
	case out.AlreadyApplied:
		outcome = "already_applied"
	case out.Pending:
		outcome = "pending"
	case out.Failed:
		outcome = "failed"
	}
	r.metrics.Reconciled(operation, outcome)
}

// IsDuplicateCharge reports whether err is a write that collided with a
// charge already booked under the same vendor id.
func IsDuplicateCharge(err error) bool {
	return dbpkg.IsUniqueViolation(err, uniqueOrderVendorCharge) ||
		dbpkg.IsUniqueViolation(err, uniqueGatewayVendorCharge)
}
