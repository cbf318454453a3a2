package transactions

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/outbox"
)

// OpenDispute marks a settled charge as disputed. The status stays succeeded
// because the merchant still holds the funds until closure.
func (r *Reconciler) OpenDispute(ctx context.Context, gatewayID, vendorChargeID string, d gateway.DisputeReport) (*Outcome, error) {
	var out *Outcome
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txn, err := r.findSettledCharge(ctx, tx, gatewayID, vendorChargeID)
		if err != nil {
			return err
		}
		ctx := r.logg.WithFields(ctx, map[string]any{"transaction_id": txn.ID.String(), "dispute_id": d.VendorDisputeID})
		if txn.Status == enums.TransactionStatusDisputeLost ||
			(txn.Type == enums.TransactionTypeDispute && txn.MetaString(models.MetaDisputeID) == d.VendorDisputeID) {
			out, err = r.alreadyApplied(ctx, tx, txn)
			return err
		}

		txn.SetMeta(models.MetaDisputeID, d.VendorDisputeID)
		txn.SetMeta(models.MetaDisputeReason, d.Reason)
		txn.SetMeta(models.MetaDisputeActionable, d.Actionable)
		txn.SetMeta(models.MetaDisputeRefundable, d.Refundable)
		if err := r.repo.WithTx(tx).UpdateFields(ctx, txn.ID, map[string]any{
			"type": enums.TransactionTypeDispute,
			"meta": txn.Meta,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark charge disputed")
		}
		txn.Type = enums.TransactionTypeDispute

		if err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDisputeOpened,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   txn.ID,
			Source:        &outbox.Source{Gateway: gatewayID, Channel: "webhook"},
			Data: outbox.DisputeEvent{
				OrderID:       txn.OrderID,
				TransactionID: txn.ID,
				Reason:        d.Reason,
				AmountCents:   txn.TotalCents,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit dispute opened")
		}
		order, err := r.orders.Get(ctx, tx, txn.OrderID)
		if err != nil {
			return err
		}
		r.logg.Warn(r.logg.WithField(ctx, "dispute_reason", d.Reason), "dispute opened")
		out = &Outcome{Transaction: txn, Order: order}
		return nil
	})
	r.record("open_dispute", out, err)
	return out, err
}

// CloseDispute applies a dispute outcome. A favourable closure turns the row
// back into an ordinary charge; a lost dispute is terminal and reduces the
// order's paid amount.
func (r *Reconciler) CloseDispute(ctx context.Context, gatewayID, vendorChargeID string, d gateway.DisputeReport) (*Outcome, error) {
	closure, err := enums.ParseDisputeClosure(d.Closure)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown dispute closure")
	}

	var out *Outcome
	err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txn, err := r.findSettledCharge(ctx, tx, gatewayID, vendorChargeID)
		if err != nil {
			return err
		}
		ctx := r.logg.WithFields(ctx, map[string]any{"transaction_id": txn.ID.String(), "closure": closure})
		if txn.Status == enums.TransactionStatusDisputeLost {
			out, err = r.alreadyApplied(ctx, tx, txn)
			return err
		}

		repo := r.repo.WithTx(tx)
		txn.SetMeta(models.MetaDisputeActionable, false)
		if closure.RestoresCharge() {
			if txn.Type != enums.TransactionTypeDispute {
				out, err = r.alreadyApplied(ctx, tx, txn)
				return err
			}
			if err := repo.UpdateFields(ctx, txn.ID, map[string]any{
				"type": enums.TransactionTypeCharge,
				"meta": txn.Meta,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "restore disputed charge")
			}
			txn.Type = enums.TransactionTypeCharge
			order, err := r.orders.Get(ctx, tx, txn.OrderID)
			if err != nil {
				return err
			}
			r.logg.Info(ctx, "dispute closed in merchant favour")
			out = &Outcome{Transaction: txn, Order: order}
			return nil
		}

		lost := txn.TotalCents
		if d.GatewayAmount > 0 {
			currency := d.Currency
			if currency == "" {
				currency = txn.Currency
			}
			lost = r.money.ToCanonicalMinorUnits(ctx, d.GatewayAmount, currency)
		}
		if lost > txn.TotalCents {
			lost = txn.TotalCents
		}
		txn.SetMeta(models.MetaDisputeAmount, lost)
		if err := repo.UpdateFields(ctx, txn.ID, map[string]any{
			"type":   enums.TransactionTypeDispute,
			"status": enums.TransactionStatusDisputeLost,
			"meta":   txn.Meta,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark dispute lost")
		}
		txn.Type = enums.TransactionTypeDispute
		txn.Status = enums.TransactionStatusDisputeLost

		order, err := r.orders.RecomputePaymentStatus(ctx, tx, txn.OrderID)
		if err != nil {
			return err
		}
		if err := r.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDisputeLost,
			AggregateType: enums.AggregateTransaction,
			AggregateID:   txn.ID,
			Source:        &outbox.Source{Gateway: gatewayID, Channel: "webhook"},
			Data: outbox.DisputeEvent{
				OrderID:       txn.OrderID,
				TransactionID: txn.ID,
				Reason:        txn.MetaString(models.MetaDisputeReason),
				AmountCents:   lost,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit dispute lost")
		}
		r.logg.Warn(r.logg.WithField(ctx, "lost_cents", lost), "dispute lost")
		out = &Outcome{Transaction: txn, Order: order}
		return nil
	})
	r.record("close_dispute", out, err)
	return out, err
}

func (r *Reconciler) findSettledCharge(ctx context.Context, tx *gorm.DB, gatewayID, vendorChargeID string) (*models.Transaction, error) {
	if vendorChargeID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor charge id required")
	}
	txn, err := r.repo.WithTx(tx).FindByVendorID(ctx, gatewayID, vendorChargeID)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "charge not found").
				WithDetails(map[string]any{"vendor_charge_id": vendorChargeID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find charge")
	}
	if txn.Type == enums.TransactionTypeRefund {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "vendor id refers to a refund")
	}
	if !isSettled(txn) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "charge has not settled").
			WithDetails(map[string]any{"status": txn.Status})
	}
	return txn, nil
}
