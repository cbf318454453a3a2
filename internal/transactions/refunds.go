package transactions

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	dbpkg "github.com/angelmondragon/paycore/pkg/db"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/outbox"
)

// RefundResult lists the refund rows touched by one ApplyRefunds call.
type RefundResult struct {
	Charge  *models.Transaction
	Order   *models.Order
	Created []models.Transaction
	Updated []models.Transaction
}

// ApplyRefunds reconciles the full refund list a gateway reports for one
// charge. Replaying the same list is a no-op.
func (r *Reconciler) ApplyRefunds(ctx context.Context, gatewayID, vendorChargeID string, lines []gateway.RefundLine) (*RefundResult, error) {
	var result *RefundResult
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = r.applyRefundsTx(ctx, tx, gatewayID, vendorChargeID, lines)
		return err
	})
	outcome := &Outcome{}
	if result != nil && len(result.Created)+len(result.Updated) == 0 {
		outcome.AlreadyApplied = true
	}
	r.record("apply_refunds", outcome, err)
	return result, err
}

func (r *Reconciler) applyRefundsTx(ctx context.Context, tx *gorm.DB, gatewayID, vendorChargeID string, lines []gateway.RefundLine) (*RefundResult, error) {
	charge, err := r.findSettledCharge(ctx, tx, gatewayID, vendorChargeID)
	if err != nil {
		return nil, err
	}
	ctx = r.logg.WithTransactionID(ctx, charge.ID.String())
	repo := r.repo.WithTx(tx)
	existing, err := repo.ListRefunds(ctx, charge.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refunds")
	}

	result := &RefundResult{Charge: charge}
	for _, line := range lines {
		currency := line.Currency
		if currency == "" {
			currency = charge.Currency
		}
		refund := Refund{
			VendorRefundID: line.VendorRefundID,
			AmountCents:    r.money.ToCanonicalMinorUnits(ctx, line.GatewayAmount, currency),
			Status:         RefundStatusFromGateway(line.Status),
			Reason:         line.Reason,
			LocalToken:     line.LocalToken,
		}
		match := MatchRefund(existing, refund)
		switch match.Action {
		case RefundNoop:
			continue
		case RefundUpdate:
			if err := repo.UpdateFields(ctx, match.Target.ID, map[string]any{
				"total_cents": refund.AmountCents,
				"status":      refund.Status,
			}); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update refund")
			}
			match.Target.TotalCents = refund.AmountCents
			match.Target.Status = refund.Status
			result.Updated = append(result.Updated, *match.Target)
		case RefundAttach:
			vendorID := refund.VendorRefundID
			if err := repo.UpdateFields(ctx, match.Target.ID, map[string]any{
				"vendor_charge_id": vendorID,
				"status":           refund.Status,
			}); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach vendor refund id")
			}
			match.Target.VendorChargeID = &vendorID
			match.Target.Status = refund.Status
			result.Updated = append(result.Updated, *match.Target)
			if err := r.emitRefund(ctx, tx, gatewayID, match.Target); err != nil {
				return nil, err
			}
		case RefundCreate:
			row := newRefundRow(charge, refund)
			if err := repo.Create(ctx, row); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create refund")
			}
			existing = append(existing, *row)
			result.Created = append(result.Created, *row)
			if err := r.emitRefund(ctx, tx, gatewayID, row); err != nil {
				return nil, err
			}
		}
	}

	if err := r.settleFullyRefunded(ctx, tx, charge, existing); err != nil {
		return nil, err
	}
	order, err := r.orders.RecomputePaymentStatus(ctx, tx, charge.OrderID)
	if err != nil {
		return nil, err
	}
	result.Order = order
	if n := len(result.Created) + len(result.Updated); n > 0 {
		r.logg.Info(r.logg.WithField(ctx, "refunds_changed", n), "refunds reconciled")
	}
	return result, nil
}

// settleFullyRefunded moves a charge to refunded once settled refunds cover it.
func (r *Reconciler) settleFullyRefunded(ctx context.Context, tx *gorm.DB, charge *models.Transaction, refunds []models.Transaction) error {
	if charge.Status != enums.TransactionStatusSucceeded {
		return nil
	}
	var total int64
	for i := range refunds {
		if refunds[i].Status == enums.TransactionStatusSucceeded {
			total += refunds[i].TotalCents
		}
	}
	if total < charge.TotalCents {
		return nil
	}
	if err := r.repo.WithTx(tx).UpdateFields(ctx, charge.ID, map[string]any{"status": enums.TransactionStatusRefunded}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark charge refunded")
	}
	charge.Status = enums.TransactionStatusRefunded
	return nil
}

func newRefundRow(charge *models.Transaction, refund Refund) *models.Transaction {
	parentID := charge.ID
	row := &models.Transaction{
		OrderID:        charge.OrderID,
		SubscriptionID: charge.SubscriptionID,
		ParentID:       &parentID,
		Type:           enums.TransactionTypeRefund,
		Status:         refund.Status,
		TotalCents:     refund.AmountCents,
		Currency:       charge.Currency,
		Gateway:        charge.Gateway,
		Mode:           charge.Mode,
	}
	if refund.VendorRefundID != "" {
		vendorID := refund.VendorRefundID
		row.VendorChargeID = &vendorID
	}
	if refund.Reason != "" {
		row.SetMeta(models.MetaRefundReason, refund.Reason)
	}
	if refund.LocalToken != "" {
		row.SetMeta(models.MetaLocalRefundToken, refund.LocalToken)
	}
	return row
}

func (r *Reconciler) emitRefund(ctx context.Context, tx *gorm.DB, gatewayID string, row *models.Transaction) error {
	if row.Status == enums.TransactionStatusFailed {
		return nil
	}
	var parentID uuid.UUID
	if row.ParentID != nil {
		parentID = *row.ParentID
	}
	err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventRefundRecorded,
		AggregateType: enums.AggregateTransaction,
		AggregateID:   row.ID,
		Source:        &outbox.Source{Gateway: gatewayID},
		Data: outbox.RefundEvent{
			OrderID:        row.OrderID,
			TransactionID:  row.ID,
			ParentID:       parentID,
			AmountCents:    row.TotalCents,
			Currency:       row.Currency,
			VendorRefundID: row.VendorID(),
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit refund recorded")
	}
	return nil
}

// RefundRequest is an admin-initiated refund.
type RefundRequest struct {
	ChargeID    uuid.UUID
	AmountCents int64
	Reason      string
}

// RequestRefund creates a local placeholder row, asks the gateway to refund,
// and attaches the vendor refund id. The placeholder's token lets the
// asynchronous webhook for the same refund find the row.
func (r *Reconciler) RequestRefund(ctx context.Context, gw gateway.Gateway, req RefundRequest) (*models.Transaction, error) {
	if gw == nil {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway unavailable")
	}
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}

	var charge *models.Transaction
	var placeholder *models.Transaction
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		found, err := repo.FindByID(ctx, req.ChargeID)
		if err != nil {
			if isNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load charge")
		}
		if found.Type == enums.TransactionTypeRefund || found.Status != enums.TransactionStatusSucceeded {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only settled charges can be refunded").
				WithDetails(map[string]any{"status": found.Status, "type": found.Type})
		}
		if found.Type == enums.TransactionTypeDispute && found.MetaString(models.MetaDisputeRefundable) == "false" {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "disputed charge is not refundable")
		}
		refunds, err := repo.ListRefunds(ctx, found.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refunds")
		}
		var committed int64
		for i := range refunds {
			if refunds[i].Status != enums.TransactionStatusFailed {
				committed += refunds[i].TotalCents
			}
		}
		if committed+req.AmountCents > found.TotalCents {
			return pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds the refundable amount").
				WithDetails(map[string]any{"refundable_cents": found.TotalCents - committed})
		}

		row := newRefundRow(found, Refund{
			AmountCents: req.AmountCents,
			Status:      enums.TransactionStatusPending,
			Reason:      req.Reason,
			LocalToken:  uuid.NewString(),
		})
		if err := repo.Create(ctx, row); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create refund placeholder")
		}
		charge, placeholder = found, row
		return nil
	})
	if err != nil {
		r.record("request_refund", nil, err)
		return nil, err
	}

	ctx = r.logg.WithFields(r.logg.WithTransactionID(ctx, placeholder.ID.String()), map[string]any{
		"gateway":   charge.Gateway,
		"charge_id": charge.ID.String(),
	})
	token := placeholder.MetaString(models.MetaLocalRefundToken)
	vendorRefundID, refundErr := gw.Refund(ctx, charge, req.AmountCents, gateway.RefundArgs{Reason: req.Reason, LocalToken: token})

	err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		current, err := repo.FindByID(ctx, placeholder.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload refund placeholder")
		}
		if refundErr != nil {
			current.SetMeta(models.MetaDeclineReason, refundErr.Error())
			if err := repo.UpdateFields(ctx, current.ID, map[string]any{
				"status": enums.TransactionStatusFailed,
				"meta":   current.Meta,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark refund failed")
			}
			placeholder = current
			return nil
		}
		if current.VendorID() != "" {
			// the webhook got here first
			placeholder = current
			return nil
		}

		if err := tx.SavePoint(confirmSavepoint).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "savepoint")
		}
		updates := map[string]any{
			"vendor_charge_id": vendorRefundID,
			"status":           enums.TransactionStatusSucceeded,
		}
		if err := repo.UpdateFields(ctx, current.ID, updates); err != nil {
			if !dbpkg.IsUniqueViolation(err, uniqueOrderVendorCharge) {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach vendor refund id")
			}
			// a webhook recorded this refund on its own row
			if rbErr := tx.RollbackTo(confirmSavepoint).Error; rbErr != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, rbErr, "rollback to savepoint")
			}
			current.SetMeta(models.MetaRefundReason, "superseded by gateway notification")
			if err := repo.UpdateFields(ctx, current.ID, map[string]any{
				"status": enums.TransactionStatusFailed,
				"meta":   current.Meta,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retire refund placeholder")
			}
			placeholder, err = repo.FindByVendorID(ctx, charge.Gateway, vendorRefundID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load recorded refund")
			}
			return nil
		}
		current.VendorChargeID = &vendorRefundID
		current.Status = enums.TransactionStatusSucceeded
		placeholder = current

		refunds, err := repo.ListRefunds(ctx, charge.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refunds")
		}
		if err := r.settleFullyRefunded(ctx, tx, charge, refunds); err != nil {
			return err
		}
		if _, err := r.orders.RecomputePaymentStatus(ctx, tx, charge.OrderID); err != nil {
			return err
		}
		return r.emitRefund(ctx, tx, charge.Gateway, current)
	})
	if err == nil && refundErr != nil {
		err = refundErr
	}
	r.record("request_refund", &Outcome{Transaction: placeholder}, err)
	if err != nil {
		r.logg.Error(ctx, "refund request failed", err)
		return nil, err
	}
	r.logg.Info(r.logg.WithField(ctx, "vendor_refund_id", vendorRefundID), "refund recorded")
	return placeholder, nil
}
