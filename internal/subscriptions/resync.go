package subscriptions

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

// ResyncResult summarizes one ReSyncFromRemote run.
type ResyncResult struct {
	Subscription *models.Subscription
	// Matched counts remote charges that were already recorded locally.
	Matched int
	// Replayed counts remote charges that were missing and have now been applied.
	Replayed int
	Skipped  int
}

// ReSyncFromRemote fetches the gateway's view of the subscription and replays
// every charge not yet recorded locally, then applies the remote status. It
// heals missed or delayed webhooks. Per-charge failures are collected and do
// not stop the remaining charges.
func (m *Manager) ReSyncFromRemote(ctx context.Context, subID uuid.UUID) (*ResyncResult, error) {
	sub, err := m.Get(ctx, nil, subID)
	if err != nil {
		return nil, err
	}
	ctx = m.logg.WithGateway(m.logg.WithField(ctx, "subscription_id", sub.ID.String()), sub.Gateway)

	syncer := m.gateways.Capabilities(sub.Gateway).Syncer
	if syncer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway does not support subscription resync").
			WithDetails(map[string]any{"gateway": sub.Gateway})
	}
	if sub.VendorID() == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription has no gateway reference yet")
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	remote, err := syncer.FetchSubscription(callCtx, sub)
	cancel()
	if err != nil {
		m.metrics.Reconciled("resync", "error")
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch remote subscription")
	}

	result := &ResyncResult{}
	var errs error
	for _, charge := range remote.Charges {
		charge := charge
		if charge.Gateway == "" {
			charge.Gateway = sub.Gateway
		}
		charge.Channel = "resync"
		if charge.VendorSubscriptionID == "" {
			charge.VendorSubscriptionID = sub.VendorID()
		}
		err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
			current, err := m.Get(ctx, tx, sub.ID)
			if err != nil {
				return err
			}
			outcome, err := m.replayCharge(ctx, tx, current, charge)
			if err != nil {
				return err
			}
			switch outcome {
			case replayMatched:
				result.Matched++
			case replayApplied:
				result.Replayed++
			default:
				result.Skipped++
			}
			return nil
		})
		if err != nil {
			m.logg.Error(m.logg.WithField(ctx, "vendor_charge_id", charge.VendorChargeID), "resync charge replay failed", err)
			errs = multierr.Append(errs, err)
		}
	}

	err = m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		current, err := m.Get(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		result.Subscription, err = m.applyVendorStatusTx(ctx, tx, current, sub.Gateway, gateway.SubscriptionReport{
			VendorSubscriptionID: remote.VendorSubscriptionID,
			Status:               remote.Status,
			NextBillingAt:        remote.NextBillingAt,
			CanceledAt:           remote.CanceledAt,
		}, "resync")
		return err
	})
	errs = multierr.Append(errs, err)

	m.logg.Info(m.logg.WithFields(ctx, map[string]any{
		"matched":  result.Matched,
		"replayed": result.Replayed,
		"skipped":  result.Skipped,
	}), "subscription resynced")
	m.metrics.Reconciled("resync", outcomeOf(errs))
	if errs != nil {
		return result, errs
	}
	return result, nil
}

type replayOutcome int

const (
	replaySkipped replayOutcome = iota
	replayMatched
	replayApplied
)

// replayCharge applies one remote charge. Matching goes by vendor charge id,
// then by a local placeholder for the same subscription and amount that has no
// vendor id yet, and finally creates a renewal order.
func (m *Manager) replayCharge(ctx context.Context, tx *gorm.DB, sub *models.Subscription, charge gateway.ChargeReport) (replayOutcome, error) {
	if charge.VendorChargeID == "" {
		return replaySkipped, nil
	}
	repo := m.rec.Repo(tx)

	existing, err := repo.FindByVendorID(ctx, charge.Gateway, charge.VendorChargeID)
	switch {
	case err == nil:
		if existing.Status != enums.TransactionStatusPending {
			return replayMatched, nil
		}
		charge.TransactionID = existing.ID.String()
		out, err := m.rec.ConfirmChargeTx(ctx, tx, charge)
		if err != nil {
			return replaySkipped, err
		}
		if out.Pending {
			return replayMatched, nil
		}
		return replayApplied, nil
	case !isNotFound(err):
		return replaySkipped, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find charge by vendor id")
	}

	// uncaptured or failed charges only update rows we already know about
	if !charge.Settled() {
		return replaySkipped, nil
	}

	currency := charge.Currency
	if currency == "" {
		currency = sub.Currency
	}
	amount := m.money.ToCanonicalMinorUnits(ctx, charge.GatewayAmount, currency)

	local, err := repo.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return replaySkipped, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscription charges")
	}
	if placeholder := MatchLocalCharge(local, amount); placeholder != nil {
		charge.TransactionID = placeholder.ID.String()
		charge.OrderID = placeholder.OrderID.String()
		if _, err := m.rec.ConfirmChargeTx(ctx, tx, charge); err != nil {
			return replaySkipped, err
		}
		return replayApplied, nil
	}

	order, created, err := m.CreateRenewalOrder(ctx, tx, sub, amount, charge.VendorChargeID)
	if err != nil {
		return replaySkipped, err
	}
	charge.TransactionID = created.ID.String()
	charge.OrderID = order.ID.String()
	if _, err := m.rec.ConfirmChargeTx(ctx, tx, charge); err != nil {
		return replaySkipped, err
	}
	return replayApplied, nil
}

// MatchLocalCharge returns the oldest pending charge row with no vendor id and
// the given canonical amount, or nil.
func MatchLocalCharge(local []models.Transaction, amountCents int64) *models.Transaction {
	for i := range local {
		txn := &local[i]
		if txn.Type != enums.TransactionTypeCharge || txn.Status != enums.TransactionStatusPending {
			continue
		}
		if txn.VendorID() != "" || txn.TotalCents != amountCents {
			continue
		}
		return txn
	}
	return nil
}
