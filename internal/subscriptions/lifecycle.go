package subscriptions

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

// CancelOptions controls an explicit cancellation.
type CancelOptions struct {
	// Remote also cancels the agreement at the gateway before the local write.
	Remote  bool
	Reason  string
	Channel string
}

// Cancel ends a subscription. Canceling a subscription that already ended is a no-op.
func (m *Manager) Cancel(ctx context.Context, subID uuid.UUID, opts CancelOptions) (*models.Subscription, error) {
	sub, err := m.Get(ctx, nil, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return sub, nil
	}
	ctx = m.logg.WithGateway(m.logg.WithField(ctx, "subscription_id", sub.ID.String()), sub.Gateway)

	if opts.Remote && sub.VendorID() != "" {
		canceler := m.gateways.Capabilities(sub.Gateway).Canceler
		if canceler == nil {
			return nil, pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway cannot cancel subscriptions").
				WithDetails(map[string]any{"gateway": sub.Gateway})
		}
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := canceler.CancelSubscription(callCtx, sub)
		cancel()
		if err != nil {
			m.logg.Error(ctx, "remote subscription cancel failed", err)
			if pkgerrors.As(err) != nil {
				return nil, err
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel subscription at gateway")
		}
	}

	var out *models.Subscription
	err = m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		current, err := m.Get(ctx, tx, subID)
		if err != nil {
			return err
		}
		out, err = m.cancelTx(ctx, tx, current, m.now(), opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) cancelTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, at time.Time, opts CancelOptions) (*models.Subscription, error) {
	if sub.Status.IsTerminal() {
		return sub, nil
	}
	updates := map[string]any{
		"status":      enums.SubscriptionStatusCanceled,
		"canceled_at": at.UTC(),
	}
	if reason := strings.TrimSpace(opts.Reason); reason != "" {
		meta := cloneMeta(sub)
		meta["cancel_reason"] = reason
		updates["meta"] = meta
	}
	if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel subscription")
	}
	canceled, err := m.Get(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if err := m.outbox.Emit(ctx, tx, m.subscriptionEvent(enums.EventSubscriptionCanceled, canceled, opts.Channel)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit subscription canceled")
	}
	m.logg.Info(ctx, "subscription canceled")
	return canceled, nil
}

// Expire marks the subscription as ended by the vendor or by its billing limit.
func (m *Manager) Expire(ctx context.Context, subID uuid.UUID) (*models.Subscription, error) {
	var out *models.Subscription
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := m.Get(ctx, tx, subID)
		if err != nil {
			return err
		}
		out, err = m.expireTx(ctx, tx, sub, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) expireTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, channel string) (*models.Subscription, error) {
	if sub.Status == enums.SubscriptionStatusExpired {
		return sub, nil
	}
	if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, map[string]any{
		"status":     enums.SubscriptionStatusExpired,
		"expires_at": m.now(),
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire subscription")
	}
	expired, err := m.Get(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if err := m.outbox.EmitIfNotExists(ctx, tx, m.subscriptionEvent(enums.EventSubscriptionExpired, expired, channel)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit subscription expired")
	}
	m.logg.Info(m.logg.WithField(ctx, "subscription_id", sub.ID.String()), "subscription expired")
	return expired, nil
}

// ApplyVendorStatus reconciles a vendor-reported subscription status change.
func (m *Manager) ApplyVendorStatus(ctx context.Context, gatewayID string, report gateway.SubscriptionReport) (*models.Subscription, error) {
	if strings.TrimSpace(report.VendorSubscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor subscription id required")
	}
	var out *models.Subscription
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := m.FindByVendorID(ctx, tx, gatewayID, report.VendorSubscriptionID)
		if err != nil {
			return err
		}
		out, err = m.applyVendorStatusTx(ctx, tx, sub, gatewayID, report, "webhook")
		return err
	})
	m.metrics.Reconciled("vendor_status", outcomeOf(err))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) applyVendorStatusTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, gatewayID string, report gateway.SubscriptionReport, channel string) (*models.Subscription, error) {
	status := MapVendorStatus(gatewayID, report.Status)
	ctx = m.logg.WithFields(ctx, map[string]any{
		"subscription_id": sub.ID.String(),
		"vendor_status":   report.Status,
		"mapped_status":   status,
	})
	now := m.now()

	switch {
	case status == enums.SubscriptionStatusPending || status == enums.SubscriptionStatusIntended:
		// the vendor has not collected the first payment yet
	case status == enums.SubscriptionStatusCanceled:
		at := now
		if report.CanceledAt != nil {
			at = *report.CanceledAt
		}
		if _, err := m.cancelTx(ctx, tx, sub, at, CancelOptions{Channel: channel}); err != nil {
			return nil, err
		}
	case status == enums.SubscriptionStatusExpired:
		if _, err := m.expireTx(ctx, tx, sub, channel); err != nil {
			return nil, err
		}
	case !sub.Status.IsReportable():
		ready, err := m.mayActivateFromReport(ctx, tx, sub, status)
		if err != nil {
			return nil, err
		}
		if !ready {
			// only the settled first charge activates; keep what the vendor told us
			if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, vendorIDUpdates(sub, ActivationInput{
				VendorSubscriptionID: report.VendorSubscriptionID,
				VendorCustomerID:     report.VendorCustomerID,
			})); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record vendor ids")
			}
			m.logg.Info(ctx, "vendor reports a live subscription before the first charge settled; waiting for the charge")
			break
		}
		if _, err := m.activateTx(ctx, tx, sub, ActivationInput{
			VendorSubscriptionID: report.VendorSubscriptionID,
			VendorCustomerID:     report.VendorCustomerID,
			NextBillingAt:        report.NextBillingAt,
			Channel:              channel,
		}); err != nil {
			return nil, err
		}
		if status != enums.SubscriptionStatusActive && status != enums.SubscriptionStatusTrialing {
			if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, map[string]any{"status": status}); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription status")
			}
		}
	case sub.Status == enums.SubscriptionStatusExpired:
		m.logg.Warn(ctx, "vendor reports an expired subscription as live; keeping local expiry")
	case sub.Status == enums.SubscriptionStatusCanceled:
		// only a settled renewal charge revives a canceled subscription
		m.logg.Warn(ctx, "vendor reports a canceled subscription as live; keeping local cancellation")
	default:
		updates := map[string]any{}
		if sub.Status != status {
			updates["status"] = status
		}
		if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, updates); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription status")
		}
	}

	sync := map[string]any{"last_synced_at": now}
	if next := utcPtr(report.NextBillingAt); next != nil {
		sync["next_billing_at"] = *next
	}
	if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, sync); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record subscription sync")
	}
	m.logg.Info(ctx, "vendor subscription status applied")
	return m.Get(ctx, tx, sub.ID)
}

// mayActivateFromReport decides whether a vendor status report may move a
// pending subscription forward. A settled first charge always may. A free
// trial has no charge to wait for.
func (m *Manager) mayActivateFromReport(ctx context.Context, tx *gorm.DB, sub *models.Subscription, status enums.SubscriptionStatus) (bool, error) {
	if status == enums.SubscriptionStatusTrialing && sub.TrialDays > 0 && sub.InitialAmountCents == 0 {
		return true, nil
	}
	charges, err := m.rec.Repo(tx).ListBySubscription(ctx, sub.ID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscription charges")
	}
	for _, charge := range charges {
		switch charge.Status {
		case enums.TransactionStatusSucceeded, enums.TransactionStatusRefunded,
			enums.TransactionStatusDisputed, enums.TransactionStatusDisputeLost:
			return true, nil
		}
	}
	return false, nil
}

func cloneMeta(sub *models.Subscription) datatypes.JSONMap {
	meta := make(datatypes.JSONMap, len(sub.Meta)+1)
	for k, v := range sub.Meta {
		meta[k] = v
	}
	return meta
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "applied"
}
