package webhooks

import (
	"context"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/transactions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

// Handler applies one normalized event to the resolved local records.
type Handler func(ctx context.Context, ev *gateway.WebhookEvent, res *Resolution) error

type chargeReconciler interface {
	ConfirmCharge(ctx context.Context, report gateway.ChargeReport) (*transactions.Outcome, error)
	MarkFailed(ctx context.Context, report gateway.ChargeReport) (*transactions.Outcome, error)
	ApplyRefunds(ctx context.Context, gatewayID, vendorChargeID string, lines []gateway.RefundLine) (*transactions.RefundResult, error)
	OpenDispute(ctx context.Context, gatewayID, vendorChargeID string, d gateway.DisputeReport) (*transactions.Outcome, error)
	CloseDispute(ctx context.Context, gatewayID, vendorChargeID string, d gateway.DisputeReport) (*transactions.Outcome, error)
}

type statusApplier interface {
	ApplyVendorStatus(ctx context.Context, gatewayID string, report gateway.SubscriptionReport) (*models.Subscription, error)
}

// DefaultHandlers wires every normalized event type to the reconciler and the
// subscription manager.
func DefaultHandlers(rec chargeReconciler, subs statusApplier) map[gateway.EventType]Handler {
	h := &handlers{rec: rec, subs: subs}
	return map[gateway.EventType]Handler{
		gateway.EventPaymentSucceeded:     h.chargeSucceeded,
		gateway.EventCheckoutCompleted:    h.chargeSucceeded,
		gateway.EventPaymentFailed:        h.chargeFailed,
		gateway.EventRefundUpdated:        h.refundUpdated,
		gateway.EventDisputeCreated:       h.disputeCreated,
		gateway.EventDisputeClosed:        h.disputeClosed,
		gateway.EventSubscriptionRenewed:  h.subscriptionRenewed,
		gateway.EventSubscriptionUpdated:  h.subscriptionUpdated,
		gateway.EventSubscriptionCanceled: h.subscriptionCanceled,
	}
}

type handlers struct {
	rec  chargeReconciler
	subs statusApplier
}

func (h *handlers) chargeSucceeded(ctx context.Context, ev *gateway.WebhookEvent, res *Resolution) error {
	if ev.Charge == nil {
		// hosted checkout sessions without a payment (free trials) carry no charge
		return h.applyStatus(ctx, ev)
	}
	if _, err := h.rec.ConfirmCharge(ctx, chargeReport(ev, res)); err != nil {
		return err
	}
	return h.applyStatus(ctx, ev)
}

func (h *handlers) chargeFailed(ctx context.Context, ev *gateway.WebhookEvent, res *Resolution) error {
	if ev.Charge == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment failure without charge details")
	}
	_, err := h.rec.MarkFailed(ctx, chargeReport(ev, res))
	return err
}

func (h *handlers) refundUpdated(ctx context.Context, ev *gateway.WebhookEvent, res *Resolution) error {
	_, err := h.rec.ApplyRefunds(ctx, ev.Gateway, vendorChargeID(ev, res), ev.Refunds)
	return err
}

func (h *handlers) disputeCreated(ctx context.Context, ev *gateway.WebhookEvent, res *Resolution) error {
	if ev.Dispute == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "dispute details missing")
	}
	_, err := h.rec.OpenDispute(ctx, ev.Gateway, vendorChargeID(ev, res), *ev.Dispute)
	return err
}

func (h *handlers) disputeClosed(ctx context.Context, ev *gateway.WebhookEvent, res *Resolution) error {
	if ev.Dispute == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "dispute details missing")
	}
	_, err := h.rec.CloseDispute(ctx, ev.Gateway, vendorChargeID(ev, res), *ev.Dispute)
	return err
}

func (h *handlers) subscriptionRenewed(ctx context.Context, ev *gateway.WebhookEvent, res *Resolution) error {
	if ev.Charge != nil {
		report := chargeReport(ev, res)
		var err error
		if report.Status == gateway.StatusFailed {
			_, err = h.rec.MarkFailed(ctx, report)
		} else {
			_, err = h.rec.ConfirmCharge(ctx, report)
		}
		if err != nil {
			return err
		}
	}
	return h.applyStatus(ctx, ev)
}

func (h *handlers) subscriptionUpdated(ctx context.Context, ev *gateway.WebhookEvent, _ *Resolution) error {
	if ev.Subscription == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription details missing")
	}
	return h.applyStatus(ctx, ev)
}

func (h *handlers) subscriptionCanceled(ctx context.Context, ev *gateway.WebhookEvent, _ *Resolution) error {
	report := gateway.SubscriptionReport{VendorSubscriptionID: ev.VendorSubscriptionID}
	if ev.Subscription != nil {
		report = *ev.Subscription
	}
	report.Status = "canceled"
	if report.VendorSubscriptionID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "vendor subscription id missing")
	}
	_, err := h.subs.ApplyVendorStatus(ctx, ev.Gateway, report)
	return err
}

func (h *handlers) applyStatus(ctx context.Context, ev *gateway.WebhookEvent) error {
	if ev.Subscription == nil || ev.Subscription.VendorSubscriptionID == "" || h.subs == nil {
		return nil
	}
	_, err := h.subs.ApplyVendorStatus(ctx, ev.Gateway, *ev.Subscription)
	return err
}

// chargeReport fills the routing fields the resolver learned.
func chargeReport(ev *gateway.WebhookEvent, res *Resolution) gateway.ChargeReport {
	report := *ev.Charge
	report.Gateway = ev.Gateway
	report.Channel = "webhook"
	if report.VendorChargeID == "" {
		report.VendorChargeID = ev.VendorChargeID
	}
	if report.VendorSubscriptionID == "" {
		report.VendorSubscriptionID = ev.VendorSubscriptionID
	}
	if res != nil && res.Transaction != nil && report.TransactionID == "" {
		report.TransactionID = res.Transaction.ID.String()
	}
	if res != nil && res.Order != nil && report.OrderID == "" {
		report.OrderID = res.Order.ID.String()
	}
	if report.TransactionID == "" {
		report.TransactionID = ev.Hint.TransactionID
	}
	return report
}

// vendorChargeID prefers the resolved charge row, since a refund or dispute
// may reference the payment by a different vendor object than we stored.
func vendorChargeID(ev *gateway.WebhookEvent, res *Resolution) string {
	if res != nil && res.Transaction != nil && res.Transaction.VendorID() != "" {
		return res.Transaction.VendorID()
	}
	return ev.VendorChargeID
}
