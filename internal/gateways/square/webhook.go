package square

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/angelmondragon/paycore/internal/gateway"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/money"
	pkgsquare "github.com/angelmondragon/paycore/pkg/square"
)

// eventDisputeUpdated has no handler; open disputes moving between review
// states do not change local records.
const eventDisputeUpdated gateway.EventType = "dispute.updated"

var acceptedEvents = map[string]gateway.EventType{
	"payment.updated":                 gateway.EventPaymentSucceeded,
	"refund.created":                  gateway.EventRefundUpdated,
	"refund.updated":                  gateway.EventRefundUpdated,
	"dispute.created":                 gateway.EventDisputeCreated,
	"dispute.state.updated":           gateway.EventDisputeClosed,
	"dispute.state.changed":           gateway.EventDisputeClosed,
	"invoice.payment_made":            gateway.EventSubscriptionRenewed,
	"invoice.scheduled_charge_failed": gateway.EventSubscriptionRenewed,
	"subscription.updated":            gateway.EventSubscriptionUpdated,
}

type notification struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Type   string          `json:"type"`
		ID     string          `json:"id"`
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type notificationObject struct {
	Payment      *pkgsquare.WirePayment      `json:"payment"`
	Refund       *pkgsquare.WireRefund       `json:"refund"`
	Dispute      *wireDispute                `json:"dispute"`
	Invoice      *pkgsquare.WireInvoice      `json:"invoice"`
	Subscription *pkgsquare.WireSubscription `json:"subscription"`
}

type wireDispute struct {
	ID              string               `json:"id"`
	DisputeID       string               `json:"dispute_id"`
	State           string               `json:"state"`
	Reason          string               `json:"reason"`
	AmountMoney     *pkgsquare.WireMoney `json:"amount_money"`
	DisputedPayment *struct {
		PaymentID string `json:"payment_id"`
	} `json:"disputed_payment"`
}

// VerifyWebhook implements gateway.WebhookSource.
func (g *Gateway) VerifyWebhook(r *http.Request, body []byte) (*gateway.WebhookEnvelope, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.api.VerifyWebhook(body, r.Header.Get(pkgsquare.SignatureHeader)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid square signature")
	}
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode square notification")
	}
	if n.EventID == "" || n.Type == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square notification missing event id or type")
	}
	mode := gateway.ModeTest
	if g.api.Environment() == "production" {
		mode = gateway.ModeLive
	}
	return &gateway.WebhookEnvelope{
		ID:      n.EventID,
		RawType: n.Type,
		Mode:    mode,
		Payload: n.Data.Object,
	}, nil
}

func (g *Gateway) AcceptedEvents() map[string]gateway.EventType {
	return acceptedEvents
}

// DecodeWebhook reads data.object. A payment update is reclassified as a
// failure when Square reports the payment failed or canceled.
func (g *Gateway) DecodeWebhook(_ context.Context, env *gateway.WebhookEnvelope, eventType gateway.EventType) (*gateway.WebhookEvent, error) {
	var obj notificationObject
	if err := json.Unmarshal(env.Payload, &obj); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode square "+env.RawType)
	}
	ev := &gateway.WebhookEvent{
		ID:      env.ID,
		Type:    eventType,
		RawType: env.RawType,
		Gateway: ID,
	}

	switch {
	case strings.HasPrefix(env.RawType, "payment.") && obj.Payment != nil:
		report := reportFromPayment(obj.Payment.Payment())
		if report.Status == gateway.StatusFailed {
			ev.Type = gateway.EventPaymentFailed
		}
		ev.VendorChargeID = report.VendorChargeID
		ev.Hint.TransactionID = report.TransactionID
		ev.Charge = &report
	case strings.HasPrefix(env.RawType, "refund.") && obj.Refund != nil:
		refund := obj.Refund.Refund()
		ev.VendorChargeID = refund.PaymentID
		ev.Refunds = []gateway.RefundLine{{
			VendorRefundID: refund.ID,
			GatewayAmount:  refund.AmountCents,
			Currency:       money.Code(refund.Currency),
			Status:         refund.Status,
			Reason:         refund.Reason,
		}}
	case strings.HasPrefix(env.RawType, "dispute.") && obj.Dispute != nil:
		decodeDispute(obj.Dispute, ev)
	case strings.HasPrefix(env.RawType, "invoice.") && obj.Invoice != nil:
		inv := obj.Invoice.Invoice()
		report := reportFromInvoice(inv)
		if env.RawType == "invoice.scheduled_charge_failed" {
			report.Status = gateway.StatusFailed
			report.Captured = false
			report.DeclineReason = "scheduled charge failed"
		}
		ev.VendorChargeID = report.VendorChargeID
		ev.VendorSubscriptionID = inv.SubscriptionID
		ev.Charge = &report
	case env.RawType == "subscription.updated" && obj.Subscription != nil:
		sub := obj.Subscription.Subscription()
		ev.VendorSubscriptionID = sub.ID
		ev.Subscription = &gateway.SubscriptionReport{
			VendorSubscriptionID: sub.ID,
			VendorCustomerID:     sub.CustomerID,
			Status:               sub.Status,
			NextBillingAt:        sub.ChargedThroughDate,
			CanceledAt:           sub.CanceledDate,
		}
		if sub.Status == "CANCELED" || sub.Status == "DEACTIVATED" {
			ev.Type = gateway.EventSubscriptionCanceled
		}
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square notification object missing").
			WithDetails(map[string]any{"type": env.RawType})
	}
	return ev, nil
}

// decodeDispute reports non-terminal state changes as an unhandled update.
func decodeDispute(d *wireDispute, ev *gateway.WebhookEvent) {
	if d.DisputedPayment != nil {
		ev.VendorChargeID = d.DisputedPayment.PaymentID
	}
	report := &gateway.DisputeReport{
		VendorDisputeID: d.DisputeID,
		Reason:          strings.ToLower(d.Reason),
		Actionable:      strings.HasSuffix(d.State, "EVIDENCE_REQUIRED"),
		Refundable:      true,
	}
	if report.VendorDisputeID == "" {
		report.VendorDisputeID = d.ID
	}
	if d.AmountMoney != nil {
		report.GatewayAmount = d.AmountMoney.Amount
		report.Currency = money.Code(d.AmountMoney.Currency)
	}
	if ev.Type == gateway.EventDisputeClosed {
		closure := disputeClosure(d.State)
		if closure == "" {
			ev.Type = eventDisputeUpdated
		}
		report.Closure = closure
	}
	ev.Dispute = report
}

func disputeClosure(state string) string {
	switch state {
	case "WON":
		return "won"
	case "INQUIRY_CLOSED":
		return "warning_closed"
	case "LOST", "ACCEPTED":
		return "lost"
	default:
		return ""
	}
}
