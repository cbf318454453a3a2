package stripe

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/paycore/internal/gateway"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/money"
)

const signatureHeader = "Stripe-Signature"

var acceptedEvents = map[string]gateway.EventType{
	"payment_intent.succeeded":      gateway.EventPaymentSucceeded,
	"payment_intent.payment_failed": gateway.EventPaymentFailed,
	"charge.refunded":               gateway.EventRefundUpdated,
	"charge.refund.updated":         gateway.EventRefundUpdated,
	"charge.dispute.created":        gateway.EventDisputeCreated,
	"charge.dispute.closed":         gateway.EventDisputeClosed,
	"invoice.paid":                  gateway.EventSubscriptionRenewed,
	"invoice.payment_failed":        gateway.EventSubscriptionRenewed,
	"customer.subscription.updated": gateway.EventSubscriptionUpdated,
	"customer.subscription.deleted": gateway.EventSubscriptionCanceled,
	"checkout.session.completed":    gateway.EventCheckoutCompleted,
}

// VerifyWebhook implements gateway.WebhookSource. The body must be the exact
// bytes Stripe signed.
func (g *Gateway) VerifyWebhook(r *http.Request, body []byte) (*gateway.WebhookEnvelope, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "missing Stripe-Signature header")
	}
	ev, err := g.api.ConstructEvent(body, sig)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stripe signature")
	}
	env := &gateway.WebhookEnvelope{
		ID:      ev.ID,
		RawType: string(ev.Type),
		Mode:    "test",
	}
	if ev.Livemode {
		env.Mode = "live"
	}
	if ev.Data != nil {
		env.Payload = ev.Data.Raw
	}
	return env, nil
}

func (g *Gateway) AcceptedEvents() map[string]gateway.EventType {
	return acceptedEvents
}

// DecodeWebhook turns the event's data.object into the neutral event.
func (g *Gateway) DecodeWebhook(ctx context.Context, env *gateway.WebhookEnvelope, eventType gateway.EventType) (*gateway.WebhookEvent, error) {
	ev := &gateway.WebhookEvent{
		ID:      env.ID,
		Type:    eventType,
		RawType: env.RawType,
		Gateway: ID,
	}
	var err error
	switch env.RawType {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		err = decodeIntent(env, ev)
	case "charge.refunded":
		err = decodeChargeRefunds(env, ev)
	case "charge.refund.updated":
		err = decodeRefund(env, ev)
	case "charge.dispute.created", "charge.dispute.closed":
		err = decodeDispute(env, ev)
	case "invoice.paid", "invoice.payment_failed":
		decodeInvoice(env, ev)
	case "customer.subscription.updated", "customer.subscription.deleted":
		err = decodeSubscription(env, ev)
	case "checkout.session.completed":
		err = decodeCheckoutSession(env, ev)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported stripe event").
			WithDetails(map[string]any{"type": env.RawType})
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe "+env.RawType)
	}
	g.logg.Debug(g.logg.WithFields(ctx, map[string]any{
		"event_id":         ev.ID,
		"vendor_charge_id": ev.VendorChargeID,
	}), "stripe webhook decoded")
	return ev, nil
}

func decodeIntent(env *gateway.WebhookEnvelope, ev *gateway.WebhookEvent) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(env.Payload, &pi); err != nil {
		return err
	}
	report := reportFromIntent(&pi)
	if env.RawType == "payment_intent.payment_failed" {
		report.Status = gateway.StatusFailed
		report.Captured = false
		if report.DeclineReason == "" {
			report.DeclineReason = "payment failed"
		}
	}
	ev.VendorChargeID = pi.ID
	ev.Hint = gateway.OrderHint{OrderID: pi.Metadata[metaOrderID], TransactionID: pi.Metadata[metaTransactionID]}
	ev.Charge = &report
	return nil
}

// chargeRef is the legacy invoice link some API versions still put on charges.
type chargeRef struct {
	Invoice expandableID `json:"invoice"`
}

// chargeVendorID picks the id our charge rows are keyed by: the invoice for
// subscription payments, else the payment intent, else the charge itself.
func chargeVendorID(raw []byte, ch *stripe.Charge) string {
	var ref chargeRef
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Invoice.ID != "" {
		return ref.Invoice.ID
	}
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		return ch.PaymentIntent.ID
	}
	return ch.ID
}

func decodeChargeRefunds(env *gateway.WebhookEnvelope, ev *gateway.WebhookEvent) error {
	var ch stripe.Charge
	if err := json.Unmarshal(env.Payload, &ch); err != nil {
		return err
	}
	ev.VendorChargeID = chargeVendorID(env.Payload, &ch)
	ev.Hint = gateway.OrderHint{OrderID: ch.Metadata[metaOrderID], TransactionID: ch.Metadata[metaTransactionID]}
	if ch.Refunds != nil {
		for _, re := range ch.Refunds.Data {
			if re == nil {
				continue
			}
			ev.Refunds = append(ev.Refunds, refundLine(re))
			if ev.Hint.TransactionID == "" {
				ev.Hint.TransactionID = re.Metadata[metaTransactionID]
			}
		}
	}
	return nil
}

func decodeRefund(env *gateway.WebhookEnvelope, ev *gateway.WebhookEvent) error {
	var re stripe.Refund
	if err := json.Unmarshal(env.Payload, &re); err != nil {
		return err
	}
	switch {
	case re.PaymentIntent != nil && re.PaymentIntent.ID != "":
		ev.VendorChargeID = re.PaymentIntent.ID
	case re.Charge != nil:
		ev.VendorChargeID = re.Charge.ID
	}
	ev.Hint.TransactionID = re.Metadata[metaTransactionID]
	ev.Refunds = []gateway.RefundLine{refundLine(&re)}
	return nil
}

func refundLine(re *stripe.Refund) gateway.RefundLine {
	reason := re.Metadata["reason"]
	if reason == "" {
		reason = string(re.Reason)
	}
	return gateway.RefundLine{
		VendorRefundID: re.ID,
		GatewayAmount:  re.Amount,
		Currency:       money.Code(string(re.Currency)),
		Status:         string(re.Status),
		Reason:         reason,
		LocalToken:     re.Metadata[localRefundTokenKey],
	}
}

func decodeDispute(env *gateway.WebhookEnvelope, ev *gateway.WebhookEvent) error {
	var d stripe.Dispute
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		return err
	}
	switch {
	case d.PaymentIntent != nil && d.PaymentIntent.ID != "":
		ev.VendorChargeID = d.PaymentIntent.ID
	case d.Charge != nil:
		ev.VendorChargeID = d.Charge.ID
	}
	report := &gateway.DisputeReport{
		VendorDisputeID: d.ID,
		Reason:          string(d.Reason),
		Actionable:      d.Status == stripe.DisputeStatusNeedsResponse || d.Status == stripe.DisputeStatusWarningNeedsResponse,
		Refundable:      d.IsChargeRefundable,
		GatewayAmount:   d.Amount,
		Currency:        money.Code(string(d.Currency)),
	}
	if env.RawType == "charge.dispute.closed" {
		report.Closure = disputeClosure(string(d.Status))
	}
	ev.Dispute = report
	return nil
}

// disputeClosure maps Stripe's final dispute status. Anything Stripe did not
// rule in our favour is treated as lost.
func disputeClosure(status string) string {
	switch status {
	case "won", "warning_closed", "prevented":
		return status
	default:
		return "lost"
	}
}

// decodeInvoice reports a subscription invoice as a charge. Only the first
// invoice carries our order hint; renewals resolve by subscription id.
func decodeInvoice(env *gateway.WebhookEnvelope, ev *gateway.WebhookEvent) {
	inv := invoiceFromRaw(env.Payload)
	report := inv.chargeReport()
	if env.RawType == "invoice.payment_failed" {
		report.Status = gateway.StatusFailed
		report.Captured = false
		report.DeclineReason = "invoice payment failed"
		if inv.LastFinalizationError != nil && inv.LastFinalizationError.Message != "" {
			report.DeclineReason = inv.LastFinalizationError.Message
		}
	}
	ev.VendorChargeID = inv.ID
	ev.VendorSubscriptionID = inv.subscriptionID()
	if inv.BillingReason == "subscription_create" {
		meta := inv.Parent.SubscriptionDetails.Metadata
		ev.Hint = gateway.OrderHint{OrderID: meta[metaOrderID], TransactionID: meta[metaTransactionID]}
	}
	report.OrderID = ev.Hint.OrderID
	ev.Charge = &report
}

func decodeSubscription(env *gateway.WebhookEnvelope, ev *gateway.WebhookEvent) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		return err
	}
	report := &gateway.SubscriptionReport{
		VendorSubscriptionID: sub.ID,
		Status:               string(sub.Status),
		NextBillingAt:        periodEndFromRaw(env.Payload),
		CanceledAt:           unixPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		report.VendorCustomerID = sub.Customer.ID
	}
	ev.VendorSubscriptionID = sub.ID
	ev.Subscription = report
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	PaymentIntent     expandableID      `json:"payment_intent"`
	Invoice           expandableID      `json:"invoice"`
	Subscription      expandableID      `json:"subscription"`
	Customer          expandableID      `json:"customer"`
}

// decodeCheckoutSession handles hosted checkout. A session that needed no
// payment, like a free trial, only reports the subscription.
func decodeCheckoutSession(env *gateway.WebhookEnvelope, ev *gateway.WebhookEvent) error {
	var s checkoutSession
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return err
	}
	orderID := s.Metadata[metaOrderID]
	if orderID == "" {
		orderID = s.ClientReferenceID
	}
	ev.Hint = gateway.OrderHint{OrderID: orderID, TransactionID: s.Metadata[metaTransactionID]}
	ev.VendorSubscriptionID = s.Subscription.ID
	if s.Subscription.ID != "" {
		status := "active"
		if s.PaymentStatus == "no_payment_required" {
			status = "trialing"
		}
		ev.Subscription = &gateway.SubscriptionReport{
			VendorSubscriptionID: s.Subscription.ID,
			VendorCustomerID:     s.Customer.ID,
			Status:               status,
		}
	}
	if s.PaymentStatus != "paid" {
		return nil
	}
	vendorID, paymentRef := s.PaymentIntent.ID, ""
	if s.Invoice.ID != "" {
		vendorID, paymentRef = s.Invoice.ID, s.PaymentIntent.ID
	}
	ev.VendorChargeID = vendorID
	ev.Charge = &gateway.ChargeReport{
		Gateway:              ID,
		VendorChargeID:       vendorID,
		VendorPaymentRef:     paymentRef,
		OrderID:              orderID,
		TransactionID:        ev.Hint.TransactionID,
		Status:               gateway.StatusSucceeded,
		Captured:             true,
		GatewayAmount:        s.AmountTotal,
		Currency:             money.Code(s.Currency),
		VendorSubscriptionID: s.Subscription.ID,
		VendorCustomerID:     s.Customer.ID,
	}
	return nil
}
