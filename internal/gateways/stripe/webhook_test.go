package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/paycore/internal/gateway"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

func decode(t *testing.T, rawType, payload string) *gateway.WebhookEvent {
	t.Helper()
	g := New(&fakeAPI{}, nil, nil)
	eventType, ok := g.AcceptedEvents()[rawType]
	require.True(t, ok, "event %s not accepted", rawType)
	ev, err := g.DecodeWebhook(context.Background(), &gateway.WebhookEnvelope{
		ID:      "evt_1",
		RawType: rawType,
		Payload: json.RawMessage(payload),
	}, eventType)
	require.NoError(t, err)
	return ev
}

func TestVerifyWebhookRequiresSignature(t *testing.T) {
	api := &fakeAPI{}
	g := New(api, nil, nil)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", strings.NewReader("{}"))

	_, err := g.VerifyWebhook(req, []byte("{}"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Zero(t, api.calls)
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	g := New(&fakeAPI{eventErr: errors.New("no signatures found matching the expected signature")}, nil, nil)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", strings.NewReader("{}"))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")

	_, err := g.VerifyWebhook(req, []byte("{}"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestVerifyWebhookBuildsEnvelope(t *testing.T) {
	g := New(&fakeAPI{event: stripe.Event{
		ID:       "evt_9",
		Type:     "payment_intent.succeeded",
		Livemode: true,
		Data:     &stripe.EventData{Raw: json.RawMessage(`{"id":"pi_1"}`)},
	}}, nil, nil)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", strings.NewReader("{}"))
	req.Header.Set("Stripe-Signature", "t=1,v1=ok")

	env, err := g.VerifyWebhook(req, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "evt_9", env.ID)
	assert.Equal(t, "payment_intent.succeeded", env.RawType)
	assert.Equal(t, "live", env.Mode)
	assert.JSONEq(t, `{"id":"pi_1"}`, string(env.Payload))
}

func TestDecodePaymentIntentFailed(t *testing.T) {
	ev := decode(t, "payment_intent.payment_failed", `{
		"id": "pi_1",
		"object": "payment_intent",
		"status": "requires_payment_method",
		"amount": 2500,
		"currency": "usd",
		"metadata": {"order_id": "o-1", "transaction_id": "t-1"},
		"last_payment_error": {"message": "Your card has insufficient funds."}
	}`)
	assert.Equal(t, gateway.EventPaymentFailed, ev.Type)
	assert.Equal(t, "pi_1", ev.VendorChargeID)
	assert.Equal(t, "t-1", ev.Hint.TransactionID)
	require.NotNil(t, ev.Charge)
	assert.Equal(t, gateway.StatusFailed, ev.Charge.Status)
	assert.Equal(t, "Your card has insufficient funds.", ev.Charge.DeclineReason)
}

func TestDecodeChargeRefundedCarriesLocalToken(t *testing.T) {
	ev := decode(t, "charge.refunded", `{
		"id": "ch_1",
		"object": "charge",
		"payment_intent": "pi_1",
		"amount": 3000,
		"currency": "usd",
		"metadata": {"order_id": "o-1", "transaction_id": "t-1"},
		"refunds": {"object": "list", "data": [
			{"id": "re_1", "object": "refund", "amount": 1000, "currency": "usd", "status": "succeeded",
			 "metadata": {"local_refund_token": "tok-1", "reason": "damaged"}},
			{"id": "re_2", "object": "refund", "amount": 500, "currency": "usd", "status": "succeeded",
			 "reason": "duplicate"}
		]}
	}`)
	assert.Equal(t, gateway.EventRefundUpdated, ev.Type)
	assert.Equal(t, "pi_1", ev.VendorChargeID)
	require.Len(t, ev.Refunds, 2)
	assert.Equal(t, "tok-1", ev.Refunds[0].LocalToken)
	assert.Equal(t, "damaged", ev.Refunds[0].Reason)
	assert.Equal(t, "duplicate", ev.Refunds[1].Reason)
	assert.Equal(t, "USD", ev.Refunds[1].Currency)
}

func TestDecodeChargeRefundedPrefersInvoice(t *testing.T) {
	ev := decode(t, "charge.refunded", `{"id":"ch_2","object":"charge","payment_intent":"pi_2","invoice":"in_2"}`)
	assert.Equal(t, "in_2", ev.VendorChargeID)
}

func TestDecodeDisputeClosed(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"won", "won"},
		{"warning_closed", "warning_closed"},
		{"lost", "lost"},
		{"charge_refunded", "lost"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ev := decode(t, "charge.dispute.closed", `{
				"id": "dp_1", "object": "dispute", "charge": "ch_1", "payment_intent": "pi_1",
				"amount": 3000, "currency": "usd", "reason": "fraudulent", "status": "`+tt.status+`"
			}`)
			require.NotNil(t, ev.Dispute)
			assert.Equal(t, "pi_1", ev.VendorChargeID)
			assert.Equal(t, tt.want, ev.Dispute.Closure)
			assert.Equal(t, "fraudulent", ev.Dispute.Reason)
		})
	}
}

func TestDecodeDisputeCreatedActionable(t *testing.T) {
	ev := decode(t, "charge.dispute.created", `{
		"id": "dp_2", "object": "dispute", "charge": "ch_1", "amount": 3000, "currency": "usd",
		"reason": "product_not_received", "status": "needs_response", "is_charge_refundable": true
	}`)
	require.NotNil(t, ev.Dispute)
	assert.Equal(t, "ch_1", ev.VendorChargeID)
	assert.True(t, ev.Dispute.Actionable)
	assert.True(t, ev.Dispute.Refundable)
	assert.Empty(t, ev.Dispute.Closure)
}

func TestDecodeRenewalInvoiceHasNoOrderHint(t *testing.T) {
	ev := decode(t, "invoice.paid", `{
		"id": "in_2",
		"object": "invoice",
		"status": "paid",
		"billing_reason": "subscription_cycle",
		"amount_paid": 1500,
		"currency": "usd",
		"customer": "cus_1",
		"parent": {"subscription_details": {"subscription": "sub_1",
			"metadata": {"order_id": "parent-order", "transaction_id": "first-charge"}}},
		"lines": {"data": [{"period": {"end": 1767225600}}]}
	}`)
	assert.Equal(t, gateway.EventSubscriptionRenewed, ev.Type)
	assert.Equal(t, "in_2", ev.VendorChargeID)
	assert.Equal(t, "sub_1", ev.VendorSubscriptionID)
	assert.Empty(t, ev.Hint.TransactionID)
	assert.Empty(t, ev.Hint.OrderID)
	require.NotNil(t, ev.Charge)
	assert.True(t, ev.Charge.Settled())
	assert.Equal(t, int64(1500), ev.Charge.GatewayAmount)
	require.NotNil(t, ev.Charge.NextBillingAt)
}

func TestDecodeFirstInvoiceKeepsOrderHint(t *testing.T) {
	ev := decode(t, "invoice.paid", `{
		"id": "in_1", "object": "invoice", "status": "paid", "billing_reason": "subscription_create",
		"amount_paid": 2000, "currency": "usd", "subscription": "sub_1",
		"parent": {"subscription_details": {"metadata": {"order_id": "o-1", "transaction_id": "t-1"}}}
	}`)
	assert.Equal(t, "sub_1", ev.VendorSubscriptionID)
	assert.Equal(t, "t-1", ev.Hint.TransactionID)
	assert.Equal(t, "o-1", ev.Charge.OrderID)
}

func TestDecodeInvoiceCarriesPaymentIntentRef(t *testing.T) {
	ev := decode(t, "invoice.paid", `{
		"id": "in_4", "object": "invoice", "status": "paid", "billing_reason": "subscription_cycle",
		"amount_paid": 1500, "currency": "usd", "subscription": "sub_1",
		"payments": {"data": [{"payment": {"payment_intent": "pi_4"}}]}
	}`)
	require.NotNil(t, ev.Charge)
	assert.Equal(t, "in_4", ev.Charge.VendorChargeID)
	assert.Equal(t, "pi_4", ev.Charge.VendorPaymentRef)
}

func TestDecodeCheckoutSessionWithInvoiceKeepsPaymentIntentRef(t *testing.T) {
	ev := decode(t, "checkout.session.completed", `{
		"id": "cs_2", "object": "checkout.session", "mode": "subscription",
		"payment_status": "paid", "client_reference_id": "o-2", "amount_total": 1500, "currency": "usd",
		"subscription": "sub_2", "customer": "cus_2", "invoice": "in_5", "payment_intent": "pi_5"
	}`)
	require.NotNil(t, ev.Charge)
	assert.Equal(t, "in_5", ev.VendorChargeID)
	assert.Equal(t, "pi_5", ev.Charge.VendorPaymentRef)
}

func TestDecodeInvoicePaymentFailed(t *testing.T) {
	ev := decode(t, "invoice.payment_failed", `{
		"id": "in_3", "object": "invoice", "status": "open", "amount_due": 1500, "currency": "usd",
		"subscription": "sub_1"
	}`)
	require.NotNil(t, ev.Charge)
	assert.Equal(t, gateway.StatusFailed, ev.Charge.Status)
	assert.Equal(t, "invoice payment failed", ev.Charge.DeclineReason)
}

func TestDecodeSubscriptionDeleted(t *testing.T) {
	ev := decode(t, "customer.subscription.deleted", `{
		"id": "sub_1", "object": "subscription", "status": "canceled", "customer": "cus_1",
		"canceled_at": 1767225600
	}`)
	assert.Equal(t, gateway.EventSubscriptionCanceled, ev.Type)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "sub_1", ev.Subscription.VendorSubscriptionID)
	assert.Equal(t, "cus_1", ev.Subscription.VendorCustomerID)
	require.NotNil(t, ev.Subscription.CanceledAt)
}

func TestDecodeCheckoutSessionWithoutPayment(t *testing.T) {
	ev := decode(t, "checkout.session.completed", `{
		"id": "cs_1", "object": "checkout.session", "mode": "subscription",
		"payment_status": "no_payment_required", "client_reference_id": "o-1",
		"subscription": "sub_1", "customer": "cus_1"
	}`)
	assert.Nil(t, ev.Charge)
	assert.Equal(t, "o-1", ev.Hint.OrderID)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "trialing", ev.Subscription.Status)
}

func TestDecodeUnsupportedEvent(t *testing.T) {
	g := New(&fakeAPI{}, nil, nil)
	_, err := g.DecodeWebhook(context.Background(), &gateway.WebhookEnvelope{RawType: "balance.available"}, gateway.EventPaymentSucceeded)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
