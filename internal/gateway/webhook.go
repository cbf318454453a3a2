package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// EventType is the normalized webhook event name used for dispatch.
type EventType string

const (
	EventPaymentSucceeded     EventType = "payment.succeeded"
	EventPaymentFailed        EventType = "payment.failed"
	EventRefundUpdated        EventType = "refund.updated"
	EventDisputeCreated       EventType = "dispute.created"
	EventDisputeClosed        EventType = "dispute.closed"
	EventSubscriptionRenewed  EventType = "subscription.renewed"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventCheckoutCompleted    EventType = "checkout.completed"
)

// WebhookEnvelope is a verified but not yet decoded notification.
type WebhookEnvelope struct {
	ID      string
	RawType string
	Mode    string
	Payload json.RawMessage
}

// RefundLine is one refund reported against a charge.
type RefundLine struct {
	VendorRefundID string
	GatewayAmount  int64
	Currency       string
	Status         string
	Reason         string
	// LocalToken echoes the placeholder token when the refund started here.
	LocalToken string
}

// DisputeReport describes a dispute opening or closure.
type DisputeReport struct {
	VendorDisputeID string
	Reason          string
	Actionable      bool
	Refundable      bool
	// Closure is set only on close events: won, prevented, warning_closed or lost.
	Closure       string
	GatewayAmount int64
	Currency      string
}

// SubscriptionReport is a vendor-side subscription status change.
type SubscriptionReport struct {
	VendorSubscriptionID string
	VendorCustomerID     string
	Status               string
	NextBillingAt        *time.Time
	CanceledAt           *time.Time
}

// OrderHint lets the resolver find our order from vendor metadata.
type OrderHint struct {
	OrderID       string
	TransactionID string
}

// WebhookEvent is the decoded, gateway-neutral form of a notification.
type WebhookEvent struct {
	ID      string
	Type    EventType
	RawType string
	Gateway string

	Hint                 OrderHint
	VendorChargeID       string
	VendorSubscriptionID string

	Charge       *ChargeReport
	Refunds      []RefundLine
	Dispute      *DisputeReport
	Subscription *SubscriptionReport
}

// WebhookEndpoint lets an adapter expose HandleWebhook while the shared
// pipeline is attached after registry construction.
type WebhookEndpoint struct {
	handler http.Handler
}

// Attach sets the handler that serves this adapter's webhooks.
func (e *WebhookEndpoint) Attach(h http.Handler) {
	e.handler = h
}

// HandleWebhook implements Gateway.HandleWebhook.
func (e *WebhookEndpoint) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if e.handler == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"GATEWAY_NOT_CONFIGURED","message":"webhooks not enabled"}}`))
		return
	}
	e.handler.ServeHTTP(w, r)
}

// Attachable is implemented by adapters embedding WebhookEndpoint.
type Attachable interface {
	Attach(h http.Handler)
}
