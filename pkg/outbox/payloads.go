package outbox

import "github.com/google/uuid"

// PaymentEvent is emitted when a charge succeeds or fails.
type PaymentEvent struct {
	OrderID        uuid.UUID  `json:"orderId"`
	TransactionID  uuid.UUID  `json:"transactionId"`
	SubscriptionID *uuid.UUID `json:"subscriptionId,omitempty"`
	AmountCents    int64      `json:"amountCents"`
	Currency       string     `json:"currency"`
	Gateway        string     `json:"gateway"`
	VendorChargeID string     `json:"vendorChargeId,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// RefundEvent is emitted for each refund row that is created or completed.
type RefundEvent struct {
	OrderID        uuid.UUID `json:"orderId"`
	TransactionID  uuid.UUID `json:"transactionId"`
	ParentID       uuid.UUID `json:"parentId"`
	AmountCents    int64     `json:"amountCents"`
	Currency       string    `json:"currency"`
	VendorRefundID string    `json:"vendorRefundId,omitempty"`
}

// DisputeEvent covers opened and lost disputes.
type DisputeEvent struct {
	OrderID       uuid.UUID `json:"orderId"`
	TransactionID uuid.UUID `json:"transactionId"`
	Reason        string    `json:"reason,omitempty"`
	AmountCents   int64     `json:"amountCents"`
}

// SubscriptionEvent carries lifecycle notifications.
type SubscriptionEvent struct {
	SubscriptionID       uuid.UUID `json:"subscriptionId"`
	ParentOrderID        uuid.UUID `json:"parentOrderId"`
	Status               string    `json:"status"`
	VendorSubscriptionID string    `json:"vendorSubscriptionId,omitempty"`
	NextBillingAt        string    `json:"nextBillingAt,omitempty"`
}
