package controllers

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

type orderResponse struct {
	ID             uuid.UUID           `json:"id"`
	Type           enums.OrderType     `json:"type"`
	ParentOrderID  *uuid.UUID          `json:"parent_order_id,omitempty"`
	SubscriptionID *uuid.UUID          `json:"subscription_id,omitempty"`
	Currency       string              `json:"currency"`
	TotalCents     int64               `json:"total_cents"`
	TotalPaidCents int64               `json:"total_paid_cents"`
	PaymentStatus  enums.PaymentStatus `json:"payment_status"`
	Status         enums.OrderStatus   `json:"status"`
	Gateway        string              `json:"gateway"`
	Mode           enums.PaymentMode   `json:"mode"`
	CreatedAt      time.Time           `json:"created_at"`
}

func newOrderResponse(o *models.Order) *orderResponse {
	if o == nil {
		return nil
	}
	return &orderResponse{
		ID:             o.ID,
		Type:           o.Type,
		ParentOrderID:  o.ParentOrderID,
		SubscriptionID: o.SubscriptionID,
		Currency:       o.Currency,
		TotalCents:     o.TotalCents,
		TotalPaidCents: o.TotalPaidCents,
		PaymentStatus:  o.PaymentStatus,
		Status:         o.Status,
		Gateway:        o.Gateway,
		Mode:           o.Mode,
		CreatedAt:      o.CreatedAt,
	}
}

type transactionResponse struct {
	ID             uuid.UUID               `json:"id"`
	OrderID        uuid.UUID               `json:"order_id"`
	ParentID       *uuid.UUID              `json:"parent_id,omitempty"`
	Type           enums.TransactionType   `json:"type"`
	Status         enums.TransactionStatus `json:"status"`
	TotalCents     int64                   `json:"total_cents"`
	Currency       string                  `json:"currency"`
	Gateway        string                  `json:"gateway"`
	VendorChargeID string                  `json:"vendor_charge_id,omitempty"`
	DeclineReason  string                  `json:"decline_reason,omitempty"`
}

func newTransactionResponse(t *models.Transaction) *transactionResponse {
	if t == nil {
		return nil
	}
	return &transactionResponse{
		ID:             t.ID,
		OrderID:        t.OrderID,
		ParentID:       t.ParentID,
		Type:           t.Type,
		Status:         t.Status,
		TotalCents:     t.TotalCents,
		Currency:       t.Currency,
		Gateway:        t.Gateway,
		VendorChargeID: t.VendorID(),
		DeclineReason:  t.MetaString(models.MetaDeclineReason),
	}
}

type subscriptionResponse struct {
	ID                   uuid.UUID                `json:"id"`
	ParentOrderID        uuid.UUID                `json:"parent_order_id"`
	Status               enums.SubscriptionStatus `json:"status"`
	BillingInterval      enums.BillingInterval    `json:"billing_interval"`
	RecurringAmountCents int64                    `json:"recurring_amount_cents"`
	Currency             string                   `json:"currency"`
	Gateway              string                   `json:"gateway"`
	VendorSubscriptionID string                   `json:"vendor_subscription_id,omitempty"`
	NextBillingAt        *time.Time               `json:"next_billing_at,omitempty"`
	ExpiresAt            *time.Time               `json:"expires_at,omitempty"`
	CanceledAt           *time.Time               `json:"canceled_at,omitempty"`
}

func newSubscriptionResponse(s *models.Subscription) *subscriptionResponse {
	if s == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                   s.ID,
		ParentOrderID:        s.ParentOrderID,
		Status:               s.Status,
		BillingInterval:      s.BillingInterval,
		RecurringAmountCents: s.RecurringAmountCents,
		Currency:             s.Currency,
		Gateway:              s.Gateway,
		VendorSubscriptionID: s.VendorID(),
		NextBillingAt:        s.NextBillingAt,
		ExpiresAt:            s.ExpiresAt,
		CanceledAt:           s.CanceledAt,
	}
}
