package square

import (
	"strings"

	sq "github.com/square/square-go-sdk"
)

// SubscriptionCreateParams starts a Square subscription on a vaulted card.
// StartDate (YYYY-MM-DD) defers the first Square-billed cycle so a signup
// charge taken by the adapter is not billed twice.
type SubscriptionCreateParams struct {
	LocationID      string
	PlanVariationID string
	CustomerID      string
	CardID          string
	StartDate       string
	IdempotencyKey  string
}

func (p SubscriptionCreateParams) toSquareRequest(idempotencyKey string) *sq.CreateSubscriptionRequest {
	return &sq.CreateSubscriptionRequest{
		IdempotencyKey:  optional(idempotencyKey),
		LocationID:      p.LocationID,
		CustomerID:      p.CustomerID,
		PlanVariationID: optional(p.PlanVariationID),
		CardID:          optional(p.CardID),
		StartDate:       optional(p.StartDate),
	}
}

// CustomerCreateParams identifies the buyer. ReferenceID carries the
// storefront customer ref so repeat checkouts find the same record.
type CustomerCreateParams struct {
	Email          string
	GivenName      string
	ReferenceID    string
	IdempotencyKey string
}

func (p CustomerCreateParams) toSquareRequest(idempotencyKey string) *sq.CreateCustomerRequest {
	return &sq.CreateCustomerRequest{
		IdempotencyKey: optional(idempotencyKey),
		EmailAddress:   optional(p.Email),
		GivenName:      optional(p.GivenName),
		ReferenceID:    optional(p.ReferenceID),
	}
}

// CardCreateParams vaults a card nonce against a customer.
type CardCreateParams struct {
	CustomerID     string
	SourceID       string
	ReferenceID    string
	IdempotencyKey string
}

func (p CardCreateParams) toSquareRequest(idempotencyKey string) *sq.CreateCardRequest {
	return &sq.CreateCardRequest{
		IdempotencyKey: idempotencyKey,
		SourceID:       p.SourceID,
		Card: &sq.Card{
			CustomerID:  optional(p.CustomerID),
			ReferenceID: optional(p.ReferenceID),
		},
	}
}

// PaymentCreateParams charges a nonce or card on file. AmountCents is in
// gateway units; callers convert through the money normalizer first.
type PaymentCreateParams struct {
	AmountCents    int64
	Currency       string
	LocationID     string
	CustomerID     string
	SourceID       string
	IdempotencyKey string
	Note           string
	// ReferenceID is echoed in webhooks; the adapters put the local charge id here.
	ReferenceID string
}

func (p PaymentCreateParams) toSquareRequest(idempotencyKey string) *sq.CreatePaymentRequest {
	return &sq.CreatePaymentRequest{
		IdempotencyKey: idempotencyKey,
		SourceID:       p.SourceID,
		LocationID:     optional(p.LocationID),
		CustomerID:     optional(p.CustomerID),
		AmountMoney:    moneyOf(p.AmountCents, p.Currency),
		Note:           optional(p.Note),
		ReferenceID:    optional(p.ReferenceID),
	}
}

// RefundCreateParams refunds AmountCents of a payment.
type RefundCreateParams struct {
	PaymentID      string
	AmountCents    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

func (p RefundCreateParams) toSquareRequest(idempotencyKey string) *sq.RefundPaymentRequest {
	return &sq.RefundPaymentRequest{
		IdempotencyKey: idempotencyKey,
		PaymentID:      optional(p.PaymentID),
		AmountMoney:    moneyOf(p.AmountCents, p.Currency),
		Reason:         optional(p.Reason),
	}
}

// optional returns nil for blank values so the SDK omits the field.
func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func moneyOf(amount int64, currency string) *sq.Money {
	if amount == 0 {
		return nil
	}
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = "USD"
	}
	c := sq.Currency(code)
	return &sq.Money{Amount: &amount, Currency: &c}
}
