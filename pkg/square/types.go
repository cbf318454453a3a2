package square

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Payment statuses reported by Square.
const (
	PaymentApproved  = "APPROVED"
	PaymentPending   = "PENDING"
	PaymentCompleted = "COMPLETED"
	PaymentCanceled  = "CANCELED"
	PaymentFailed    = "FAILED"
)

// Payment is the subset of a Square payment the adapters read.
type Payment struct {
	ID          string
	Status      string
	AmountCents int64
	Currency    string
	CustomerID  string
	ReferenceID string
	OrderID     string
	SourceType  string
	CardBrand   string
	CardLast4   string
	// CardStatus is FAILED or DECLINED when the card itself was refused.
	CardStatus string
}

// Refund is a Square payment refund.
type Refund struct {
	ID          string
	Status      string
	PaymentID   string
	AmountCents int64
	Currency    string
	Reason      string
}

// Subscription mirrors the Square subscription fields billing needs.
type Subscription struct {
	ID                 string
	Status             string
	CustomerID         string
	CardID             string
	PlanVariationID    string
	StartDate          *time.Time
	ChargedThroughDate *time.Time
	CanceledDate       *time.Time
	InvoiceIDs         []string
}

// Invoice is a subscription invoice.
type Invoice struct {
	ID             string
	Status         string
	SubscriptionID string
	OrderID        string
	PaidCents      int64
	DueCents       int64
	Currency       string
}

// Paid reports whether Square collected the invoice.
func (i *Invoice) Paid() bool {
	return i != nil && i.Status == "PAID"
}

type Customer struct {
	ID string
}

type Card struct {
	ID    string
	Brand string
	Last4 string
}

// WireMoney is Square's money object.
type WireMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// WirePayment is a payment as it appears in API responses and webhooks.
type WirePayment struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	AmountMoney *WireMoney `json:"amount_money"`
	TotalMoney  *WireMoney `json:"total_money"`
	CustomerID  string     `json:"customer_id"`
	ReferenceID string     `json:"reference_id"`
	OrderID     string     `json:"order_id"`
	SourceType  string     `json:"source_type"`
	CardDetails *struct {
		Status string `json:"status"`
		Card   *struct {
			CardBrand string `json:"card_brand"`
			Last4     string `json:"last_4"`
		} `json:"card"`
	} `json:"card_details"`
}

// Payment flattens the wire shape.
func (w WirePayment) Payment() *Payment {
	p := &Payment{
		ID:          w.ID,
		Status:      w.Status,
		CustomerID:  w.CustomerID,
		ReferenceID: w.ReferenceID,
		OrderID:     w.OrderID,
		SourceType:  w.SourceType,
	}
	money := w.TotalMoney
	if money == nil {
		money = w.AmountMoney
	}
	if money != nil {
		p.AmountCents = money.Amount
		p.Currency = money.Currency
	}
	if w.CardDetails != nil {
		p.CardStatus = w.CardDetails.Status
		if w.CardDetails.Card != nil {
			p.CardBrand = w.CardDetails.Card.CardBrand
			p.CardLast4 = w.CardDetails.Card.Last4
		}
	}
	return p
}

// WireRefund is a refund as it appears in API responses and webhooks.
type WireRefund struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	PaymentID   string     `json:"payment_id"`
	AmountMoney *WireMoney `json:"amount_money"`
	Reason      string     `json:"reason"`
}

func (w WireRefund) Refund() *Refund {
	r := &Refund{ID: w.ID, Status: w.Status, PaymentID: w.PaymentID, Reason: w.Reason}
	if w.AmountMoney != nil {
		r.AmountCents = w.AmountMoney.Amount
		r.Currency = w.AmountMoney.Currency
	}
	return r
}

// WireSubscription is a subscription as it appears in API responses and webhooks.
type WireSubscription struct {
	ID                 string   `json:"id"`
	Status             string   `json:"status"`
	CustomerID         string   `json:"customer_id"`
	CardID             string   `json:"card_id"`
	PlanVariationID    string   `json:"plan_variation_id"`
	StartDate          string   `json:"start_date"`
	ChargedThroughDate string   `json:"charged_through_date"`
	CanceledDate       string   `json:"canceled_date"`
	InvoiceIDs         []string `json:"invoice_ids"`
}

func (w WireSubscription) Subscription() *Subscription {
	return &Subscription{
		ID:                 w.ID,
		Status:             w.Status,
		CustomerID:         w.CustomerID,
		CardID:             w.CardID,
		PlanVariationID:    w.PlanVariationID,
		StartDate:          ParseDate(w.StartDate),
		ChargedThroughDate: ParseDate(w.ChargedThroughDate),
		CanceledDate:       ParseDate(w.CanceledDate),
		InvoiceIDs:         w.InvoiceIDs,
	}
}

// WireInvoice is an invoice as it appears in API responses and webhooks.
type WireInvoice struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	SubscriptionID  string `json:"subscription_id"`
	OrderID         string `json:"order_id"`
	PaymentRequests []struct {
		ComputedAmountMoney       *WireMoney `json:"computed_amount_money"`
		TotalCompletedAmountMoney *WireMoney `json:"total_completed_amount_money"`
	} `json:"payment_requests"`
}

func (w WireInvoice) Invoice() *Invoice {
	inv := &Invoice{ID: w.ID, Status: w.Status, SubscriptionID: w.SubscriptionID, OrderID: w.OrderID}
	for _, req := range w.PaymentRequests {
		if m := req.TotalCompletedAmountMoney; m != nil {
			inv.PaidCents += m.Amount
			inv.Currency = m.Currency
		}
		if m := req.ComputedAmountMoney; m != nil {
			inv.DueCents += m.Amount
			if inv.Currency == "" {
				inv.Currency = m.Currency
			}
		}
	}
	return inv
}

// ParseDate reads Square's YYYY-MM-DD and RFC3339 timestamps.
func ParseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, value); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		ts := time.Unix(i, 0).UTC()
		return &ts
	}
	return nil
}

// FormatDate renders a date the way Square expects in requests.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// reencode moves an SDK value into a wire struct through its JSON form, which
// is stable across SDK releases.
func reencode(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func convertPayment(in any) (*Payment, error) {
	var w WirePayment
	if err := reencode(in, &w); err != nil {
		return nil, err
	}
	return w.Payment(), nil
}

func convertRefund(in any) (*Refund, error) {
	var w WireRefund
	if err := reencode(in, &w); err != nil {
		return nil, err
	}
	return w.Refund(), nil
}

func convertSubscription(in any) (*Subscription, error) {
	var w WireSubscription
	if err := reencode(in, &w); err != nil {
		return nil, err
	}
	return w.Subscription(), nil
}

func convertInvoice(in any) (*Invoice, error) {
	var w WireInvoice
	if err := reencode(in, &w); err != nil {
		return nil, err
	}
	return w.Invoice(), nil
}

func convertCard(in any) (*Card, error) {
	var w struct {
		ID        string `json:"id"`
		CardBrand string `json:"card_brand"`
		Last4     string `json:"last_4"`
	}
	if err := reencode(in, &w); err != nil {
		return nil, err
	}
	return &Card{ID: w.ID, Brand: w.CardBrand, Last4: w.Last4}, nil
}
