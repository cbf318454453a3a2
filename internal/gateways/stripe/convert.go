package stripe

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/paycore/internal/gateway"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/money"
)

// Metadata keys written on Stripe objects and read back from webhooks.
const (
	metaOrderID         = "order_id"
	metaTransactionID   = "transaction_id"
	localRefundTokenKey = "local_refund_token"
)

func responseFromIntent(pi *stripe.PaymentIntent) *gateway.Response {
	report := reportFromIntent(pi)
	resp := &gateway.Response{
		VendorChargeID:   pi.ID,
		VendorCustomerID: report.VendorCustomerID,
		GatewayAmount:    report.GatewayAmount,
		Currency:         report.Currency,
		PaymentMethod:    report.PaymentMethod,
		ClientSecret:     pi.ClientSecret,
		DeclineReason:    report.DeclineReason,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		resp.Status = gateway.StatusSucceeded
	case stripe.PaymentIntentStatusRequiresAction:
		resp.Status = gateway.StatusPending
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil && pi.NextAction.RedirectToURL.URL != "" {
			resp.Status = gateway.StatusRedirect
			resp.RedirectURL = pi.NextAction.RedirectToURL.URL
		}
	case stripe.PaymentIntentStatusCanceled:
		resp.Status = gateway.StatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		resp.Status = gateway.StatusPending
		if report.DeclineReason != "" {
			resp.Status = gateway.StatusFailed
		}
	default:
		resp.Status = gateway.StatusPending
	}
	return resp
}

// reportFromIntent converts a PaymentIntent into the normalized charge
// statement. Only a succeeded intent is captured.
func reportFromIntent(pi *stripe.PaymentIntent) gateway.ChargeReport {
	report := gateway.ChargeReport{
		Gateway:        ID,
		VendorChargeID: pi.ID,
		GatewayAmount:  pi.Amount,
		Currency:       money.Code(string(pi.Currency)),
		OrderID:        pi.Metadata[metaOrderID],
		TransactionID:  pi.Metadata[metaTransactionID],
	}
	if pi.AmountReceived > 0 {
		report.GatewayAmount = pi.AmountReceived
	}
	if pi.Customer != nil {
		report.VendorCustomerID = pi.Customer.ID
	}
	if pi.LastPaymentError != nil {
		report.DeclineReason = pi.LastPaymentError.Msg
	}
	if ch := pi.LatestCharge; ch != nil && ch.PaymentMethodDetails != nil {
		report.PaymentMethod.Type = string(ch.PaymentMethodDetails.Type)
		if card := ch.PaymentMethodDetails.Card; card != nil {
			report.PaymentMethod.Brand = string(card.Brand)
			report.PaymentMethod.Last4 = card.Last4
		}
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		report.Status = gateway.StatusSucceeded
		report.Captured = true
	case stripe.PaymentIntentStatusCanceled:
		report.Status = gateway.StatusFailed
		if report.DeclineReason == "" {
			report.DeclineReason = "payment canceled"
		}
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if report.DeclineReason != "" {
			report.Status = gateway.StatusFailed
		} else {
			report.Status = gateway.StatusPending
		}
	default:
		report.Status = gateway.StatusPending
	}
	return report
}

// responseFromSubscription reads the created subscription and its expanded
// latest invoice. The invoice id is the vendor charge id of the first cycle.
func responseFromSubscription(sub *stripe.Subscription) *gateway.Response {
	raw := subscriptionFromRaw(rawJSON(sub.LastResponse))
	inv := raw.LatestInvoice
	resp := &gateway.Response{
		VendorSubscriptionID: sub.ID,
		VendorChargeID:       inv.ID,
		GatewayAmount:        inv.AmountPaid,
		Currency:             money.Code(inv.Currency),
		NextBillingAt:        raw.periodEnd(),
		ClientSecret:         inv.clientSecret(),
	}
	if resp.VendorChargeID == "" && sub.LatestInvoice != nil {
		resp.VendorChargeID = sub.LatestInvoice.ID
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		resp.Status = gateway.StatusSucceeded
	case stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusCanceled:
		resp.Status = gateway.StatusFailed
		resp.DeclineReason = "subscription payment was not completed"
	default:
		resp.Status = gateway.StatusPending
	}
	return resp
}

// rawInvoice holds the invoice fields read from raw JSON. Both the legacy
// top-level subscription/payment_intent fields and the newer parent/payments
// shapes are accepted.
type rawInvoice struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	BillingReason string       `json:"billing_reason"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	PaymentIntent expandableID `json:"payment_intent"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Payments struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
	ConfirmationSecret struct {
		ClientSecret string `json:"client_secret"`
	} `json:"confirmation_secret"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func invoiceFromRaw(raw []byte) rawInvoice {
	var inv rawInvoice
	_ = json.Unmarshal(raw, &inv)
	return inv
}

func (inv rawInvoice) subscriptionID() string {
	if inv.Subscription.ID != "" {
		return inv.Subscription.ID
	}
	return inv.Parent.SubscriptionDetails.Subscription.ID
}

func (inv rawInvoice) paymentIntentID() string {
	if inv.PaymentIntent.ID != "" {
		return inv.PaymentIntent.ID
	}
	for _, p := range inv.Payments.Data {
		if p.Payment.PaymentIntent.ID != "" {
			return p.Payment.PaymentIntent.ID
		}
	}
	return ""
}

func (inv rawInvoice) clientSecret() string {
	if inv.ConfirmationSecret.ClientSecret != "" {
		return inv.ConfirmationSecret.ClientSecret
	}
	return inv.PaymentIntent.ClientSecret
}

func (inv rawInvoice) periodEnd() *time.Time {
	for _, line := range inv.Lines.Data {
		if line.Period.End > 0 {
			return unixPtr(line.Period.End)
		}
	}
	return nil
}

// chargeReport treats a paid invoice as a captured charge and any other
// terminal state as a decline.
func (inv rawInvoice) chargeReport() gateway.ChargeReport {
	report := gateway.ChargeReport{
		Gateway:              ID,
		VendorChargeID:       inv.ID,
		VendorPaymentRef:     inv.paymentIntentID(),
		Currency:             money.Code(inv.Currency),
		VendorSubscriptionID: inv.subscriptionID(),
		VendorCustomerID:     inv.Customer.ID,
		NextBillingAt:        inv.periodEnd(),
		OrderID:              inv.Parent.SubscriptionDetails.Metadata[metaOrderID],
	}
	switch inv.Status {
	case string(stripe.InvoiceStatusPaid):
		report.Status = gateway.StatusSucceeded
		report.Captured = true
		report.GatewayAmount = inv.AmountPaid
	case string(stripe.InvoiceStatusUncollectible), string(stripe.InvoiceStatusVoid):
		report.Status = gateway.StatusFailed
		report.GatewayAmount = inv.AmountDue
		report.DeclineReason = "invoice " + inv.Status
	default:
		report.Status = gateway.StatusPending
		report.GatewayAmount = inv.AmountDue
	}
	return report
}

type rawSubscription struct {
	ID               string `json:"id"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	LatestInvoice rawInvoice `json:"latest_invoice"`
}

func subscriptionFromRaw(raw []byte) rawSubscription {
	var sub rawSubscription
	_ = json.Unmarshal(raw, &sub)
	return sub
}

// periodEnd reads the paid-through date from the item, falling back to the
// subscription-level field older API versions carry.
func (s rawSubscription) periodEnd() *time.Time {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return unixPtr(item.CurrentPeriodEnd)
		}
	}
	return unixPtr(s.CurrentPeriodEnd)
}

func periodEndFromRaw(raw []byte) *time.Time {
	return subscriptionFromRaw(raw).periodEnd()
}

// expandableID accepts either an id string or an expanded object.
type expandableID struct {
	ID           string
	ClientSecret string
}

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	e.ClientSecret = obj.ClientSecret
	return nil
}

func rawJSON(resp *stripe.APIResponse) []byte {
	if resp == nil {
		return nil
	}
	return resp.RawJSON
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// mapError converts a Stripe API error into a typed error. Card errors become
// declines carrying Stripe's customer-facing message.
func mapError(err error, op string) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stripe "+op+" failed")
	}
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		msg := strings.TrimSpace(stripeErr.Msg)
		if msg == "" {
			msg = "payment declined"
		}
		return pkgerrors.Wrap(pkgerrors.CodeDeclined, err, msg)
	case stripeErr.Type == stripe.ErrorTypeIdempotency:
		return pkgerrors.Wrap(pkgerrors.CodeIdempotency, err, "stripe "+op+" replayed with different parameters")
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		return pkgerrors.Wrap(pkgerrors.CodeGatewayConfig, err, "stripe rejected the configured credentials")
	case stripeErr.HTTPStatusCode == http.StatusNotFound:
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "stripe "+op+": resource not found")
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, err, "stripe rate limit reached")
	case stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "stripe "+op+" rejected")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stripe "+op+" failed")
	}
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing
}
