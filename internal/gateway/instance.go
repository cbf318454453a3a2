package gateway

import (
	"time"

	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

// Mode values mirror enums.PaymentMode and select the credential set.
const (
	ModeTest = "test"
	ModeLive = "live"
)

// Settings holds adapter credentials for one mode.
type Settings struct {
	Mode        string            `json:"mode"`
	Credentials map[string]string `json:"credentials"`
}

// Credential returns the trimmed credential or "".
func (s Settings) Credential(key string) string {
	if s.Credentials == nil {
		return ""
	}
	return s.Credentials[key]
}

// Customer is the buyer reference an adapter needs to create vendor customers.
type Customer struct {
	Ref   string
	Email string
	Name  string
}

// PaymentInstance binds one order, its pending charge row, and optionally the
// subscription being started or renewed, for a single payment attempt.
type PaymentInstance struct {
	Order        *models.Order
	Transaction  *models.Transaction
	Subscription *models.Subscription
	Customer     Customer

	// PaymentMethodToken is the client-side tokenized card or source.
	PaymentMethodToken string
	ReturnURL          string
	IdempotencyKey     string
	// CompletedCycles counts successful renewal charges already recorded.
	CompletedCycles int
	// ReactivationTrialDays replaces the signup trial when the attempt
	// revives a canceled or expired subscription.
	ReactivationTrialDays int
}

// Mode returns the order mode.
func (p *PaymentInstance) Mode() string {
	if p == nil || p.Order == nil {
		return ModeTest
	}
	return string(p.Order.Mode)
}

// IsRenewal reports whether the attempt bills an existing subscription cycle.
func (p *PaymentInstance) IsRenewal() bool {
	return p != nil && p.Order.IsRenewal()
}

// Reactivates reports whether the attempt is a renewal order reviving a
// canceled or expired subscription. The vendor agreement is gone by then, so
// adapters start a new one instead of billing the stored customer.
func (p *PaymentInstance) Reactivates() bool {
	return p.IsRenewal() && p.Subscription != nil && p.Subscription.Status.IsTerminal()
}

// TrialDays is the trial the adapter should grant for this attempt.
func (p *PaymentInstance) TrialDays() int {
	if p == nil || p.Subscription == nil {
		return 0
	}
	if p.Reactivates() {
		return p.ReactivationTrialDays
	}
	if p.IsRenewal() {
		return 0
	}
	return p.Subscription.TrialDays
}

// Validate checks the instance carries what every adapter needs.
func (p *PaymentInstance) Validate() error {
	if p == nil || p.Order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment instance requires an order")
	}
	if p.Transaction == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment instance requires a transaction")
	}
	if p.Transaction.OrderID != p.Order.ID {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction does not belong to order")
	}
	return nil
}

// EnsureBillable refuses renewals once the bill-times limit is reached, and
// initial charges for subscriptions that already ended. Adapters call it
// before any remote call.
func EnsureBillable(inst *PaymentInstance) error {
	if inst == nil || inst.Subscription == nil {
		return nil
	}
	sub := inst.Subscription
	if !inst.IsRenewal() {
		if sub.Status.IsTerminal() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is no longer billable").
				WithDetails(map[string]any{"status": sub.Status})
		}
		return nil
	}
	// a renewal order may revive a canceled subscription, but never past its limit
	if sub.HasUnlimitedBilling() {
		return nil
	}
	// the initial charge counts as the first bill
	if inst.CompletedCycles+1 >= sub.BillTimes {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription has no remaining billing cycles").
			WithDetails(map[string]any{"bill_times": sub.BillTimes, "completed": inst.CompletedCycles})
	}
	return nil
}

// Response statuses returned by adapters.
const (
	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
	StatusRedirect  = "redirect"
	StatusFailed    = "failed"
)

// PaymentMethod describes the instrument that was charged.
type PaymentMethod struct {
	Type  string `json:"type,omitempty"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// Response is what an adapter returns from an execute call.
type Response struct {
	Status       string
	RedirectURL  string
	ClientSecret string

	VendorChargeID       string
	VendorSubscriptionID string
	VendorCustomerID     string
	VendorPlanID         string

	// GatewayAmount is in the gateway's own units; the reconciler normalizes it.
	GatewayAmount int64
	Currency      string
	PaymentMethod PaymentMethod
	NextBillingAt *time.Time
	// SignupFeeCents is the one-time add-on billed with the first charge.
	SignupFeeCents int64
	DeclineReason  string
}

// ChargeReport is a gateway's statement about one charge, from either the
// browser confirmation fetch or a webhook.
type ChargeReport struct {
	Gateway        string
	VendorChargeID string
	// VendorPaymentRef is a second vendor id later notifications may cite for
	// the same charge, like the payment intent behind a Stripe invoice.
	VendorPaymentRef string
	OrderID          string
	TransactionID    string

	Status        string
	Captured      bool
	GatewayAmount int64
	Currency      string
	PaymentMethod PaymentMethod
	DeclineReason string

	VendorSubscriptionID string
	VendorCustomerID     string
	NextBillingAt        *time.Time
	// Channel is "webhook", "confirmation" or "resync".
	Channel string
}

// Settled reports whether the charge has been captured by the gateway.
func (c *ChargeReport) Settled() bool {
	return c != nil && c.Status == StatusSucceeded && c.Captured
}

// RemoteSubscription is the gateway's authoritative view used by resync.
type RemoteSubscription struct {
	VendorSubscriptionID string
	Status               string
	NextBillingAt        *time.Time
	CanceledAt           *time.Time
	Charges              []ChargeReport
}
