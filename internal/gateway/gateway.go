// Package gateway defines the contract every payment processor adapter
// implements, the per-process registry of adapters, and the normalized
// reports adapters hand to the reconciliation layer.
package gateway

import (
	"context"
	"net/http"

	"github.com/angelmondragon/paycore/pkg/db/models"
)

// Feature is a capability an adapter advertises in its Meta.
type Feature string

const (
	FeatureProducts       Feature = "products"
	FeatureRefunds        Feature = "refunds"
	FeatureSubscriptions  Feature = "subscriptions"
	FeatureSubCancel      Feature = "subscription_cancellation"
	FeatureSubResync      Feature = "subscription_resync"
	FeatureDisputes       Feature = "disputes"
	FeatureConfirmation   Feature = "browser_confirmation"
	FeatureSignupFee      Feature = "signup_fee"
	FeatureFreeTrial      Feature = "free_trial"
	FeatureZeroTotalOrder Feature = "zero_total_order"
)

// Meta describes an adapter to checkout and admin surfaces.
type Meta struct {
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Features    []Feature `json:"features"`
	// Currencies lists ISO codes the adapter accepts. Empty means any.
	Currencies []string `json:"currencies,omitempty"`
	Promo      bool     `json:"promo,omitempty"`
}

// Supports reports whether the adapter advertises f.
func (m Meta) Supports(f Feature) bool {
	for _, candidate := range m.Features {
		if candidate == f {
			return true
		}
	}
	return false
}

// AcceptsCurrency reports whether code is in the adapter's currency list.
func (m Meta) AcceptsCurrency(code string) bool {
	if len(m.Currencies) == 0 {
		return true
	}
	for _, candidate := range m.Currencies {
		if equalFoldASCII(candidate, code) {
			return true
		}
	}
	return false
}

// RefundArgs carries optional refund context.
type RefundArgs struct {
	Reason string
	// LocalToken is echoed back by gateways that support refund metadata so the
	// webhook for this refund can be tied to the local placeholder row.
	LocalToken string
}

// Gateway is implemented by every payment processor adapter.
type Gateway interface {
	Meta() Meta
	ExecuteSinglePayment(ctx context.Context, inst *PaymentInstance) (*Response, error)
	ExecuteSubscriptionPayment(ctx context.Context, inst *PaymentInstance) (*Response, error)
	// HandleWebhook owns the full HTTP exchange for inbound notifications.
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	// Refund amounts are canonical minor units. The vendor refund id is returned.
	Refund(ctx context.Context, charge *models.Transaction, amountCents int64, args RefundArgs) (string, error)
	ValidateSettings(settings Settings) error
}

// Confirmer is implemented by adapters that can report the authoritative
// state of a charge on demand, used by the browser confirmation endpoint.
type Confirmer interface {
	FetchCharge(ctx context.Context, vendorChargeID string) (*ChargeReport, error)
}

// SubscriptionCanceler cancels the remote agreement.
type SubscriptionCanceler interface {
	CancelSubscription(ctx context.Context, sub *models.Subscription) error
}

// RemoteSyncer returns the gateway's view of a subscription and its charges.
type RemoteSyncer interface {
	FetchSubscription(ctx context.Context, sub *models.Subscription) (*RemoteSubscription, error)
}

// WebhookSource is implemented by adapters whose HandleWebhook is served by
// the shared webhook pipeline.
type WebhookSource interface {
	// VerifyWebhook checks the signature and extracts the envelope. An error
	// here always means the request is rejected.
	VerifyWebhook(r *http.Request, body []byte) (*WebhookEnvelope, error)
	// AcceptedEvents is the allow-list mapping raw vendor types to normalized ones.
	AcceptedEvents() map[string]EventType
	DecodeWebhook(ctx context.Context, env *WebhookEnvelope, eventType EventType) (*WebhookEvent, error)
}

// Capabilities is resolved once at registration time.
type Capabilities struct {
	Confirmer Confirmer
	Canceler  SubscriptionCanceler
	Syncer    RemoteSyncer
	Webhooks  WebhookSource
}

func capabilitiesOf(g Gateway) Capabilities {
	var caps Capabilities
	if c, ok := g.(Confirmer); ok {
		caps.Confirmer = c
	}
	if c, ok := g.(SubscriptionCanceler); ok {
		caps.Canceler = c
	}
	if s, ok := g.(RemoteSyncer); ok {
		caps.Syncer = s
	}
	if w, ok := g.(WebhookSource); ok {
		caps.Webhooks = w
	}
	return caps
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
