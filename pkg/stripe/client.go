package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/invoiceitem"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/subscription"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/paycore/pkg/config"
	"github.com/angelmondragon/paycore/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Credentials is one mode's key pair.
type Credentials struct {
	Environment   string
	APIKey        string
	WebhookSecret string
}

// Client binds the Stripe resource clients to one API key so test and live
// instances can coexist in a process.
type Client struct {
	backend       stripe.Backend
	apiKey        string
	environment   string
	signingSecret string
}

// NewClient validates the active credential set from config.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	return NewClientWithCredentials(ctx, Credentials{
		Environment:   cfg.Environment(),
		APIKey:        cfg.APIKey(),
		WebhookSecret: cfg.WebhookSecret(),
	}, logg)
}

func NewClientWithCredentials(ctx context.Context, creds Credentials, logg *logger.Logger) (*Client, error) {
	if err := ValidateCredentials(creds); err != nil {
		return nil, err
	}
	env, _ := normalizeEnv(creds.Environment)
	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}
	return &Client{
		backend:       stripe.GetBackend(stripe.APIBackend),
		apiKey:        strings.TrimSpace(creds.APIKey),
		environment:   env,
		signingSecret: strings.TrimSpace(creds.WebhookSecret),
	}, nil
}

// ValidateCredentials checks the key prefixes match the environment.
func ValidateCredentials(creds Credentials) error {
	env, err := normalizeEnv(creds.Environment)
	if err != nil {
		return err
	}
	apiKey := strings.TrimSpace(creds.APIKey)
	if apiKey == "" {
		return errAPIKeyRequired
	}
	secret := strings.TrimSpace(creds.WebhookSecret)
	if secret == "" {
		return errSecretRequired
	}
	if !strings.HasPrefix(secret, "whsec_") {
		return errors.New("stripe webhook secret must start with whsec_")
	}
	return validateAPIKey(env, apiKey)
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// ConstructEvent verifies the Stripe-Signature header against the signing
// secret. API version mismatches are tolerated because events are decoded
// from their raw object JSON.
func (c *Client) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, c.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	params.Context = ctx
	pi := &paymentintent.Client{B: c.backend, Key: c.apiKey}
	return pi.New(params)
}

// GetPaymentIntent retrieves an intent with its latest charge expanded.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi := &paymentintent.Client{B: c.backend, Key: c.apiKey}
	return pi.Get(id, params)
}

func (c *Client) CreateRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	params.Context = ctx
	r := &refund.Client{B: c.backend, Key: c.apiKey}
	return r.New(params)
}

func (c *Client) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	params.Context = ctx
	cust := &customer.Client{B: c.backend, Key: c.apiKey}
	return cust.New(params)
}

// CreateInvoiceItem adds a pending one-time line that the customer's next
// invoice picks up.
func (c *Client) CreateInvoiceItem(ctx context.Context, params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
	params.Context = ctx
	ii := &invoiceitem.Client{B: c.backend, Key: c.apiKey}
	return ii.New(params)
}

func (c *Client) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	params.Context = ctx
	s := &subscription.Client{B: c.backend, Key: c.apiKey}
	return s.New(params)
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s := &subscription.Client{B: c.backend, Key: c.apiKey}
	return s.Get(id, params)
}

func (c *Client) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	s := &subscription.Client{B: c.backend, Key: c.apiKey}
	return s.Cancel(id, params)
}

// GetInvoice retrieves an invoice with its payments expanded.
func (c *Client) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	params.AddExpand("payments")
	inv := &invoice.Client{B: c.backend, Key: c.apiKey}
	return inv.Get(id, params)
}

// ListInvoices returns up to limit invoices for a subscription, newest first.
func (c *Client) ListInvoices(ctx context.Context, subscriptionID string, limit int) ([]*stripe.Invoice, error) {
	params := &stripe.InvoiceListParams{Subscription: stripe.String(subscriptionID)}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))
	inv := &invoice.Client{B: c.backend, Key: c.apiKey}
	iter := inv.List(params)
	out := make([]*stripe.Invoice, 0, limit)
	for iter.Next() && len(out) < limit {
		out = append(out, iter.Invoice())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
