package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/paycore/pkg/config"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var (
	errAccessTokenRequired  = errors.New("square access token is required")
	errSignatureKeyRequired = errors.New("square webhook signature key is required")
	errLocationRequired     = errors.New("square location id is required")
	errInvalidSquareEnv     = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// Credentials is one environment's Square configuration.
type Credentials struct {
	Environment     string
	AccessToken     string
	LocationID      string
	SignatureKey    string
	NotificationURL string
}

// Client exposes Square primitives with centralized auth, logging, idempotency, and error mapping.
type Client struct {
	sdk             *sqclient.Client
	environment     string
	locationID      string
	signatureKey    string
	notificationURL string
	logger          *logger.Logger
}

// NewClient builds the client for the environment selected in config.
func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	return NewClientWithCredentials(ctx, Credentials{
		Environment:     cfg.Environment(),
		AccessToken:     cfg.Token(),
		LocationID:      cfg.LocationID,
		SignatureKey:    cfg.WebhookSignatureKey,
		NotificationURL: cfg.NotificationURL,
	}, logg)
}

func NewClientWithCredentials(ctx context.Context, creds Credentials, logg *logger.Logger) (*Client, error) {
	if err := ValidateCredentials(creds); err != nil {
		return nil, err
	}
	if logg == nil {
		logg = logger.Nop()
	}
	env, _ := normalizeEnv(creds.Environment)
	token := strings.TrimSpace(creds.AccessToken)
	c := &Client{
		sdk: sqclient.NewClient(
			sqoption.WithBaseURL(baseURLs[env]),
			sqoption.WithToken(token),
		),
		environment:     env,
		locationID:      strings.TrimSpace(creds.LocationID),
		signatureKey:    strings.TrimSpace(creds.SignatureKey),
		notificationURL: strings.TrimSpace(creds.NotificationURL),
		logger:          logg,
	}
	logg.Info(ctx, fmt.Sprintf("square client initialized (%s)", env))
	return c, nil
}

// ValidateCredentials checks that every value a Square adapter needs is present.
func ValidateCredentials(creds Credentials) error {
	if _, err := normalizeEnv(creds.Environment); err != nil {
		return err
	}
	if strings.TrimSpace(creds.AccessToken) == "" {
		return errAccessTokenRequired
	}
	if strings.TrimSpace(creds.LocationID) == "" {
		return errLocationRequired
	}
	if strings.TrimSpace(creds.SignatureKey) == "" {
		return errSignatureKeyRequired
	}
	return nil
}

// Environment reports the normalized Square environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// LocationID is the location payments are taken at.
func (c *Client) LocationID() string {
	if c == nil {
		return ""
	}
	return c.locationID
}

// NewIdempotencyKey returns a unique key for Square operations.
func (c *Client) NewIdempotencyKey(prefix string) string {
	key := strings.TrimSpace(prefix)
	if key == "" {
		key = "pc"
	}
	return fmt.Sprintf("%s-%s", key, uuid.NewString())
}

// VerifyWebhook checks the notification signature against the configured key
// and notification URL.
func (c *Client) VerifyWebhook(body []byte, signature string) error {
	return VerifySignature(body, signature, c.signatureKey, c.notificationURL)
}

// Subscription operations
func (c *Client) CreateSubscription(ctx context.Context, params SubscriptionCreateParams) (*Subscription, error) {
	if strings.TrimSpace(params.LocationID) == "" {
		params.LocationID = c.locationID
	}
	req := params.toSquareRequest(c.ensureIdempotencyKey("subscription.create", params.IdempotencyKey))
	c.log(ctx, "request", "create_subscription", map[string]any{
		"location_id":       params.LocationID,
		"plan_variation_id": params.PlanVariationID,
		"customer_id":       params.CustomerID,
		"card_id":           params.CardID,
		"start_date":        params.StartDate,
	})

	resp, err := c.sdk.Subscriptions.Create(ctx, req)
	if err != nil {
		c.log(ctx, "error", "create_subscription", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "create subscription")
	}
	return c.subscriptionResult(ctx, "create_subscription", resp.GetSubscription())
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	req := &sq.CancelSubscriptionsRequest{SubscriptionID: subscriptionID}
	c.log(ctx, "request", "cancel_subscription", map[string]any{"subscription_id": subscriptionID})

	resp, err := c.sdk.Subscriptions.Cancel(ctx, req)
	if err != nil {
		c.log(ctx, "error", "cancel_subscription", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "cancel subscription")
	}
	return c.subscriptionResult(ctx, "cancel_subscription", resp.GetSubscription())
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	req := &sq.GetSubscriptionsRequest{SubscriptionID: subscriptionID}
	c.log(ctx, "request", "get_subscription", map[string]any{"subscription_id": subscriptionID})

	resp, err := c.sdk.Subscriptions.Get(ctx, req)
	if err != nil {
		c.log(ctx, "error", "get_subscription", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "get subscription")
	}
	return c.subscriptionResult(ctx, "get_subscription", resp.GetSubscription())
}

func (c *Client) subscriptionResult(ctx context.Context, op string, raw *sq.Subscription) (*Subscription, error) {
	sub, err := convertSubscription(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode square subscription")
	}
	c.log(ctx, "response", op, map[string]any{
		"subscription_id": sub.ID,
		"status":          sub.Status,
	})
	return sub, nil
}

// Customer operations
func (c *Client) CreateCustomer(ctx context.Context, params CustomerCreateParams) (*Customer, error) {
	req := params.toSquareRequest(c.ensureIdempotencyKey("customer.create", params.IdempotencyKey))
	c.log(ctx, "request", "create_customer", map[string]any{"reference_id": params.ReferenceID})

	resp, err := c.sdk.Customers.Create(ctx, req)
	if err != nil {
		c.log(ctx, "error", "create_customer", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "create customer")
	}

	cust := resp.GetCustomer()
	c.log(ctx, "response", "create_customer", map[string]any{"customer_id": stringValue(cust.GetID())})
	return &Customer{ID: stringValue(cust.GetID())}, nil
}

// Card operations
func (c *Client) CreateCard(ctx context.Context, params CardCreateParams) (*Card, error) {
	req := params.toSquareRequest(c.ensureIdempotencyKey("card.create", params.IdempotencyKey))
	c.log(ctx, "request", "create_card", map[string]any{"customer_id": params.CustomerID})

	resp, err := c.sdk.Cards.Create(ctx, req)
	if err != nil {
		c.log(ctx, "error", "create_card", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "create card")
	}

	card, err := convertCard(resp.GetCard())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode square card")
	}
	c.log(ctx, "response", "create_card", map[string]any{"card_id": card.ID})
	return card, nil
}

// Payment operations
func (c *Client) CreatePayment(ctx context.Context, params PaymentCreateParams) (*Payment, error) {
	if strings.TrimSpace(params.LocationID) == "" {
		params.LocationID = c.locationID
	}
	req := params.toSquareRequest(c.ensureIdempotencyKey("payment.create", params.IdempotencyKey))
	c.log(ctx, "request", "create_payment", map[string]any{
		"location_id":  params.LocationID,
		"customer_id":  params.CustomerID,
		"amount":       params.AmountCents,
		"reference_id": params.ReferenceID,
	})

	resp, err := c.sdk.Payments.Create(ctx, req)
	if err != nil {
		c.log(ctx, "error", "create_payment", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "create payment")
	}
	return c.paymentResult(ctx, "create_payment", resp.GetPayment())
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	c.log(ctx, "request", "get_payment", map[string]any{"payment_id": paymentID})

	resp, err := c.sdk.Payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: paymentID})
	if err != nil {
		c.log(ctx, "error", "get_payment", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "get payment")
	}
	return c.paymentResult(ctx, "get_payment", resp.GetPayment())
}

func (c *Client) paymentResult(ctx context.Context, op string, raw *sq.Payment) (*Payment, error) {
	payment, err := convertPayment(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode square payment")
	}
	c.log(ctx, "response", op, map[string]any{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
	return payment, nil
}

// RefundPayment refunds part or all of a completed payment.
func (c *Client) RefundPayment(ctx context.Context, params RefundCreateParams) (*Refund, error) {
	req := params.toSquareRequest(c.ensureIdempotencyKey("refund.create", params.IdempotencyKey))
	c.log(ctx, "request", "refund_payment", map[string]any{
		"payment_id": params.PaymentID,
		"amount":     params.AmountCents,
	})

	resp, err := c.sdk.Refunds.RefundPayment(ctx, req)
	if err != nil {
		c.log(ctx, "error", "refund_payment", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "refund payment")
	}

	refund, err := convertRefund(resp.GetRefund())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode square refund")
	}
	c.log(ctx, "response", "refund_payment", map[string]any{
		"refund_id": refund.ID,
		"status":    refund.Status,
	})
	return refund, nil
}

// Invoice operations
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	c.log(ctx, "request", "get_invoice", map[string]any{"invoice_id": invoiceID})

	resp, err := c.sdk.Invoices.Get(ctx, &sq.GetInvoicesRequest{InvoiceID: invoiceID})
	if err != nil {
		c.log(ctx, "error", "get_invoice", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "get invoice")
	}

	inv, err := convertInvoice(resp.GetInvoice())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode square invoice")
	}
	c.log(ctx, "response", "get_invoice", map[string]any{
		"invoice_id": inv.ID,
		"status":     inv.Status,
	})
	return inv, nil
}

func (c *Client) ensureIdempotencyKey(prefix, provided string) string {
	if strings.TrimSpace(provided) != "" {
		return provided
	}
	return c.NewIdempotencyKey(prefix)
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = c.redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("square %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logger.Debug(ctx, fmt.Sprintf("square %s", phase))
	}
}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "nonce", "token", "cvv", "cvc", "secret", "email", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

// mapSquareError converts SDK failures into typed errors. Payment method
// errors are declines and carry Square's detail text.
func (c *Client) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.StatusCode)
		message := fmt.Sprintf("square %s failed", op)
		for _, sqErr := range c.extractSquareErrors(apiErr) {
			if sqErr == nil {
				continue
			}
			if sqErr.Code == sq.ErrorCodeIdempotencyKeyReused {
				code = pkgerrors.CodeIdempotency
				break
			}
			if sqErr.Category == sq.ErrorCategoryAuthenticationError {
				code = pkgerrors.CodeGatewayConfig
				message = "square rejected the configured credentials"
				break
			}
			if string(sqErr.Category) == categoryPaymentMethodError {
				code = pkgerrors.CodeDeclined
				message = declineMessage(sqErr)
				break
			}
		}
		return pkgerrors.Wrap(code, err, message)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("square %s failed", op))
}

const categoryPaymentMethodError = "PAYMENT_METHOD_ERROR"

func declineMessage(sqErr *sq.Error) string {
	if detail := strings.TrimSpace(stringValue(sqErr.Detail)); detail != "" {
		return detail
	}
	return "payment declined: " + strings.ToLower(string(sqErr.Code))
}

func (c *Client) extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return pkgerrors.CodeGatewayConfig
	case http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusConflict:
		return pkgerrors.CodeConflict
	case http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case http.StatusBadRequest:
		return pkgerrors.CodeValidation
	case http.StatusPaymentRequired:
		return pkgerrors.CodeDeclined
	case http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	default:
		if status >= 400 && status < 500 {
			return pkgerrors.CodeValidation
		}
		return pkgerrors.CodeDependency
	}
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	switch env {
	case sandboxEnv, productionEnv:
		return env, nil
	default:
		return "", errInvalidSquareEnv
	}
}
