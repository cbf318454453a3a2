// Package stripe adapts Stripe PaymentIntents, Subscriptions and Refunds to
// the gateway contract.
package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/money"
	pkgstripe "github.com/angelmondragon/paycore/pkg/stripe"
)

// ID is the registry identifier.
const ID = "stripe"

const invoiceLookback = 24

// API is the subset of the Stripe client the adapter calls.
type API interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
	CreatePaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	CreateInvoiceItem(ctx context.Context, params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
	CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
	ListInvoices(ctx context.Context, subscriptionID string, limit int) ([]*stripe.Invoice, error)
}

// Gateway is the Stripe adapter. A nil API leaves it registered but refusing
// every call with a configuration error.
type Gateway struct {
	gateway.WebhookEndpoint

	api   API
	money *money.Normalizer
	logg  *logger.Logger
}

func New(api API, normalizer *money.Normalizer, logg *logger.Logger) *Gateway {
	if logg == nil {
		logg = logger.Nop()
	}
	if normalizer == nil {
		normalizer = money.NewNormalizer(logg)
	}
	return &Gateway{api: api, money: normalizer, logg: logg}
}

func (g *Gateway) Meta() gateway.Meta {
	return gateway.Meta{
		Identifier:  ID,
		Title:       "Stripe",
		Description: "Cards, wallets and bank debits through Stripe.",
		Features: []gateway.Feature{
			gateway.FeatureProducts,
			gateway.FeatureRefunds,
			gateway.FeatureSubscriptions,
			gateway.FeatureSubCancel,
			gateway.FeatureSubResync,
			gateway.FeatureDisputes,
			gateway.FeatureConfirmation,
			gateway.FeatureSignupFee,
			gateway.FeatureFreeTrial,
		},
	}
}

func (g *Gateway) ready() error {
	if g.api == nil {
		return pkgerrors.New(pkgerrors.CodeGatewayConfig, "stripe is not configured").
			WithDetails(map[string]any{"gateway": ID})
	}
	return nil
}

// ValidateSettings checks credentials for the selected mode.
func (g *Gateway) ValidateSettings(settings gateway.Settings) error {
	err := pkgstripe.ValidateCredentials(pkgstripe.Credentials{
		Environment:   settings.Mode,
		APIKey:        settings.Credential("api_key"),
		WebhookSecret: settings.Credential("webhook_secret"),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayConfig, err, err.Error())
	}
	return nil
}

func (g *Gateway) ExecuteSinglePayment(ctx context.Context, inst *gateway.PaymentInstance) (*gateway.Response, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	params := g.intentParams(ctx, inst)
	pi, err := g.api.CreatePaymentIntent(ctx, params)
	if err != nil {
		return nil, mapError(err, "create payment intent")
	}
	return responseFromIntent(pi), nil
}

func (g *Gateway) intentParams(ctx context.Context, inst *gateway.PaymentInstance) *stripe.PaymentIntentParams {
	txn := inst.Transaction
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(g.money.ToGatewayUnits(ctx, txn.TotalCents, txn.Currency)),
		Currency: stripe.String(strings.ToLower(txn.Currency)),
	}
	if inst.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(inst.Customer.Email)
	}
	if inst.Subscription != nil {
		if vendorCustomer := stringValue(inst.Subscription.VendorCustomerID); vendorCustomer != "" {
			params.Customer = stripe.String(vendorCustomer)
		}
	}
	if inst.PaymentMethodToken != "" {
		params.PaymentMethod = stripe.String(inst.PaymentMethodToken)
		params.Confirm = stripe.Bool(true)
		if inst.ReturnURL != "" {
			params.ReturnURL = stripe.String(inst.ReturnURL)
		}
	}
	addOrderMetadata(&params.Params, inst)
	params.SetIdempotencyKey(idempotencyKey(inst, "pi"))
	return params
}

// ExecuteSubscriptionPayment starts a Stripe subscription for the order's
// pending subscription. Renewal orders are billed as one-off intents on the
// stored customer, unless they revive a canceled or expired subscription: that
// starts a new Stripe subscription whose trial covers the period already paid.
func (g *Gateway) ExecuteSubscriptionPayment(ctx context.Context, inst *gateway.PaymentInstance) (*gateway.Response, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if inst.Subscription == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription required")
	}
	if err := gateway.EnsureBillable(inst); err != nil {
		return nil, err
	}
	if inst.IsRenewal() && !inst.Reactivates() {
		return g.ExecuteSinglePayment(ctx, inst)
	}

	sub := inst.Subscription
	signupFee := sub.InitialAmountCents
	if inst.Reactivates() {
		signupFee = 0
	}
	customerID := stringValue(sub.VendorCustomerID)
	if customerID == "" {
		custParams := &stripe.CustomerParams{}
		if inst.Customer.Email != "" {
			custParams.Email = stripe.String(inst.Customer.Email)
		}
		if inst.Customer.Name != "" {
			custParams.Name = stripe.String(inst.Customer.Name)
		}
		if inst.PaymentMethodToken != "" {
			custParams.PaymentMethod = stripe.String(inst.PaymentMethodToken)
		}
		custParams.AddMetadata("customer_ref", inst.Customer.Ref)
		custParams.SetIdempotencyKey(idempotencyKey(inst, "cus"))
		cust, err := g.api.CreateCustomer(ctx, custParams)
		if err != nil {
			return nil, mapError(err, "create customer")
		}
		customerID = cust.ID
	}

	if signupFee > 0 {
		item := &stripe.InvoiceItemParams{
			Customer:    stripe.String(customerID),
			Amount:      stripe.Int64(g.money.ToGatewayUnits(ctx, signupFee, sub.Currency)),
			Currency:    stripe.String(strings.ToLower(sub.Currency)),
			Description: stripe.String("Sign-up fee"),
		}
		item.SetIdempotencyKey(idempotencyKey(inst, "fee"))
		if _, err := g.api.CreateInvoiceItem(ctx, item); err != nil {
			return nil, mapError(err, "create sign-up fee")
		}
	}

	interval, count := stripeInterval(sub.BillingInterval)
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{{
			PriceData: &stripe.SubscriptionItemPriceDataParams{
				Currency: stripe.String(strings.ToLower(sub.Currency)),
				Product:  stripe.String(sub.ProductID),
				Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
					Interval:      stripe.String(interval),
					IntervalCount: stripe.Int64(count),
				},
				UnitAmount: stripe.Int64(g.money.ToGatewayUnits(ctx, sub.RecurringAmountCents, sub.Currency)),
			},
		}},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if trial := inst.TrialDays(); trial > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(trial))
	}
	if inst.PaymentMethodToken != "" {
		params.DefaultPaymentMethod = stripe.String(inst.PaymentMethodToken)
		params.PaymentBehavior = stripe.String("error_if_incomplete")
	}
	addOrderMetadata(&params.Params, inst)
	params.AddMetadata("subscription_id", sub.ID.String())
	params.AddExpand("latest_invoice.confirmation_secret")
	params.SetIdempotencyKey(idempotencyKey(inst, "sub"))

	created, err := g.api.CreateSubscription(ctx, params)
	if err != nil {
		return nil, mapError(err, "create subscription")
	}
	resp := responseFromSubscription(created)
	resp.VendorCustomerID = customerID
	resp.SignupFeeCents = signupFee
	return resp, nil
}

// Refund refunds part or all of a charge. Invoice-backed charges are
// refunded through the invoice's payment intent.
func (g *Gateway) Refund(ctx context.Context, charge *models.Transaction, amountCents int64, args gateway.RefundArgs) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	vendorID := charge.VendorID()
	params := &stripe.RefundParams{
		Amount: stripe.Int64(g.money.ToGatewayUnits(ctx, amountCents, charge.Currency)),
	}
	switch {
	case strings.HasPrefix(vendorID, "pi_"):
		params.PaymentIntent = stripe.String(vendorID)
	case strings.HasPrefix(vendorID, "ch_"):
		params.Charge = stripe.String(vendorID)
	case strings.HasPrefix(vendorID, "in_"):
		inv, err := g.api.GetInvoice(ctx, vendorID)
		if err != nil {
			return "", mapError(err, "get invoice")
		}
		piID := invoiceFromRaw(rawJSON(inv.LastResponse)).paymentIntentID()
		if piID == "" {
			return "", pkgerrors.New(pkgerrors.CodeStateConflict, "invoice has no payment to refund").
				WithDetails(map[string]any{"invoice": vendorID})
		}
		params.PaymentIntent = stripe.String(piID)
	default:
		return "", pkgerrors.New(pkgerrors.CodeValidation, "charge has no stripe reference")
	}
	if args.Reason != "" {
		params.Reason = stripe.String(string(stripe.RefundReasonRequestedByCustomer))
		params.AddMetadata("reason", args.Reason)
	}
	if args.LocalToken != "" {
		params.AddMetadata(localRefundTokenKey, args.LocalToken)
	}
	params.AddMetadata("transaction_id", charge.ID.String())
	if args.LocalToken != "" {
		params.SetIdempotencyKey("refund-" + args.LocalToken)
	}
	re, err := g.api.CreateRefund(ctx, params)
	if err != nil {
		return "", mapError(err, "create refund")
	}
	return re.ID, nil
}

// FetchCharge implements gateway.Confirmer.
func (g *Gateway) FetchCharge(ctx context.Context, vendorChargeID string) (*gateway.ChargeReport, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(vendorChargeID, "in_") {
		inv, err := g.api.GetInvoice(ctx, vendorChargeID)
		if err != nil {
			return nil, mapError(err, "get invoice")
		}
		report := invoiceFromRaw(rawJSON(inv.LastResponse)).chargeReport()
		report.VendorChargeID = inv.ID
		return &report, nil
	}
	pi, err := g.api.GetPaymentIntent(ctx, vendorChargeID)
	if err != nil {
		return nil, mapError(err, "get payment intent")
	}
	report := reportFromIntent(pi)
	return &report, nil
}

// CancelSubscription implements gateway.SubscriptionCanceler. A subscription
// Stripe no longer knows about counts as canceled.
func (g *Gateway) CancelSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := g.ready(); err != nil {
		return err
	}
	vendorID := sub.VendorID()
	if vendorID == "" {
		return nil
	}
	if _, err := g.api.CancelSubscription(ctx, vendorID); err != nil {
		if isResourceMissing(err) {
			g.logg.Warn(g.logg.WithField(ctx, "vendor_subscription_id", vendorID), "stripe subscription already gone")
			return nil
		}
		return mapError(err, "cancel subscription")
	}
	return nil
}

// FetchSubscription implements gateway.RemoteSyncer.
func (g *Gateway) FetchSubscription(ctx context.Context, sub *models.Subscription) (*gateway.RemoteSubscription, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	vendorID := sub.VendorID()
	if vendorID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription has no stripe reference")
	}
	remote, err := g.api.GetSubscription(ctx, vendorID)
	if err != nil {
		return nil, mapError(err, "get subscription")
	}
	invoices, err := g.api.ListInvoices(ctx, vendorID, invoiceLookback)
	if err != nil {
		return nil, mapError(err, "list invoices")
	}

	out := &gateway.RemoteSubscription{
		VendorSubscriptionID: remote.ID,
		Status:               string(remote.Status),
		NextBillingAt:        periodEndFromRaw(rawJSON(remote.LastResponse)),
		CanceledAt:           unixPtr(remote.CanceledAt),
	}
	for _, inv := range invoices {
		if inv == nil || inv.Status != stripe.InvoiceStatusPaid {
			continue
		}
		out.Charges = append(out.Charges, gateway.ChargeReport{
			Gateway:              ID,
			VendorChargeID:       inv.ID,
			Status:               gateway.StatusSucceeded,
			Captured:             true,
			GatewayAmount:        inv.AmountPaid,
			Currency:             money.Code(string(inv.Currency)),
			VendorSubscriptionID: remote.ID,
		})
	}
	return out, nil
}

func stripeInterval(interval enums.BillingInterval) (string, int64) {
	switch interval {
	case enums.BillingIntervalDaily:
		return "day", 1
	case enums.BillingIntervalWeekly:
		return "week", 1
	case enums.BillingIntervalQuarterly:
		return "month", 3
	case enums.BillingIntervalHalfYearly:
		return "month", 6
	case enums.BillingIntervalYearly:
		return "year", 1
	default:
		return "month", 1
	}
}

func addOrderMetadata(params *stripe.Params, inst *gateway.PaymentInstance) {
	params.AddMetadata(metaOrderID, inst.Order.ID.String())
	params.AddMetadata(metaTransactionID, inst.Transaction.ID.String())
	if inst.Customer.Ref != "" {
		params.AddMetadata("customer_ref", inst.Customer.Ref)
	}
}

// idempotencyKey is stable per charge row so a retried request is replayed by
// Stripe instead of charging twice.
func idempotencyKey(inst *gateway.PaymentInstance, prefix string) string {
	if inst.IdempotencyKey != "" {
		return prefix + "-" + inst.IdempotencyKey
	}
	return fmt.Sprintf("%s-%s", prefix, inst.Transaction.ID)
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
