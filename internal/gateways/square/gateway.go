// Package square adapts Square Payments, Refunds and Subscriptions to the
// gateway contract.
package square

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/money"
	pkgsquare "github.com/angelmondragon/paycore/pkg/square"
)

// ID is the registry identifier.
const ID = "square"

// invoiceLookback caps how many subscription invoices a resync reads.
const invoiceLookback = 12

// invoicePrefix marks vendor charge ids that name a subscription invoice
// rather than a payment.
const invoicePrefix = "inv:"

// API is the subset of the Square client the adapter calls.
type API interface {
	Environment() string
	VerifyWebhook(body []byte, signature string) error
	EnsureCustomer(ctx context.Context, params pkgsquare.CustomerCreateParams) (*pkgsquare.Customer, error)
	CreateCard(ctx context.Context, params pkgsquare.CardCreateParams) (*pkgsquare.Card, error)
	CreatePayment(ctx context.Context, params pkgsquare.PaymentCreateParams) (*pkgsquare.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*pkgsquare.Payment, error)
	RefundPayment(ctx context.Context, params pkgsquare.RefundCreateParams) (*pkgsquare.Refund, error)
	CreateSubscription(ctx context.Context, params pkgsquare.SubscriptionCreateParams) (*pkgsquare.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*pkgsquare.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*pkgsquare.Subscription, error)
	GetInvoice(ctx context.Context, invoiceID string) (*pkgsquare.Invoice, error)
}

type Gateway struct {
	gateway.WebhookEndpoint

	api   API
	money *money.Normalizer
	logg  *logger.Logger
	now   func() time.Time
}

func New(api API, normalizer *money.Normalizer, logg *logger.Logger) *Gateway {
	if logg == nil {
		logg = logger.Nop()
	}
	if normalizer == nil {
		normalizer = money.NewNormalizer(logg)
	}
	return &Gateway{api: api, money: normalizer, logg: logg, now: time.Now}
}

func (g *Gateway) Meta() gateway.Meta {
	return gateway.Meta{
		Identifier:  ID,
		Title:       "Square",
		Description: "Card payments and recurring billing through Square.",
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
		Currencies: []string{"USD", "CAD", "GBP", "EUR", "AUD", "JPY"},
	}
}

func (g *Gateway) ready() error {
	if g.api == nil {
		return pkgerrors.New(pkgerrors.CodeGatewayConfig, "square is not configured").
			WithDetails(map[string]any{"gateway": ID})
	}
	return nil
}

// ValidateSettings accepts test/live as well as Square's own environment names.
func (g *Gateway) ValidateSettings(settings gateway.Settings) error {
	env := strings.ToLower(strings.TrimSpace(settings.Mode))
	switch env {
	case gateway.ModeTest:
		env = "sandbox"
	case gateway.ModeLive:
		env = "production"
	}
	err := pkgsquare.ValidateCredentials(pkgsquare.Credentials{
		Environment:  env,
		AccessToken:  settings.Credential("access_token"),
		LocationID:   settings.Credential("location_id"),
		SignatureKey: settings.Credential("webhook_signature_key"),
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
	source, customerID, err := g.paymentSource(ctx, inst)
	if err != nil {
		return nil, err
	}
	payment, err := g.charge(ctx, inst, inst.Transaction.TotalCents, customerID, source)
	if err != nil {
		return nil, err
	}
	return responseFromPayment(payment), nil
}

// paymentSource picks the card nonce from checkout, falling back to the card
// on file of the subscription being renewed.
func (g *Gateway) paymentSource(ctx context.Context, inst *gateway.PaymentInstance) (string, string, error) {
	var customerID string
	if inst.Subscription != nil {
		customerID = stringValue(inst.Subscription.VendorCustomerID)
	}
	if inst.PaymentMethodToken != "" {
		return inst.PaymentMethodToken, customerID, nil
	}
	if inst.Subscription != nil && inst.Subscription.VendorID() != "" {
		remote, err := g.api.GetSubscription(ctx, inst.Subscription.VendorID())
		if err != nil {
			return "", "", err
		}
		if remote.CardID != "" {
			if customerID == "" {
				customerID = remote.CustomerID
			}
			return remote.CardID, customerID, nil
		}
	}
	return "", "", pkgerrors.New(pkgerrors.CodeValidation, "square payments require a card token")
}

func (g *Gateway) charge(ctx context.Context, inst *gateway.PaymentInstance, amountCents int64, customerID, source string) (*pkgsquare.Payment, error) {
	txn := inst.Transaction
	payment, err := g.api.CreatePayment(ctx, pkgsquare.PaymentCreateParams{
		AmountCents:    g.money.ToGatewayUnits(ctx, amountCents, txn.Currency),
		Currency:       txn.Currency,
		CustomerID:     customerID,
		SourceID:       source,
		IdempotencyKey: idempotencyKey("pay", txn),
		ReferenceID:    txn.ID.String(),
		Note:           "Order " + inst.Order.ID.String(),
	})
	if err != nil {
		// the same charge row was already submitted with this key
		if pkgerrors.IsCode(err, pkgerrors.CodeIdempotency) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeAlreadyPaid, err, "this order has already been paid")
		}
		return nil, err
	}
	return payment, nil
}

// ExecuteSubscriptionPayment charges the first period (or the sign-up fee
// during a trial) directly, then starts the Square subscription on the date
// the next period is due so Square bills every later cycle.
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
	if inst.IsRenewal() {
		return g.ExecuteSinglePayment(ctx, inst)
	}

	sub := inst.Subscription
	planVariation := stringValue(sub.VariationID)
	if planVariation == "" {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayConfig, "square subscriptions need a plan variation id").
			WithDetails(map[string]any{"product_id": sub.ProductID})
	}
	if inst.PaymentMethodToken == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "square subscriptions require a card token")
	}

	customerID := stringValue(sub.VendorCustomerID)
	if customerID == "" {
		cust, err := g.api.EnsureCustomer(ctx, pkgsquare.CustomerCreateParams{
			Email:          inst.Customer.Email,
			GivenName:      inst.Customer.Name,
			ReferenceID:    inst.Customer.Ref,
			IdempotencyKey: idempotencyKey("cus", inst.Transaction),
		})
		if err != nil {
			return nil, err
		}
		customerID = cust.ID
	}
	card, err := g.api.CreateCard(ctx, pkgsquare.CardCreateParams{
		CustomerID:     customerID,
		SourceID:       inst.PaymentMethodToken,
		ReferenceID:    sub.ID.String(),
		IdempotencyKey: idempotencyKey("card", inst.Transaction),
	})
	if err != nil {
		return nil, err
	}

	resp := &gateway.Response{
		Status:           gateway.StatusSucceeded,
		VendorCustomerID: customerID,
		VendorPlanID:     planVariation,
		Currency:         money.Code(inst.Transaction.Currency),
		PaymentMethod:    gateway.PaymentMethod{Type: "card", Brand: card.Brand, Last4: card.Last4},
		SignupFeeCents:   sub.InitialAmountCents,
	}
	if inst.Transaction.TotalCents > 0 {
		payment, err := g.charge(ctx, inst, inst.Transaction.TotalCents, customerID, card.ID)
		if err != nil {
			return nil, err
		}
		paid := responseFromPayment(payment)
		if paid.Status == gateway.StatusFailed {
			return paid, nil
		}
		resp.Status = paid.Status
		resp.VendorChargeID = paid.VendorChargeID
		resp.GatewayAmount = paid.GatewayAmount
	}

	start := subscriptions.FirstBillingDate(sub, g.now())
	remote, err := g.api.CreateSubscription(ctx, pkgsquare.SubscriptionCreateParams{
		PlanVariationID: planVariation,
		CustomerID:      customerID,
		CardID:          card.ID,
		StartDate:       pkgsquare.FormatDate(start),
		IdempotencyKey:  idempotencyKey("sub", inst.Transaction),
	})
	if err != nil {
		return nil, err
	}
	resp.VendorSubscriptionID = remote.ID
	resp.NextBillingAt = &start
	if resp.VendorChargeID == "" {
		// nothing was charged at signup; the subscription itself stands in
		resp.VendorChargeID = remote.ID
	}
	return resp, nil
}

// Refund refunds a Square payment. Invoice-billed renewals are not linked to
// their payment and must be refunded in Square.
func (g *Gateway) Refund(ctx context.Context, charge *models.Transaction, amountCents int64, args gateway.RefundArgs) (string, error) {
	if err := g.ready(); err != nil {
		return "", err
	}
	vendorID := charge.VendorID()
	switch {
	case vendorID == "":
		return "", pkgerrors.New(pkgerrors.CodeValidation, "charge has no square reference")
	case strings.HasPrefix(vendorID, invoicePrefix):
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "square invoice payments must be refunded in Square").
			WithDetails(map[string]any{"invoice": vendorID})
	}
	key := ""
	if args.LocalToken != "" {
		key = "refund-" + args.LocalToken
	}
	refund, err := g.api.RefundPayment(ctx, pkgsquare.RefundCreateParams{
		PaymentID:      vendorID,
		AmountCents:    g.money.ToGatewayUnits(ctx, amountCents, charge.Currency),
		Currency:       charge.Currency,
		Reason:         args.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", err
	}
	return refund.ID, nil
}

// FetchCharge implements gateway.Confirmer.
func (g *Gateway) FetchCharge(ctx context.Context, vendorChargeID string) (*gateway.ChargeReport, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(vendorChargeID, invoicePrefix) {
		inv, err := g.api.GetInvoice(ctx, strings.TrimPrefix(vendorChargeID, invoicePrefix))
		if err != nil {
			return nil, err
		}
		report := reportFromInvoice(inv)
		return &report, nil
	}
	payment, err := g.api.GetPayment(ctx, vendorChargeID)
	if err != nil {
		return nil, err
	}
	report := reportFromPayment(payment)
	return &report, nil
}

// CancelSubscription implements gateway.SubscriptionCanceler.
func (g *Gateway) CancelSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := g.ready(); err != nil {
		return err
	}
	vendorID := sub.VendorID()
	if vendorID == "" {
		return nil
	}
	if _, err := g.api.CancelSubscription(ctx, vendorID); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			g.logg.Warn(g.logg.WithField(ctx, "vendor_subscription_id", vendorID), "square subscription already gone")
			return nil
		}
		return err
	}
	return nil
}

// FetchSubscription implements gateway.RemoteSyncer. Only the most recent
// invoices are read.
func (g *Gateway) FetchSubscription(ctx context.Context, sub *models.Subscription) (*gateway.RemoteSubscription, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	vendorID := sub.VendorID()
	if vendorID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription has no square reference")
	}
	remote, err := g.api.GetSubscription(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	out := &gateway.RemoteSubscription{
		VendorSubscriptionID: remote.ID,
		Status:               remote.Status,
		NextBillingAt:        remote.ChargedThroughDate,
		CanceledAt:           remote.CanceledDate,
	}
	if out.NextBillingAt == nil {
		out.NextBillingAt = remote.StartDate
	}
	invoiceIDs := remote.InvoiceIDs
	if len(invoiceIDs) > invoiceLookback {
		invoiceIDs = invoiceIDs[len(invoiceIDs)-invoiceLookback:]
	}
	for _, id := range invoiceIDs {
		inv, err := g.api.GetInvoice(ctx, id)
		if err != nil {
			return nil, err
		}
		if !inv.Paid() {
			continue
		}
		report := reportFromInvoice(inv)
		report.VendorSubscriptionID = remote.ID
		out.Charges = append(out.Charges, report)
	}
	return out, nil
}

func responseFromPayment(p *pkgsquare.Payment) *gateway.Response {
	report := reportFromPayment(p)
	return &gateway.Response{
		Status:           report.Status,
		VendorChargeID:   p.ID,
		VendorCustomerID: p.CustomerID,
		GatewayAmount:    report.GatewayAmount,
		Currency:         report.Currency,
		PaymentMethod:    report.PaymentMethod,
		DeclineReason:    report.DeclineReason,
	}
}

// reportFromPayment maps Square payment states. APPROVED payments are
// authorized but not captured.
func reportFromPayment(p *pkgsquare.Payment) gateway.ChargeReport {
	report := gateway.ChargeReport{
		Gateway:          ID,
		VendorChargeID:   p.ID,
		TransactionID:    p.ReferenceID,
		GatewayAmount:    p.AmountCents,
		Currency:         money.Code(p.Currency),
		VendorCustomerID: p.CustomerID,
		PaymentMethod: gateway.PaymentMethod{
			Type:  strings.ToLower(p.SourceType),
			Brand: strings.ToLower(p.CardBrand),
			Last4: p.CardLast4,
		},
	}
	switch p.Status {
	case pkgsquare.PaymentCompleted:
		report.Status = gateway.StatusSucceeded
		report.Captured = true
	case pkgsquare.PaymentFailed, pkgsquare.PaymentCanceled:
		report.Status = gateway.StatusFailed
		report.DeclineReason = declineReason(p)
	default:
		report.Status = gateway.StatusPending
	}
	return report
}

func declineReason(p *pkgsquare.Payment) string {
	if p.CardStatus == "DECLINED" || p.CardStatus == "FAILED" {
		return "card " + strings.ToLower(p.CardStatus)
	}
	return fmt.Sprintf("payment %s", strings.ToLower(p.Status))
}

func reportFromInvoice(inv *pkgsquare.Invoice) gateway.ChargeReport {
	report := gateway.ChargeReport{
		Gateway:              ID,
		VendorChargeID:       invoicePrefix + inv.ID,
		Currency:             money.Code(inv.Currency),
		VendorSubscriptionID: inv.SubscriptionID,
	}
	switch inv.Status {
	case "PAID":
		report.Status = gateway.StatusSucceeded
		report.Captured = true
		report.GatewayAmount = inv.PaidCents
	case "FAILED", "CANCELED":
		report.Status = gateway.StatusFailed
		report.GatewayAmount = inv.DueCents
		report.DeclineReason = "invoice " + strings.ToLower(inv.Status)
	default:
		report.Status = gateway.StatusPending
		report.GatewayAmount = inv.DueCents
	}
	return report
}

// idempotencyKey stays within Square's 45 character limit.
func idempotencyKey(prefix string, txn *models.Transaction) string {
	return prefix + "-" + txn.ID.String()
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
