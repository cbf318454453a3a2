// Package offline settles orders that need no processor: zero-total
// purchases and free-trial signups.
package offline

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

// ID is the registry identifier.
const ID = "offline"

type Gateway struct {
	logg *logger.Logger
	now  func() time.Time
}

func New(logg *logger.Logger) *Gateway {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Gateway{logg: logg, now: time.Now}
}

func (g *Gateway) Meta() gateway.Meta {
	return gateway.Meta{
		Identifier:  ID,
		Title:       "No payment required",
		Description: "Completes orders with nothing to charge.",
		Features: []gateway.Feature{
			gateway.FeatureZeroTotalOrder,
			gateway.FeatureSubscriptions,
			gateway.FeatureFreeTrial,
		},
	}
}

func (g *Gateway) ValidateSettings(gateway.Settings) error {
	return nil
}

func (g *Gateway) ExecuteSinglePayment(ctx context.Context, inst *gateway.PaymentInstance) (*gateway.Response, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if err := requireZeroTotal(inst); err != nil {
		return nil, err
	}
	g.logg.Info(g.logg.WithOrderID(ctx, inst.Order.ID.String()), "zero-total order settled offline")
	return &gateway.Response{
		Status:         gateway.StatusSucceeded,
		VendorChargeID: chargeID(inst.Transaction),
		Currency:       inst.Transaction.Currency,
	}, nil
}

// ExecuteSubscriptionPayment starts a locally billed subscription whose first
// period costs nothing. Renewals with an amount due cannot be collected here.
func (g *Gateway) ExecuteSubscriptionPayment(ctx context.Context, inst *gateway.PaymentInstance) (*gateway.Response, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if inst.Subscription == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription required")
	}
	if err := gateway.EnsureBillable(inst); err != nil {
		return nil, err
	}
	if err := requireZeroTotal(inst); err != nil {
		return nil, err
	}
	resp, err := g.ExecuteSinglePayment(ctx, inst)
	if err != nil {
		return nil, err
	}
	if !inst.IsRenewal() {
		next := subscriptions.FirstBillingDate(inst.Subscription, g.now())
		resp.VendorSubscriptionID = "offline_sub_" + inst.Subscription.ID.String()
		resp.NextBillingAt = &next
	}
	return resp, nil
}

func (g *Gateway) Refund(context.Context, *models.Transaction, int64, gateway.RefundArgs) (string, error) {
	return "", pkgerrors.New(pkgerrors.CodeStateConflict, "offline charges have nothing to refund")
}

// HandleWebhook acknowledges without processing; nothing sends offline
// notifications.
func (g *Gateway) HandleWebhook(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"data":{"status":"ignored"}}`))
}

func requireZeroTotal(inst *gateway.PaymentInstance) error {
	if inst.Transaction.TotalCents != 0 {
		return pkgerrors.New(pkgerrors.CodeGatewayConfig, "offline payments only settle zero-total orders").
			WithDetails(map[string]any{"total_cents": inst.Transaction.TotalCents})
	}
	return nil
}

func chargeID(txn *models.Transaction) string {
	return "offline_" + txn.ID.String()
}
