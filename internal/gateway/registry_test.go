package gateway

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

type stubGateway struct {
	title string
}

func (s *stubGateway) Meta() Meta { return Meta{Identifier: "stub", Title: s.title} }
func (s *stubGateway) ExecuteSinglePayment(context.Context, *PaymentInstance) (*Response, error) {
	return &Response{Status: StatusSucceeded}, nil
}
func (s *stubGateway) ExecuteSubscriptionPayment(context.Context, *PaymentInstance) (*Response, error) {
	return &Response{Status: StatusSucceeded}, nil
}
func (s *stubGateway) HandleWebhook(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
func (s *stubGateway) Refund(context.Context, *models.Transaction, int64, RefundArgs) (string, error) {
	return "re_1", nil
}
func (s *stubGateway) ValidateSettings(Settings) error { return nil }

type confirmingGateway struct {
	stubGateway
}

func (c *confirmingGateway) FetchCharge(context.Context, string) (*ChargeReport, error) {
	return &ChargeReport{Status: StatusSucceeded, Captured: true}, nil
}

func TestRegistryFirstRegistrationWins(t *testing.T) {
	reg := NewRegistry(nil)
	first := &stubGateway{title: "A"}
	second := &stubGateway{title: "B"}

	if !reg.Register(context.Background(), "X", first) {
		t.Fatal("expected first registration to succeed")
	}
	if reg.Register(context.Background(), "x", second) {
		t.Fatal("expected duplicate registration to be skipped")
	}

	got, ok := reg.Get("x")
	if !ok {
		t.Fatal("expected gateway to be registered")
	}
	if got.Meta().Title != "A" {
		t.Fatalf("expected first adapter, got %q", got.Meta().Title)
	}
	if ids := reg.Identifiers(); len(ids) != 1 {
		t.Fatalf("expected one identifier, got %v", ids)
	}
}

func TestRegistryPromoDoesNotShadowRealAdapter(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(context.Background(), "paypal", &stubGateway{title: "PayPal"})

	if reg.RegisterPromo(context.Background(), "paypal", NewPromo("paypal", "PayPal", "")) {
		t.Fatal("expected promo to be skipped when the real adapter exists")
	}
	if !reg.RegisterPromo(context.Background(), "klarna", NewPromo("klarna", "Klarna", "")) {
		t.Fatal("expected promo to register for a free identifier")
	}

	g, _ := reg.Get("paypal")
	if g.Meta().Promo {
		t.Fatal("expected real adapter to remain registered")
	}
	metas := reg.List()
	if len(metas) != 2 || metas[0].Identifier != "klarna" || !metas[0].Promo {
		t.Fatalf("unexpected listing %+v", metas)
	}
}

func TestRegistryRequireReturnsNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Require("missing")
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestRegistryResolvesCapabilitiesOnce(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(context.Background(), "plain", &stubGateway{})
	reg.Register(context.Background(), "confirming", &confirmingGateway{})

	if reg.Capabilities("plain").Confirmer != nil {
		t.Fatal("plain adapter should not expose a confirmer")
	}
	if reg.Capabilities("confirming").Confirmer == nil {
		t.Fatal("expected confirmer capability")
	}
	if reg.Capabilities("unknown").Syncer != nil {
		t.Fatal("unknown adapter should have no capabilities")
	}
}

func TestPromoRefusesWithConfigurationError(t *testing.T) {
	promo := NewPromo("paypal", "PayPal", "Install PayPal to accept wallets")
	_, err := promo.ExecuteSinglePayment(context.Background(), &PaymentInstance{})
	if !pkgerrors.IsCode(err, pkgerrors.CodeGatewayConfig) {
		t.Fatalf("expected gateway config error, got %v", err)
	}
	if err := promo.ValidateSettings(Settings{}); !pkgerrors.IsCode(err, pkgerrors.CodeGatewayConfig) {
		t.Fatalf("expected gateway config error, got %v", err)
	}
}

func TestEnsureBillable(t *testing.T) {
	orderID := uuid.New()
	renewal := &models.Order{ID: orderID, Type: enums.OrderTypeRenewal}
	newPurchase := &models.Order{ID: orderID, Type: enums.OrderTypeNewPurchase}

	cases := []struct {
		name      string
		order     *models.Order
		sub       *models.Subscription
		completed int
		wantErr   bool
	}{
		{"no subscription", renewal, nil, 0, false},
		{"unlimited", renewal, &models.Subscription{Status: enums.SubscriptionStatusActive}, 50, false},
		{"first renewal of three", renewal, &models.Subscription{Status: enums.SubscriptionStatusActive, BillTimes: 3}, 0, false},
		{"last renewal of three", renewal, &models.Subscription{Status: enums.SubscriptionStatusActive, BillTimes: 3}, 1, false},
		{"exhausted", renewal, &models.Subscription{Status: enums.SubscriptionStatusActive, BillTimes: 3}, 2, true},
		{"initial charge ignores limit", newPurchase, &models.Subscription{Status: enums.SubscriptionStatusPending, BillTimes: 1}, 0, false},
		{"canceled renewal reactivates", renewal, &models.Subscription{Status: enums.SubscriptionStatusCanceled}, 0, false},
		{"expired and exhausted", renewal, &models.Subscription{Status: enums.SubscriptionStatusExpired, BillTimes: 2}, 1, true},
		{"initial charge on canceled", newPurchase, &models.Subscription{Status: enums.SubscriptionStatusCanceled}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := EnsureBillable(&PaymentInstance{Order: tc.order, Subscription: tc.sub, CompletedCycles: tc.completed})
			if tc.wantErr && !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				t.Fatalf("expected state conflict, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestMetaAcceptsCurrency(t *testing.T) {
	meta := Meta{Currencies: []string{"USD", "jpy"}}
	if !meta.AcceptsCurrency("usd") || !meta.AcceptsCurrency("JPY") {
		t.Fatal("expected case-insensitive match")
	}
	if meta.AcceptsCurrency("EUR") {
		t.Fatal("EUR should not be accepted")
	}
	if !(Meta{}).AcceptsCurrency("EUR") {
		t.Fatal("empty currency list accepts everything")
	}
}
