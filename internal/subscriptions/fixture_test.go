package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/orders"
	"github.com/angelmondragon/paycore/internal/transactions"
	dbpkg "github.com/angelmondragon/paycore/pkg/db"
	"github.com/angelmondragon/paycore/pkg/db/dbtest"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	"github.com/angelmondragon/paycore/pkg/outbox"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	conn     *gorm.DB
	mgr      *Manager
	rec      *transactions.Reconciler
	orders   orders.Repository
	txns     transactions.Repository
	subs     Repository
	registry *gateway.Registry
}

type fakeGateway struct {
	*gateway.Promo
	remote   *gateway.RemoteSubscription
	canceled int
}

func (g *fakeGateway) FetchSubscription(context.Context, *models.Subscription) (*gateway.RemoteSubscription, error) {
	return g.remote, nil
}

func (g *fakeGateway) CancelSubscription(context.Context, *models.Subscription) error {
	g.canceled++
	return nil
}

func newFixture(t *testing.T) (*fixture, *fakeGateway) {
	t.Helper()
	conn := dbtest.Open(t)
	orderRepo := orders.NewRepository(conn)
	orderSvc, err := orders.NewService(orderRepo, nil)
	require.NoError(t, err)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	runner := dbpkg.Wrap(conn)
	txnRepo := transactions.NewRepository(conn)
	rec, err := transactions.NewReconciler(transactions.ReconcilerParams{
		Repo:   txnRepo,
		Orders: orderSvc,
		Outbox: emitter,
		Tx:     runner,
	})
	require.NoError(t, err)

	fake := &fakeGateway{Promo: gateway.NewPromo("stripe", "Stripe", "")}
	registry := gateway.NewRegistry(nil)
	registry.Register(context.Background(), "stripe", fake)

	subRepo := NewRepository(conn)
	mgr, err := NewManager(ManagerParams{
		Repo:       subRepo,
		Reconciler: rec,
		Orders:     orderSvc,
		Outbox:     emitter,
		Gateways:   registry,
		Tx:         runner,
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	rec.SetSubscriptionHook(mgr)

	return &fixture{
		conn:     conn,
		mgr:      mgr,
		rec:      rec,
		orders:   orderRepo,
		txns:     txnRepo,
		subs:     subRepo,
		registry: registry,
	}, fake
}

// seedSubscription creates a checkout order, its pending subscription and the
// pending initial charge.
func (f *fixture) seedSubscription(t *testing.T, terms Terms) (*models.Subscription, *models.Transaction) {
	t.Helper()
	ctx := context.Background()
	order := &models.Order{
		Type:          enums.OrderTypeNewPurchase,
		CustomerRef:   "cus-1",
		Currency:      "USD",
		TotalCents:    terms.RecurringAmountCents + terms.InitialAmountCents,
		Gateway:       "stripe",
		Mode:          enums.PaymentModeTest,
		PaymentStatus: enums.PaymentStatusPending,
		Status:        enums.OrderStatusPending,
	}
	require.NoError(t, f.orders.Create(ctx, order))
	sub, err := f.mgr.CreatePending(ctx, nil, order, terms)
	require.NoError(t, err)
	charge := &models.Transaction{
		OrderID:        order.ID,
		SubscriptionID: &sub.ID,
		Type:           enums.TransactionTypeCharge,
		Status:         enums.TransactionStatusPending,
		TotalCents:     order.TotalCents,
		Currency:       "USD",
		Gateway:        "stripe",
		Mode:           enums.PaymentModeTest,
	}
	require.NoError(t, f.txns.Create(ctx, charge))
	return sub, charge
}

func (f *fixture) outboxCount(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func (f *fixture) reload(t *testing.T, sub *models.Subscription) *models.Subscription {
	t.Helper()
	current, err := f.subs.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)
	return current
}

func monthlyTerms(billTimes int) Terms {
	return Terms{
		ProductID:            "prod-1",
		Interval:             enums.BillingIntervalMonthly,
		RecurringAmountCents: 1500,
		BillTimes:            billTimes,
	}
}

func chargeReport(charge *models.Transaction, vendorID string, amount int64, channel string) gateway.ChargeReport {
	return gateway.ChargeReport{
		Gateway:              "stripe",
		VendorChargeID:       vendorID,
		TransactionID:        charge.ID.String(),
		OrderID:              charge.OrderID.String(),
		Status:               gateway.StatusSucceeded,
		Captured:             true,
		GatewayAmount:        amount,
		Currency:             "USD",
		VendorSubscriptionID: "sub_123",
		VendorCustomerID:     "cus_123",
		Channel:              channel,
	}
}

func renewalReport(vendorID string, amount int64, next time.Time) gateway.ChargeReport {
	return gateway.ChargeReport{
		Gateway:              "stripe",
		VendorChargeID:       vendorID,
		Status:               gateway.StatusSucceeded,
		Captured:             true,
		GatewayAmount:        amount,
		Currency:             "USD",
		VendorSubscriptionID: "sub_123",
		NextBillingAt:        &next,
		Channel:              "webhook",
	}
}
