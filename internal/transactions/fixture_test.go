package transactions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/orders"
	dbpkg "github.com/angelmondragon/paycore/pkg/db"
	"github.com/angelmondragon/paycore/pkg/db/dbtest"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	"github.com/angelmondragon/paycore/pkg/outbox"
)

type fixture struct {
	conn   *gorm.DB
	rec    *Reconciler
	orders orders.Repository
	repo   Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	orderRepo := orders.NewRepository(conn)
	orderSvc, err := orders.NewService(orderRepo, nil)
	require.NoError(t, err)
	repo := NewRepository(conn)
	rec, err := NewReconciler(ReconcilerParams{
		Repo:   repo,
		Orders: orderSvc,
		Outbox: outbox.NewService(outbox.NewRepository(conn), nil),
		Tx:     dbpkg.Wrap(conn),
	})
	require.NoError(t, err)
	return &fixture{conn: conn, rec: rec, orders: orderRepo, repo: repo}
}

// seedCharge creates an order and its charge row.
func (f *fixture) seedCharge(t *testing.T, total int64, currency string, status enums.TransactionStatus, vendorID string) (*models.Order, *models.Transaction) {
	t.Helper()
	ctx := context.Background()
	order := &models.Order{
		Type:          enums.OrderTypeNewPurchase,
		CustomerRef:   "cus-1",
		Currency:      currency,
		TotalCents:    total,
		Gateway:       "stripe",
		Mode:          enums.PaymentModeTest,
		PaymentStatus: enums.PaymentStatusPending,
		Status:        enums.OrderStatusPending,
	}
	require.NoError(t, f.orders.Create(ctx, order))
	txn := &models.Transaction{
		OrderID:    order.ID,
		Type:       enums.TransactionTypeCharge,
		Status:     status,
		TotalCents: total,
		Currency:   currency,
		Gateway:    "stripe",
		Mode:       enums.PaymentModeTest,
	}
	if vendorID != "" {
		txn.VendorChargeID = &vendorID
	}
	require.NoError(t, f.repo.Create(ctx, txn))
	if status != enums.TransactionStatusPending {
		require.NoError(t, f.conn.Transaction(func(tx *gorm.DB) error {
			_, err := f.rec.orders.RecomputePaymentStatus(ctx, tx, order.ID)
			return err
		}))
	}
	return order, txn
}

func (f *fixture) outboxCount(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func (f *fixture) reload(t *testing.T, txn *models.Transaction) *models.Transaction {
	t.Helper()
	current, err := f.repo.FindByID(context.Background(), txn.ID)
	require.NoError(t, err)
	return current
}

func (f *fixture) reloadOrder(t *testing.T, order *models.Order) *models.Order {
	t.Helper()
	current, err := f.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	return current
}

func settledReport(txn *models.Transaction, vendorID string, amount int64) gateway.ChargeReport {
	return gateway.ChargeReport{
		Gateway:        "stripe",
		VendorChargeID: vendorID,
		TransactionID:  txn.ID.String(),
		OrderID:        txn.OrderID.String(),
		Status:         gateway.StatusSucceeded,
		Captured:       true,
		GatewayAmount:  amount,
		Currency:       txn.Currency,
		PaymentMethod:  gateway.PaymentMethod{Type: "card", Brand: "visa", Last4: "4242"},
		Channel:        "webhook",
	}
}
