package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

func newInstance(total int64) *gateway.PaymentInstance {
	order := &models.Order{ID: uuid.New(), Type: enums.OrderTypeNewPurchase, Currency: "USD", TotalCents: total, Gateway: ID}
	return &gateway.PaymentInstance{
		Order:       order,
		Transaction: &models.Transaction{ID: uuid.New(), OrderID: order.ID, TotalCents: total, Currency: "USD", Gateway: ID},
	}
}

func TestZeroTotalOrderSettles(t *testing.T) {
	g := New(nil)
	inst := newInstance(0)

	resp, err := g.ExecuteSinglePayment(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSucceeded, resp.Status)
	assert.Equal(t, "offline_"+inst.Transaction.ID.String(), resp.VendorChargeID)
}

func TestNonZeroTotalRefused(t *testing.T) {
	g := New(nil)
	_, err := g.ExecuteSinglePayment(context.Background(), newInstance(100))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayConfig))
}

func TestFreeTrialSignup(t *testing.T) {
	g := New(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	inst := newInstance(0)
	inst.Subscription = &models.Subscription{
		ID:              uuid.New(),
		BillingInterval: enums.BillingIntervalMonthly,
		TrialDays:       7,
		Status:          enums.SubscriptionStatusPending,
	}

	resp, err := g.ExecuteSubscriptionPayment(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, "offline_sub_"+inst.Subscription.ID.String(), resp.VendorSubscriptionID)
	require.NotNil(t, resp.NextBillingAt)
	assert.Equal(t, now.AddDate(0, 0, 7), *resp.NextBillingAt)
}

func TestRefundRefused(t *testing.T) {
	_, err := New(nil).Refund(context.Background(), &models.Transaction{}, 100, gateway.RefundArgs{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestHandleWebhookAcknowledges(t *testing.T) {
	rec := httptest.NewRecorder()
	New(nil).HandleWebhook(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/offline", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"status":"ignored"}}`, rec.Body.String())
}

func TestMetaSupportsZeroTotal(t *testing.T) {
	assert.True(t, New(nil).Meta().Supports(gateway.FeatureZeroTotalOrder))
	assert.True(t, New(nil).Meta().AcceptsCurrency("JPY"))
}
