package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/api/middleware"
	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/internal/transactions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

type stubTransactions map[uuid.UUID]*models.Transaction

func (s stubTransactions) FindByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	if txn, ok := s[id]; ok {
		return txn, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type stubRefunder struct {
	gw  gateway.Gateway
	req transactions.RefundRequest
	err error
}

func (s *stubRefunder) RequestRefund(_ context.Context, gw gateway.Gateway, req transactions.RefundRequest) (*models.Transaction, error) {
	s.gw, s.req = gw, req
	if s.err != nil {
		return nil, s.err
	}
	vendor := "re_1"
	return &models.Transaction{
		ID:             uuid.New(),
		ParentID:       &req.ChargeID,
		Type:           enums.TransactionTypeRefund,
		Status:         enums.TransactionStatusSucceeded,
		TotalCents:     req.AmountCents,
		VendorChargeID: &vendor,
	}, nil
}

func refundRequest(chargeID, body string) *http.Request {
	req := newRequest(http.MethodPost, "/api/admin/v1/transactions/"+chargeID+"/refunds", strings.NewReader(body),
		map[string]string{"transactionId": chargeID})
	return req.WithContext(middleware.WithSubject(req.Context(), "ops@example.com"))
}

func TestRefundTransactionUsesChargeGateway(t *testing.T) {
	charge := &models.Transaction{ID: uuid.New(), OrderID: uuid.New(), Gateway: "square", TotalCents: 2000}
	square := &stubGateway{id: "square"}
	refunder := &stubRefunder{}

	rec := httptest.NewRecorder()
	RefundTransaction(refunder, stubTransactions{charge.ID: charge}, newTestRegistry(&stubGateway{id: "stripe"}, square), nil).
		ServeHTTP(rec, refundRequest(charge.ID.String(), `{"amount_cents":500}`))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Same(t, square, refunder.gw)
	assert.Equal(t, charge.ID, refunder.req.ChargeID)
	assert.Equal(t, int64(500), refunder.req.AmountCents)
	assert.Equal(t, "requested by ops@example.com", refunder.req.Reason)

	var body struct {
		Type           string `json:"type"`
		VendorChargeID string `json:"vendor_charge_id"`
	}
	decodeData(t, rec, &body)
	assert.Equal(t, "refund", body.Type)
	assert.Equal(t, "re_1", body.VendorChargeID)
}

func TestRefundTransactionUnknownCharge(t *testing.T) {
	rec := httptest.NewRecorder()
	RefundTransaction(&stubRefunder{}, stubTransactions{}, newTestRegistry(), nil).
		ServeHTTP(rec, refundRequest(uuid.NewString(), `{"amount_cents":500}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefundTransactionRejectsNonPositiveAmount(t *testing.T) {
	rec := httptest.NewRecorder()
	RefundTransaction(&stubRefunder{}, stubTransactions{}, newTestRegistry(), nil).
		ServeHTTP(rec, refundRequest(uuid.NewString(), `{"amount_cents":0}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefundTransactionSurfacesStateConflict(t *testing.T) {
	charge := &models.Transaction{ID: uuid.New(), Gateway: "stripe"}
	refunder := &stubRefunder{err: pkgerrors.New(pkgerrors.CodeStateConflict, "only settled charges can be refunded")}

	rec := httptest.NewRecorder()
	RefundTransaction(refunder, stubTransactions{charge.ID: charge}, newTestRegistry(&stubGateway{id: "stripe"}), nil).
		ServeHTTP(rec, refundRequest(charge.ID.String(), `{"amount_cents":100,"reason":"duplicate"}`))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", refunder.req.Reason)
}

type stubSubscriptionAdmin struct {
	cancelOpts subscriptions.CancelOptions
	resyncErr  error
}

func (s *stubSubscriptionAdmin) Cancel(_ context.Context, id uuid.UUID, opts subscriptions.CancelOptions) (*models.Subscription, error) {
	s.cancelOpts = opts
	return &models.Subscription{ID: id, Status: enums.SubscriptionStatusCanceled, Gateway: "stripe"}, nil
}

func (s *stubSubscriptionAdmin) ReSyncFromRemote(_ context.Context, id uuid.UUID) (*subscriptions.ResyncResult, error) {
	if s.resyncErr != nil {
		return nil, s.resyncErr
	}
	return &subscriptions.ResyncResult{
		Subscription: &models.Subscription{ID: id, Status: enums.SubscriptionStatusActive},
		Matched:      3,
		Replayed:     1,
	}, nil
}

func TestCancelSubscriptionIsRemoteByDefault(t *testing.T) {
	svc := &stubSubscriptionAdmin{}
	id := uuid.NewString()
	req := newRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"customer request"}`), map[string]string{"subscriptionId": id})
	req = req.WithContext(middleware.WithSubject(req.Context(), "ops"))

	rec := httptest.NewRecorder()
	CancelSubscription(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, svc.cancelOpts.Remote)
	assert.Equal(t, "admin:ops", svc.cancelOpts.Channel)
	assert.Equal(t, "customer request", svc.cancelOpts.Reason)
	assert.Contains(t, rec.Body.String(), `"status":"canceled"`)
}

func TestCancelSubscriptionLocalOnly(t *testing.T) {
	svc := &stubSubscriptionAdmin{}
	req := newRequest(http.MethodPost, "/", strings.NewReader(`{"local":true}`), map[string]string{"subscriptionId": uuid.NewString()})

	rec := httptest.NewRecorder()
	CancelSubscription(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.cancelOpts.Remote)
}

func TestResyncSubscriptionReportsCounts(t *testing.T) {
	req := newRequest(http.MethodPost, "/", nil, map[string]string{"subscriptionId": uuid.NewString()})

	rec := httptest.NewRecorder()
	ResyncSubscription(&stubSubscriptionAdmin{}, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Matched  int `json:"matched"`
		Replayed int `json:"replayed"`
	}
	decodeData(t, rec, &body)
	assert.Equal(t, 3, body.Matched)
	assert.Equal(t, 1, body.Replayed)
}

func TestResyncSubscriptionWithoutSyncer(t *testing.T) {
	svc := &stubSubscriptionAdmin{resyncErr: pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway cannot resync subscriptions")}
	req := newRequest(http.MethodPost, "/", nil, map[string]string{"subscriptionId": uuid.NewString()})

	rec := httptest.NewRecorder()
	ResyncSubscription(svc, nil).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
