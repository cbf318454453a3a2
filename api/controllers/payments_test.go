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

	"github.com/angelmondragon/paycore/internal/confirmation"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

type stubConfirmer struct {
	got    confirmation.ConfirmRequest
	result *confirmation.Result
	err    error
}

func (s *stubConfirmer) Confirm(_ context.Context, req confirmation.ConfirmRequest) (*confirmation.Result, error) {
	s.got = req
	return s.result, s.err
}

func TestConfirmPaymentReturnsRedirect(t *testing.T) {
	orderID := uuid.New()
	svc := &stubConfirmer{result: &confirmation.Result{
		OrderID:       orderID,
		PaymentStatus: enums.PaymentStatusPaid,
		RedirectURL:   "https://shop.example/complete?order=" + orderID.String(),
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm",
		strings.NewReader(`{"gateway":"stripe","vendor_charge_id":"pi_123"}`))
	rec := httptest.NewRecorder()
	ConfirmPayment(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "stripe", svc.got.GatewayID)
	assert.Equal(t, "pi_123", svc.got.VendorChargeID)

	var body confirmation.Result
	decodeData(t, rec, &body)
	assert.Equal(t, orderID, body.OrderID)
	assert.Contains(t, body.RedirectURL, orderID.String())
}

func TestConfirmPaymentPendingIsAccepted(t *testing.T) {
	svc := &stubConfirmer{result: &confirmation.Result{OrderID: uuid.New(), Pending: true, PaymentStatus: enums.PaymentStatusPending}}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"gateway":"square","order_id":"`+uuid.NewString()+`"}`))
	rec := httptest.NewRecorder()
	ConfirmPayment(svc, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestConfirmPaymentDeclined(t *testing.T) {
	svc := &stubConfirmer{err: pkgerrors.New(pkgerrors.CodeDeclined, "card declined")}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"gateway":"stripe","vendor_charge_id":"pi_9"}`))
	rec := httptest.NewRecorder()
	ConfirmPayment(svc, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "card declined")
}

func TestConfirmPaymentNeedsAReference(t *testing.T) {
	svc := &stubConfirmer{}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"gateway":"stripe"}`))
	rec := httptest.NewRecorder()
	ConfirmPayment(svc, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.got.GatewayID)
}
