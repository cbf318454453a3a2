package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
)

func newRequest(method, target string, body io.Reader, params map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, body)
	rc := chi.NewRouteContext()
	for k, v := range params {
		rc.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

type stubGateway struct {
	id          string
	settingsErr error
	refunds     int
}

func (s *stubGateway) Meta() gateway.Meta {
	return gateway.Meta{Identifier: s.id, Title: s.id, Features: []gateway.Feature{gateway.FeatureRefunds}}
}
func (s *stubGateway) ExecuteSinglePayment(context.Context, *gateway.PaymentInstance) (*gateway.Response, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "unused")
}
func (s *stubGateway) ExecuteSubscriptionPayment(context.Context, *gateway.PaymentInstance) (*gateway.Response, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "unused")
}
func (s *stubGateway) HandleWebhook(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
func (s *stubGateway) Refund(context.Context, *models.Transaction, int64, gateway.RefundArgs) (string, error) {
	s.refunds++
	return "re_1", nil
}
func (s *stubGateway) ValidateSettings(gateway.Settings) error { return s.settingsErr }

func newTestRegistry(gateways ...*stubGateway) *gateway.Registry {
	reg := gateway.NewRegistry(logger.Nop())
	for _, g := range gateways {
		reg.Register(context.Background(), g.id, g)
	}
	return reg
}
