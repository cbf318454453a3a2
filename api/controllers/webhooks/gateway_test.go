package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/paycore/api/responses"
	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/webhooks"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

type fakeProcessor struct {
	calls   int
	body    string
	gateway string
	result  *webhooks.Result
	err     error
}

func (f *fakeProcessor) Process(_ context.Context, gatewayID string, _ gateway.WebhookSource, _ *http.Request, body []byte) (*webhooks.Result, error) {
	f.calls++
	f.gateway = gatewayID
	f.body = string(body)
	return f.result, f.err
}

type nopSource struct{}

func (nopSource) VerifyWebhook(*http.Request, []byte) (*gateway.WebhookEnvelope, error) {
	return &gateway.WebhookEnvelope{}, nil
}
func (nopSource) AcceptedEvents() map[string]gateway.EventType { return nil }
func (nopSource) DecodeWebhook(context.Context, *gateway.WebhookEnvelope, gateway.EventType) (*gateway.WebhookEvent, error) {
	return &gateway.WebhookEvent{}, nil
}

func TestGatewayWebhookWritesResultEnvelope(t *testing.T) {
	proc := &fakeProcessor{result: &webhooks.Result{Status: webhooks.StatusIgnored, EventID: "evt_1"}}
	handler := GatewayWebhook(proc, "stripe", nopSource{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if proc.calls != 1 || proc.gateway != "stripe" || proc.body != `{"id":"evt_1"}` {
		t.Fatalf("unexpected processor call %+v", proc)
	}
	var body struct {
		Data webhooks.Result `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Status != webhooks.StatusIgnored {
		t.Fatalf("expected ignored, got %q", body.Data.Status)
	}
}

func TestGatewayWebhookRejectsInvalidSignature(t *testing.T) {
	handler := GatewayWebhook(&fakeProcessor{err: pkgerrors.New(pkgerrors.CodeValidation, "invalid webhook signature")}, "square", nopSource{}, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGatewayWebhookAcknowledgesProcessingFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"transient", pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")},
		{"internal", pkgerrors.New(pkgerrors.CodeInternal, "boom")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := GatewayWebhook(&fakeProcessor{err: tc.err}, "square", nopSource{}, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/square", strings.NewReader("{}")))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
			}
			var body struct {
				Data webhooks.Result `json:"data"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Data.Status != webhooks.StatusDeferred {
				t.Fatalf("expected deferred, got %q", body.Data.Status)
			}
		})
	}
}

func TestGatewayWebhookDefersTransientResolverFailure(t *testing.T) {
	store := &mapStore{data: map[string]bool{}}
	guard, err := webhooks.NewGuard(store, time.Hour)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	pipeline, err := webhooks.NewPipeline(webhooks.PipelineParams{
		Guard:    guard,
		Resolver: failingResolver{},
		Handlers: map[gateway.EventType]webhooks.Handler{
			gateway.EventPaymentSucceeded: func(context.Context, *gateway.WebhookEvent, *webhooks.Resolution) error { return nil },
		},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	src := acceptingSource{id: "evt_9"}
	handler := GatewayWebhook(pipeline, "stripe", src, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_9"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Data webhooks.Result `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Status != webhooks.StatusDeferred {
		t.Fatalf("expected deferred, got %q", body.Data.Status)
	}
	if store.data["stripe:evt_9"] {
		t.Fatalf("dedupe mark must be released for redelivery")
	}
}

type mapStore struct {
	data map[string]bool
}

func (m *mapStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	if m.data[key] {
		return false, nil
	}
	m.data[key] = true
	return true, nil
}

func (m *mapStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *mapStore) WebhookEventKey(gatewayID, eventID string) string {
	return gatewayID + ":" + eventID
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, *gateway.WebhookEvent) (*webhooks.Resolution, error) {
	return nil, pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")
}

type acceptingSource struct {
	id string
}

func (s acceptingSource) VerifyWebhook(*http.Request, []byte) (*gateway.WebhookEnvelope, error) {
	return &gateway.WebhookEnvelope{ID: s.id, RawType: "charge.succeeded"}, nil
}

func (acceptingSource) AcceptedEvents() map[string]gateway.EventType {
	return map[string]gateway.EventType{"charge.succeeded": gateway.EventPaymentSucceeded}
}

func (acceptingSource) DecodeWebhook(context.Context, *gateway.WebhookEnvelope, gateway.EventType) (*gateway.WebhookEvent, error) {
	return &gateway.WebhookEvent{Type: gateway.EventPaymentSucceeded}, nil
}

func TestGatewayWebhookWithoutSource(t *testing.T) {
	handler := GatewayWebhook(&fakeProcessor{}, "offline", nil, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/offline", strings.NewReader("{}")))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body responses.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != string(pkgerrors.CodeGatewayConfig) {
		t.Fatalf("unexpected code %s", body.Error.Code)
	}
}

func TestDispatchUnknownGateway(t *testing.T) {
	registry := gateway.NewRegistry(nil)
	handler := Dispatch(registry, func(*http.Request) string { return "nope" }, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDispatchReachesAttachedPipeline(t *testing.T) {
	registry := gateway.NewRegistry(nil)
	adapter := &attachable{Promo: gateway.NewPromo("stripe", "Stripe", "")}
	registry.Register(context.Background(), "stripe", adapter)
	proc := &fakeProcessor{result: &webhooks.Result{Status: webhooks.StatusProcessed}}
	adapter.Attach(GatewayWebhook(proc, "stripe", nopSource{}, nil))

	handler := Dispatch(registry, func(*http.Request) string { return "stripe" }, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader("{}")))
	if rec.Code != http.StatusOK || proc.calls != 1 {
		t.Fatalf("expected pipeline to run, got %d calls=%d", rec.Code, proc.calls)
	}
}

type attachable struct {
	*gateway.Promo
	gateway.WebhookEndpoint
}

func (a *attachable) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	a.WebhookEndpoint.HandleWebhook(w, r)
}
