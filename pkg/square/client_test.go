package square

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"

	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
)

func TestEnsureIdempotencyKey(t *testing.T) {
	c := &Client{}
	if got := c.ensureIdempotencyKey("pref", "custom-key"); got != "custom-key" {
		t.Fatalf("expected provided key, got %q", got)
	}
	if got := c.ensureIdempotencyKey("prefix", ""); !strings.HasPrefix(got, "prefix-") {
		t.Fatalf("generated idempotency key %q missing prefix", got)
	}
}

func TestRedact(t *testing.T) {
	c := &Client{}
	if out := c.redact("payment_token", "abc123"); out != "[REDACTED]" {
		t.Fatalf("expected redacted value, got %v", out)
	}
	if v := c.redact("status", "ok"); v != "ok" {
		t.Fatalf("unexpected redaction for safe key")
	}
}

func TestValidateCredentials(t *testing.T) {
	valid := Credentials{Environment: "sandbox", AccessToken: "tok", LocationID: "L1", SignatureKey: "key"}
	if err := ValidateCredentials(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := map[string]func(*Credentials){
		"env":      func(c *Credentials) { c.Environment = "staging" },
		"token":    func(c *Credentials) { c.AccessToken = " " },
		"location": func(c *Credentials) { c.LocationID = "" },
		"key":      func(c *Credentials) { c.SignatureKey = "" },
	}
	for name, mutate := range cases {
		creds := valid
		mutate(&creds)
		if err := ValidateCredentials(creds); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDomainCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		code   pkgerrors.Code
	}{
		{http.StatusUnauthorized, pkgerrors.CodeGatewayConfig},
		{http.StatusForbidden, pkgerrors.CodeForbidden},
		{http.StatusNotFound, pkgerrors.CodeNotFound},
		{http.StatusConflict, pkgerrors.CodeConflict},
		{http.StatusTooManyRequests, pkgerrors.CodeRateLimit},
		{http.StatusBadRequest, pkgerrors.CodeValidation},
		{http.StatusPaymentRequired, pkgerrors.CodeDeclined},
		{http.StatusUnprocessableEntity, pkgerrors.CodeStateConflict},
		{http.StatusInternalServerError, pkgerrors.CodeDependency},
	}
	for _, tt := range tests {
		if got := domainCodeForStatus(tt.status); got != tt.code {
			t.Fatalf("status %d expected %s got %s", tt.status, tt.code, got)
		}
	}
}

func TestMapSquareError(t *testing.T) {
	c := &Client{}
	table := []struct {
		name        string
		status      int
		payload     string
		wantCode    pkgerrors.Code
		wantMessage string
	}{
		{
			name:     "authentication error",
			status:   http.StatusUnauthorized,
			payload:  `{"errors":[{"category":"AUTHENTICATION_ERROR","code":"UNAUTHORIZED"}]}`,
			wantCode: pkgerrors.CodeGatewayConfig,
		},
		{
			name:     "idempotency key reused",
			status:   http.StatusBadRequest,
			payload:  `{"errors":[{"category":"INVALID_REQUEST_ERROR","code":"IDEMPOTENCY_KEY_REUSED"}]}`,
			wantCode: pkgerrors.CodeIdempotency,
		},
		{
			name:        "card declined",
			status:      http.StatusPaymentRequired,
			payload:     `{"errors":[{"category":"PAYMENT_METHOD_ERROR","code":"GENERIC_DECLINE","detail":"Authorization error: 'GENERIC_DECLINE'"}]}`,
			wantCode:    pkgerrors.CodeDeclined,
			wantMessage: "Authorization error: 'GENERIC_DECLINE'",
		},
		{
			name:     "server error",
			status:   http.StatusServiceUnavailable,
			payload:  `{"errors":[{"category":"API_ERROR","code":"SERVICE_UNAVAILABLE"}]}`,
			wantCode: pkgerrors.CodeDependency,
		},
	}
	for _, tt := range table {
		err := sqcore.NewAPIError(tt.status, errors.New(tt.payload))
		typed := pkgerrors.As(c.mapSquareError(err, "operation"))
		if typed == nil {
			t.Fatalf("%s: result is not pkgerror", tt.name)
		}
		if typed.Code() != tt.wantCode {
			t.Fatalf("%s: expected code %s, got %s", tt.name, tt.wantCode, typed.Code())
		}
		if tt.wantMessage != "" && typed.Message() != tt.wantMessage {
			t.Fatalf("%s: expected message %q, got %q", tt.name, tt.wantMessage, typed.Message())
		}
	}
}

func TestExtractSquareErrors(t *testing.T) {
	c := &Client{}
	payload := `{"errors":[{"category":"API_ERROR","code":"BAD_REQUEST","detail":"oops"}]}`
	got := c.extractSquareErrors(sqcore.NewAPIError(http.StatusBadRequest, errors.New(payload)))
	if len(got) != 1 {
		t.Fatalf("expected 1 error, got %d", len(got))
	}
	if got[0].GetCode() != sq.ErrorCodeBadRequest {
		t.Fatalf("unexpected error code %s", got[0].GetCode())
	}
}

func TestWirePaymentPrefersTotalMoney(t *testing.T) {
	var w WirePayment
	raw := `{
		"id": "pay_1", "status": "COMPLETED", "reference_id": "txn-1",
		"amount_money": {"amount": 1000, "currency": "USD"},
		"total_money": {"amount": 1100, "currency": "USD"},
		"card_details": {"status": "CAPTURED", "card": {"card_brand": "VISA", "last_4": "1111"}}
	}`
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p := w.Payment()
	if p.AmountCents != 1100 || p.Currency != "USD" {
		t.Fatalf("unexpected amount %d %s", p.AmountCents, p.Currency)
	}
	if p.CardBrand != "VISA" || p.CardLast4 != "1111" || p.ReferenceID != "txn-1" {
		t.Fatalf("unexpected payment %+v", p)
	}
}

func TestWireInvoiceSumsPaymentRequests(t *testing.T) {
	var w WireInvoice
	raw := `{"id":"inv_1","status":"PAID","subscription_id":"sub_1","payment_requests":[
		{"computed_amount_money":{"amount":1500,"currency":"USD"},"total_completed_amount_money":{"amount":1500,"currency":"USD"}}
	]}`
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	inv := w.Invoice()
	if !inv.Paid() || inv.PaidCents != 1500 || inv.SubscriptionID != "sub_1" {
		t.Fatalf("unexpected invoice %+v", inv)
	}
}

func TestParseDate(t *testing.T) {
	if got := ParseDate("2026-03-01"); got == nil || got.Day() != 1 || got.Month() != 3 {
		t.Fatalf("unexpected date %v", got)
	}
	if got := ParseDate(""); got != nil {
		t.Fatalf("expected nil for empty date")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	url := "https://pay.example.com/api/v1/webhooks/square"
	sig := Sign(body, "key", url)

	if err := VerifySignature(body, sig, "key", url); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}
	if err := VerifySignature(body, sig, "key", url+"/other"); err == nil {
		t.Fatal("expected mismatch for different url")
	}
	if err := VerifySignature(body, "", "key", url); err == nil {
		t.Fatal("expected missing signature error")
	}
}
