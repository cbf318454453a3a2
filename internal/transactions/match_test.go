package transactions

import (
	"testing"

	"gorm.io/datatypes"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

func vendorRow(id string, cents int64) models.Transaction {
	return models.Transaction{Type: enums.TransactionTypeRefund, Status: enums.TransactionStatusSucceeded, TotalCents: cents, VendorChargeID: &id}
}

func placeholderRow(cents int64, token string) models.Transaction {
	row := models.Transaction{Type: enums.TransactionTypeRefund, Status: enums.TransactionStatusPending, TotalCents: cents}
	if token != "" {
		row.Meta = datatypes.JSONMap{models.MetaLocalRefundToken: token}
	}
	return row
}

func TestMatchRefundPrecedence(t *testing.T) {
	succeeded := enums.TransactionStatusSucceeded

	t.Run("vendor id wins over placeholder", func(t *testing.T) {
		existing := []models.Transaction{placeholderRow(500, ""), vendorRow("re_1", 500)}
		got := MatchRefund(existing, Refund{VendorRefundID: "re_1", AmountCents: 500, Status: succeeded})
		if got.Action != RefundNoop || got.Target != &existing[1] {
			t.Fatalf("expected noop on vendor row, got %+v", got)
		}
	})

	t.Run("vendor id with changed amount updates", func(t *testing.T) {
		existing := []models.Transaction{vendorRow("re_1", 500)}
		got := MatchRefund(existing, Refund{VendorRefundID: "re_1", AmountCents: 700, Status: succeeded})
		if got.Action != RefundUpdate || got.Target != &existing[0] {
			t.Fatalf("expected update, got %+v", got)
		}
	})

	t.Run("token match beats earlier equal amount placeholder", func(t *testing.T) {
		existing := []models.Transaction{placeholderRow(500, "tok-a"), placeholderRow(500, "tok-b")}
		got := MatchRefund(existing, Refund{VendorRefundID: "re_2", AmountCents: 500, Status: succeeded, LocalToken: "tok-b"})
		if got.Action != RefundAttach || got.Target != &existing[1] {
			t.Fatalf("expected attach to tok-b placeholder, got %+v", got)
		}
	})

	t.Run("amount match attaches first placeholder", func(t *testing.T) {
		existing := []models.Transaction{placeholderRow(300, ""), placeholderRow(500, ""), placeholderRow(500, "")}
		got := MatchRefund(existing, Refund{VendorRefundID: "re_3", AmountCents: 500, Status: succeeded})
		if got.Action != RefundAttach || got.Target != &existing[1] {
			t.Fatalf("expected attach to first 500 placeholder, got %+v", got)
		}
	})

	t.Run("failed placeholder is skipped", func(t *testing.T) {
		failed := placeholderRow(500, "")
		failed.Status = enums.TransactionStatusFailed
		got := MatchRefund([]models.Transaction{failed}, Refund{VendorRefundID: "re_4", AmountCents: 500, Status: succeeded})
		if got.Action != RefundCreate {
			t.Fatalf("expected create, got %+v", got)
		}
	})

	t.Run("foreign token placeholder is skipped", func(t *testing.T) {
		existing := []models.Transaction{placeholderRow(500, "tok-a")}
		got := MatchRefund(existing, Refund{VendorRefundID: "re_5", AmountCents: 500, Status: succeeded, LocalToken: "tok-z"})
		if got.Action != RefundCreate {
			t.Fatalf("expected create, got %+v", got)
		}
	})

	t.Run("no match creates", func(t *testing.T) {
		got := MatchRefund(nil, Refund{VendorRefundID: "re_6", AmountCents: 100, Status: succeeded})
		if got.Action != RefundCreate || got.Target != nil {
			t.Fatalf("expected create, got %+v", got)
		}
	})

	t.Run("line without vendor id is ignored", func(t *testing.T) {
		got := MatchRefund([]models.Transaction{placeholderRow(100, "")}, Refund{AmountCents: 100})
		if got.Action != RefundNoop {
			t.Fatalf("expected noop, got %+v", got)
		}
	})
}

func TestRefundStatusFromGateway(t *testing.T) {
	cases := map[string]enums.TransactionStatus{
		"succeeded":       enums.TransactionStatusSucceeded,
		"COMPLETED":       enums.TransactionStatusSucceeded,
		"pending":         enums.TransactionStatusPending,
		"requires_action": enums.TransactionStatusPending,
		"REJECTED":        enums.TransactionStatusFailed,
		"canceled":        enums.TransactionStatusFailed,
	}
	for raw, want := range cases {
		if got := RefundStatusFromGateway(raw); got != want {
			t.Fatalf("%s: expected %s got %s", raw, want, got)
		}
	}
}
