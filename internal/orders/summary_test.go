package orders

import (
	"testing"

	"gorm.io/datatypes"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

func charge(status enums.TransactionStatus, cents int64) models.Transaction {
	return models.Transaction{Type: enums.TransactionTypeCharge, Status: status, TotalCents: cents}
}

func refund(status enums.TransactionStatus, cents int64) models.Transaction {
	return models.Transaction{Type: enums.TransactionTypeRefund, Status: status, TotalCents: cents}
}

func TestDerivePaymentSummary(t *testing.T) {
	lostPartial := models.Transaction{
		Type:       enums.TransactionTypeDispute,
		Status:     enums.TransactionStatusDisputeLost,
		TotalCents: 5000,
		Meta:       datatypes.JSONMap{models.MetaDisputeAmount: float64(2000)},
	}
	lostFull := models.Transaction{
		Type:       enums.TransactionTypeDispute,
		Status:     enums.TransactionStatusDisputeLost,
		TotalCents: 5000,
	}
	disputed := models.Transaction{Type: enums.TransactionTypeDispute, Status: enums.TransactionStatusSucceeded, TotalCents: 5000}

	cases := []struct {
		name   string
		total  int64
		txs    []models.Transaction
		paid   int64
		status enums.PaymentStatus
	}{
		{"no transactions", 5000, nil, 0, enums.PaymentStatusPending},
		{"pending charge", 5000, []models.Transaction{charge(enums.TransactionStatusPending, 5000)}, 0, enums.PaymentStatusPending},
		{"paid", 5000, []models.Transaction{charge(enums.TransactionStatusSucceeded, 5000)}, 5000, enums.PaymentStatusPaid},
		{"retry after failure", 5000, []models.Transaction{
			charge(enums.TransactionStatusFailed, 5000),
			charge(enums.TransactionStatusSucceeded, 5000),
		}, 5000, enums.PaymentStatusPaid},
		{"failed", 5000, []models.Transaction{charge(enums.TransactionStatusFailed, 5000)}, 0, enums.PaymentStatusFailed},
		{"failed then pending retry", 5000, []models.Transaction{
			charge(enums.TransactionStatusFailed, 5000),
			charge(enums.TransactionStatusPending, 5000),
		}, 0, enums.PaymentStatusPending},
		{"underpaid", 5000, []models.Transaction{charge(enums.TransactionStatusSucceeded, 3000)}, 3000, enums.PaymentStatusPartiallyPaid},
		{"open dispute still paid", 5000, []models.Transaction{disputed}, 5000, enums.PaymentStatusPaid},
		{"partial refund", 5000, []models.Transaction{
			charge(enums.TransactionStatusSucceeded, 5000),
			refund(enums.TransactionStatusSucceeded, 1000),
		}, 4000, enums.PaymentStatusPartiallyRefunded},
		{"pending refund ignored", 5000, []models.Transaction{
			charge(enums.TransactionStatusSucceeded, 5000),
			refund(enums.TransactionStatusPending, 1000),
		}, 5000, enums.PaymentStatusPaid},
		{"full refund", 5000, []models.Transaction{
			charge(enums.TransactionStatusSucceeded, 5000),
			refund(enums.TransactionStatusSucceeded, 2000),
			refund(enums.TransactionStatusSucceeded, 3000),
		}, 0, enums.PaymentStatusRefunded},
		{"charge marked refunded", 5000, []models.Transaction{
			charge(enums.TransactionStatusRefunded, 5000),
			refund(enums.TransactionStatusSucceeded, 5000),
		}, 0, enums.PaymentStatusRefunded},
		{"dispute lost partially", 5000, []models.Transaction{lostPartial}, 3000, enums.PaymentStatusPartiallyPaid},
		{"dispute lost fully", 5000, []models.Transaction{lostFull}, 0, enums.PaymentStatusFailed},
		{"refund larger than paid floors at zero", 5000, []models.Transaction{
			charge(enums.TransactionStatusSucceeded, 1000),
			refund(enums.TransactionStatusSucceeded, 3000),
		}, 0, enums.PaymentStatusRefunded},
		{"zero total", 0, []models.Transaction{charge(enums.TransactionStatusSucceeded, 0)}, 0, enums.PaymentStatusPaid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DerivePaymentSummary(tc.total, tc.txs)
			if got.PaidCents != tc.paid {
				t.Fatalf("expected paid %d, got %d", tc.paid, got.PaidCents)
			}
			if got.PaymentStatus != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, got.PaymentStatus)
			}
		})
	}
}

func TestNextOrderStatus(t *testing.T) {
	if got := nextOrderStatus(enums.OrderStatusPending, enums.PaymentStatusPaid); got != enums.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", got)
	}
	if got := nextOrderStatus(enums.OrderStatusPending, enums.PaymentStatusFailed); got != enums.OrderStatusPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", got)
	}
	if got := nextOrderStatus(enums.OrderStatusPaymentFailed, enums.PaymentStatusPaid); got != enums.OrderStatusProcessing {
		t.Fatalf("expected retry success to move to processing, got %s", got)
	}
	if got := nextOrderStatus(enums.OrderStatusCompleted, enums.PaymentStatusRefunded); got != enums.OrderStatusCompleted {
		t.Fatalf("completed orders must not move, got %s", got)
	}
}
