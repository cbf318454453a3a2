package orders

import (
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

// PaymentSummary is the order state derived from its transactions.
type PaymentSummary struct {
	PaidCents     int64
	RefundedCents int64
	PaymentStatus enums.PaymentStatus
	DisputeLost   bool
}

// DerivePaymentSummary computes paid totals and payment status from the full
// transaction list of one order. Charges keep counting after a refund; the
// refund rows subtract once settled.
func DerivePaymentSummary(totalCents int64, txs []models.Transaction) PaymentSummary {
	var paid, refunded int64
	var anyFailed, anyPending, anyPaid, lost bool
	for i := range txs {
		t := &txs[i]
		if t.Type == enums.TransactionTypeRefund {
			if t.Status == enums.TransactionStatusSucceeded {
				refunded += t.TotalCents
			}
			continue
		}
		switch {
		case t.Status.CountsAsPaid(), t.Status == enums.TransactionStatusRefunded:
			paid += t.TotalCents
			anyPaid = true
		case t.Status == enums.TransactionStatusDisputeLost:
			lost = true
			kept := t.TotalCents
			if amount, ok := t.MetaInt64(models.MetaDisputeAmount); ok {
				kept -= amount
			} else {
				kept = 0
			}
			if kept > 0 {
				paid += kept
				anyPaid = true
			}
		case t.Status == enums.TransactionStatusFailed:
			anyFailed = true
		case t.Status == enums.TransactionStatusPending:
			anyPending = true
		}
	}

	net := paid - refunded
	if net < 0 {
		net = 0
	}
	summary := PaymentSummary{PaidCents: net, RefundedCents: refunded, DisputeLost: lost}

	switch {
	case lost:
		if net > 0 {
			summary.PaymentStatus = enums.PaymentStatusPartiallyPaid
		} else {
			summary.PaymentStatus = enums.PaymentStatusFailed
		}
	case refunded > 0:
		if net == 0 {
			summary.PaymentStatus = enums.PaymentStatusRefunded
		} else {
			summary.PaymentStatus = enums.PaymentStatusPartiallyRefunded
		}
	case anyPaid && net >= totalCents:
		summary.PaymentStatus = enums.PaymentStatusPaid
	case anyPaid:
		summary.PaymentStatus = enums.PaymentStatusPartiallyPaid
	case anyFailed && !anyPending:
		summary.PaymentStatus = enums.PaymentStatusFailed
	default:
		summary.PaymentStatus = enums.PaymentStatusPending
	}
	return summary
}

// nextOrderStatus moves the fulfillment status along with payment. Completed
// and canceled orders are left alone.
func nextOrderStatus(current enums.OrderStatus, payment enums.PaymentStatus) enums.OrderStatus {
	if current == enums.OrderStatusCompleted || current == enums.OrderStatusCanceled {
		return current
	}
	switch payment {
	case enums.PaymentStatusPaid, enums.PaymentStatusPartiallyPaid:
		if current == enums.OrderStatusPending || current == enums.OrderStatusPaymentFailed {
			return enums.OrderStatusProcessing
		}
	case enums.PaymentStatusFailed:
		if current == enums.OrderStatusPending {
			return enums.OrderStatusPaymentFailed
		}
	}
	return current
}
