package transactions

import (
	"strings"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

// RefundAction is the result of matching a reported refund against local rows.
type RefundAction string

const (
	RefundNoop   RefundAction = "noop"
	RefundUpdate RefundAction = "update"
	RefundAttach RefundAction = "attach"
	RefundCreate RefundAction = "create"
)

// Refund is a gateway refund line in canonical minor units.
type Refund struct {
	VendorRefundID string
	AmountCents    int64
	Status         enums.TransactionStatus
	Reason         string
	LocalToken     string
}

// RefundMatch names the action to take and, except for create, the row it
// applies to. Target points into the slice passed to MatchRefund.
type RefundMatch struct {
	Action RefundAction
	Target *models.Transaction
}

// MatchRefund decides how a reported refund maps onto existing refund rows of
// one charge. Precedence: a row already carrying the vendor refund id, then a
// local placeholder without a vendor id (token first, then equal amount), then
// a new row.
func MatchRefund(existing []models.Transaction, line Refund) RefundMatch {
	if line.VendorRefundID == "" {
		return RefundMatch{Action: RefundNoop}
	}
	for i := range existing {
		row := &existing[i]
		if row.VendorID() != line.VendorRefundID {
			continue
		}
		if row.TotalCents != line.AmountCents || row.Status != line.Status {
			return RefundMatch{Action: RefundUpdate, Target: row}
		}
		return RefundMatch{Action: RefundNoop, Target: row}
	}

	if line.LocalToken != "" {
		for i := range existing {
			row := &existing[i]
			if isPlaceholder(row) && row.MetaString(models.MetaLocalRefundToken) == line.LocalToken {
				return RefundMatch{Action: RefundAttach, Target: row}
			}
		}
	}

	for i := range existing {
		row := &existing[i]
		if !isPlaceholder(row) || row.TotalCents != line.AmountCents {
			continue
		}
		token := row.MetaString(models.MetaLocalRefundToken)
		if line.LocalToken != "" && token != "" && token != line.LocalToken {
			continue
		}
		return RefundMatch{Action: RefundAttach, Target: row}
	}

	return RefundMatch{Action: RefundCreate}
}

func isPlaceholder(row *models.Transaction) bool {
	return row.VendorID() == "" && row.Status != enums.TransactionStatusFailed
}

// RefundStatusFromGateway maps vendor refund states onto transaction states.
func RefundStatusFromGateway(raw string) enums.TransactionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "completed":
		return enums.TransactionStatusSucceeded
	case "failed", "canceled", "rejected":
		return enums.TransactionStatusFailed
	default:
		return enums.TransactionStatusPending
	}
}
