package enums

import "fmt"

// TransactionStatus tracks a single payment attempt.
type TransactionStatus string

const (
	TransactionStatusPending     TransactionStatus = "pending"
	TransactionStatusSucceeded   TransactionStatus = "succeeded"
	TransactionStatusFailed      TransactionStatus = "failed"
	TransactionStatusRefunded    TransactionStatus = "refunded"
	TransactionStatusDisputed    TransactionStatus = "disputed"
	TransactionStatusDisputeLost TransactionStatus = "dispute_lost"
)

var validTransactionStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusSucceeded,
	TransactionStatusFailed,
	TransactionStatusRefunded,
	TransactionStatusDisputed,
	TransactionStatusDisputeLost,
}

// String implements fmt.Stringer.
func (t TransactionStatus) String() string {
	return string(t)
}

// IsValid reports whether the value is a known TransactionStatus.
func (t TransactionStatus) IsValid() bool {
	for _, candidate := range validTransactionStatuses {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionStatus converts raw input into a TransactionStatus.
func ParseTransactionStatus(value string) (TransactionStatus, error) {
	for _, candidate := range validTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction status %q", value)
}

// CountsAsPaid reports whether money from a row in this state is held by the merchant.
func (t TransactionStatus) CountsAsPaid() bool {
	return t == TransactionStatusSucceeded || t == TransactionStatusDisputed
}
