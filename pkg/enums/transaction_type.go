package enums

import (
	"fmt"
	"strings"
)

// TransactionType distinguishes charges from refund and dispute rows.
type TransactionType string

const (
	TransactionTypeCharge  TransactionType = "charge"
	TransactionTypeRefund  TransactionType = "refund"
	TransactionTypeDispute TransactionType = "dispute"
)

var validTransactionTypes = []TransactionType{
	TransactionTypeCharge,
	TransactionTypeRefund,
	TransactionTypeDispute,
}

// String implements fmt.Stringer.
func (t TransactionType) String() string {
	return string(t)
}

// IsValid reports whether the value is a known TransactionType.
func (t TransactionType) IsValid() bool {
	for _, candidate := range validTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionType converts raw input into a TransactionType.
func ParseTransactionType(value string) (TransactionType, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction type %q", value)
}
