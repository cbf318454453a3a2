package enums

import (
	"fmt"
	"strings"
)

// PaymentMode selects test or live credentials.
type PaymentMode string

const (
	PaymentModeTest PaymentMode = "test"
	PaymentModeLive PaymentMode = "live"
)

var validPaymentModes = []PaymentMode{
	PaymentModeTest,
	PaymentModeLive,
}

// String implements fmt.Stringer.
func (p PaymentMode) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentMode.
func (p PaymentMode) IsValid() bool {
	for _, candidate := range validPaymentModes {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentMode converts raw input into a PaymentMode.
func ParsePaymentMode(value string) (PaymentMode, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validPaymentModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment mode %q", value)
}
