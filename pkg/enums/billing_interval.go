package enums

import (
	"fmt"
	"strings"
	"time"
)

// BillingInterval defines the renewal cadence of a subscription.
type BillingInterval string

const (
	BillingIntervalDaily      BillingInterval = "daily"
	BillingIntervalWeekly     BillingInterval = "weekly"
	BillingIntervalMonthly    BillingInterval = "monthly"
	BillingIntervalQuarterly  BillingInterval = "quarterly"
	BillingIntervalHalfYearly BillingInterval = "half_yearly"
	BillingIntervalYearly     BillingInterval = "yearly"
)

var validBillingIntervals = []BillingInterval{
	BillingIntervalDaily,
	BillingIntervalWeekly,
	BillingIntervalMonthly,
	BillingIntervalQuarterly,
	BillingIntervalHalfYearly,
	BillingIntervalYearly,
}

// String implements fmt.Stringer.
func (b BillingInterval) String() string {
	return string(b)
}

// IsValid reports whether the value is a known BillingInterval.
func (b BillingInterval) IsValid() bool {
	for _, candidate := range validBillingIntervals {
		if candidate == b {
			return true
		}
	}
	return false
}

// Advance returns from moved forward by one billing period. Month arithmetic
// follows time.AddDate normalisation.
func (b BillingInterval) Advance(from time.Time) time.Time {
	switch b {
	case BillingIntervalDaily:
		return from.AddDate(0, 0, 1)
	case BillingIntervalWeekly:
		return from.AddDate(0, 0, 7)
	case BillingIntervalQuarterly:
		return from.AddDate(0, 3, 0)
	case BillingIntervalHalfYearly:
		return from.AddDate(0, 6, 0)
	case BillingIntervalYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// ParseBillingInterval converts raw input into a BillingInterval.
func ParseBillingInterval(value string) (BillingInterval, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validBillingIntervals {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing interval %q", value)
}
