package subscriptions

import (
	"strings"
	"time"

	"github.com/angelmondragon/paycore/pkg/enums"
)

// MapVendorStatus translates a gateway subscription status into the local
// lifecycle state. Unknown values map to active, matching how the vendors
// treat unrecognized states as billable.
func MapVendorStatus(gatewayID, raw string) enums.SubscriptionStatus {
	normalized := normalizeVendorStatus(raw)
	if normalized == "" {
		return enums.SubscriptionStatusActive
	}
	if aliases, ok := vendorStatusAliases[strings.ToLower(strings.TrimSpace(gatewayID))]; ok {
		if mapped, ok := aliases[normalized]; ok {
			return mapped
		}
	}
	if parsed, err := enums.ParseSubscriptionStatus(strings.ToLower(normalized)); err == nil {
		return parsed
	}
	return enums.SubscriptionStatusActive
}

func normalizeVendorStatus(raw string) string {
	normalized := strings.TrimSpace(raw)
	normalized = strings.ToUpper(normalized)
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	return normalized
}

var vendorStatusAliases = map[string]map[string]enums.SubscriptionStatus{
	"stripe": {
		"INCOMPLETE":         enums.SubscriptionStatusPending,
		"INCOMPLETE_EXPIRED": enums.SubscriptionStatusExpired,
		"UNPAID":             enums.SubscriptionStatusPastDue,
		"CANCELLED":          enums.SubscriptionStatusCanceled,
	},
	// a Square subscription is PENDING until its start date; the first
	// period is charged by the adapter, so this says nothing new
	"square": {
		"PENDING":     enums.SubscriptionStatusPending,
		"TRIAL":       enums.SubscriptionStatusTrialing,
		"COMPLETED":   enums.SubscriptionStatusExpired,
		"DEACTIVATED": enums.SubscriptionStatusCanceled,
		"CANCELING":   enums.SubscriptionStatusCanceled,
		"CANCELLING":  enums.SubscriptionStatusCanceled,
		"CANCELLED":   enums.SubscriptionStatusCanceled,
		"SUSPENDED":   enums.SubscriptionStatusPaused,
	},
}

func trimmedPtr(value string) *string {
	if s := strings.TrimSpace(value); s != "" {
		return &s
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
