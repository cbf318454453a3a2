package subscriptions

import (
	"testing"
	"time"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

func TestMapVendorStatus_KnownValues(t *testing.T) {
	cases := []struct {
		name    string
		gateway string
		value   string
		want    enums.SubscriptionStatus
	}{
		{name: "square pending before start date", gateway: "square", value: "pending", want: enums.SubscriptionStatusPending},
		{name: "square completed", gateway: "square", value: "COMPLETED", want: enums.SubscriptionStatusExpired},
		{name: "square deactivated", gateway: "square", value: "deactivated", want: enums.SubscriptionStatusCanceled},
		{name: "square suspended", gateway: "square", value: "suspended", want: enums.SubscriptionStatusPaused},
		{name: "stripe incomplete", gateway: "stripe", value: "incomplete", want: enums.SubscriptionStatusPending},
		{name: "stripe incomplete expired", gateway: "stripe", value: "incomplete_expired", want: enums.SubscriptionStatusExpired},
		{name: "stripe unpaid", gateway: "stripe", value: "unpaid", want: enums.SubscriptionStatusPastDue},
		{name: "past due with hyphen", gateway: "stripe", value: "PAST-DUE", want: enums.SubscriptionStatusPastDue},
		{name: "trialing", gateway: "stripe", value: "trialing", want: enums.SubscriptionStatusTrialing},
		{name: "unknown gateway falls back to enum", gateway: "paypal", value: "canceled", want: enums.SubscriptionStatusCanceled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MapVendorStatus(tc.gateway, tc.value); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestMapVendorStatus_UnknownValueDefaultsToActive(t *testing.T) {
	if got := MapVendorStatus("square", "brand_new_status"); got != enums.SubscriptionStatusActive {
		t.Fatalf("expected default active, got %s", got)
	}
	if got := MapVendorStatus("stripe", ""); got != enums.SubscriptionStatusActive {
		t.Fatalf("expected empty to map to active, got %s", got)
	}
}

func TestCanBill(t *testing.T) {
	cases := []struct {
		name      string
		billTimes int
		status    enums.SubscriptionStatus
		prior     int
		want      bool
	}{
		{"unlimited", 0, enums.SubscriptionStatusActive, 40, true},
		{"first renewal", 3, enums.SubscriptionStatusActive, 0, true},
		{"last renewal", 3, enums.SubscriptionStatusActive, 1, true},
		{"exhausted", 3, enums.SubscriptionStatusActive, 2, false},
		{"three prior renewals", 3, enums.SubscriptionStatusActive, 3, false},
		{"canceled but billable", 3, enums.SubscriptionStatusCanceled, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &models.Subscription{BillTimes: tc.billTimes, Status: tc.status}
			if got := CanBill(sub, tc.prior); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestNextBillingDate(t *testing.T) {
	from := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	cases := map[enums.BillingInterval]time.Time{
		enums.BillingIntervalDaily:      time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		enums.BillingIntervalWeekly:     time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC),
		enums.BillingIntervalMonthly:    time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		enums.BillingIntervalQuarterly:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		enums.BillingIntervalHalfYearly: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
		enums.BillingIntervalYearly:     time.Date(2027, 1, 31, 9, 0, 0, 0, time.UTC),
	}
	for interval, want := range cases {
		if got := NextBillingDate(from, interval); !got.Equal(want) {
			t.Fatalf("%s: expected %s, got %s", interval, want, got)
		}
	}
}

func TestReactivationTrialDays(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	paidThrough := now.Add(9*24*time.Hour + time.Hour)
	sub := &models.Subscription{TrialDays: 30, NextBillingAt: &paidThrough}

	if got := ReactivationTrialDays(sub, now); got != 10 {
		t.Fatalf("expected 10 remaining days, got %d", got)
	}
	past := now.Add(-time.Hour)
	sub.NextBillingAt = &past
	if got := ReactivationTrialDays(sub, now); got != 0 {
		t.Fatalf("expected no trial after the paid period, got %d", got)
	}
	if got := ReactivationTrialDays(&models.Subscription{TrialDays: 7}, now); got != 0 {
		t.Fatalf("signup trial must not leak into reactivation, got %d", got)
	}
}

func TestFirstBillingDate(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	trial := &models.Subscription{TrialDays: 7, BillingInterval: enums.BillingIntervalMonthly}
	if got := FirstBillingDate(trial, start); !got.Equal(start.AddDate(0, 0, 7)) {
		t.Fatalf("expected trial end, got %s", got)
	}
	plain := &models.Subscription{BillingInterval: enums.BillingIntervalWeekly}
	if got := FirstBillingDate(plain, start); !got.Equal(start.AddDate(0, 0, 7)) {
		t.Fatalf("expected one interval, got %s", got)
	}
}

func TestMatchLocalCharge(t *testing.T) {
	vendor := "pi_known"
	local := []models.Transaction{
		{Type: enums.TransactionTypeCharge, Status: enums.TransactionStatusPending, TotalCents: 1500, VendorChargeID: &vendor},
		{Type: enums.TransactionTypeCharge, Status: enums.TransactionStatusSucceeded, TotalCents: 1500},
		{Type: enums.TransactionTypeCharge, Status: enums.TransactionStatusPending, TotalCents: 2000},
		{Type: enums.TransactionTypeCharge, Status: enums.TransactionStatusPending, TotalCents: 1500},
	}
	got := MatchLocalCharge(local, 1500)
	if got != &local[3] {
		t.Fatalf("expected the unclaimed pending row, got %+v", got)
	}
	if MatchLocalCharge(local, 999) != nil {
		t.Fatal("expected no match for an unknown amount")
	}
}
