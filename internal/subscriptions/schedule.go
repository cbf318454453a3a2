package subscriptions

import (
	"math"
	"time"

	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
)

// NextBillingDate advances from by one billing interval.
func NextBillingDate(from time.Time, interval enums.BillingInterval) time.Time {
	return interval.Advance(from.UTC())
}

// FirstBillingDate is when the first recurring charge after signup is due:
// the end of the trial when there is one, otherwise one interval out.
func FirstBillingDate(sub *models.Subscription, start time.Time) time.Time {
	if sub.TrialDays > 0 {
		return start.UTC().AddDate(0, 0, sub.TrialDays)
	}
	return NextBillingDate(start, sub.BillingInterval)
}

// ReactivationTrialDays is the trial granted when a canceled or expired
// subscription is revived through a renewal order: the whole days still left
// in the period the buyer already paid for. It ignores the signup trial.
func ReactivationTrialDays(sub *models.Subscription, now time.Time) int {
	if sub == nil || sub.NextBillingAt == nil {
		return 0
	}
	remaining := sub.NextBillingAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// CanBill reports whether another renewal may be charged given the number of
// renewals already settled. The initial charge counts as the first bill. A
// canceled subscription can still be billed by a renewal order that revives it.
func CanBill(sub *models.Subscription, priorRenewals int) bool {
	if sub == nil {
		return false
	}
	if sub.HasUnlimitedBilling() {
		return true
	}
	return priorRenewals+1 < sub.BillTimes
}

// exhaustedAfter reports whether settling renewal number completed used the
// last billable cycle.
func exhaustedAfter(sub *models.Subscription, completed int) bool {
	if sub.HasUnlimitedBilling() {
		return false
	}
	return completed+1 >= sub.BillTimes
}
