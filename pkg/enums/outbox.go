package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregateOrder        OutboxAggregateType = "order"
	AggregateTransaction  OutboxAggregateType = "transaction"
	AggregateSubscription OutboxAggregateType = "subscription"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
	AggregateTransaction,
	AggregateSubscription,
}

// IsValid reports whether the value is a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names a domain notification.
type OutboxEventType string

const (
	EventPaymentSucceeded      OutboxEventType = "payment_succeeded"
	EventPaymentFailed         OutboxEventType = "payment_failed"
	EventRefundRecorded        OutboxEventType = "refund_recorded"
	EventDisputeOpened         OutboxEventType = "dispute_opened"
	EventDisputeLost           OutboxEventType = "dispute_lost"
	EventSubscriptionActivated OutboxEventType = "subscription_activated"
	EventSubscriptionRenewed   OutboxEventType = "subscription_renewed"
	EventSubscriptionCanceled  OutboxEventType = "subscription_canceled"
	EventSubscriptionExpired   OutboxEventType = "subscription_expired"
)

var validEventTypes = []OutboxEventType{
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventRefundRecorded,
	EventDisputeOpened,
	EventDisputeLost,
	EventSubscriptionActivated,
	EventSubscriptionRenewed,
	EventSubscriptionCanceled,
	EventSubscriptionExpired,
}

// IsValid reports whether the value is a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
