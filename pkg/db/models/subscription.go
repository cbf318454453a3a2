package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/pkg/enums"
)

// Subscription is the local record of a recurring agreement held at a gateway.
// VendorSubscriptionID is set at most once and is the join key for webhooks.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ParentOrderID        uuid.UUID                `gorm:"column:parent_order_id;type:uuid;not null;index"`
	CustomerRef          string                   `gorm:"column:customer_ref;not null"`
	ProductID            string                   `gorm:"column:product_id;not null"`
	VariationID          *string                  `gorm:"column:variation_id"`
	BillingInterval      enums.BillingInterval    `gorm:"column:billing_interval;not null"`
	RecurringAmountCents int64                    `gorm:"column:recurring_amount_cents;not null"`
	InitialAmountCents   int64                    `gorm:"column:initial_amount_cents;not null;default:0"`
	TrialDays            int                      `gorm:"column:trial_days;not null;default:0"`
	BillTimes            int                      `gorm:"column:bill_times;not null;default:0"`
	Currency             string                   `gorm:"column:currency;not null"`
	Gateway              string                   `gorm:"column:gateway;not null"`
	Mode                 enums.PaymentMode        `gorm:"column:mode;not null;default:'test'"`
	VendorSubscriptionID *string                  `gorm:"column:vendor_subscription_id;uniqueIndex"`
	VendorCustomerID     *string                  `gorm:"column:vendor_customer_id"`
	VendorPlanID         *string                  `gorm:"column:vendor_plan_id"`
	Status               enums.SubscriptionStatus `gorm:"column:status;not null;default:'pending'"`
	NextBillingAt        *time.Time               `gorm:"column:next_billing_at"`
	ExpiresAt            *time.Time               `gorm:"column:expires_at"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	LastSyncedAt         *time.Time               `gorm:"column:last_synced_at"`
	Meta                 datatypes.JSONMap        `gorm:"column:meta;type:jsonb"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// VendorID returns the gateway subscription id or "".
func (s *Subscription) VendorID() string {
	if s == nil || s.VendorSubscriptionID == nil {
		return ""
	}
	return *s.VendorSubscriptionID
}

// HasUnlimitedBilling reports whether the subscription renews until canceled.
func (s *Subscription) HasUnlimitedBilling() bool {
	return s.BillTimes <= 0
}
