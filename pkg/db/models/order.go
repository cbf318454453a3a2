package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/pkg/enums"
)

// Order is the payable unit. Orders are never deleted; renewals point at the
// order that started the subscription.
type Order struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Type           enums.OrderType     `gorm:"column:type;not null;default:'new_purchase'"`
	ParentOrderID  *uuid.UUID          `gorm:"column:parent_order_id;type:uuid;index"`
	SubscriptionID *uuid.UUID          `gorm:"column:subscription_id;type:uuid;index"`
	CustomerRef    string              `gorm:"column:customer_ref;not null"`
	Currency       string              `gorm:"column:currency;not null"`
	TotalCents     int64               `gorm:"column:total_cents;not null"`
	TotalPaidCents int64               `gorm:"column:total_paid_cents;not null;default:0"`
	PaymentStatus  enums.PaymentStatus `gorm:"column:payment_status;not null;default:'pending'"`
	Status         enums.OrderStatus   `gorm:"column:status;not null;default:'pending'"`
	Gateway        string              `gorm:"column:gateway;not null"`
	Mode           enums.PaymentMode   `gorm:"column:mode;not null;default:'test'"`
	Metadata       datatypes.JSONMap   `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// IsRenewal reports whether the order was created for a subscription cycle.
func (o *Order) IsRenewal() bool {
	return o != nil && o.Type == enums.OrderTypeRenewal
}
