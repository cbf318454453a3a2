package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/pkg/enums"
)

// Meta keys written on transaction rows.
const (
	MetaDisputeReason      = "dispute_reason"
	MetaDisputeActionable  = "dispute_actionable"
	MetaDisputeRefundable  = "dispute_is_refundable"
	MetaDisputeID          = "dispute_id"
	MetaDisputeAmount      = "dispute_amount_cents"
	MetaDeclineReason      = "decline_reason"
	MetaLocalRefundToken   = "local_refund_token"
	MetaRefundReason       = "refund_reason"
	MetaVendorSubscription = "vendor_subscription_id"
	MetaSignupFee          = "signup_fee_cents"
	MetaIdempotencyKey     = "idempotency_key"
)

// Transaction is one payment attempt, refund, or dispute against an order.
// TotalCents is always in canonical minor units. VendorChargeID doubles as
// the idempotency key: (order_id, vendor_charge_id) is unique, and so is
// (gateway, vendor_charge_id) for every row that is not a refund.
// VendorPaymentRef is an alias lookups also match.
type Transaction struct {
	ID                uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID           uuid.UUID               `gorm:"column:order_id;type:uuid;not null;index"`
	SubscriptionID    *uuid.UUID              `gorm:"column:subscription_id;type:uuid;index"`
	ParentID          *uuid.UUID              `gorm:"column:parent_id;type:uuid"`
	Type              enums.TransactionType   `gorm:"column:type;not null;default:'charge'"`
	Status            enums.TransactionStatus `gorm:"column:status;not null;default:'pending'"`
	TotalCents        int64                   `gorm:"column:total_cents;not null"`
	Currency          string                  `gorm:"column:currency;not null"`
	Gateway           string                  `gorm:"column:gateway;not null"`
	Mode              enums.PaymentMode       `gorm:"column:mode;not null;default:'test'"`
	VendorChargeID    *string                 `gorm:"column:vendor_charge_id"`
	VendorPaymentRef  *string                 `gorm:"column:vendor_payment_ref;index"`
	PaymentMethodType string                  `gorm:"column:payment_method_type"`
	CardBrand         string                  `gorm:"column:card_brand"`
	CardLast4         string                  `gorm:"column:card_last4"`
	Meta              datatypes.JSONMap       `gorm:"column:meta;type:jsonb"`
	CreatedAt         time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// VendorID returns the vendor charge (or refund) id, or "" when unset.
func (t *Transaction) VendorID() string {
	if t == nil || t.VendorChargeID == nil {
		return ""
	}
	return *t.VendorChargeID
}

// MetaString reads a string value from the meta bag.
func (t *Transaction) MetaString(key string) string {
	if t == nil || t.Meta == nil {
		return ""
	}
	switch v := t.Meta[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// MetaInt64 reads an integer from the meta bag. JSON round trips store numbers
// as float64.
func (t *Transaction) MetaInt64(key string) (int64, bool) {
	if t == nil || t.Meta == nil {
		return 0, false
	}
	switch v := t.Meta[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// SetMeta writes a value into the meta bag, allocating it when needed.
func (t *Transaction) SetMeta(key string, value any) {
	if t.Meta == nil {
		t.Meta = datatypes.JSONMap{}
	}
	t.Meta[key] = value
}
