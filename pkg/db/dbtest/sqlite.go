// Package dbtest provides an in-memory sqlite schema mirroring the Postgres
// migrations, for repository and service tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'new_purchase',
		parent_order_id TEXT NULL,
		subscription_id TEXT NULL,
		customer_ref TEXT NOT NULL,
		currency TEXT NOT NULL,
		total_cents INTEGER NOT NULL,
		total_paid_cents INTEGER NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL DEFAULT 'pending',
		status TEXT NOT NULL DEFAULT 'pending',
		gateway TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'test',
		metadata TEXT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE transactions (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		subscription_id TEXT NULL,
		parent_id TEXT NULL,
		type TEXT NOT NULL DEFAULT 'charge',
		status TEXT NOT NULL DEFAULT 'pending',
		total_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		gateway TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'test',
		vendor_charge_id TEXT NULL,
		vendor_payment_ref TEXT NULL,
		payment_method_type TEXT NULL,
		card_brand TEXT NULL,
		card_last4 TEXT NULL,
		meta TEXT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_transactions_order_vendor_charge ON transactions (order_id, vendor_charge_id)`,
	`CREATE UNIQUE INDEX ux_transactions_gateway_vendor_charge ON transactions (gateway, vendor_charge_id)
		WHERE type <> 'refund' AND vendor_charge_id IS NOT NULL`,
	`CREATE INDEX idx_transactions_vendor_payment_ref ON transactions (gateway, vendor_payment_ref)`,
	`CREATE TABLE subscriptions (
		id TEXT PRIMARY KEY,
		parent_order_id TEXT NOT NULL,
		customer_ref TEXT NOT NULL,
		product_id TEXT NOT NULL,
		variation_id TEXT NULL,
		billing_interval TEXT NOT NULL,
		recurring_amount_cents INTEGER NOT NULL,
		initial_amount_cents INTEGER NOT NULL DEFAULT 0,
		trial_days INTEGER NOT NULL DEFAULT 0,
		bill_times INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		gateway TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'test',
		vendor_subscription_id TEXT NULL UNIQUE,
		vendor_customer_id TEXT NULL,
		vendor_plan_id TEXT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		next_billing_at DATETIME NULL,
		expires_at DATETIME NULL,
		canceled_at DATETIME NULL,
		last_synced_at DATETIME NULL,
		meta TEXT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME,
		published_at DATETIME NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NULL
	)`,
	`CREATE UNIQUE INDEX ux_outbox_events_once ON outbox_events (event_type, aggregate_type, aggregate_id)
		WHERE event_type IN ('subscription_activated', 'dispute_lost', 'subscription_expired')`,
}

// Open returns a fresh, isolated in-memory database with the payment schema.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return conn
}
