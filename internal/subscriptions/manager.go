// Package subscriptions drives the local subscription lifecycle from settled
// charges and vendor-side status reports.
package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/transactions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/metrics"
	"github.com/angelmondragon/paycore/pkg/money"
	"github.com/angelmondragon/paycore/pkg/outbox"
)

const (
	defaultGatewayTimeout = 20 * time.Second
	renewalSavepoint      = "renewal_order"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type chargeReconciler interface {
	ConfirmChargeTx(ctx context.Context, tx *gorm.DB, report gateway.ChargeReport) (*transactions.Outcome, error)
	Repo(tx *gorm.DB) transactions.Repository
}

type orderService interface {
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
	CreateRenewal(ctx context.Context, tx *gorm.DB, sub *models.Subscription, amountCents int64) (*models.Order, error)
}

// ManagerParams wires a Manager.
type ManagerParams struct {
	Repo           Repository
	Reconciler     chargeReconciler
	Orders         orderService
	Outbox         outbox.Emitter
	Gateways       *gateway.Registry
	Normalizer     *money.Normalizer
	Tx             txRunner
	Metrics        *metrics.PaymentMetrics
	Logger         *logger.Logger
	GatewayTimeout time.Duration
	Now            func() time.Time
}

// Manager owns every subscription status transition.
type Manager struct {
	repo     Repository
	rec      chargeReconciler
	orders   orderService
	outbox   outbox.Emitter
	gateways *gateway.Registry
	money    *money.Normalizer
	tx       txRunner
	metrics  *metrics.PaymentMetrics
	logg     *logger.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewManager validates params and builds a Manager.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("transaction reconciler required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	normalizer := params.Normalizer
	if normalizer == nil {
		normalizer = money.NewNormalizer(logg)
	}
	timeout := params.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	gateways := params.Gateways
	if gateways == nil {
		gateways = gateway.NewRegistry(logg)
	}
	return &Manager{
		repo:     params.Repo,
		rec:      params.Reconciler,
		orders:   params.Orders,
		outbox:   params.Outbox,
		gateways: gateways,
		money:    normalizer,
		tx:       params.Tx,
		metrics:  params.Metrics,
		logg:     logg,
		timeout:  timeout,
		now:      now,
	}, nil
}

// Terms are the recurring conditions captured at checkout.
type Terms struct {
	ProductID            string
	VariationID          string
	Interval             enums.BillingInterval
	RecurringAmountCents int64
	InitialAmountCents   int64
	TrialDays            int
	BillTimes            int
}

// Validate checks the terms before a subscription row is written.
func (t Terms) Validate() error {
	switch {
	case strings.TrimSpace(t.ProductID) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription product required")
	case !t.Interval.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid billing interval").
			WithDetails(map[string]any{"interval": t.Interval})
	case t.RecurringAmountCents <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "recurring amount must be positive")
	case t.InitialAmountCents < 0 || t.TrialDays < 0 || t.BillTimes < 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription terms cannot be negative")
	}
	return nil
}

// ActivationInput carries the vendor identifiers known at activation time.
type ActivationInput struct {
	VendorSubscriptionID string
	VendorCustomerID     string
	VendorPlanID         string
	NextBillingAt        *time.Time
	Channel              string
}

// RenewalInput is one billing-cycle charge reported by a gateway.
type RenewalInput struct {
	Report gateway.ChargeReport
}

// CreatePending writes the pre-activation subscription row for a checkout order.
func (m *Manager) CreatePending(ctx context.Context, tx *gorm.DB, order *models.Order, terms Terms) (*models.Subscription, error) {
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	sub := &models.Subscription{
		ID:                   uuid.New(),
		ParentOrderID:        order.ID,
		CustomerRef:          order.CustomerRef,
		ProductID:            strings.TrimSpace(terms.ProductID),
		VariationID:          trimmedPtr(terms.VariationID),
		BillingInterval:      terms.Interval,
		RecurringAmountCents: terms.RecurringAmountCents,
		InitialAmountCents:   terms.InitialAmountCents,
		TrialDays:            terms.TrialDays,
		BillTimes:            terms.BillTimes,
		Currency:             money.Code(order.Currency),
		Gateway:              order.Gateway,
		Mode:                 order.Mode,
		Status:               enums.SubscriptionStatusPending,
	}
	if err := m.repo.WithTx(tx).Create(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
	}
	return sub, nil
}

// MarkIntended records that the buyer was handed to the gateway but the first
// charge has not settled yet.
func (m *Manager) MarkIntended(ctx context.Context, tx *gorm.DB, sub *models.Subscription, vendorSubscriptionID string) error {
	if sub == nil || sub.Status != enums.SubscriptionStatusPending {
		return nil
	}
	updates := map[string]any{"status": enums.SubscriptionStatusIntended}
	if vendorSubscriptionID != "" && sub.VendorSubscriptionID == nil {
		updates["vendor_subscription_id"] = vendorSubscriptionID
	}
	if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, updates); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark subscription intended")
	}
	sub.Status = enums.SubscriptionStatusIntended
	if v, ok := updates["vendor_subscription_id"].(string); ok {
		sub.VendorSubscriptionID = &v
	}
	return nil
}

// Get loads a subscription, mapping a missing row to CodeNotFound.
func (m *Manager) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Subscription, error) {
	sub, err := m.repo.WithTx(tx).FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").
				WithDetails(map[string]any{"subscription_id": id})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	return sub, nil
}

// FindByVendorID resolves the local row for a gateway subscription id.
func (m *Manager) FindByVendorID(ctx context.Context, tx *gorm.DB, gatewayID, vendorID string) (*models.Subscription, error) {
	sub, err := m.repo.WithTx(tx).FindByVendorID(ctx, gatewayID, vendorID)
	if err != nil {
		if isNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").
				WithDetails(map[string]any{"vendor_subscription_id": vendorID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find subscription")
	}
	return sub, nil
}

// CompletedCycles counts settled renewal charges for the subscription.
func (m *Manager) CompletedCycles(ctx context.Context, tx *gorm.DB, subID uuid.UUID) (int, error) {
	count, err := m.rec.Repo(tx).CountSettledRenewals(ctx, subID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count renewals")
	}
	return int(count), nil
}

// ChargeSucceeded implements transactions.SubscriptionHook.
func (m *Manager) ChargeSucceeded(ctx context.Context, tx *gorm.DB, charge *models.Transaction, order *models.Order, report gateway.ChargeReport) error {
	if charge == nil || charge.SubscriptionID == nil {
		return nil
	}
	sub, err := m.Get(ctx, tx, *charge.SubscriptionID)
	if err != nil {
		return err
	}
	ctx = m.logg.WithField(ctx, "subscription_id", sub.ID.String())
	if order.IsRenewal() {
		return m.renewalTx(ctx, tx, sub, report)
	}
	_, err = m.activateTx(ctx, tx, sub, ActivationInput{
		VendorSubscriptionID: report.VendorSubscriptionID,
		VendorCustomerID:     report.VendorCustomerID,
		NextBillingAt:        report.NextBillingAt,
		Channel:              report.Channel,
	})
	return err
}

// Activate moves a pending subscription into trialing or active.
func (m *Manager) Activate(ctx context.Context, subID uuid.UUID, in ActivationInput) (*models.Subscription, error) {
	var out *models.Subscription
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := m.Get(ctx, tx, subID)
		if err != nil {
			return err
		}
		out, err = m.activateTx(ctx, tx, sub, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// activateTx performs the pending → trialing/active transition. The
// conditional update lets exactly one caller win, and only the winner emits
// the activation event.
func (m *Manager) activateTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, in ActivationInput) (*models.Subscription, error) {
	repo := m.repo.WithTx(tx)
	vendorIDs := vendorIDUpdates(sub, in)

	if sub.Status.IsActiveFamily() || sub.Status.IsTerminal() {
		if err := repo.UpdateFields(ctx, sub.ID, vendorIDs); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record vendor ids")
		}
		m.logg.Debug(m.logg.WithField(ctx, "status", sub.Status), "subscription already past activation")
		return m.Get(ctx, tx, sub.ID)
	}

	status := enums.SubscriptionStatusActive
	if sub.TrialDays > 0 {
		status = enums.SubscriptionStatusTrialing
	}
	now := m.now()
	next := utcPtr(in.NextBillingAt)
	if next == nil {
		first := FirstBillingDate(sub, now)
		next = &first
	}
	updates := map[string]any{
		"status":          status,
		"next_billing_at": *next,
		"last_synced_at":  now,
	}
	for k, v := range vendorIDs {
		updates[k] = v
	}

	rows, err := repo.Activate(ctx, sub.ID, updates)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "activate subscription")
	}
	activated, err := m.Get(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return activated, nil
	}

	if err := m.outbox.EmitIfNotExists(ctx, tx, m.subscriptionEvent(enums.EventSubscriptionActivated, activated, in.Channel)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit subscription activated")
	}
	m.logg.Info(m.logg.WithField(ctx, "status", status), "subscription activated")
	return activated, nil
}

// renewalTx advances the schedule after a renewal charge settled. It runs
// even when the limit is exhausted because the money was already taken.
func (m *Manager) renewalTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, report gateway.ChargeReport) error {
	completed, err := m.CompletedCycles(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	// completed already includes the charge that just settled
	exhausted := exhaustedAfter(sub, completed)
	now := m.now()

	updates := vendorIDUpdates(sub, ActivationInput{
		VendorSubscriptionID: report.VendorSubscriptionID,
		VendorCustomerID:     report.VendorCustomerID,
	})
	if v := strings.TrimSpace(report.VendorSubscriptionID); v != "" && sub.Status.IsTerminal() && v != sub.VendorID() {
		// a reactivation runs under a new vendor agreement
		updates["vendor_subscription_id"] = v
	}
	updates["next_billing_at"] = m.nextAfterRenewal(sub, report.NextBillingAt, now)
	updates["canceled_at"] = nil
	updates["last_synced_at"] = now
	if exhausted {
		updates["status"] = enums.SubscriptionStatusExpired
		updates["expires_at"] = now
	} else {
		updates["status"] = enums.SubscriptionStatusActive
	}
	if err := m.repo.WithTx(tx).UpdateFields(ctx, sub.ID, updates); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "advance subscription schedule")
	}
	renewed, err := m.Get(ctx, tx, sub.ID)
	if err != nil {
		return err
	}

	if err := m.outbox.Emit(ctx, tx, m.subscriptionEvent(enums.EventSubscriptionRenewed, renewed, report.Channel)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit subscription renewed")
	}
	if exhausted {
		if err := m.outbox.EmitIfNotExists(ctx, tx, m.subscriptionEvent(enums.EventSubscriptionExpired, renewed, report.Channel)); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit subscription expired")
		}
	}
	m.logg.Info(m.logg.WithFields(ctx, map[string]any{
		"completed_cycles": completed,
		"exhausted":        exhausted,
	}), "subscription renewed")
	return nil
}

func (m *Manager) nextAfterRenewal(sub *models.Subscription, reported *time.Time, now time.Time) time.Time {
	if next := utcPtr(reported); next != nil {
		return *next
	}
	base := now
	if sub.NextBillingAt != nil && !sub.NextBillingAt.IsZero() {
		base = sub.NextBillingAt.UTC()
	}
	next := NextBillingDate(base, sub.BillingInterval)
	if !next.After(now) {
		next = NextBillingDate(now, sub.BillingInterval)
	}
	return next
}

// RecordRenewal applies a billing-cycle charge the gateway made on its own,
// creating the renewal order and charge row the first time it is seen.
func (m *Manager) RecordRenewal(ctx context.Context, subID uuid.UUID, in RenewalInput) (*transactions.Outcome, error) {
	var out *transactions.Outcome
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := m.Get(ctx, tx, subID)
		if err != nil {
			return err
		}
		out, err = m.RecordRenewalTx(ctx, tx, sub, in)
		return err
	})
	m.record("record_renewal", out, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordRenewalTx is RecordRenewal inside the caller's transaction.
func (m *Manager) RecordRenewalTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, in RenewalInput) (*transactions.Outcome, error) {
	report := in.Report
	if strings.TrimSpace(report.VendorChargeID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor charge id required")
	}
	if report.Gateway == "" {
		report.Gateway = sub.Gateway
	}
	ctx = m.logg.WithFields(ctx, map[string]any{
		"subscription_id":  sub.ID.String(),
		"vendor_charge_id": report.VendorChargeID,
	})

	existing, err := m.rec.Repo(tx).FindByVendorID(ctx, report.Gateway, report.VendorChargeID)
	switch {
	case err == nil:
		report.TransactionID = existing.ID.String()
		report.OrderID = existing.OrderID.String()
		return m.rec.ConfirmChargeTx(ctx, tx, report)
	case !isNotFound(err):
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find renewal charge")
	}

	amount := sub.RecurringAmountCents
	if report.GatewayAmount > 0 {
		currency := report.Currency
		if currency == "" {
			currency = sub.Currency
		}
		amount = m.money.ToCanonicalMinorUnits(ctx, report.GatewayAmount, currency)
	}
	order, charge, err := m.CreateRenewalOrder(ctx, tx, sub, amount, report.VendorChargeID)
	if err != nil {
		return nil, err
	}
	report.OrderID = order.ID.String()
	report.TransactionID = charge.ID.String()
	return m.rec.ConfirmChargeTx(ctx, tx, report)
}

// MaterializeRenewal returns the renewal order and pending charge for a
// billing-cycle charge reported by the gateway, creating them the first time
// the vendor charge id is seen. The charge is left pending for the reconciler.
func (m *Manager) MaterializeRenewal(ctx context.Context, subID uuid.UUID, report gateway.ChargeReport) (*models.Order, *models.Transaction, error) {
	if strings.TrimSpace(report.VendorChargeID) == "" {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor charge id required")
	}
	var (
		order  *models.Order
		charge *models.Transaction
	)
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := m.Get(ctx, tx, subID)
		if err != nil {
			return err
		}
		gatewayID := report.Gateway
		if gatewayID == "" {
			gatewayID = sub.Gateway
		}
		existing, err := m.rec.Repo(tx).FindByVendorID(ctx, gatewayID, report.VendorChargeID)
		switch {
		case err == nil:
			charge = existing
			order, err = m.orders.Get(ctx, tx, existing.OrderID)
			return err
		case !isNotFound(err):
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find renewal charge")
		}

		amount := sub.RecurringAmountCents
		if report.GatewayAmount > 0 {
			currency := report.Currency
			if currency == "" {
				currency = sub.Currency
			}
			amount = m.money.ToCanonicalMinorUnits(ctx, report.GatewayAmount, currency)
		}
		order, charge, err = m.CreateRenewalOrder(ctx, tx, sub, amount, report.VendorChargeID)
		if err != nil {
			return err
		}
		m.logg.Info(m.logg.WithFields(ctx, map[string]any{
			"subscription_id":  sub.ID.String(),
			"order_id":         order.ID.String(),
			"vendor_charge_id": report.VendorChargeID,
		}), "renewal order created")
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, charge, nil
}

// CreateRenewalOrder materializes the order and pending charge row for one
// billing cycle. A non-empty vendorChargeID is stamped on the charge so a
// retried notification finds the same row. When a concurrent writer already
// booked that vendor charge, its order and charge are returned instead.
func (m *Manager) CreateRenewalOrder(ctx context.Context, tx *gorm.DB, sub *models.Subscription, amountCents int64, vendorChargeID string) (*models.Order, *models.Transaction, error) {
	if tx == nil {
		var (
			order  *models.Order
			charge *models.Transaction
		)
		err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			order, charge, err = m.CreateRenewalOrder(ctx, tx, sub, amountCents, vendorChargeID)
			return err
		})
		return order, charge, err
	}

	vendorID := strings.TrimSpace(vendorChargeID)
	if vendorID != "" {
		if err := tx.SavePoint(renewalSavepoint).Error; err != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "savepoint")
		}
	}
	order, err := m.orders.CreateRenewal(ctx, tx, sub, amountCents)
	if err != nil {
		return nil, nil, err
	}
	subID := sub.ID
	charge := &models.Transaction{
		OrderID:        order.ID,
		SubscriptionID: &subID,
		Type:           enums.TransactionTypeCharge,
		Status:         enums.TransactionStatusPending,
		TotalCents:     amountCents,
		Currency:       order.Currency,
		Gateway:        order.Gateway,
		Mode:           order.Mode,
	}
	if vendorID != "" {
		charge.VendorChargeID = &vendorID
	}
	repo := m.rec.Repo(tx)
	if err := repo.Create(ctx, charge); err != nil {
		if vendorID == "" || !transactions.IsDuplicateCharge(err) {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create renewal charge")
		}
		if rbErr := tx.RollbackTo(renewalSavepoint).Error; rbErr != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, rbErr, "rollback to savepoint")
		}
		existing, findErr := repo.FindByVendorID(ctx, order.Gateway, vendorID)
		if findErr != nil {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "reload renewal charge")
		}
		existingOrder, orderErr := m.orders.Get(ctx, tx, existing.OrderID)
		if orderErr != nil {
			return nil, nil, orderErr
		}
		m.logg.Info(m.logg.WithFields(ctx, map[string]any{
			"subscription_id":  sub.ID.String(),
			"order_id":         existingOrder.ID.String(),
			"vendor_charge_id": vendorID,
		}), "renewal charge already booked")
		return existingOrder, existing, nil
	}
	return order, charge, nil
}

func (m *Manager) subscriptionEvent(eventType enums.OutboxEventType, sub *models.Subscription, channel string) outbox.DomainEvent {
	payload := outbox.SubscriptionEvent{
		SubscriptionID:       sub.ID,
		ParentOrderID:        sub.ParentOrderID,
		Status:               sub.Status.String(),
		VendorSubscriptionID: sub.VendorID(),
	}
	if sub.NextBillingAt != nil {
		payload.NextBillingAt = sub.NextBillingAt.UTC().Format(time.RFC3339)
	}
	return outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Source:        &outbox.Source{Gateway: sub.Gateway, Channel: channel},
		Data:          payload,
	}
}

func (m *Manager) record(operation string, out *transactions.Outcome, err error) {
	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
	case out == nil:
		outcome = "noop"
	case out.AlreadyApplied:
		outcome = "already_applied"
	case out.Pending:
		outcome = "pending"
	case out.Failed:
		outcome = "failed"
	}
	m.metrics.Reconciled(operation, outcome)
}

// vendorIDUpdates returns the vendor id columns that are still unset.
// vendor_subscription_id is written at most once.
func vendorIDUpdates(sub *models.Subscription, in ActivationInput) map[string]any {
	updates := map[string]any{}
	if v := strings.TrimSpace(in.VendorSubscriptionID); v != "" && sub.VendorSubscriptionID == nil {
		updates["vendor_subscription_id"] = v
	}
	if v := strings.TrimSpace(in.VendorCustomerID); v != "" && sub.VendorCustomerID == nil {
		updates["vendor_customer_id"] = v
	}
	if v := strings.TrimSpace(in.VendorPlanID); v != "" && sub.VendorPlanID == nil {
		updates["vendor_plan_id"] = v
	}
	return updates
}
