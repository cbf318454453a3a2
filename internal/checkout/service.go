// Package checkout creates payable orders and runs a single payment attempt
// through the order's gateway adapter.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/orders"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/internal/transactions"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/enums"
	pkgerrors "github.com/angelmondragon/paycore/pkg/errors"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/metrics"
	"github.com/angelmondragon/paycore/pkg/money"
)

const defaultGatewayTimeout = 20 * time.Second

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type chargeReconciler interface {
	ConfirmCharge(ctx context.Context, report gateway.ChargeReport) (*transactions.Outcome, error)
	MarkFailed(ctx context.Context, report gateway.ChargeReport) (*transactions.Outcome, error)
	Repo(tx *gorm.DB) transactions.Repository
}

type subscriptionManager interface {
	CreatePending(ctx context.Context, tx *gorm.DB, order *models.Order, terms subscriptions.Terms) (*models.Subscription, error)
	MarkIntended(ctx context.Context, tx *gorm.DB, sub *models.Subscription, vendorSubscriptionID string) error
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Subscription, error)
	CompletedCycles(ctx context.Context, tx *gorm.DB, subID uuid.UUID) (int, error)
}

// Service executes checkout orchestration.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*CreatedOrder, error)
	Pay(ctx context.Context, orderID uuid.UUID, input PayInput) (*PayResult, error)
}

// CreateOrderInput is the priced cart handed over by the storefront.
type CreateOrderInput struct {
	CustomerRef string
	Currency    string
	TotalCents  int64
	Gateway     string
	Mode        enums.PaymentMode
	// Subscription starts a recurring agreement with the order as its parent.
	Subscription *subscriptions.Terms
}

// CreatedOrder is the order plus the rows written alongside it.
type CreatedOrder struct {
	Order        *models.Order
	Transaction  *models.Transaction
	Subscription *models.Subscription
}

// PayInput carries the buyer's payment attempt.
type PayInput struct {
	PaymentMethodToken string
	ReturnURL          string
	IdempotencyKey     string
	Customer           gateway.Customer
}

// PayResult tells the client what to do next.
type PayResult struct {
	OrderID       uuid.UUID           `json:"order_id"`
	TransactionID uuid.UUID           `json:"transaction_id"`
	Status        string              `json:"status"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	RedirectURL   string              `json:"redirect_url,omitempty"`
	ClientSecret  string              `json:"client_secret,omitempty"`
}

// ServiceParams wires the checkout service.
type ServiceParams struct {
	Tx             txRunner
	Orders         *orders.Service
	Reconciler     chargeReconciler
	Subscriptions  subscriptionManager
	Gateways       *gateway.Registry
	Normalizer     *money.Normalizer
	Metrics        *metrics.PaymentMetrics
	Logger         *logger.Logger
	GatewayTimeout time.Duration
	Now            func() time.Time
}

type service struct {
	tx       txRunner
	orders   *orders.Service
	rec      chargeReconciler
	subs     subscriptionManager
	gateways *gateway.Registry
	money    *money.Normalizer
	metrics  *metrics.PaymentMetrics
	logg     *logger.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewService builds the checkout service.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription manager required")
	}
	if params.Gateways == nil {
		return nil, fmt.Errorf("gateway registry required")
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
		now = time.Now
	}
	return &service{
		tx:       params.Tx,
		orders:   params.Orders,
		rec:      params.Reconciler,
		subs:     params.Subscriptions,
		gateways: params.Gateways,
		money:    normalizer,
		metrics:  params.Metrics,
		logg:     logg,
		timeout:  timeout,
		now:      now,
	}, nil
}

func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreatedOrder, error) {
	gatewayID := strings.ToLower(strings.TrimSpace(input.Gateway))
	g, err := s.gateways.Require(gatewayID)
	if err != nil {
		return nil, err
	}
	if err := validateOrderInput(g.Meta(), input); err != nil {
		return nil, err
	}
	mode := input.Mode
	if mode == "" {
		mode = enums.PaymentModeTest
	}

	created := &CreatedOrder{}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order := &models.Order{
			ID:            uuid.New(),
			Type:          enums.OrderTypeNewPurchase,
			CustomerRef:   strings.TrimSpace(input.CustomerRef),
			Currency:      money.Code(input.Currency),
			TotalCents:    input.TotalCents,
			Gateway:       gatewayID,
			Mode:          mode,
			PaymentStatus: enums.PaymentStatusPending,
			Status:        enums.OrderStatusPending,
		}
		var sub *models.Subscription
		if input.Subscription != nil {
			// the subscription row references the order, so the order is
			// written first and linked afterwards
			if err := s.orders.Repo(tx).Create(ctx, order); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
			}
			sub, err = s.subs.CreatePending(ctx, tx, order, *input.Subscription)
			if err != nil {
				return err
			}
			if err := s.orders.Repo(tx).UpdateFields(ctx, order.ID, map[string]any{"subscription_id": sub.ID}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "link subscription")
			}
			order.SubscriptionID = &sub.ID
		} else if err := s.orders.Repo(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		charge := newCharge(order, sub)
		if err := s.rec.Repo(tx).Create(ctx, charge); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create charge")
		}
		created.Order = order
		created.Transaction = charge
		created.Subscription = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithGateway(s.logg.WithOrderID(ctx, created.Order.ID.String()), gatewayID), "order created")
	return created, nil
}

func validateOrderInput(meta gateway.Meta, input CreateOrderInput) error {
	if strings.TrimSpace(input.CustomerRef) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer reference required")
	}
	if !money.IsKnown(input.Currency) {
		return pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").
			WithDetails(map[string]any{"currency": input.Currency})
	}
	if !meta.AcceptsCurrency(input.Currency) {
		return pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway does not accept this currency").
			WithDetails(map[string]any{"gateway": meta.Identifier, "currency": input.Currency})
	}
	if input.TotalCents < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order total cannot be negative")
	}
	if input.TotalCents == 0 && !meta.Supports(gateway.FeatureZeroTotalOrder) {
		return pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway cannot process zero-total orders")
	}
	terms := input.Subscription
	if terms == nil {
		return nil
	}
	required := map[gateway.Feature]bool{
		gateway.FeatureSubscriptions: true,
		gateway.FeatureSignupFee:     terms.InitialAmountCents > 0,
		gateway.FeatureFreeTrial:     terms.TrialDays > 0,
	}
	for feature, needed := range required {
		if needed && !meta.Supports(feature) {
			return pkgerrors.New(pkgerrors.CodeGatewayConfig, "gateway does not support this subscription").
				WithDetails(map[string]any{"gateway": meta.Identifier, "feature": feature})
		}
	}
	return nil
}

func newCharge(order *models.Order, sub *models.Subscription) *models.Transaction {
	charge := &models.Transaction{
		ID:         uuid.New(),
		OrderID:    order.ID,
		Type:       enums.TransactionTypeCharge,
		Status:     enums.TransactionStatusPending,
		TotalCents: order.TotalCents,
		Currency:   order.Currency,
		Gateway:    order.Gateway,
		Mode:       order.Mode,
	}
	if sub != nil {
		subID := sub.ID
		charge.SubscriptionID = &subID
	}
	return charge
}

// Pay runs one payment attempt. Settled results are reconciled immediately;
// pending and redirect results wait for the browser confirmation or webhook.
func (s *service) Pay(ctx context.Context, orderID uuid.UUID, input PayInput) (*PayResult, error) {
	order, err := s.orders.Get(ctx, nil, orderID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithGateway(s.logg.WithOrderID(ctx, order.ID.String()), order.Gateway)
	if order.PaymentStatus == enums.PaymentStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyPaid, "order already paid")
	}
	g, err := s.gateways.Require(order.Gateway)
	if err != nil {
		return nil, err
	}

	inst, err := s.buildInstance(ctx, order, input)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithTransactionID(ctx, inst.Transaction.ID.String())
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if err := gateway.EnsureBillable(inst); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	var resp *gateway.Response
	operation := "single_payment"
	if inst.Subscription != nil {
		operation = "subscription_payment"
		resp, err = g.ExecuteSubscriptionPayment(callCtx, inst)
	} else {
		resp, err = g.ExecuteSinglePayment(callCtx, inst)
	}
	cancel()
	s.metrics.ObserveGatewayCall(order.Gateway, operation, err, time.Since(start))
	if err != nil {
		return nil, s.attemptFailed(ctx, inst, err)
	}
	if resp == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "gateway returned no response")
	}

	switch resp.Status {
	case gateway.StatusSucceeded:
		out, err := s.rec.ConfirmCharge(ctx, reportFrom(order, inst.Transaction, resp, gateway.StatusSucceeded))
		if err != nil {
			return nil, err
		}
		return &PayResult{
			OrderID:       order.ID,
			TransactionID: out.Transaction.ID,
			Status:        resp.Status,
			PaymentStatus: out.Order.PaymentStatus,
		}, nil
	case gateway.StatusFailed:
		report := reportFrom(order, inst.Transaction, resp, gateway.StatusFailed)
		if _, err := s.rec.MarkFailed(ctx, report); err != nil {
			return nil, err
		}
		return nil, declined(resp.DeclineReason)
	case gateway.StatusPending, gateway.StatusRedirect:
		if err := s.recordIntent(ctx, inst, resp); err != nil {
			return nil, err
		}
		return &PayResult{
			OrderID:       order.ID,
			TransactionID: inst.Transaction.ID,
			Status:        resp.Status,
			PaymentStatus: order.PaymentStatus,
			RedirectURL:   resp.RedirectURL,
			ClientSecret:  resp.ClientSecret,
		}, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "unknown gateway response status").
			WithDetails(map[string]any{"status": resp.Status})
	}
}

func (s *service) buildInstance(ctx context.Context, order *models.Order, input PayInput) (*gateway.PaymentInstance, error) {
	inst := &gateway.PaymentInstance{
		Order:              order,
		Customer:           input.Customer,
		PaymentMethodToken: strings.TrimSpace(input.PaymentMethodToken),
		ReturnURL:          input.ReturnURL,
		IdempotencyKey:     input.IdempotencyKey,
	}
	if inst.Customer.Ref == "" {
		inst.Customer.Ref = order.CustomerRef
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.rec.Repo(tx)
		charge, err := repo.FindPendingCharge(ctx, order.ID)
		switch {
		case err == nil:
		case errors.Is(err, gorm.ErrRecordNotFound):
			// the previous attempt failed; a retry gets its own row
			charge = newCharge(order, nil)
			charge.SubscriptionID = order.SubscriptionID
			if err := repo.Create(ctx, charge); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create retry charge")
			}
		default:
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find pending charge")
		}
		inst.Transaction = charge

		subID := charge.SubscriptionID
		if subID == nil {
			subID = order.SubscriptionID
		}
		if subID == nil {
			return nil
		}
		inst.Subscription, err = s.subs.Get(ctx, tx, *subID)
		if err != nil {
			return err
		}
		inst.CompletedCycles, err = s.subs.CompletedCycles(ctx, tx, *subID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if inst.Reactivates() {
		inst.ReactivationTrialDays = subscriptions.ReactivationTrialDays(inst.Subscription, s.now())
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"subscription_id": inst.Subscription.ID.String(),
			"trial_days":      inst.ReactivationTrialDays,
		}), "renewal order reactivates subscription")
	}
	return inst, nil
}

// attemptFailed maps an adapter error. Declines fail the charge; anything
// untyped is treated as transient and leaves the charge pending.
func (s *service) attemptFailed(ctx context.Context, inst *gateway.PaymentInstance, err error) error {
	typed := pkgerrors.As(err)
	switch {
	case typed == nil:
		s.logg.Error(ctx, "gateway call failed", err)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment provider unavailable")
	case typed.Code() == pkgerrors.CodeDeclined:
		report := gateway.ChargeReport{
			Gateway:       inst.Order.Gateway,
			OrderID:       inst.Order.ID.String(),
			TransactionID: inst.Transaction.ID.String(),
			Status:        gateway.StatusFailed,
			DeclineReason: typed.Message(),
			Channel:       "checkout",
		}
		if _, markErr := s.rec.MarkFailed(ctx, report); markErr != nil {
			s.logg.Error(ctx, "failed to record decline", markErr)
		}
		return err
	default:
		s.logg.Warn(s.logg.WithField(ctx, "error_code", typed.Code()), "payment attempt refused")
		return err
	}
}

// recordIntent stamps the vendor ids on the pending rows so the webhook or
// browser return can find them.
func (s *service) recordIntent(ctx context.Context, inst *gateway.PaymentInstance, resp *gateway.Response) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{}
		if resp.VendorChargeID != "" && inst.Transaction.VendorID() == "" {
			updates["vendor_charge_id"] = resp.VendorChargeID
		}
		if resp.SignupFeeCents > 0 || inst.IdempotencyKey != "" {
			if resp.SignupFeeCents > 0 {
				inst.Transaction.SetMeta(models.MetaSignupFee, resp.SignupFeeCents)
			}
			if inst.IdempotencyKey != "" {
				inst.Transaction.SetMeta(models.MetaIdempotencyKey, inst.IdempotencyKey)
			}
			updates["meta"] = inst.Transaction.Meta
		}
		if len(updates) > 0 {
			if err := s.rec.Repo(tx).UpdateFields(ctx, inst.Transaction.ID, updates); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment intent")
			}
		}
		if inst.Subscription != nil && !inst.IsRenewal() {
			return s.subs.MarkIntended(ctx, tx, inst.Subscription, resp.VendorSubscriptionID)
		}
		return nil
	})
}

func reportFrom(order *models.Order, txn *models.Transaction, resp *gateway.Response, status string) gateway.ChargeReport {
	return gateway.ChargeReport{
		Gateway:              order.Gateway,
		VendorChargeID:       resp.VendorChargeID,
		OrderID:              order.ID.String(),
		TransactionID:        txn.ID.String(),
		Status:               status,
		Captured:             status == gateway.StatusSucceeded,
		GatewayAmount:        resp.GatewayAmount,
		Currency:             resp.Currency,
		PaymentMethod:        resp.PaymentMethod,
		DeclineReason:        resp.DeclineReason,
		VendorSubscriptionID: resp.VendorSubscriptionID,
		VendorCustomerID:     resp.VendorCustomerID,
		NextBillingAt:        resp.NextBillingAt,
		Channel:              "checkout",
	}
}

func declined(reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "payment declined"
	}
	return pkgerrors.New(pkgerrors.CodeDeclined, reason)
}
