package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/paycore/api/controllers"
	webhookcontrollers "github.com/angelmondragon/paycore/api/controllers/webhooks"
	"github.com/angelmondragon/paycore/api/middleware"
	checkoutsvc "github.com/angelmondragon/paycore/internal/checkout"
	"github.com/angelmondragon/paycore/internal/confirmation"
	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/internal/transactions"
	pkgAuth "github.com/angelmondragon/paycore/pkg/auth"
	"github.com/angelmondragon/paycore/pkg/config"
	"github.com/angelmondragon/paycore/pkg/db/models"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/redis"
)

type paymentConfirmer interface {
	Confirm(ctx context.Context, req confirmation.ConfirmRequest) (*confirmation.Result, error)
}

type refundRequester interface {
	RequestRefund(ctx context.Context, gw gateway.Gateway, req transactions.RefundRequest) (*models.Transaction, error)
}

type transactionLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
}

type subscriptionAdmin interface {
	Cancel(ctx context.Context, subID uuid.UUID, opts subscriptions.CancelOptions) (*models.Subscription, error)
	ReSyncFromRemote(ctx context.Context, subID uuid.UUID) (*subscriptions.ResyncResult, error)
}

// Dependencies are the services the HTTP surface dispatches to.
type Dependencies struct {
	DB    controllers.Pinger
	Redis controllers.Pinger

	Gateways      *gateway.Registry
	Checkout      checkoutsvc.Service
	Confirmation  paymentConfirmer
	Refunds       refundRequester
	Transactions  transactionLookup
	Subscriptions subscriptionAdmin

	// Idempotency backs the Idempotency-Key replay cache. Nil disables it.
	Idempotency redis.IdempotencyStore
	// Metrics is scraped at /metrics; defaults to the process registry.
	Metrics prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	gatherer := deps.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    deps.DB,
			"redis": deps.Redis,
		}))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Gateways post notifications here; the adapter verifies its own signature.
	r.Post("/api/v1/webhooks/{gateway}", webhookcontrollers.Dispatch(deps.Gateways, func(req *http.Request) string {
		return chi.URLParam(req, "gateway")
	}, logg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Get("/gateways", controllers.ListGateways(deps.Gateways, logg))
		r.Post("/payments/confirm", controllers.ConfirmPayment(deps.Confirmation, logg))
		r.Route("/checkout", func(r chi.Router) {
			r.Post("/orders", controllers.CreateOrder(deps.Checkout, logg))
			r.Post("/{orderId}/pay", controllers.PayOrder(deps.Checkout, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(pkgAuth.RoleAdmin, logg))
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Post("/transactions/{transactionId}/refunds", controllers.RefundTransaction(deps.Refunds, deps.Transactions, deps.Gateways, logg))
		r.Route("/subscriptions/{subscriptionId}", func(r chi.Router) {
			r.Post("/cancel", controllers.CancelSubscription(deps.Subscriptions, logg))
			r.Post("/resync", controllers.ResyncSubscription(deps.Subscriptions, logg))
		})
		r.Post("/gateways/{gateway}/settings/validate", controllers.ValidateGatewaySettings(deps.Gateways, logg))
	})

	return r
}
