package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/paycore/api"
	webhookcontrollers "github.com/angelmondragon/paycore/api/controllers/webhooks"
	"github.com/angelmondragon/paycore/api/routes"
	"github.com/angelmondragon/paycore/internal/checkout"
	"github.com/angelmondragon/paycore/internal/confirmation"
	"github.com/angelmondragon/paycore/internal/gateway"
	"github.com/angelmondragon/paycore/internal/gateways/bootstrap"
	"github.com/angelmondragon/paycore/internal/orders"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/internal/transactions"
	"github.com/angelmondragon/paycore/internal/webhooks"
	"github.com/angelmondragon/paycore/pkg/config"
	"github.com/angelmondragon/paycore/pkg/db"
	"github.com/angelmondragon/paycore/pkg/instance"
	"github.com/angelmondragon/paycore/pkg/logger"
	"github.com/angelmondragon/paycore/pkg/metrics"
	"github.com/angelmondragon/paycore/pkg/migrate"
	"github.com/angelmondragon/paycore/pkg/money"
	"github.com/angelmondragon/paycore/pkg/outbox"
	"github.com/angelmondragon/paycore/pkg/redis"
)

const shutdownTimeout = 20 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	paymentMetrics := metrics.NewPaymentMetrics(prometheus.DefaultRegisterer)
	normalizer := money.NewNormalizer(logg)
	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	orderService, err := orders.NewService(orders.NewRepository(dbClient.DB()), logg)
	if err != nil {
		logg.Error(ctx, "failed to create order service", err)
		os.Exit(1)
	}

	txnRepo := transactions.NewRepository(dbClient.DB())
	reconciler, err := transactions.NewReconciler(transactions.ReconcilerParams{
		Repo:       txnRepo,
		Orders:     orderService,
		Outbox:     emitter,
		Normalizer: normalizer,
		Tx:         dbClient,
		Metrics:    paymentMetrics,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create reconciler", err)
		os.Exit(1)
	}

	registry, err := bootstrap.Build(ctx, cfg, bootstrap.Deps{Normalizer: normalizer, Logger: logg})
	if err != nil {
		logg.Error(ctx, "failed to build gateway registry", err)
		os.Exit(1)
	}

	subscriptionManager, err := subscriptions.NewManager(subscriptions.ManagerParams{
		Repo:           subscriptions.NewRepository(dbClient.DB()),
		Reconciler:     reconciler,
		Orders:         orderService,
		Outbox:         emitter,
		Gateways:       registry,
		Normalizer:     normalizer,
		Tx:             dbClient,
		Metrics:        paymentMetrics,
		Logger:         logg,
		GatewayTimeout: cfg.Gateways.Timeout,
	})
	if err != nil {
		logg.Error(ctx, "failed to create subscription manager", err)
		os.Exit(1)
	}
	reconciler.SetSubscriptionHook(subscriptionManager)

	guard, err := webhooks.NewGuard(redisClient, cfg.Webhooks.IdempotencyTTL)
	if err != nil {
		logg.Error(ctx, "failed to create webhook guard", err)
		os.Exit(1)
	}
	pipeline, err := webhooks.NewPipeline(webhooks.PipelineParams{
		Guard:    guard,
		Resolver: webhooks.NewResolver(txnRepo, orderService, subscriptionManager),
		Handlers: webhooks.DefaultHandlers(reconciler, subscriptionManager),
		Metrics:  paymentMetrics,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create webhook pipeline", err)
		os.Exit(1)
	}
	attached := bootstrap.AttachWebhooks(registry, func(id string, src gateway.WebhookSource) http.Handler {
		return webhookcontrollers.GatewayWebhook(pipeline, id, src, logg)
	})
	logg.Info(logg.WithField(ctx, "gateways", attached), "webhook handlers attached")

	resolver, err := confirmation.NewResolver(confirmation.Params{
		Gateways:     registry,
		Reconciler:   reconciler,
		Transactions: txnRepo,
		Orders:       orderService,
		ReturnURL:    cfg.App.ReturnURL,
		Timeout:      cfg.Gateways.Timeout,
		Metrics:      paymentMetrics,
		Logger:       logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create confirmation resolver", err)
		os.Exit(1)
	}

	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		Tx:             dbClient,
		Orders:         orderService,
		Reconciler:     reconciler,
		Subscriptions:  subscriptionManager,
		Gateways:       registry,
		Normalizer:     normalizer,
		Metrics:        paymentMetrics,
		Logger:         logg,
		GatewayTimeout: cfg.Gateways.Timeout,
	})
	if err != nil {
		logg.Error(ctx, "failed to create checkout service", err)
		os.Exit(1)
	}

	handler := routes.NewRouter(cfg, logg, routes.Dependencies{
		DB:            dbClient,
		Redis:         redisClient,
		Gateways:      registry,
		Checkout:      checkoutService,
		Confirmation:  resolver,
		Refunds:       reconciler,
		Transactions:  txnRepo,
		Subscriptions: subscriptionManager,
		Idempotency:   redisClient,
		Metrics:       prometheus.DefaultGatherer,
	})
	server := api.NewServer(cfg, handler)

	srvCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     server.Addr,
		"instance": instance.ID(),
	})
	logg.Info(srvCtx, "starting api server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(srvCtx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(srvCtx, "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(srvCtx, "graceful shutdown failed", err)
		}
	}
}
