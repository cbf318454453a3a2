package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/paycore/internal/cron"
	"github.com/angelmondragon/paycore/internal/gateways/bootstrap"
	"github.com/angelmondragon/paycore/internal/orders"
	"github.com/angelmondragon/paycore/internal/subscriptions"
	"github.com/angelmondragon/paycore/internal/transactions"
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

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
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
		logg.Error(context.Background(), "failed to create order service", err)
		os.Exit(1)
	}
	reconciler, err := transactions.NewReconciler(transactions.ReconcilerParams{
		Repo:       transactions.NewRepository(dbClient.DB()),
		Orders:     orderService,
		Outbox:     emitter,
		Normalizer: normalizer,
		Tx:         dbClient,
		Metrics:    paymentMetrics,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler", err)
		os.Exit(1)
	}

	gateways, err := bootstrap.Build(context.Background(), cfg, bootstrap.Deps{Normalizer: normalizer, Logger: logg})
	if err != nil {
		logg.Error(context.Background(), "failed to build gateway registry", err)
		os.Exit(1)
	}

	subsRepo := subscriptions.NewRepository(dbClient.DB())
	manager, err := subscriptions.NewManager(subscriptions.ManagerParams{
		Repo:           subsRepo,
		Reconciler:     reconciler,
		Orders:         orderService,
		Outbox:         emitter,
		Gateways:       gateways,
		Normalizer:     normalizer,
		Tx:             dbClient,
		Metrics:        paymentMetrics,
		Logger:         logg,
		GatewayTimeout: cfg.Gateways.Timeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription manager", err)
		os.Exit(1)
	}
	reconciler.SetSubscriptionHook(manager)

	resyncJob, err := cron.NewResyncJob(cron.ResyncJobParams{
		Logger:     logg,
		Candidates: subsRepo,
		Manager:    manager,
		Gateways:   gateways,
		BatchSize:  cfg.Cron.ResyncBatchSize,
		StaleAfter: cfg.Cron.ResyncStaleAfter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create resync job", err)
		os.Exit(1)
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:       logg,
		DB:           dbClient,
		Repository:   outbox.NewRepository(dbClient.DB()),
		DeadAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker:"+lockEnv(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(resyncJob, retentionJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.ID(),
		"gateways": gateways.Identifiers(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockEnv(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
