package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-reconciler/internal/api"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/idempotency"
	"payment-reconciler/internal/kafka"
	"payment-reconciler/internal/keylock"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/metrics"
	"payment-reconciler/internal/payment"
	"payment-reconciler/internal/provision"
	"payment-reconciler/internal/reconcile"

	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.MustLoadConfig(configPath())
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr, cfg.Database.MigrationsDir); err != nil {
		log.Fatal(err)
	}

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	payments := db.NewPaymentRepository(dbpool)
	ledgerRepo := db.NewLedgerRepository(dbpool)
	catalog := db.NewCatalogRepository(dbpool)
	webhooks := db.NewWebhookRepository(dbpool)

	locker, closeLocker := newLocker(cfg.Lock, logger)
	defer closeLocker()

	reconciler := reconcile.NewReconciler(reconcile.Deps{
		Payments: payments,
		Catalog:  catalog,
		Guard:    idempotency.NewGuard(payments, ledgerRepo, logger),
		Provisioner: provision.NewProvisioner(
			provision.HTTPDevices(time.Duration(cfg.Provision.TimeoutMs)*time.Millisecond, logger),
			cfg.Provision, logger),
		Ledger: ledger.NewUpdater(ledgerRepo, catalog, locker, cfg.Ledger.PlatformUserID, logger),
		Issues: ledgerRepo,
		Locker: locker,
	}, cfg.Poller, logger)

	queue := reconcile.NewQueue(ctx, reconciler, cfg.Events.QueueSize, logger)

	var sink event.Sink = queue
	if cfg.Events.Transport == "kafka" {
		writer := kafka.NewWriter(cfg.Kafka)
		defer writer.Close()
		sink = kafka.NewPublisher(writer, logger)

		reader := kafka.NewReader(cfg.Kafka)
		defer reader.Close()
		go kafka.ConsumeStatusEvents(ctx, reader, queue, logger)
		logger.Info("Status events routed through Kafka", "topic", cfg.Kafka.Topic.StatusEvents)
	}

	gw := gateway.NewClient(cfg.Gateway, logger)
	scheduler := event.NewScheduler(payments, gw, sink, cfg.Poller, logger)
	if cfg.Poller.AutoStart {
		scheduler.Start(ctx)
	}

	server := api.NewServer(api.Deps{
		Webhook:   event.NewWebhook(payments, webhooks, sink, cfg.Webhook.Secret, logger),
		Payments:  payments,
		Issues:    ledgerRepo,
		Initiator: payment.NewService(payments, catalog, gw, logger),
		Scheduler: scheduler,
		Sink:      sink,
	}, cfg.Admin.Token, api.NewRateLimiter(cfg.Checkout.RateLimitRPS, cfg.Checkout.Burst), logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", "error", err)
	}
	scheduler.Stop()
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Error("Reconcile queue did not drain", "error", err, "pending", queue.Pending())
	}
}

func configPath() string {
	if path := os.Getenv("APP_CONFIG_PATH"); path != "" {
		return path
	}
	return "config"
}

// newLocker returns the Redis lock when configured so that replicas sharing a
// database serialize on the same keys; otherwise a process-local one.
func newLocker(cfg config.Lock, logger *slog.Logger) (keylock.Locker, func()) {
	if cfg.RedisURL == "" {
		return keylock.NewLocal(), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid lock.redis-url: %v", err)
	}
	client := redis.NewClient(opts)
	logger.Info("Using Redis for payment and account locks", "addr", opts.Addr)

	return keylock.NewRedis(client, "payment-reconciler:lock:", time.Duration(cfg.TTLMs)*time.Millisecond, logger), func() {
		if err := client.Close(); err != nil {
			logger.Error("Error closing Redis client", "error", err)
		}
	}
}
