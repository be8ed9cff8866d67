// Package app wires configuration, storage and services into a runnable process.
package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"payment-webhook-service/internal/api"
	"payment-webhook-service/internal/audit"
	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/gateway"
	"payment-webhook-service/internal/kafka"
	"payment-webhook-service/internal/ledger"
	"payment-webhook-service/internal/lock"
	"payment-webhook-service/internal/metrics"
	"payment-webhook-service/internal/notify"
	"payment-webhook-service/internal/payment"
	"payment-webhook-service/internal/retry"
	"payment-webhook-service/internal/signature"
	"payment-webhook-service/internal/webhook"
)

const lockPrefix = "payment-webhook-service:"

type App struct {
	Ledger    *ledger.Ledger
	Scheduler *retry.Scheduler
	Pipeline  *webhook.Pipeline

	cfg     *config.Config
	pool    *pgxpool.Pool
	closers []io.Closer
	handler http.Handler
	logger  *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	metrics.Setup(cfg.Metrics, logger)

	connStr := db.ConnString(cfg.Database)
	if cfg.Database.AutoMigrate {
		if err := db.RunMigrations(connStr); err != nil {
			return nil, err
		}
	}

	pool, err := db.GetPool(ctx, connStr)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, pool: pool, logger: logger}

	verifier := signature.NewVerifier(cfg.Webhook)
	switch {
	case verifier.UsingFallback():
		logger.Warn("Webhook secret not configured, verifying signatures with the gateway public key")
	case verifier.Skips():
		logger.Warn("Webhook secret not configured and permissive mode is on, signatures are not verified")
	case !verifier.HasKey():
		logger.Warn("Webhook secret not configured, every webhook will be rejected")
	}

	if cfg.Server.AdminToken == "" {
		if cfg.Server.AdminOpen {
			logger.Warn("Admin token not configured and admin-open is on, admin endpoints are unauthenticated")
		} else {
			logger.Warn("Admin token not configured, admin endpoints are disabled")
		}
	}

	var publisher notify.Publisher = notify.NewLogPublisher(logger)
	if writer := kafka.NewWriter(cfg.Kafka, cfg.Kafka.Topic.Notifications); writer != nil {
		publisher = notify.NewKafkaPublisher(writer)
		a.closers = append(a.closers, writer)
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedis(client, lockPrefix)
		a.closers = append(a.closers, client)
	}

	auditLog := audit.NewLog(db.NewAuditRepository(pool), cfg.Gateway.Name, logger)
	machine := payment.NewStateMachine(
		db.NewPaymentRepository(pool),
		auditLog,
		gateway.NewClient(cfg.Gateway, nil, logger),
		logger,
	)
	notifier := notify.NewService(publisher, cfg.Notification.AdminRecipient, logger)

	a.Ledger = ledger.New(db.NewDeliveryRepository(pool), cfg.Retry.MaxAttempts, logger, ledger.WithBatchSize(cfg.Retry.BatchSize))
	a.Pipeline = webhook.NewPipeline(a.Ledger, verifier, machine, auditLog, notifier, logger)
	a.Scheduler = retry.NewScheduler(a.Ledger, a.Pipeline, locker, cfg.Retry, logger)

	a.handler = api.NewHandler(api.Services{
		Pipeline:  a.Pipeline,
		Machine:   machine,
		Notifier:  notifier,
		Ledger:    a.Ledger,
		Scheduler: a.Scheduler,
		Audit:     auditLog,
	}, api.Options{
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		AdminToken:   cfg.Server.AdminToken,
		AdminOpen:    cfg.Server.AdminOpen,
	}, logger)

	return a, nil
}

// Run serves HTTP and runs the retry scheduler until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Retry.Enabled {
		a.Scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server", "port", a.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down http server")
	}
	if a.cfg.Retry.Enabled {
		select {
		case <-a.Scheduler.Done():
		case <-shutdownCtx.Done():
			a.logger.Warn("Retry scheduler did not stop in time")
		}
	}
	return nil
}

func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("Error closing resource", "error", err)
		}
	}
	a.pool.Close()
}
