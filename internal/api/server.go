// Package api exposes the webhook endpoint together with the payment and
// admin endpoints over net/http.
package api

import (
	"log/slog"
	"net/http"

	"payment-webhook-service/internal/audit"
	"payment-webhook-service/internal/ledger"
	"payment-webhook-service/internal/metrics"
	"payment-webhook-service/internal/notify"
	"payment-webhook-service/internal/payment"
	"payment-webhook-service/internal/retry"
	"payment-webhook-service/internal/webhook"
)

type Services struct {
	Pipeline  *webhook.Pipeline
	Machine   *payment.StateMachine
	Notifier  *notify.Service
	Ledger    *ledger.Ledger
	Scheduler *retry.Scheduler
	Audit     *audit.Log
}

type Options struct {
	MaxBodyBytes int64
	// AdminToken protects /admin routes. Without it the routes are disabled
	// unless AdminOpen is set.
	AdminToken string
	AdminOpen  bool
}

type Server struct {
	services Services
	opts     Options
	logger   *slog.Logger
}

func NewHandler(services Services, opts Options, logger *slog.Logger) http.Handler {
	s := &Server{services: services, opts: opts, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /payments/webhook", s.handleWebhook)
	mux.HandleFunc("GET /payments/{id}/status", s.handlePaymentStatus)
	mux.HandleFunc("POST /payments/{id}/cancel", s.handleCancelPayment)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/webhooks/pending", s.handlePendingWebhooks)
	admin.HandleFunc("POST /admin/webhooks/scan", s.handleScan)
	admin.HandleFunc("POST /admin/webhooks/{id}/retry", s.handleRetryWebhook)
	admin.HandleFunc("GET /admin/audit/payments/{paymentId}", s.handleAuditByPayment)
	admin.HandleFunc("GET /admin/audit/period", s.handleAuditByPeriod)
	admin.HandleFunc("GET /admin/audit/statistics", s.handleAuditStatistics)
	mux.Handle("/admin/", s.requireAdmin(admin))

	return requestIDMiddleware(loggingMiddleware(logger, recoverMiddleware(logger, mux)))
}
