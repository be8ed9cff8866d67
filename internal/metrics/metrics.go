package metrics

import (
	"log/slog"
	"net/http"

	"github.com/VictoriaMetrics/metrics"

	"payment-webhook-service/internal/config"
)

// Setup starts pushing metrics when a push URL is configured.
func Setup(cfg config.Metrics, logger *slog.Logger) {
	if cfg.URL == "" {
		return
	}

	interval := cfg.Interval()
	if err := metrics.InitPush(cfg.URL, interval, cfg.CommonLabels, true); err != nil {
		logger.Error("Error initializing metrics push", "error", err)
		return
	}
	logger.Info("Pushing metrics", "url", cfg.URL, "interval", interval)
}

// Handler exposes every registered metric in Prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w, true)
	})
}
