package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/grafana/loki-client-go/loki"
	slogloki "github.com/samber/slog-loki/v3"

	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/logcontext"
)

const serviceName = "payment-webhook-service"

// GetLogger returns a JSON stdout logger, or a Loki logger when cfg.URL is set.
// A Loki client that cannot be built falls back to stdout.
func GetLogger(cfg config.Logs) *slog.Logger {
	level := ParseLevel(cfg.Level)

	if cfg.URL == "" {
		return localLogger(level)
	}

	logger, err := remoteLogger(cfg.URL, level)
	if err != nil {
		local := localLogger(level)
		local.Error("Error creating loki client, using stdout", "error", err)
		return local
	}
	return logger
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func localLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(logcontext.ContextHandler{Handler: handler}).With("service", serviceName)
}

func remoteLogger(url string, level slog.Level) (*slog.Logger, error) {
	lokiConfig, err := loki.NewDefaultConfig(url)
	if err != nil {
		return nil, err
	}
	client, err := loki.New(lokiConfig)
	if err != nil {
		return nil, err
	}

	return slog.New(slogloki.Option{
		Level:  level,
		Client: client,
		AttrFromContext: []func(ctx context.Context) []slog.Attr{
			logcontext.Attrs,
		},
	}.NewLokiHandler()).With("service", serviceName), nil
}
