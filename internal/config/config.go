package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Database struct {
	User        string `mapstructure:"user" validate:"required"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name" validate:"required"`
	Host        string `mapstructure:"host" validate:"required"`
	Port        string `mapstructure:"port" validate:"required"`
	SSLMode     string `mapstructure:"ssl-mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	AutoMigrate bool   `mapstructure:"auto-migrate"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size" validate:"min=1"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms" validate:"min=1"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	Notifications string `mapstructure:"notifications" validate:"required"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type Gateway struct {
	Name           string `mapstructure:"name" validate:"required"`
	BaseURL        string `mapstructure:"base-url" validate:"omitempty,url"`
	APIKey         string `mapstructure:"api-key"`
	TimeoutSeconds int    `mapstructure:"timeout-seconds" validate:"min=1,max=300"`
}

func (g Gateway) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type Webhook struct {
	Secret                 string `mapstructure:"secret"`
	AllowPublicKeyFallback bool   `mapstructure:"allow-public-key-fallback"`
	Permissive             bool   `mapstructure:"permissive"`
	MaxBodyBytes           int64  `mapstructure:"max-body-bytes" validate:"min=1"`
}

type Retry struct {
	Enabled     bool `mapstructure:"enabled"`
	IntervalMs  int  `mapstructure:"interval-ms" validate:"min=1000"`
	MaxAttempts int  `mapstructure:"max-attempts" validate:"min=1,max=20"`
	BatchSize   int  `mapstructure:"batch-size" validate:"min=1,max=1000"`
	LockTTLMs   int  `mapstructure:"lock-ttl-ms" validate:"min=1000"`
}

func (r Retry) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

func (r Retry) LockTTL() time.Duration {
	return time.Duration(r.LockTTLMs) * time.Millisecond
}

type Notification struct {
	AdminRecipient string `mapstructure:"admin-recipient" validate:"omitempty,email"`
}

type Server struct {
	Port              string `mapstructure:"port" validate:"required"`
	AdminToken        string `mapstructure:"admin-token"`
	AdminOpen         bool   `mapstructure:"admin-open"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown-timeout-ms" validate:"min=0"`
}

func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms" validate:"min=1000"`
	CommonLabels string `mapstructure:"common-labels"`
}

func (m Metrics) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

type Config struct {
	Database     Database     `mapstructure:"database"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Redis        Redis        `mapstructure:"redis"`
	Gateway      Gateway      `mapstructure:"gateway"`
	Webhook      Webhook      `mapstructure:"webhook"`
	Retry        Retry        `mapstructure:"retry"`
	Notification Notification `mapstructure:"notification"`
	Server       Server       `mapstructure:"server"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Logs         Logs         `mapstructure:"logs"`
}

var defaults = map[string]any{
	"database.user":                     "",
	"database.password":                 "",
	"database.name":                     "",
	"database.host":                     "localhost",
	"database.port":                     "5432",
	"database.ssl-mode":                 "disable",
	"database.auto-migrate":             true,
	"kafka.writer.batch-size":           100,
	"kafka.writer.batch-timeout-ms":     100,
	"kafka.broker.url":                  "",
	"kafka.topic.notifications":         "payment-notifications",
	"redis.addr":                        "",
	"redis.password":                    "",
	"redis.db":                          0,
	"gateway.name":                      "AbacatePay",
	"gateway.base-url":                  "https://api.abacatepay.com",
	"gateway.api-key":                   "",
	"gateway.timeout-seconds":           30,
	"webhook.secret":                    "",
	"webhook.allow-public-key-fallback": false,
	"webhook.permissive":                false,
	"webhook.max-body-bytes":            1 << 20,
	"retry.enabled":                     true,
	"retry.interval-ms":                 300_000,
	"retry.max-attempts":                5,
	"retry.batch-size":                  50,
	"retry.lock-ttl-ms":                 240_000,
	"notification.admin-recipient":      "",
	"server.port":                       "8080",
	"server.admin-token":                "",
	"server.admin-open":                 false,
	"server.shutdown-timeout-ms":        10_000,
	"metrics.url":                       "",
	"metrics.interval-ms":               10_000,
	"metrics.common-labels":             "",
	"logs.url":                          "",
	"logs.level":                        "info",
}

// LoadConfig reads config.yaml from path, with an optional .env next to it.
// Environment variables override file values, e.g. WEBHOOK_SECRET or RETRY_MAX_ATTEMPTS.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "loading .env")
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &config, nil
}
