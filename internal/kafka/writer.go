package kafka

import (
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"payment-webhook-service/internal/config"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 100
)

// NewWriter returns a synchronous writer for topic, or nil when no broker is configured.
func NewWriter(cfg config.Kafka, topic string) *kafka.Writer {
	if strings.TrimSpace(cfg.Broker.URL) == "" {
		return nil
	}

	batchSize := cfg.Writer.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchTimeout := cfg.Writer.BatchTimeoutMs
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Broker.URL, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              batchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(batchTimeout) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}
