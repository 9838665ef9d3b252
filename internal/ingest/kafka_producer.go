package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
)

// MessageWriter is the slice of kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer streams bus telemetry keyed by device id, so one bus always
// lands on the same partition.
type KafkaProducer struct {
	writer MessageWriter
}

// NewKafkaProducer builds an async writer: WriteMessages returns once the
// message is buffered and delivery errors surface through the logger.
func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				observability.TelemetryPublishErrors.Add(float64(len(msgs)))
				logger.Warn("telemetry batch failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaProducer{writer: w}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishTelemetry(ctx context.Context, t models.BusTelemetry) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: t.Key(), Value: b, Time: t.ReportedAt}); err != nil {
		return fmt.Errorf("publish telemetry for %s: %w", t.DeviceID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeTelemetry parses one message written by PublishTelemetry.
func DecodeTelemetry(m kafka.Message) (models.BusTelemetry, error) {
	var t models.BusTelemetry
	if err := json.Unmarshal(m.Value, &t); err != nil {
		return t, fmt.Errorf("decode telemetry: %w", err)
	}
	if t.DeviceID == "" {
		return t, fmt.Errorf("decode telemetry: missing device_id")
	}
	return t, nil
}
