package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

type Metrics struct {
	ReadErrorCounter      *metrics.Counter
	UnmarshalErrorCounter *metrics.Counter
	ProcessErrorCounter   *metrics.Counter
	SuccessCounter        *metrics.Counter
}

var statusEventMetrics = Metrics{
	ReadErrorCounter:      metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="status_event"}`),
	UnmarshalErrorCounter: metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="status_event"}`),
	ProcessErrorCounter:   metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="status_event"}`),
	SuccessCounter:        metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="status_event"}`),
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Broker.URL, ","),
		GroupID: cfg.Reader.GroupID,
		Topic:   cfg.Topic.StatusEvents,
	})
}

// ConsumeStatusEvents hands every status event read from Kafka to sink until
// ctx is done. A message that cannot be decoded is logged and skipped.
func ConsumeStatusEvents(ctx context.Context, reader MessageReader, sink event.Sink, logger *slog.Logger) {
	readMessages(ctx, reader, logger, func(ctx context.Context, value []byte) error {
		var m message.PaymentStatusEvent
		if err := json.Unmarshal(value, &m); err != nil {
			statusEventMetrics.UnmarshalErrorCounter.Inc()
			return fmt.Errorf("unmarshal status event: %w", err)
		}
		if m.Event != message.EventPaymentStatus || m.Payload.ExternalReference == "" {
			statusEventMetrics.UnmarshalErrorCounter.Inc()
			return fmt.Errorf("unexpected message %q", m.Event)
		}
		return sink.Enqueue(ctx, m.Payload)
	}, statusEventMetrics)
}

func readMessages(ctx context.Context, reader MessageReader, logger *slog.Logger, process func(context.Context, []byte) error, kafkaMetrics Metrics) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.InfoContext(ctx, "Context done, stopping Kafka reader")
				return
			}
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			kafkaMetrics.ReadErrorCounter.Inc()
			continue
		}
		logger.DebugContext(ctx, "Received message", "topic", m.Topic, "key", string(m.Key))

		if err := process(ctx, m.Value); err != nil {
			logger.ErrorContext(ctx, "Error processing message", "error", err, "key", string(m.Key))
			kafkaMetrics.ProcessErrorCounter.Inc()
			continue
		}
		kafkaMetrics.SuccessCounter.Inc()
	}
}
