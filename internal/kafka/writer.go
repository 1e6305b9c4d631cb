package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

var (
	publisherSuccessCounter = metrics.GetOrCreateCounter(`kafka_writer_total{result="success",type="status_event"}`)
	publisherErrorCounter   = metrics.GetOrCreateCounter(`kafka_writer_total{result="error",type="status_event"}`)
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewWriter(cfg config.Kafka) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Broker.URL, ",")...),
		Topic:                  cfg.Topic.StatusEvents,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              cfg.Writer.BatchSize,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           time.Duration(cfg.Writer.BatchTimeoutMs) * time.Millisecond,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

// Publisher is an event.Sink that puts status events on Kafka. The message
// key is the payment reference, so one partition sees all events of a
// payment in order.
type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewPublisher(writer MessageWriter, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Enqueue(ctx context.Context, e event.StatusEvent) error {
	value, err := json.Marshal(message.NewPaymentStatusEvent(e))
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ExternalReference),
		Value: value,
	})
	if err != nil {
		publisherErrorCounter.Inc()
		p.logger.ErrorContext(ctx, "Error writing status event to Kafka", "error", err)
		return err
	}

	publisherSuccessCounter.Inc()
	return nil
}
