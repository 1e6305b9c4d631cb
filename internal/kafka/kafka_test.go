package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/event"
	"payment-reconciler/internal/message"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryTopic stands in for a broker: written messages are read back in order.
type memoryTopic struct {
	ch chan kafka.Message
}

func newMemoryTopic() *memoryTopic {
	return &memoryTopic{ch: make(chan kafka.Message, 16)}
}

func (m *memoryTopic) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		m.ch <- msg
	}
	return nil
}

func (m *memoryTopic) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

type collectingSink struct {
	mu     sync.Mutex
	events []event.StatusEvent
}

func (s *collectingSink) Enqueue(_ context.Context, e event.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *collectingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type failingWriter struct{}

func (failingWriter) WriteMessages(context.Context, ...kafka.Message) error {
	return errors.New("broker down")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisher_KeysByReference(t *testing.T) {
	topic := newMemoryTopic()
	publisher := NewPublisher(topic, discard())

	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, publisher.Enqueue(context.Background(), event.StatusEvent{
		ExternalReference: "mp-1", GatewayStatus: "approved", Source: event.SourceWebhook, ObservedAt: observed,
	}))

	msg := <-topic.ch
	assert.Equal(t, "mp-1", string(msg.Key))

	var decoded message.PaymentStatusEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, message.EventPaymentStatus, decoded.Event)
	assert.Equal(t, "approved", decoded.Payload.GatewayStatus)
	assert.Equal(t, event.SourceWebhook, decoded.Payload.Source)
	assert.True(t, observed.Equal(decoded.Payload.ObservedAt))
}

func TestPublisher_WriteError(t *testing.T) {
	publisher := NewPublisher(failingWriter{}, discard())
	err := publisher.Enqueue(context.Background(), event.StatusEvent{ExternalReference: "mp-1", GatewayStatus: "approved"})
	assert.Error(t, err)
}

func TestConsumeStatusEvents_FeedsSinkAndSkipsGarbage(t *testing.T) {
	topic := newMemoryTopic()
	publisher := NewPublisher(topic, discard())
	sink := &collectingSink{}

	require.NoError(t, topic.WriteMessages(context.Background(), kafka.Message{Key: []byte("x"), Value: []byte("not json")}))
	for _, status := range []string{"pending", "approved"} {
		require.NoError(t, publisher.Enqueue(context.Background(), event.StatusEvent{ExternalReference: "mp-1", GatewayStatus: status}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ConsumeStatusEvents(ctx, topic, sink, discard())
	}()

	assert.Eventually(t, func() bool { return sink.Len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "pending", sink.events[0].GatewayStatus)
	assert.Equal(t, "approved", sink.events[1].GatewayStatus)
}
