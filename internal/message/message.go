// Package message holds the wire format of status events carried on Kafka.
package message

import (
	"payment-reconciler/internal/event"

	"github.com/google/uuid"
)

const EventPaymentStatus = "payment.status"

type PaymentStatusEvent struct {
	ID      uuid.UUID         `json:"id"`
	Event   string            `json:"event"`
	Payload event.StatusEvent `json:"payload"`
}

func NewPaymentStatusEvent(e event.StatusEvent) PaymentStatusEvent {
	return PaymentStatusEvent{
		ID:      uuid.New(),
		Event:   EventPaymentStatus,
		Payload: e,
	}
}
