package event

import (
	"context"
	"errors"
	"time"
)

type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoller  Source = "poller"
	SourceAdmin   Source = "admin"
)

var ErrQueueClosed = errors.New("event queue closed")

// StatusEvent is one observation of a payment's gateway status, whichever
// producer saw it. Producers never deduplicate.
type StatusEvent struct {
	ExternalReference string    `json:"externalReference"`
	GatewayStatus     string    `json:"gatewayStatus"`
	Source            Source    `json:"source"`
	ObservedAt        time.Time `json:"observedAt"`
}

// Sink accepts events for asynchronous reconciliation.
type Sink interface {
	Enqueue(ctx context.Context, e StatusEvent) error
}
