package reconcile

import (
	"strings"

	"payment-reconciler/internal/model"
)

var gatewayStatuses = map[string]model.Status{
	"pending":      model.StatusPending,
	"in_process":   model.StatusPending,
	"in_mediation": model.StatusPending,
	"authorized":   model.StatusPending,
	"created":      model.StatusPending,

	"approved":   model.StatusApproved,
	"accredited": model.StatusApproved,
	"success":    model.StatusApproved,
	"succeeded":  model.StatusApproved,
	"paid":       model.StatusApproved,

	"completed": model.StatusCompleted,
	"done":      model.StatusCompleted,

	"rejected":     model.StatusRejected,
	"failure":      model.StatusRejected,
	"failed":       model.StatusRejected,
	"error":        model.StatusRejected,
	"charged_back": model.StatusRejected,
	"refunded":     model.StatusRejected,

	"cancelled": model.StatusCancelled,
	"canceled":  model.StatusCancelled,
	"expired":   model.StatusCancelled,
}

// MapGatewayStatus translates a raw upstream status. ok is false for
// anything unrecognized, which must never be treated as paid.
func MapGatewayStatus(raw string) (model.Status, bool) {
	s, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

func rank(s model.Status) int {
	switch s {
	case model.StatusPending:
		return 0
	case model.StatusApproved:
		return 1
	case model.StatusCompleted:
		return 2
	}
	return -1
}

// accepts reports whether a payment in current may move to next. Status is
// monotonic along pending < approved < completed; rejected and cancelled are
// reachable from any non-terminal state; terminal states accept nothing.
func accepts(current, next model.Status) bool {
	if current.Terminal() {
		return false
	}
	if next == model.StatusRejected || next == model.StatusCancelled {
		return true
	}
	return rank(next) >= rank(current)
}
