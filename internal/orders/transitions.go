package orders

import (
	"slices"

	"github.com/mbd888/escrowsync/internal/documents"
)

var transitions = map[documents.OrderStatus][]documents.OrderStatus{
	documents.OrderCreated: {
		documents.OrderEscrowPending, documents.OrderCancelled, documents.OrderDisputed,
	},
	documents.OrderEscrowPending: {
		documents.OrderEscrowLocked, documents.OrderCancelled, documents.OrderDisputed, documents.OrderExpired,
	},
	documents.OrderEscrowLocked: {
		documents.OrderPaymentPending, documents.OrderPaymentSubmitted, documents.OrderDisputed,
		documents.OrderExpired, documents.OrderRefunded,
	},
	documents.OrderPaymentPending: {
		documents.OrderPaymentSubmitted, documents.OrderDisputed, documents.OrderExpired, documents.OrderRefunded,
	},
	documents.OrderPaymentSubmitted: {
		documents.OrderPaymentVerified, documents.OrderPaymentPending, documents.OrderDisputed,
	},
	documents.OrderPaymentVerified: {
		documents.OrderCompleted, documents.OrderDisputed,
	},
	documents.OrderDisputed: {
		documents.OrderCompleted, documents.OrderRefunded,
	},
}

// CanTransition reports whether the lifecycle permits moving from one
// status to another. Terminal statuses have no outgoing edges.
func CanTransition(from, to documents.OrderStatus) bool {
	return slices.Contains(transitions[from], to)
}

// sources lists every status with an edge into to.
func sources(to documents.OrderStatus) []documents.OrderStatus {
	var out []documents.OrderStatus
	for _, from := range documents.OrderStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
