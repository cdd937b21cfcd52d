// Package notify defines the notification events the pipeline emits and the
// dispatchers that deliver them. Delivery is fire-and-forget for callers.
package notify

import (
	"time"

	"mobility/internal/types"
)

type Kind string

const (
	ReservationCreated   Kind = "reservation.created"
	ReservationCancelled Kind = "reservation.cancelled"
	ReservationExpired   Kind = "reservation.expired"
	RentalStarted        Kind = "rental.started"
	RentalPaused         Kind = "rental.paused"
	RentalResumed        Kind = "rental.resumed"
	RentalCompleted      Kind = "rental.completed"
	SplitCreated         Kind = "split.created"
	SplitResponded       Kind = "split.responded"
	SplitFinalized       Kind = "split.finalized"
)

type Event struct {
	Kind        Kind           `json:"kind"`
	RecipientID types.ID       `json:"recipient_id"`
	EntityID    types.ID       `json:"entity_id"`
	Data        map[string]any `json:"data,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
