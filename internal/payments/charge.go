// Package payments turns settled trip costs into charge instructions and hands
// them to a payment-execution backend. Card and gateway details stay outside.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mobility/internal/observability"
	"mobility/internal/types"
)

type Reason string

const (
	// ReasonTrip charges the rider the whole final cost.
	ReasonTrip Reason = "trip"
	// ReasonSplitShare charges one participant their accepted share.
	ReasonSplitShare Reason = "split_share"
	// ReasonSplitRemainder charges the requester what is left after shares.
	ReasonSplitRemainder Reason = "split_remainder"
	// ReasonSplitFallback charges the requester in full after a failed split.
	ReasonSplitFallback Reason = "split_fallback"
)

// Charge is "charge user X amount Y for trip Z".
type Charge struct {
	// IdempotencyKey is stable per trip, user and reason so a replay is
	// recognisable downstream.
	IdempotencyKey string      `json:"idempotency_key"`
	TripID         types.ID    `json:"trip_id"`
	UserID         types.ID    `json:"user_id"`
	Amount         types.Money `json:"amount"`
	Reason         Reason      `json:"reason"`
	CreatedAt      time.Time   `json:"created_at"`
}

func NewCharge(trip, user types.ID, amount types.Money, reason Reason, at time.Time) Charge {
	return Charge{
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", trip, user, reason),
		TripID:         trip,
		UserID:         user,
		Amount:         amount,
		Reason:         reason,
		CreatedAt:      at,
	}
}

type Executor interface {
	Execute(ctx context.Context, c Charge) error
}

// Emit executes every charge, skipping zero amounts. Failures are logged and
// counted; settlement is already final when charges go out.
func Emit(ctx context.Context, ex Executor, logger *slog.Logger, charges ...Charge) {
	if ex == nil {
		return
	}
	for _, c := range charges {
		if c.Amount.IsZero() {
			continue
		}
		result := "ok"
		if err := ex.Execute(ctx, c); err != nil {
			result = "error"
			if logger != nil {
				logger.Warn("charge failed",
					"trip_id", string(c.TripID), "user_id", string(c.UserID),
					"amount", c.Amount.Amount, "reason", string(c.Reason), "err", err)
			}
		}
		observability.ChargesEmitted.WithLabelValues(string(c.Reason), result).Inc()
	}
}

// LogExecutor only records the instruction in the log.
type LogExecutor struct {
	Logger *slog.Logger
}

func (l LogExecutor) Execute(_ context.Context, c Charge) error {
	l.Logger.Info("charge",
		"idempotency_key", c.IdempotencyKey, "trip_id", string(c.TripID), "user_id", string(c.UserID),
		"amount", c.Amount.Amount, "currency", c.Amount.Currency, "reason", string(c.Reason))
	return nil
}

// Recorder keeps charges in memory.
type Recorder struct {
	mu      sync.Mutex
	charges []Charge
}

func (r *Recorder) Execute(_ context.Context, c Charge) error {
	r.mu.Lock()
	r.charges = append(r.charges, c)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Charges() []Charge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Charge, len(r.charges))
	copy(out, r.charges)
	return out
}

// Total sums recorded amounts for one trip.
func (r *Recorder) Total(trip types.ID) int64 {
	var sum int64
	for _, c := range r.Charges() {
		if c.TripID == trip {
			sum += c.Amount.Amount
		}
	}
	return sum
}
