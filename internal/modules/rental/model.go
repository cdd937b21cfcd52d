// README: Rental aggregate, pause intervals, trip summary and status definitions.
package rental

import (
	"fmt"
	"time"

	"mobility/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown rental status %q", s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AllowedTransitions represents the rental state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusNone:   {StatusActive},
	StatusActive: {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused: {StatusActive, StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// PauseInterval is [PausedAt, ResumedAt); ResumedAt is nil while open.
type PauseInterval struct {
	PausedAt  time.Time  `json:"paused_at"`
	ResumedAt *time.Time `json:"resumed_at,omitempty"`
}

type Rental struct {
	ID             types.ID        `json:"id"`
	RiderID        types.ID        `json:"rider_id"`
	VehicleID      types.ID        `json:"vehicle_id"`
	ReservationID  types.ID        `json:"reservation_id"`
	Status         Status          `json:"status"`
	Version        int             `json:"version"`
	StartedAt      time.Time       `json:"started_at"`
	StartLocation  types.Point     `json:"start_location"`
	LastLocation   types.Point     `json:"last_location"`
	DistanceMeters float64         `json:"distance_meters"`
	RatePerMinute  types.Money     `json:"rate_per_minute"`
	AccruedCost    types.Money     `json:"accrued_cost"`
	AccruedAt      time.Time       `json:"accrued_at"`
	Pauses         []PauseInterval `json:"pauses"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

func (r *Rental) Clone() *Rental {
	c := *r
	c.Pauses = make([]PauseInterval, len(r.Pauses))
	for i, p := range r.Pauses {
		c.Pauses[i] = p
		if p.ResumedAt != nil {
			t := *p.ResumedAt
			c.Pauses[i].ResumedAt = &t
		}
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// openPause returns the trailing interval that has not been resumed.
func (r *Rental) openPause() *PauseInterval {
	if n := len(r.Pauses); n > 0 && r.Pauses[n-1].ResumedAt == nil {
		return &r.Pauses[n-1]
	}
	return nil
}

// BillableDuration is wall-clock time from start to at (or EndedAt, when
// set) minus every pause interval; an open pause counts up to the same bound.
func (r *Rental) BillableDuration(at time.Time) time.Duration {
	end := at
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	billable := end.Sub(r.StartedAt)
	for _, p := range r.Pauses {
		stop := end
		if p.ResumedAt != nil && p.ResumedAt.Before(end) {
			stop = *p.ResumedAt
		}
		if stop.After(p.PausedAt) {
			billable -= stop.Sub(p.PausedAt)
		}
	}
	if billable < 0 {
		return 0
	}
	return billable
}

// CostFor prices a billable duration pro rata per minute, truncated to the cent.
func CostFor(rate types.Money, billable time.Duration) types.Money {
	amount := billable.Milliseconds() * rate.Amount / int64(time.Minute/time.Millisecond)
	return types.Money{Amount: amount, Currency: rate.Currency}
}

// TripSummary is written once when a rental completes and never changes.
type TripSummary struct {
	RentalID       types.ID      `json:"rental_id"`
	VehicleID      types.ID      `json:"vehicle_id"`
	RiderID        types.ID      `json:"rider_id"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
	Duration       time.Duration `json:"duration"`
	DistanceMeters float64       `json:"distance_meters"`
	TotalCost      types.Money   `json:"total_cost"`
	Discount       types.Money   `json:"discount"`
	FinalCost      types.Money   `json:"final_cost"`
	EndLocation    types.Point   `json:"end_location"`
	EndZoneID      types.ID      `json:"end_zone_id"`
	EndAddress     string        `json:"end_address,omitempty"`
	ChargedAtEnd   bool          `json:"charged_at_end"`
}

// Event is the rental audit trail entry, mirroring status changes.
type Event struct {
	RentalID   types.ID
	FromStatus Status
	ToStatus   Status
	ActorID    types.ID
	CreatedAt  time.Time
}
