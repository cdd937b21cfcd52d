// README: Reservation (vehicle hold) aggregate and status definitions.
package reservation

import (
	"fmt"
	"time"

	"mobility/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusConverted Status = "converted"
)

// ParseStatus rejects anything outside the closed status set.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusExpired, StatusCancelled, StatusConverted:
		return st, nil
	}
	return "", fmt.Errorf("unknown reservation status %q", s)
}

func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled || s == StatusConverted
}

type Reservation struct {
	ID        types.ID   `json:"id"`
	RiderID   types.ID   `json:"rider_id"`
	VehicleID types.ID   `json:"vehicle_id"`
	Status    Status     `json:"status"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// PastTTL reports whether an active hold has outlived its expires-at.
func (r *Reservation) PastTTL(now time.Time) bool {
	return r.Status == StatusActive && now.After(r.ExpiresAt)
}

// Clone returns a copy safe to mutate independently.
func (r *Reservation) Clone() *Reservation {
	c := *r
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// AllowedTransitions represents the hold state flow as code. Every target is terminal.
var AllowedTransitions = map[Status][]Status{
	StatusNone:   {StatusActive},
	StatusActive: {StatusExpired, StatusCancelled, StatusConverted},
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
