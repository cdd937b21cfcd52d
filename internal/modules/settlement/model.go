// README: Split request aggregate, participant responses and share allocation.
package settlement

import (
	"fmt"
	"time"

	"mobility/internal/fault"
	"mobility/internal/types"
)

type Status string

const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusAccepted, StatusRejected, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown split status %q", s)
}

func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

var AllowedTransitions = map[Status][]Status{
	StatusNone:    {StatusPending},
	StatusPending: {StatusAccepted, StatusRejected, StatusExpired},
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

type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "pending"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantRejected ParticipantStatus = "rejected"
)

func ParseParticipantStatus(s string) (ParticipantStatus, error) {
	switch st := ParticipantStatus(s); st {
	case ParticipantPending, ParticipantAccepted, ParticipantRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown participant status %q", s)
}

type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeManual    Mode = "manual"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAutomatic, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("split mode %q: %w", s, fault.ErrBadRequest)
}

type Participant struct {
	UserID      types.ID          `json:"user_id"`
	Percentage  int               `json:"percentage"`
	Amount      types.Money       `json:"amount"`
	Status      ParticipantStatus `json:"status"`
	RespondedAt *time.Time        `json:"responded_at,omitempty"`
}

type SplitRequest struct {
	ID           types.ID      `json:"id"`
	RentalID     types.ID      `json:"rental_id"`
	RequesterID  types.ID      `json:"requester_id"`
	Mode         Mode          `json:"mode"`
	Status       Status        `json:"status"`
	Version      int           `json:"version"`
	FinalCost    types.Money   `json:"final_cost"`
	Participants []Participant `json:"participants"`
	// RequesterPercentage and RequesterShare hold whatever the participants
	// do not cover.
	RequesterPercentage int         `json:"requester_percentage"`
	RequesterShare      types.Money `json:"requester_share"`
	CreatedAt           time.Time   `json:"created_at"`
	ExpiresAt           time.Time   `json:"expires_at"`
	ClosedAt            *time.Time  `json:"closed_at,omitempty"`
}

func (sr *SplitRequest) Clone() *SplitRequest {
	c := *sr
	c.Participants = make([]Participant, len(sr.Participants))
	for i, p := range sr.Participants {
		c.Participants[i] = p
		if p.RespondedAt != nil {
			t := *p.RespondedAt
			c.Participants[i].RespondedAt = &t
		}
	}
	if sr.ClosedAt != nil {
		t := *sr.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// PastTTL reports whether a pending request has outlived its expires-at.
func (sr *SplitRequest) PastTTL(now time.Time) bool {
	return sr.Status == StatusPending && now.After(sr.ExpiresAt)
}

// participant returns the index of user, or -1.
func (sr *SplitRequest) participant(user types.ID) int {
	for i, p := range sr.Participants {
		if p.UserID == user {
			return i
		}
	}
	return -1
}

func (sr *SplitRequest) allAccepted() bool {
	for _, p := range sr.Participants {
		if p.Status != ParticipantAccepted {
			return false
		}
	}
	return true
}

// Allocation is the per-participant result of splitting a final cost.
type Allocation struct {
	Percentages []int
	Amounts     []types.Money
}

// AllocateAutomatic splits final equally among participants plus the
// requester. Integer-division remainders, of both percentage and cents, go to
// the first participant.
func AllocateAutomatic(final types.Money, participants int) Allocation {
	parties := int64(participants + 1)
	pct := 100 / int(parties)
	pctRem := 100 % int(parties)
	share := final.Amount / parties
	shareRem := final.Amount % parties

	out := Allocation{
		Percentages: make([]int, participants),
		Amounts:     make([]types.Money, participants),
	}
	for i := range out.Percentages {
		out.Percentages[i] = pct
		out.Amounts[i] = types.Money{Amount: share, Currency: final.Currency}
	}
	if participants > 0 {
		out.Percentages[0] += pctRem
		out.Amounts[0].Amount += shareRem
	}
	return out
}

// AllocateManual validates caller-supplied percentages and derives each amount
// as round(final × pct / 100).
func AllocateManual(final types.Money, percentages []int) (Allocation, error) {
	sum := 0
	for _, pct := range percentages {
		if pct < 1 || pct > 99 {
			return Allocation{}, fmt.Errorf("percentage %d outside [1, 99]: %w", pct, fault.ErrInvalidPercentage)
		}
		sum += pct
	}
	if sum > 99 {
		return Allocation{}, fmt.Errorf("percentages sum to %d: %w", sum, fault.ErrPercentageExceeded)
	}
	out := Allocation{
		Percentages: append([]int(nil), percentages...),
		Amounts:     make([]types.Money, len(percentages)),
	}
	for i, pct := range percentages {
		out.Amounts[i] = final.Percent(pct)
	}
	return out, nil
}
