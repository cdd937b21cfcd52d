// README: Rental meter: accrual, pause/resume, telemetry distance and operator cancel.
package rental

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mobility/internal/fault"
	"mobility/internal/logging"
	"mobility/internal/modules/geo"
	"mobility/internal/notify"
	"mobility/internal/observability"
	"mobility/internal/payments"
	"mobility/internal/types"
)

// Promotions supplies the discount for a finished trip. Implementations may
// consume the rider's promotion but must return the same amount for every
// call with the same rental, since racing or retried ends each ask.
type Promotions interface {
	Discount(ctx context.Context, rentalID, riderID types.ID, total types.Money) (types.Money, error)
}

// AddressResolver labels the end location on the trip receipt.
type AddressResolver interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

type Deps struct {
	Clock      types.Clock
	Notifier   notify.Dispatcher
	Logger     *slog.Logger
	Promotions Promotions
	Payments   payments.Executor
	Addresses  AddressResolver
}

type Service struct {
	store      Store
	clock      types.Clock
	notifier   notify.Dispatcher
	logger     *slog.Logger
	promotions Promotions
	payments   payments.Executor
	addresses  AddressResolver
}

func NewService(store Store, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = types.SystemClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Service{
		store:      store,
		clock:      deps.Clock,
		notifier:   deps.Notifier,
		logger:     deps.Logger,
		promotions: deps.Promotions,
		payments:   deps.Payments,
		addresses:  deps.Addresses,
	}
}

// maxUpdateAttempts bounds re-reads after a lost compare-and-swap.
const maxUpdateAttempts = 3

func (s *Service) Get(ctx context.Context, id types.ID) (*Rental, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Summary(ctx context.Context, id types.ID) (*TripSummary, error) {
	return s.store.Summary(ctx, id)
}

// Accrue brings AccruedCost up to date. It never lowers the stored cost and
// leaves paused or finished rentals untouched, so redundant calls are safe.
func (s *Service) Accrue(ctx context.Context, id types.ID) (*Rental, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Status != StatusActive {
			return r, nil
		}
		now := s.clock.Now()
		if !accrue(r, now) {
			return r, nil
		}
		version := r.Version
		ok, err := s.store.Update(ctx, r, version)
		if err != nil {
			return nil, err
		}
		if ok {
			r.Version = version + 1
			return r, nil
		}
	}
	return nil, fmt.Errorf("rental %s accrual: %w", id, fault.ErrConflict)
}

type PauseCommand struct {
	RentalID types.ID
	RiderID  types.ID
}

func (s *Service) Pause(ctx context.Context, cmd PauseCommand) (*Rental, error) {
	return s.transition(ctx, cmd.RentalID, cmd.RiderID, StatusActive, StatusPaused, func(r *Rental, now time.Time) {
		accrue(r, now)
		r.Pauses = append(r.Pauses, PauseInterval{PausedAt: now})
	})
}

func (s *Service) Resume(ctx context.Context, cmd PauseCommand) (*Rental, error) {
	return s.transition(ctx, cmd.RentalID, cmd.RiderID, StatusPaused, StatusActive, func(r *Rental, now time.Time) {
		if p := r.openPause(); p != nil {
			p.ResumedAt = &now
		}
		// Restart the meter at now; the paused span adds nothing.
		r.AccruedAt = now
	})
}

type TrackCommand struct {
	RentalID types.ID
	RiderID  types.ID
	Location types.Point
}

// Track adds the leg from the last known position while active. Points
// reported during a pause only move the last position.
func (s *Service) Track(ctx context.Context, cmd TrackCommand) (*Rental, error) {
	if !cmd.Location.Valid() {
		return nil, fmt.Errorf("location %v: %w", cmd.Location, fault.ErrBadRequest)
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, err := s.store.Get(ctx, cmd.RentalID)
		if err != nil {
			return nil, err
		}
		if cmd.RiderID != "" && r.RiderID != cmd.RiderID {
			return nil, fmt.Errorf("rental %s: %w", r.ID, fault.ErrForbidden)
		}
		if r.Status.Terminal() {
			return nil, fmt.Errorf("rental %s is %s: %w", r.ID, r.Status, fault.ErrInvalidState)
		}
		if r.Status == StatusActive {
			r.DistanceMeters += geo.DistanceMeters(r.LastLocation, cmd.Location)
			accrue(r, s.clock.Now())
		}
		r.LastLocation = cmd.Location
		version := r.Version
		ok, err := s.store.Update(ctx, r, version)
		if err != nil {
			return nil, err
		}
		if ok {
			r.Version = version + 1
			return r, nil
		}
	}
	return nil, fmt.Errorf("rental %s track: %w", cmd.RentalID, fault.ErrConflict)
}

type CancelCommand struct {
	RentalID types.ID
	ActorID  types.ID
	Reason   string
}

// Cancel is an operator action: the rental ends without a trip summary or charge.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Rental, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, err := s.store.Get(ctx, cmd.RentalID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(r.Status, StatusCancelled) {
			return nil, fmt.Errorf("rental %s is %s: %w", r.ID, r.Status, fault.ErrInvalidState)
		}
		now := s.clock.Now()
		from, version := r.Status, r.Version
		if p := r.openPause(); p != nil {
			p.ResumedAt = &now
		}
		r.Status, r.EndedAt = StatusCancelled, &now
		ok, err := s.store.Update(ctx, r, version)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.Version = version + 1
		s.recordTransition(ctx, r, from, cmd.ActorID, now)
		observability.RentalsActive.Dec()
		s.logger.Info("rental cancelled", "rental_id", string(r.ID), "actor_id", string(cmd.ActorID), "reason", cmd.Reason)
		return r, nil
	}
	return nil, fmt.Errorf("rental %s cancel: %w", cmd.RentalID, fault.ErrConflict)
}

// transition applies an owner-initiated from→to change, re-reading on a lost
// swap so InvalidState always reflects the latest stored status.
func (s *Service) transition(ctx context.Context, id, riderID types.ID, from, to Status, mutate func(*Rental, time.Time)) (*Rental, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if riderID != "" && r.RiderID != riderID {
			return nil, fmt.Errorf("rental %s: %w", r.ID, fault.ErrForbidden)
		}
		if r.Status != from || !CanTransition(from, to) {
			return nil, fmt.Errorf("rental %s is %s: %w", r.ID, r.Status, fault.ErrInvalidState)
		}
		now := s.clock.Now()
		version := r.Version
		mutate(r, now)
		r.Status = to
		ok, err := s.store.Update(ctx, r, version)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.Version = version + 1
		s.recordTransition(ctx, r, from, riderID, now)
		kind := notify.RentalPaused
		if to == StatusActive {
			kind = notify.RentalResumed
		}
		notify.Send(ctx, s.notifier, s.logger, notify.Event{
			Kind:        kind,
			RecipientID: r.RiderID,
			EntityID:    r.ID,
			OccurredAt:  now,
		})
		s.logger.Info("rental "+string(to), "rental_id", string(r.ID), "accrued_cents", r.AccruedCost.Amount)
		return r, nil
	}
	return nil, fmt.Errorf("rental %s: %w", id, fault.ErrConflict)
}

func (s *Service) recordTransition(ctx context.Context, r *Rental, from Status, actor types.ID, at time.Time) {
	observability.RentalTransitions.WithLabelValues(string(r.Status)).Inc()
	if err := s.store.AppendEvent(ctx, &Event{
		RentalID:   r.ID,
		FromStatus: from,
		ToStatus:   r.Status,
		ActorID:    actor,
		CreatedAt:  at,
	}); err != nil {
		s.logger.Warn("rental event append failed", "rental_id", string(r.ID), "err", err)
	}
}

// accrue recomputes the cost up to now and reports whether anything changed.
// The result is never below the stored cost.
func accrue(r *Rental, now time.Time) bool {
	if now.Before(r.AccruedAt) {
		return false
	}
	cost := CostFor(r.RatePerMinute, r.BillableDuration(now))
	changed := !now.Equal(r.AccruedAt)
	if cost.Amount > r.AccruedCost.Amount {
		r.AccruedCost = cost
		changed = true
	}
	r.AccruedAt = now
	return changed
}
