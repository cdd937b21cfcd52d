// README: Unlock authorization: hold validity, rider proximity, atomic hold→rental conversion.
package unlock

import (
	"context"
	"fmt"
	"log/slog"

	"mobility/internal/fault"
	"mobility/internal/logging"
	"mobility/internal/modules/geo"
	"mobility/internal/modules/rental"
	"mobility/internal/modules/reservation"
	"mobility/internal/notify"
	"mobility/internal/observability"
	"mobility/internal/types"
)

// DefaultMaxDistanceMeters is the proximity policy when the caller sets none.
const DefaultMaxDistanceMeters = 30.0

// Holds reads reservations with lazy expiry applied.
type Holds interface {
	Get(ctx context.Context, id types.ID) (*reservation.Reservation, error)
}

// RateSource supplies the per-minute rate for a vehicle.
type RateSource interface {
	Rate(ctx context.Context, vehicleID types.ID) (types.Money, error)
}

type Config struct {
	MaxDistanceMeters float64
}

type Deps struct {
	Clock    types.Clock
	Notifier notify.Dispatcher
	Logger   *slog.Logger
}

type Service struct {
	holds       Holds
	rentals     rental.Store
	rates       RateSource
	maxDistance float64
	clock       types.Clock
	notifier    notify.Dispatcher
	logger      *slog.Logger
}

func NewService(holds Holds, rentals rental.Store, rates RateSource, cfg Config, deps Deps) *Service {
	if cfg.MaxDistanceMeters <= 0 {
		cfg.MaxDistanceMeters = DefaultMaxDistanceMeters
	}
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
		holds:       holds,
		rentals:     rentals,
		rates:       rates,
		maxDistance: cfg.MaxDistanceMeters,
		clock:       deps.Clock,
		notifier:    deps.Notifier,
		logger:      deps.Logger,
	}
}

type AuthorizeCommand struct {
	ReservationID   types.ID
	RiderID         types.ID
	RiderLocation   types.Point
	VehicleLocation types.Point
	// MaxDistanceMeters of zero selects the configured policy.
	MaxDistanceMeters float64
}

func (s *Service) Authorize(ctx context.Context, cmd AuthorizeCommand) (*rental.Rental, error) {
	r, err := s.authorize(ctx, cmd)
	outcome := "granted"
	if err != nil {
		outcome = fault.Kind(err)
	}
	observability.UnlockAttempts.WithLabelValues(outcome).Inc()
	return r, err
}

func (s *Service) authorize(ctx context.Context, cmd AuthorizeCommand) (*rental.Rental, error) {
	hold, err := s.holds.Get(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}
	if hold.RiderID != cmd.RiderID {
		return nil, fmt.Errorf("reservation %s: %w", hold.ID, fault.ErrForbidden)
	}
	if err := holdUsable(hold); err != nil {
		return nil, err
	}
	if !cmd.RiderLocation.Valid() || !cmd.VehicleLocation.Valid() {
		return nil, fmt.Errorf("locations %v %v: %w", cmd.RiderLocation, cmd.VehicleLocation, fault.ErrBadRequest)
	}

	limit := cmd.MaxDistanceMeters
	if limit <= 0 {
		limit = s.maxDistance
	}
	if d := geo.DistanceMeters(cmd.RiderLocation, cmd.VehicleLocation); d > limit {
		return nil, fmt.Errorf("rider %.1fm from vehicle, limit %.1fm: %w", d, limit, fault.ErrTooFarFromVehicle)
	}

	rate, err := s.rates.Rate(ctx, hold.VehicleID)
	if err != nil {
		return nil, fmt.Errorf("rate for vehicle %s: %w", hold.VehicleID, err)
	}

	now := s.clock.Now()
	rent := &rental.Rental{
		ID:            types.NewID(),
		RiderID:       hold.RiderID,
		VehicleID:     hold.VehicleID,
		ReservationID: hold.ID,
		Status:        rental.StatusActive,
		StartedAt:     now,
		StartLocation: cmd.RiderLocation,
		LastLocation:  cmd.RiderLocation,
		RatePerMinute: rate,
		AccruedCost:   types.Money{Currency: rate.Currency},
		AccruedAt:     now,
		Pauses:        []rental.PauseInterval{},
	}
	ok, err := s.rentals.CreateFromHold(ctx, rent, hold.Version, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The hold moved on between the read and the swap; classify what won.
		latest, err := s.holds.Get(ctx, hold.ID)
		if err != nil {
			return nil, err
		}
		if err := holdUsable(latest); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("reservation %s changed during unlock: %w", hold.ID, fault.ErrConflict)
	}

	observability.RentalTransitions.WithLabelValues(string(rental.StatusActive)).Inc()
	observability.RentalsActive.Inc()
	observability.ReservationTransitions.WithLabelValues(string(reservation.StatusConverted)).Inc()
	if err := s.rentals.AppendEvent(ctx, &rental.Event{
		RentalID:   rent.ID,
		FromStatus: rental.StatusNone,
		ToStatus:   rental.StatusActive,
		ActorID:    cmd.RiderID,
		CreatedAt:  now,
	}); err != nil {
		s.logger.Warn("rental event append failed", "rental_id", string(rent.ID), "err", err)
	}
	s.logger.Info("rental started",
		"rental_id", string(rent.ID), "reservation_id", string(hold.ID),
		"vehicle_id", string(rent.VehicleID), "rate_cents", rate.Amount)
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Kind:        notify.RentalStarted,
		RecipientID: rent.RiderID,
		EntityID:    rent.ID,
		Data:        map[string]any{"vehicle_id": rent.VehicleID, "rate_cents": rate.Amount},
		OccurredAt:  now,
	})
	return rent, nil
}

// holdUsable maps a hold that can no longer be converted to its error kind.
func holdUsable(h *reservation.Reservation) error {
	switch h.Status {
	case reservation.StatusActive:
		return nil
	case reservation.StatusConverted:
		return fmt.Errorf("reservation %s: %w", h.ID, fault.ErrAlreadyConverted)
	case reservation.StatusExpired:
		return fmt.Errorf("reservation %s: %w", h.ID, fault.ErrExpired)
	default:
		return fmt.Errorf("reservation %s is %s: %w", h.ID, h.Status, fault.ErrInvalidState)
	}
}
