// README: Reservation service creates, cancels and expires time-boxed vehicle holds.
package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mobility/internal/fault"
	"mobility/internal/logging"
	"mobility/internal/notify"
	"mobility/internal/observability"
	"mobility/internal/types"
)

const (
	DefaultTTL = 15 * time.Minute
	MaxTTL     = 2 * time.Hour
)

type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

type Deps struct {
	Clock    types.Clock
	Notifier notify.Dispatcher
	Logger   *slog.Logger
}

type Service struct {
	store    Store
	cfg      Config
	clock    types.Clock
	notifier notify.Dispatcher
	logger   *slog.Logger
}

func NewService(store Store, cfg Config, deps Deps) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = MaxTTL
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
	return &Service{store: store, cfg: cfg, clock: deps.Clock, notifier: deps.Notifier, logger: deps.Logger}
}

type CreateCommand struct {
	RiderID   types.ID
	VehicleID types.ID
	// TTL of zero selects the configured default.
	TTL time.Duration
}

type CancelCommand struct {
	ReservationID types.ID
	RiderID       types.ID
}

func (s *Service) CreateHold(ctx context.Context, cmd CreateCommand) (*Reservation, error) {
	if cmd.RiderID == "" || cmd.VehicleID == "" {
		return nil, fmt.Errorf("rider and vehicle required: %w", fault.ErrBadRequest)
	}
	ttl := cmd.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < 0 || ttl > s.cfg.MaxTTL {
		return nil, fmt.Errorf("ttl %s outside (0, %s]: %w", ttl, s.cfg.MaxTTL, fault.ErrBadRequest)
	}

	now := s.clock.Now()
	r := &Reservation{
		ID:        types.NewID(),
		RiderID:   cmd.RiderID,
		VehicleID: cmd.VehicleID,
		Status:    StatusActive,
		Version:   0,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	expired, err := s.store.Create(ctx, r, now)
	if err != nil {
		return nil, err
	}
	for _, h := range expired {
		s.afterExpire(ctx, h, now)
	}
	observability.ReservationTransitions.WithLabelValues(string(StatusActive)).Inc()
	s.logger.Info("hold created",
		"reservation_id", string(r.ID), "rider_id", string(r.RiderID),
		"vehicle_id", string(r.VehicleID), "expires_at", r.ExpiresAt)
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Kind:        notify.ReservationCreated,
		RecipientID: r.RiderID,
		EntityID:    r.ID,
		Data:        map[string]any{"vehicle_id": r.VehicleID, "expires_at": r.ExpiresAt},
		OccurredAt:  now,
	})
	return r, nil
}

// Get returns the hold, expiring it first if its TTL has lapsed.
func (s *Service) Get(ctx context.Context, id types.ID) (*Reservation, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if r.PastTTL(now) {
		if err := s.expire(ctx, r, now); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, id)
	}
	return r, nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Reservation, error) {
	r, err := s.store.Get(ctx, cmd.ReservationID)
	if err != nil {
		return nil, err
	}
	if r.RiderID != cmd.RiderID {
		return nil, fmt.Errorf("reservation %s: %w", r.ID, fault.ErrForbidden)
	}
	now := s.clock.Now()
	if r.PastTTL(now) {
		if err := s.expire(ctx, r, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("reservation %s: %w", r.ID, fault.ErrExpired)
	}
	if !CanTransition(r.Status, StatusCancelled) {
		return nil, fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, fault.ErrInvalidState)
	}
	ok, err := s.store.UpdateStatus(ctx, r.ID, r.Status, StatusCancelled, r.Version, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost to a concurrent unlock, expiry or cancel; report what won.
		latest, err := s.store.Get(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("reservation %s is %s: %w", r.ID, latest.Status, fault.ErrInvalidState)
	}
	r.Status, r.Version, r.ClosedAt = StatusCancelled, r.Version+1, &now
	observability.ReservationTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	s.logger.Info("hold cancelled", "reservation_id", string(r.ID), "rider_id", string(r.RiderID))
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Kind:        notify.ReservationCancelled,
		RecipientID: r.RiderID,
		EntityID:    r.ID,
		OccurredAt:  now,
	})
	return r, nil
}

// ExpireStale transitions every active hold past its TTL to expired. Safe to
// run concurrently with conversions: a converted hold is no longer active.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.ExpireDue(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, r := range expired {
		s.afterExpire(ctx, r, now)
	}
	return len(expired), nil
}

// RunExpirySweeper calls ExpireStale every interval until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireStale(ctx); err != nil {
				s.logger.Error("hold expiry sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("hold expiry sweep", "expired", n)
			}
		}
	}
}

// expire is a no-op when something else already moved the hold on.
func (s *Service) expire(ctx context.Context, r *Reservation, now time.Time) error {
	ok, err := s.store.UpdateStatus(ctx, r.ID, StatusActive, StatusExpired, r.Version, now)
	if err != nil {
		return err
	}
	if ok {
		r.Status, r.Version, r.ClosedAt = StatusExpired, r.Version+1, &now
		s.afterExpire(ctx, r, now)
	}
	return nil
}

func (s *Service) afterExpire(ctx context.Context, r *Reservation, now time.Time) {
	observability.ReservationTransitions.WithLabelValues(string(StatusExpired)).Inc()
	s.logger.Info("hold expired", "reservation_id", string(r.ID), "vehicle_id", string(r.VehicleID))
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Kind:        notify.ReservationExpired,
		RecipientID: r.RiderID,
		EntityID:    r.ID,
		OccurredAt:  now,
	})
}
