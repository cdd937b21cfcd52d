// README: Settlement coordinator: split creation, participant consensus, expiry and charges.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mobility/internal/fault"
	"mobility/internal/logging"
	"mobility/internal/modules/rental"
	"mobility/internal/notify"
	"mobility/internal/observability"
	"mobility/internal/payments"
	"mobility/internal/types"
)

const (
	DefaultTTL      = 24 * time.Hour
	MaxParticipants = 4
	// maxRespondAttempts bounds re-reads after a lost compare-and-swap.
	maxRespondAttempts = 3
)

// Trips reads finalized trip summaries.
type Trips interface {
	Summary(ctx context.Context, rentalID types.ID) (*rental.TripSummary, error)
}

type Config struct {
	TTL time.Duration
}

type Deps struct {
	Clock    types.Clock
	Notifier notify.Dispatcher
	Logger   *slog.Logger
	Payments payments.Executor
}

type Service struct {
	store    Store
	trips    Trips
	ttl      time.Duration
	clock    types.Clock
	notifier notify.Dispatcher
	logger   *slog.Logger
	payments payments.Executor
}

func NewService(store Store, trips Trips, cfg Config, deps Deps) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
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
		store:    store,
		trips:    trips,
		ttl:      cfg.TTL,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		payments: deps.Payments,
	}
}

type ParticipantInput struct {
	UserID types.ID
	// Percentage is read in manual mode only.
	Percentage int
}

type CreateCommand struct {
	RentalID     types.ID
	RequesterID  types.ID
	Participants []ParticipantInput
	Mode         Mode
}

type RespondCommand struct {
	SplitID types.ID
	UserID  types.ID
	Accept  bool
}

func (s *Service) CreateRequest(ctx context.Context, cmd CreateCommand) (*SplitRequest, error) {
	if err := validateParticipants(cmd.RequesterID, cmd.Participants); err != nil {
		return nil, err
	}
	if _, err := ParseMode(string(cmd.Mode)); err != nil {
		return nil, err
	}
	if cmd.Mode == ModeManual {
		pcts := make([]int, len(cmd.Participants))
		for i, p := range cmd.Participants {
			pcts[i] = p.Percentage
		}
		// Percentage errors do not depend on the trip; report them first.
		if _, err := AllocateManual(types.Money{}, pcts); err != nil {
			return nil, err
		}
	}

	trip, err := s.trips.Summary(ctx, cmd.RentalID)
	if err != nil {
		return nil, err
	}
	if trip.RiderID != cmd.RequesterID {
		return nil, fmt.Errorf("trip %s: %w", cmd.RentalID, fault.ErrForbidden)
	}
	if trip.ChargedAtEnd {
		return nil, fmt.Errorf("trip %s was charged at end: %w", cmd.RentalID, fault.ErrInvalidState)
	}

	alloc, err := s.allocate(trip.FinalCost, cmd)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sr := &SplitRequest{
		ID:           types.NewID(),
		RentalID:     trip.RentalID,
		RequesterID:  cmd.RequesterID,
		Mode:         cmd.Mode,
		Status:       StatusPending,
		FinalCost:    trip.FinalCost,
		Participants: make([]Participant, len(cmd.Participants)),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	pctSum, amountSum := 0, int64(0)
	for i, in := range cmd.Participants {
		sr.Participants[i] = Participant{
			UserID:     in.UserID,
			Percentage: alloc.Percentages[i],
			Amount:     alloc.Amounts[i],
			Status:     ParticipantPending,
		}
		pctSum += alloc.Percentages[i]
		amountSum += alloc.Amounts[i].Amount
	}
	sr.RequesterPercentage = 100 - pctSum
	sr.RequesterShare = types.Money{Amount: trip.FinalCost.Amount - amountSum, Currency: trip.FinalCost.Currency}

	if err := s.store.Create(ctx, sr); err != nil {
		return nil, err
	}
	observability.SplitTransitions.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("split requested",
		"split_id", string(sr.ID), "rental_id", string(sr.RentalID), "mode", string(sr.Mode),
		"participants", len(sr.Participants), "requester_cents", sr.RequesterShare.Amount)
	for _, p := range sr.Participants {
		notify.Send(ctx, s.notifier, s.logger, notify.Event{
			Kind:        notify.SplitCreated,
			RecipientID: p.UserID,
			EntityID:    sr.ID,
			Data:        map[string]any{"amount_cents": p.Amount.Amount, "percentage": p.Percentage, "expires_at": sr.ExpiresAt},
			OccurredAt:  now,
		})
	}
	return sr, nil
}

func (s *Service) allocate(final types.Money, cmd CreateCommand) (Allocation, error) {
	if cmd.Mode == ModeAutomatic {
		return AllocateAutomatic(final, len(cmd.Participants)), nil
	}
	pcts := make([]int, len(cmd.Participants))
	for i, p := range cmd.Participants {
		pcts[i] = p.Percentage
	}
	alloc, err := AllocateManual(final, pcts)
	if err != nil {
		return Allocation{}, err
	}
	var sum int64
	for _, a := range alloc.Amounts {
		sum += a.Amount
	}
	// Per-participant rounding can overshoot tiny totals.
	if sum > final.Amount {
		return Allocation{}, fmt.Errorf("shares %d exceed final cost %d: %w", sum, final.Amount, fault.ErrPercentageExceeded)
	}
	return alloc, nil
}

func validateParticipants(requester types.ID, ps []ParticipantInput) error {
	if requester == "" {
		return fmt.Errorf("requester required: %w", fault.ErrBadRequest)
	}
	if len(ps) < 1 || len(ps) > MaxParticipants {
		return fmt.Errorf("%d participants outside [1, %d]: %w", len(ps), MaxParticipants, fault.ErrBadRequest)
	}
	seen := make(map[types.ID]struct{}, len(ps))
	for _, p := range ps {
		if p.UserID == "" {
			return fmt.Errorf("participant id required: %w", fault.ErrBadRequest)
		}
		if p.UserID == requester {
			return fmt.Errorf("requester %s listed as participant: %w", requester, fault.ErrBadRequest)
		}
		if _, dup := seen[p.UserID]; dup {
			return fmt.Errorf("participant %s listed twice: %w", p.UserID, fault.ErrBadRequest)
		}
		seen[p.UserID] = struct{}{}
	}
	return nil
}

// Get returns the request, expiring it first if its TTL has lapsed.
func (s *Service) Get(ctx context.Context, id types.ID) (*SplitRequest, error) {
	sr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if sr.PastTTL(now) {
		if _, err := s.expire(ctx, sr, now); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, id)
	}
	return sr, nil
}

// Respond records one participant's answer. A rejection closes the request;
// the last acceptance closes it as accepted. A lost swap re-reads and decides
// again against the latest stored state.
func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (*SplitRequest, error) {
	for attempt := 0; attempt < maxRespondAttempts; attempt++ {
		sr, err := s.store.Get(ctx, cmd.SplitID)
		if err != nil {
			return nil, err
		}
		idx := sr.participant(cmd.UserID)
		if idx < 0 {
			return nil, fmt.Errorf("split %s user %s: %w", sr.ID, cmd.UserID, fault.ErrNotAParticipant)
		}
		if sr.Participants[idx].Status != ParticipantPending {
			return nil, fmt.Errorf("split %s user %s: %w", sr.ID, cmd.UserID, fault.ErrAlreadyResponded)
		}
		if sr.Status == StatusExpired {
			return nil, fmt.Errorf("split %s: %w", sr.ID, fault.ErrExpired)
		}
		if sr.Status.Terminal() {
			return nil, fmt.Errorf("split %s is %s: %w", sr.ID, sr.Status, fault.ErrInvalidState)
		}

		now := s.clock.Now()
		if sr.PastTTL(now) {
			ok, err := s.expire(ctx, sr, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			return nil, fmt.Errorf("split %s: %w", sr.ID, fault.ErrExpired)
		}

		version := sr.Version
		p := &sr.Participants[idx]
		p.RespondedAt = &now
		if cmd.Accept {
			p.Status = ParticipantAccepted
			if sr.allAccepted() {
				sr.Status, sr.ClosedAt = StatusAccepted, &now
			}
		} else {
			p.Status = ParticipantRejected
			sr.Status, sr.ClosedAt = StatusRejected, &now
		}
		ok, err := s.store.Update(ctx, sr, version)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		sr.Version = version + 1

		s.logger.Info("split response",
			"split_id", string(sr.ID), "user_id", string(cmd.UserID), "accept", cmd.Accept, "status", string(sr.Status))
		notify.Send(ctx, s.notifier, s.logger, notify.Event{
			Kind:        notify.SplitResponded,
			RecipientID: sr.RequesterID,
			EntityID:    sr.ID,
			Data:        map[string]any{"user_id": cmd.UserID, "accept": cmd.Accept},
			OccurredAt:  now,
		})
		if sr.Status.Terminal() {
			s.finalize(ctx, sr, now)
		}
		return sr, nil
	}
	return nil, fmt.Errorf("split %s respond: %w", cmd.SplitID, fault.ErrConflict)
}

// ExpireStale transitions every pending request past its TTL to expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.ExpireDue(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, sr := range expired {
		s.finalize(ctx, sr, now)
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
				s.logger.Error("split expiry sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Info("split expiry sweep", "expired", n)
			}
		}
	}
}

// expire reports false when another writer changed the request first.
func (s *Service) expire(ctx context.Context, sr *SplitRequest, now time.Time) (bool, error) {
	version := sr.Version
	sr.Status, sr.ClosedAt = StatusExpired, &now
	ok, err := s.store.Update(ctx, sr, version)
	if err != nil || !ok {
		return false, err
	}
	sr.Version = version + 1
	s.finalize(ctx, sr, now)
	return true, nil
}

// finalize runs once per request, by whichever writer won the terminal swap.
func (s *Service) finalize(ctx context.Context, sr *SplitRequest, now time.Time) {
	observability.SplitTransitions.WithLabelValues(string(sr.Status)).Inc()
	s.logger.Info("split finalized", "split_id", string(sr.ID), "rental_id", string(sr.RentalID), "status", string(sr.Status))

	var charges []payments.Charge
	if sr.Status == StatusAccepted {
		for _, p := range sr.Participants {
			charges = append(charges, payments.NewCharge(sr.RentalID, p.UserID, p.Amount, payments.ReasonSplitShare, now))
		}
		charges = append(charges, payments.NewCharge(sr.RentalID, sr.RequesterID, sr.RequesterShare, payments.ReasonSplitRemainder, now))
	} else {
		charges = append(charges, payments.NewCharge(sr.RentalID, sr.RequesterID, sr.FinalCost, payments.ReasonSplitFallback, now))
	}
	payments.Emit(ctx, s.payments, s.logger, charges...)

	recipients := []types.ID{sr.RequesterID}
	for _, p := range sr.Participants {
		recipients = append(recipients, p.UserID)
	}
	for _, r := range recipients {
		notify.Send(ctx, s.notifier, s.logger, notify.Event{
			Kind:        notify.SplitFinalized,
			RecipientID: r,
			EntityID:    sr.ID,
			Data:        map[string]any{"status": string(sr.Status)},
			OccurredAt:  now,
		})
	}
}
