// Package memory keeps every pipeline entity in process memory behind one
// mutex. It backs the memory store driver and the service tests; the views it
// hands out satisfy the reservation, rental and settlement store contracts.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mobility/internal/fault"
	"mobility/internal/modules/rental"
	"mobility/internal/modules/reservation"
	"mobility/internal/modules/settlement"
	"mobility/internal/types"
)

// Store is safe for concurrent use. Records are cloned on the way in and out
// so callers never share memory with the store.
type Store struct {
	mu           sync.Mutex
	reservations map[types.ID]*reservation.Reservation
	rentals      map[types.ID]*rental.Rental
	summaries    map[types.ID]*rental.TripSummary
	events       []rental.Event
	splits       map[types.ID]*settlement.SplitRequest
}

func New() *Store {
	return &Store{
		reservations: make(map[types.ID]*reservation.Reservation),
		rentals:      make(map[types.ID]*rental.Rental),
		summaries:    make(map[types.ID]*rental.TripSummary),
		splits:       make(map[types.ID]*settlement.SplitRequest),
	}
}

func (s *Store) Reservations() *ReservationStore { return &ReservationStore{s: s} }
func (s *Store) Rentals() *RentalStore           { return &RentalStore{s: s} }
func (s *Store) Splits() *SplitStore             { return &SplitStore{s: s} }

// vehicleRented reports an active or paused rental on vehicle. Caller holds mu.
func (s *Store) vehicleRented(vehicle types.ID) bool {
	for _, r := range s.rentals {
		if r.VehicleID == vehicle && !r.Status.Terminal() {
			return true
		}
	}
	return false
}

type ReservationStore struct{ s *Store }

func (v *ReservationStore) Create(_ context.Context, r *reservation.Reservation, now time.Time) ([]*reservation.Reservation, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var lapsed []*reservation.Reservation
	vehicleHeld, riderHeld := false, false
	for _, cur := range s.reservations {
		if cur.Status != reservation.StatusActive {
			continue
		}
		if cur.VehicleID != r.VehicleID && cur.RiderID != r.RiderID {
			continue
		}
		if cur.PastTTL(now) {
			lapsed = append(lapsed, cur)
			continue
		}
		vehicleHeld = vehicleHeld || cur.VehicleID == r.VehicleID
		riderHeld = riderHeld || cur.RiderID == r.RiderID
	}
	if vehicleHeld {
		return nil, fmt.Errorf("vehicle %s is held: %w", r.VehicleID, fault.ErrVehicleUnavailable)
	}
	if riderHeld {
		return nil, fmt.Errorf("rider %s: %w", r.RiderID, fault.ErrRiderHasActiveHold)
	}
	if s.vehicleRented(r.VehicleID) {
		return nil, fmt.Errorf("vehicle %s is rented: %w", r.VehicleID, fault.ErrVehicleUnavailable)
	}

	// Lapsed holds are expired only once the new hold is certain to land.
	expired := make([]*reservation.Reservation, 0, len(lapsed))
	for _, cur := range lapsed {
		at := now
		cur.Status, cur.Version, cur.ClosedAt = reservation.StatusExpired, cur.Version+1, &at
		expired = append(expired, cur.Clone())
	}
	s.reservations[r.ID] = r.Clone()
	return expired, nil
}

func (v *ReservationStore) Get(_ context.Context, id types.ID) (*reservation.Reservation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, fault.ErrNotFound)
	}
	return r.Clone(), nil
}

func (v *ReservationStore) UpdateStatus(_ context.Context, id types.ID, from, to reservation.Status, version int, at time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.reservations[id]
	if !ok {
		return false, fmt.Errorf("reservation %s: %w", id, fault.ErrNotFound)
	}
	if r.Status != from || r.Version != version {
		return false, nil
	}
	closed := at
	r.Status, r.Version, r.ClosedAt = to, r.Version+1, &closed
	return true, nil
}

func (v *ReservationStore) ExpireDue(_ context.Context, now time.Time) ([]*reservation.Reservation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*reservation.Reservation
	for _, r := range v.s.reservations {
		if r.PastTTL(now) {
			at := now
			r.Status, r.Version, r.ClosedAt = reservation.StatusExpired, r.Version+1, &at
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

type RentalStore struct{ s *Store }

func (v *RentalStore) CreateFromHold(_ context.Context, r *rental.Rental, holdVersion int, now time.Time) (bool, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	hold, ok := s.reservations[r.ReservationID]
	if !ok {
		return false, fmt.Errorf("reservation %s: %w", r.ReservationID, fault.ErrNotFound)
	}
	if hold.Status != reservation.StatusActive || hold.Version != holdVersion || now.After(hold.ExpiresAt) {
		return false, nil
	}
	if s.vehicleRented(r.VehicleID) {
		return false, fmt.Errorf("vehicle %s is rented: %w", r.VehicleID, fault.ErrVehicleUnavailable)
	}
	at := now
	hold.Status, hold.Version, hold.ClosedAt = reservation.StatusConverted, hold.Version+1, &at
	s.rentals[r.ID] = r.Clone()
	return true, nil
}

func (v *RentalStore) Get(_ context.Context, id types.ID) (*rental.Rental, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.rentals[id]
	if !ok {
		return nil, fmt.Errorf("rental %s: %w", id, fault.ErrNotFound)
	}
	return r.Clone(), nil
}

func (v *RentalStore) Update(_ context.Context, r *rental.Rental, version int) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return v.swap(r, version)
}

func (v *RentalStore) Complete(_ context.Context, r *rental.Rental, version int, sum *rental.TripSummary) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, exists := v.s.summaries[sum.RentalID]; exists {
		return false, nil
	}
	ok, err := v.swap(r, version)
	if err != nil || !ok {
		return false, err
	}
	cp := *sum
	v.s.summaries[sum.RentalID] = &cp
	return true, nil
}

// swap replaces the stored rental when version still matches. Caller holds mu.
func (v *RentalStore) swap(r *rental.Rental, version int) (bool, error) {
	cur, ok := v.s.rentals[r.ID]
	if !ok {
		return false, fmt.Errorf("rental %s: %w", r.ID, fault.ErrNotFound)
	}
	if cur.Version != version {
		return false, nil
	}
	next := r.Clone()
	next.Version = version + 1
	v.s.rentals[r.ID] = next
	return true, nil
}

func (v *RentalStore) Summary(_ context.Context, rentalID types.ID) (*rental.TripSummary, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	sum, ok := v.s.summaries[rentalID]
	if !ok {
		return nil, fmt.Errorf("trip summary %s: %w", rentalID, fault.ErrNotFound)
	}
	cp := *sum
	return &cp, nil
}

func (v *RentalStore) AppendEvent(_ context.Context, e *rental.Event) error {
	v.s.mu.Lock()
	v.s.events = append(v.s.events, *e)
	v.s.mu.Unlock()
	return nil
}

// Events returns the audit trail for one rental in append order.
func (v *RentalStore) Events(rentalID types.ID) []rental.Event {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []rental.Event
	for _, e := range v.s.events {
		if e.RentalID == rentalID {
			out = append(out, e)
		}
	}
	return out
}

type SplitStore struct{ s *Store }

func (v *SplitStore) Create(_ context.Context, sr *settlement.SplitRequest) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, cur := range v.s.splits {
		if cur.RentalID == sr.RentalID {
			return fmt.Errorf("rental %s already has a split request: %w", sr.RentalID, fault.ErrInvalidState)
		}
	}
	v.s.splits[sr.ID] = sr.Clone()
	return nil
}

func (v *SplitStore) Get(_ context.Context, id types.ID) (*settlement.SplitRequest, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	sr, ok := v.s.splits[id]
	if !ok {
		return nil, fmt.Errorf("split request %s: %w", id, fault.ErrNotFound)
	}
	return sr.Clone(), nil
}

func (v *SplitStore) Update(_ context.Context, sr *settlement.SplitRequest, version int) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cur, ok := v.s.splits[sr.ID]
	if !ok {
		return false, fmt.Errorf("split request %s: %w", sr.ID, fault.ErrNotFound)
	}
	if cur.Version != version {
		return false, nil
	}
	next := sr.Clone()
	next.Version = version + 1
	v.s.splits[sr.ID] = next
	return true, nil
}

func (v *SplitStore) ExpireDue(_ context.Context, now time.Time) ([]*settlement.SplitRequest, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*settlement.SplitRequest
	for _, sr := range v.s.splits {
		if sr.PastTTL(now) {
			at := now
			sr.Status, sr.Version, sr.ClosedAt = settlement.StatusExpired, sr.Version+1, &at
			out = append(out, sr.Clone())
		}
	}
	return out, nil
}

var (
	_ reservation.Store = (*ReservationStore)(nil)
	_ rental.Store      = (*RentalStore)(nil)
	_ settlement.Store  = (*SplitStore)(nil)
)
