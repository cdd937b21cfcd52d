// README: Rental store contract and its PostgreSQL implementation (rentals, trip summaries, events).
package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mobility/internal/fault"
	"mobility/internal/infra"
	"mobility/internal/types"
)

// Store persists rentals. CreateFromHold converts the originating hold
// (active, at holdVersion, not past its TTL at now) and inserts r in one
// atomic step; false means the hold no longer qualified. Update and Complete
// are compare-and-swap on version.
type Store interface {
	CreateFromHold(ctx context.Context, r *Rental, holdVersion int, now time.Time) (bool, error)
	Get(ctx context.Context, id types.ID) (*Rental, error)
	Update(ctx context.Context, r *Rental, version int) (bool, error)
	Complete(ctx context.Context, r *Rental, version int, summary *TripSummary) (bool, error)
	Summary(ctx context.Context, rentalID types.ID) (*TripSummary, error)
	AppendEvent(ctx context.Context, e *Event) error
}

const constraintActiveVehicle = "rentals_active_vehicle"

type PGStore struct {
	db infra.TxQuerier
}

func NewPGStore(db infra.TxQuerier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateFromHold(ctx context.Context, r *Rental, holdVersion int, now time.Time) (ok bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(r.VehicleID)); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = 'converted', version = version + 1, closed_at = $3
		WHERE id = $1 AND status = 'active' AND version = $2 AND expires_at >= $3`,
		string(r.ReservationID), holdVersion, now,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	pauses, err := json.Marshal(r.Pauses)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO rentals (
			id, rider_id, vehicle_id, reservation_id, status, version,
			started_at, start_lat, start_lng, last_lat, last_lng, distance_m,
			rate_cents, currency, accrued_cents, accrued_at, pauses, ended_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)`,
		string(r.ID), string(r.RiderID), string(r.VehicleID), string(r.ReservationID), string(r.Status), r.Version,
		r.StartedAt, r.StartLocation.Lat, r.StartLocation.Lng, r.LastLocation.Lat, r.LastLocation.Lng, r.DistanceMeters,
		r.RatePerMinute.Amount, r.RatePerMinute.Currency, r.AccruedCost.Amount, r.AccruedAt, pauses, r.EndedAt,
	)
	if infra.IsUniqueViolation(err, constraintActiveVehicle) {
		err = fmt.Errorf("vehicle %s is rented: %w", r.VehicleID, fault.ErrVehicleUnavailable)
		return false, err
	}
	if err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Rental, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, rider_id, vehicle_id, reservation_id, status, version,
		       started_at, start_lat, start_lng, last_lat, last_lng, distance_m,
		       rate_cents, currency, accrued_cents, accrued_at, pauses, ended_at
		FROM rentals
		WHERE id = $1`, string(id),
	)
	var (
		r                               Rental
		rid, riderID, vehicleID, holdID string
		status                          string
		pauses                          []byte
	)
	err := row.Scan(
		&rid, &riderID, &vehicleID, &holdID, &status, &r.Version,
		&r.StartedAt, &r.StartLocation.Lat, &r.StartLocation.Lng, &r.LastLocation.Lat, &r.LastLocation.Lng, &r.DistanceMeters,
		&r.RatePerMinute.Amount, &r.RatePerMinute.Currency, &r.AccruedCost.Amount, &r.AccruedAt, &pauses, &r.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rental %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if r.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if len(pauses) > 0 {
		if err := json.Unmarshal(pauses, &r.Pauses); err != nil {
			return nil, fmt.Errorf("rental %s pauses: %w", id, err)
		}
	}
	r.ID, r.RiderID, r.VehicleID, r.ReservationID = types.ID(rid), types.ID(riderID), types.ID(vehicleID), types.ID(holdID)
	r.AccruedCost.Currency = r.RatePerMinute.Currency
	return &r, nil
}

func (s *PGStore) Update(ctx context.Context, r *Rental, version int) (bool, error) {
	return updateRental(ctx, s.db, r, version)
}

func (s *PGStore) Complete(ctx context.Context, r *Rental, version int, sum *TripSummary) (ok bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	if ok, err = updateRental(ctx, tx, r, version); err != nil || !ok {
		return false, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO trip_summaries (
			rental_id, vehicle_id, rider_id, started_at, ended_at, duration_ms, distance_m,
			total_cents, discount_cents, final_cents, currency,
			end_lat, end_lng, end_zone_id, end_address, charged_at_end
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		string(sum.RentalID), string(sum.VehicleID), string(sum.RiderID), sum.StartedAt, sum.EndedAt,
		sum.Duration.Milliseconds(), sum.DistanceMeters,
		sum.TotalCost.Amount, sum.Discount.Amount, sum.FinalCost.Amount, sum.FinalCost.Currency,
		sum.EndLocation.Lat, sum.EndLocation.Lng, string(sum.EndZoneID), sum.EndAddress, sum.ChargedAtEnd,
	)
	if err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) Summary(ctx context.Context, rentalID types.ID) (*TripSummary, error) {
	row := s.db.QueryRow(ctx, `
		SELECT rental_id, vehicle_id, rider_id, started_at, ended_at, duration_ms, distance_m,
		       total_cents, discount_cents, final_cents, currency,
		       end_lat, end_lng, end_zone_id, end_address, charged_at_end
		FROM trip_summaries
		WHERE rental_id = $1`, string(rentalID),
	)
	var (
		sum                             TripSummary
		rid, vehicleID, riderID, zoneID string
		durationMs                      int64
		currency                        string
	)
	err := row.Scan(
		&rid, &vehicleID, &riderID, &sum.StartedAt, &sum.EndedAt, &durationMs, &sum.DistanceMeters,
		&sum.TotalCost.Amount, &sum.Discount.Amount, &sum.FinalCost.Amount, &currency,
		&sum.EndLocation.Lat, &sum.EndLocation.Lng, &zoneID, &sum.EndAddress, &sum.ChargedAtEnd,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trip summary %s: %w", rentalID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sum.RentalID, sum.VehicleID, sum.RiderID, sum.EndZoneID = types.ID(rid), types.ID(vehicleID), types.ID(riderID), types.ID(zoneID)
	sum.Duration = time.Duration(durationMs) * time.Millisecond
	sum.TotalCost.Currency, sum.Discount.Currency, sum.FinalCost.Currency = currency, currency, currency
	return &sum, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rental_state_events (
			rental_id, from_status, to_status, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5)`,
		string(e.RentalID), string(e.FromStatus), string(e.ToStatus), string(e.ActorID), e.CreatedAt,
	)
	return err
}

func updateRental(ctx context.Context, q infra.Querier, r *Rental, version int) (bool, error) {
	pauses, err := json.Marshal(r.Pauses)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, `
		UPDATE rentals
		SET status = $1,
		    version = version + 1,
		    last_lat = $2,
		    last_lng = $3,
		    distance_m = $4,
		    accrued_cents = $5,
		    accrued_at = $6,
		    pauses = $7,
		    ended_at = $8
		WHERE id = $9 AND version = $10`,
		string(r.Status), r.LastLocation.Lat, r.LastLocation.Lng, r.DistanceMeters,
		r.AccruedCost.Amount, r.AccruedAt, pauses, r.EndedAt,
		string(r.ID), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
