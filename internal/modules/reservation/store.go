// README: Reservation store contract and its PostgreSQL implementation.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mobility/internal/fault"
	"mobility/internal/infra"
	"mobility/internal/types"
)

// Store persists holds. Create enforces one active hold per vehicle and per
// rider, and refuses vehicles that have an active or paused rental. Holds on
// the same vehicle or rider already past their TTL at now are expired first
// and returned, so the caller can announce them; on error nothing is expired.
type Store interface {
	Create(ctx context.Context, r *Reservation, now time.Time) ([]*Reservation, error)
	Get(ctx context.Context, id types.ID) (*Reservation, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]*Reservation, error)
}

const (
	constraintActiveVehicle = "reservations_active_vehicle"
	constraintActiveRider   = "reservations_active_rider"
)

type PGStore struct {
	db infra.TxQuerier
}

func NewPGStore(db infra.TxQuerier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, r *Reservation, now time.Time) (expired []*Reservation, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			expired = nil
			_ = tx.Rollback(ctx)
		}
	}()

	// Serializes with rental creation for the same vehicle.
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(r.VehicleID)); err != nil {
		return nil, err
	}
	if expired, err = expireLapsed(ctx, tx, r, now); err != nil {
		return nil, err
	}

	var rented bool
	if err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rentals
			WHERE vehicle_id = $1 AND status IN ('active','paused')
		)`, string(r.VehicleID),
	).Scan(&rented); err != nil {
		return nil, err
	}
	if rented {
		err = fmt.Errorf("vehicle %s is rented: %w", r.VehicleID, fault.ErrVehicleUnavailable)
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (
			id, rider_id, vehicle_id, status, version, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(r.ID), string(r.RiderID), string(r.VehicleID),
		string(r.Status), r.Version, r.CreatedAt, r.ExpiresAt,
	)
	switch {
	case infra.IsUniqueViolation(err, constraintActiveVehicle):
		err = fmt.Errorf("vehicle %s is held: %w", r.VehicleID, fault.ErrVehicleUnavailable)
		return nil, err
	case infra.IsUniqueViolation(err, constraintActiveRider):
		err = fmt.Errorf("rider %s: %w", r.RiderID, fault.ErrRiderHasActiveHold)
		return nil, err
	case err != nil:
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return expired, nil
}

// expireLapsed clears lapsed holds that would block r.
func expireLapsed(ctx context.Context, q infra.Querier, r *Reservation, now time.Time) ([]*Reservation, error) {
	rows, err := q.Query(ctx, `
		UPDATE reservations
		SET status = 'expired', version = version + 1, closed_at = $3
		WHERE (vehicle_id = $1 OR rider_id = $2)
		  AND status = 'active'
		  AND expires_at < $3
		RETURNING id, rider_id, vehicle_id, status, version, created_at, expires_at, closed_at`,
		string(r.VehicleID), string(r.RiderID), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		h, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Reservation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, rider_id, vehicle_id, status, version, created_at, expires_at, closed_at
		FROM reservations
		WHERE id = $1`, string(id),
	)
	r, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, fault.ErrNotFound)
	}
	return r, err
}

func (s *PGStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE reservations
		SET status = $1,
		    version = version + 1,
		    closed_at = $2
		WHERE id = $3 AND status = $4 AND version = $5`,
		string(to), at, string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ExpireDue(ctx context.Context, now time.Time) ([]*Reservation, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE reservations
		SET status = 'expired', version = version + 1, closed_at = $1
		WHERE status = 'active' AND expires_at < $1
		RETURNING id, rider_id, vehicle_id, status, version, created_at, expires_at, closed_at`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		r                      Reservation
		id, riderID, vehicleID string
		status                 string
	)
	if err := row.Scan(&id, &riderID, &vehicleID, &status, &r.Version, &r.CreatedAt, &r.ExpiresAt, &r.ClosedAt); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	r.ID, r.RiderID, r.VehicleID, r.Status = types.ID(id), types.ID(riderID), types.ID(vehicleID), st
	return &r, nil
}
