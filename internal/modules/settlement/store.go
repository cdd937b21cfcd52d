// README: Split request store contract and its PostgreSQL implementation.
package settlement

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

// Store persists split requests with their participants as one aggregate.
// Create refuses a second request for the same rental. Update is
// compare-and-swap on the request version and rewrites participant responses.
type Store interface {
	Create(ctx context.Context, sr *SplitRequest) error
	Get(ctx context.Context, id types.ID) (*SplitRequest, error)
	Update(ctx context.Context, sr *SplitRequest, version int) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]*SplitRequest, error)
}

const constraintOnePerRental = "split_requests_rental_key"

type PGStore struct {
	db infra.TxQuerier
}

func NewPGStore(db infra.TxQuerier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, sr *SplitRequest) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO split_requests (
			id, rental_id, requester_id, mode, status, version,
			final_cents, currency, requester_pct, requester_cents,
			created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(sr.ID), string(sr.RentalID), string(sr.RequesterID), string(sr.Mode), string(sr.Status), sr.Version,
		sr.FinalCost.Amount, sr.FinalCost.Currency, sr.RequesterPercentage, sr.RequesterShare.Amount,
		sr.CreatedAt, sr.ExpiresAt,
	)
	if infra.IsUniqueViolation(err, constraintOnePerRental) {
		err = fmt.Errorf("rental %s already has a split request: %w", sr.RentalID, fault.ErrInvalidState)
		return err
	}
	if err != nil {
		return err
	}
	for i, p := range sr.Participants {
		if _, err = tx.Exec(ctx, `
			INSERT INTO split_participants (
				split_id, position, user_id, percentage, amount_cents, status, responded_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(sr.ID), i, string(p.UserID), p.Percentage, p.Amount.Amount, string(p.Status), p.RespondedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*SplitRequest, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, rental_id, requester_id, mode, status, version,
		       final_cents, currency, requester_pct, requester_cents,
		       created_at, expires_at, closed_at
		FROM split_requests
		WHERE id = $1`, string(id),
	)
	var (
		sr                       SplitRequest
		sid, rentalID, requester string
		mode, status, currency   string
	)
	err := row.Scan(
		&sid, &rentalID, &requester, &mode, &status, &sr.Version,
		&sr.FinalCost.Amount, &currency, &sr.RequesterPercentage, &sr.RequesterShare.Amount,
		&sr.CreatedAt, &sr.ExpiresAt, &sr.ClosedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("split request %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sr.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if sr.Mode, err = ParseMode(mode); err != nil {
		return nil, err
	}
	sr.ID, sr.RentalID, sr.RequesterID = types.ID(sid), types.ID(rentalID), types.ID(requester)
	sr.FinalCost.Currency, sr.RequesterShare.Currency = currency, currency

	rows, err := s.db.Query(ctx, `
		SELECT user_id, percentage, amount_cents, status, responded_at
		FROM split_participants
		WHERE split_id = $1
		ORDER BY position`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p             Participant
			userID, pstat string
		)
		if err := rows.Scan(&userID, &p.Percentage, &p.Amount.Amount, &pstat, &p.RespondedAt); err != nil {
			return nil, err
		}
		if p.Status, err = ParseParticipantStatus(pstat); err != nil {
			return nil, err
		}
		p.UserID, p.Amount.Currency = types.ID(userID), currency
		sr.Participants = append(sr.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sr, nil
}

func (s *PGStore) Update(ctx context.Context, sr *SplitRequest, version int) (ok bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE split_requests
		SET status = $1, version = version + 1, closed_at = $2
		WHERE id = $3 AND version = $4`,
		string(sr.Status), sr.ClosedAt, string(sr.ID), version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	for _, p := range sr.Participants {
		if _, err = tx.Exec(ctx, `
			UPDATE split_participants
			SET status = $1, responded_at = $2
			WHERE split_id = $3 AND user_id = $4`,
			string(p.Status), p.RespondedAt, string(sr.ID), string(p.UserID),
		); err != nil {
			return false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) ExpireDue(ctx context.Context, now time.Time) ([]*SplitRequest, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE split_requests
		SET status = 'expired', version = version + 1, closed_at = $1
		WHERE status = 'pending' AND expires_at < $1
		RETURNING id`, now,
	)
	if err != nil {
		return nil, err
	}
	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*SplitRequest, 0, len(ids))
	for _, id := range ids {
		sr, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}
