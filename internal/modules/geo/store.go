// README: Parking-zone store backed by PostgreSQL (boundary kept as JSONB).
package geo

import (
	"context"
	"encoding/json"
	"fmt"

	"mobility/internal/infra"
	"mobility/internal/types"
)

type Store struct {
	db infra.Querier
}

func NewStore(db infra.Querier) *Store {
	return &Store{db: db}
}

func (s *Store) ActiveZones(ctx context.Context) ([]Zone, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, boundary
		FROM parking_zones
		WHERE active
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var (
			z   Zone
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &z.Name, &raw); err != nil {
			return nil, err
		}
		z.ID = types.ID(id)
		if err := json.Unmarshal(raw, &z.Boundary); err != nil {
			return nil, fmt.Errorf("zone %s boundary: %w", id, err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, z Zone) error {
	raw, err := json.Marshal(z.Boundary)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO parking_zones (id, name, boundary, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, boundary = EXCLUDED.boundary, active = TRUE`,
		string(z.ID), z.Name, raw,
	)
	return err
}
