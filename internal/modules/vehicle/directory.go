// README: Vehicle directory backed by Redis GEO positions and per-vehicle rate hashes.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"mobility/internal/fault"
	"mobility/internal/types"
)

const DefaultGeoKey = "vehicles:geo"

type Vehicle struct {
	ID       types.ID    `json:"id"`
	Class    string      `json:"class"`
	Location types.Point `json:"location"`
	Rate     types.Money `json:"rate_per_minute"`
	// DistanceMeters is set by Nearby only.
	DistanceMeters float64 `json:"distance_meters,omitempty"`
}

type Directory struct {
	rdb    *redis.Client
	geoKey string
}

func NewDirectory(rdb *redis.Client, geoKey string) *Directory {
	if geoKey == "" {
		geoKey = DefaultGeoKey
	}
	return &Directory{rdb: rdb, geoKey: geoKey}
}

func metaKey(id types.ID) string { return "vehicle:" + string(id) }

// Register stores position and rate metadata for v.
func (d *Directory) Register(ctx context.Context, v Vehicle) error {
	if v.ID == "" || !v.Location.Valid() {
		return fmt.Errorf("vehicle %q at %v: %w", v.ID, v.Location, fault.ErrBadRequest)
	}
	if v.Rate.Amount < 0 || v.Rate.Currency == "" {
		return fmt.Errorf("vehicle %s rate %+v: %w", v.ID, v.Rate, fault.ErrBadRequest)
	}
	_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, d.geoKey, &redis.GeoLocation{Name: string(v.ID), Latitude: v.Location.Lat, Longitude: v.Location.Lng})
		p.HSet(ctx, metaKey(v.ID), map[string]any{
			"class":      v.Class,
			"rate_cents": strconv.FormatInt(v.Rate.Amount, 10),
			"currency":   v.Rate.Currency,
		})
		return nil
	})
	return err
}

func (d *Directory) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if !p.Valid() {
		return fmt.Errorf("location %v: %w", p, fault.ErrBadRequest)
	}
	exists, err := d.rdb.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("vehicle %s: %w", id, fault.ErrNotFound)
	}
	return d.rdb.GeoAdd(ctx, d.geoKey, &redis.GeoLocation{Name: string(id), Latitude: p.Lat, Longitude: p.Lng}).Err()
}

func (d *Directory) Location(ctx context.Context, id types.ID) (types.Point, error) {
	pos, err := d.rdb.GeoPos(ctx, d.geoKey, string(id)).Result()
	if err != nil {
		return types.Point{}, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return types.Point{}, fmt.Errorf("vehicle %s position: %w", id, fault.ErrNotFound)
	}
	return types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, nil
}

func (d *Directory) Rate(ctx context.Context, id types.ID) (types.Money, error) {
	meta, err := d.rdb.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return types.Money{}, err
	}
	return parseRate(id, meta)
}

func (d *Directory) Get(ctx context.Context, id types.ID) (*Vehicle, error) {
	meta, err := d.rdb.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, err
	}
	rate, err := parseRate(id, meta)
	if err != nil {
		return nil, err
	}
	loc, err := d.Location(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Vehicle{ID: id, Class: meta["class"], Location: loc, Rate: rate}, nil
}

// Nearby lists registered vehicles within radius of p, nearest first.
func (d *Directory) Nearby(ctx context.Context, p types.Point, radiusMeters float64, limit int) ([]Vehicle, error) {
	res, err := d.rdb.GeoRadius(ctx, d.geoKey, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Vehicle, 0, len(res))
	for _, g := range res {
		id := types.ID(g.Name)
		meta, err := d.rdb.HGetAll(ctx, metaKey(id)).Result()
		if err != nil {
			return nil, err
		}
		rate, err := parseRate(id, meta)
		if errors.Is(err, fault.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Vehicle{
			ID:             id,
			Class:          meta["class"],
			Location:       types.Point{Lat: g.Latitude, Lng: g.Longitude},
			Rate:           rate,
			DistanceMeters: g.Dist,
		})
	}
	return out, nil
}

func parseRate(id types.ID, meta map[string]string) (types.Money, error) {
	if len(meta) == 0 {
		return types.Money{}, fmt.Errorf("vehicle %s: %w", id, fault.ErrNotFound)
	}
	cents, err := strconv.ParseInt(meta["rate_cents"], 10, 64)
	if err != nil {
		return types.Money{}, fmt.Errorf("vehicle %s rate_cents %q: %w", id, meta["rate_cents"], err)
	}
	return types.Money{Amount: cents, Currency: meta["currency"]}, nil
}
