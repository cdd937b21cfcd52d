// README: Authorized parking zones and the point-in-polygon test used at rental end.
package geo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mobility/internal/fault"
	"mobility/internal/types"
)

// Polygon is a closed ring of vertices; the last vertex connects back to the first.
type Polygon []types.Point

type Zone struct {
	ID       types.ID `json:"id"`
	Name     string   `json:"name"`
	Boundary Polygon  `json:"boundary"`
}

// ZoneSource supplies the polygon set for return-zone checks.
type ZoneSource interface {
	ActiveZones(ctx context.Context) ([]Zone, error)
}

// StaticZones is a fixed zone set, used by the memory driver and tests.
type StaticZones []Zone

func (z StaticZones) ActiveZones(context.Context) ([]Zone, error) {
	return []Zone(z), nil
}

// ZoneSet is a mutable in-process zone registry for the memory driver.
type ZoneSet struct {
	mu    sync.RWMutex
	zones map[types.ID]Zone
}

func NewZoneSet(zones ...Zone) *ZoneSet {
	zs := &ZoneSet{zones: make(map[types.ID]Zone, len(zones))}
	for _, z := range zones {
		zs.zones[z.ID] = z
	}
	return zs
}

func (zs *ZoneSet) ActiveZones(context.Context) ([]Zone, error) {
	zs.mu.RLock()
	defer zs.mu.RUnlock()
	out := make([]Zone, 0, len(zs.zones))
	for _, z := range zs.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (zs *ZoneSet) Upsert(_ context.Context, z Zone) error {
	zs.mu.Lock()
	defer zs.mu.Unlock()
	zs.zones[z.ID] = z
	return nil
}

// Validate requires an id and a ring of at least three valid vertices.
func (z Zone) Validate() error {
	if z.ID == "" || len(z.Boundary) < 3 {
		return fmt.Errorf("zone %q needs an id and three vertices: %w", z.ID, fault.ErrBadRequest)
	}
	for _, v := range z.Boundary {
		if !v.Valid() {
			return fmt.Errorf("zone %s vertex %v: %w", z.ID, v, fault.ErrBadRequest)
		}
	}
	return nil
}

// Contains uses even-odd ray casting along the latitude axis. Points exactly
// on an edge may fall either way.
func (pg Polygon) Contains(p types.Point) bool {
	n := len(pg)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := pg[i], pg[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			cross := (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lng
			if p.Lng < cross {
				inside = !inside
			}
		}
	}
	return inside
}

// Centroid is the vertex average; good enough for ranking nearby zones.
func (pg Polygon) Centroid() types.Point {
	if len(pg) == 0 {
		return types.Point{}
	}
	var c types.Point
	for _, v := range pg {
		c.Lat += v.Lat
		c.Lng += v.Lng
	}
	c.Lat /= float64(len(pg))
	c.Lng /= float64(len(pg))
	return c
}

// FindZone returns the first zone containing p.
func FindZone(p types.Point, zones []Zone) (Zone, bool) {
	for _, z := range zones {
		if z.Boundary.Contains(p) {
			return z, true
		}
	}
	return Zone{}, false
}

// NearestZones orders zones by the distance from p to their centroid and
// returns at most limit of them.
func NearestZones(p types.Point, zones []Zone, limit int) []Zone {
	type ranked struct {
		zone Zone
		dist float64
	}
	items := make([]ranked, len(zones))
	for i, z := range zones {
		items[i] = ranked{zone: z, dist: DistanceMeters(p, z.Boundary.Centroid())}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].dist < items[j].dist })
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]Zone, len(items))
	for i, r := range items {
		out[i] = r.zone
	}
	return out
}
