// README: Fleet handlers: nearby vehicles for riders; vehicle, zone and promotion admin for operators.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mobility/internal/modules/geo"
	"mobility/internal/modules/promotion"
	"mobility/internal/modules/vehicle"
	"mobility/internal/types"
)

// ZoneWriter persists a parking zone; geo.Store and geo.ZoneSet satisfy it.
type ZoneWriter interface {
	Upsert(ctx context.Context, z geo.Zone) error
}

const (
	defaultNearbyRadiusMeters = 500
	defaultNearbyLimit        = 20
)

type FleetHandler struct {
	vehicles   *vehicle.Directory
	zones      geo.ZoneSource
	zoneWriter ZoneWriter
	promos     *promotion.Store
	currency   string
}

func NewFleetHandler(vehicles *vehicle.Directory, zones geo.ZoneSource, zoneWriter ZoneWriter, promos *promotion.Store, currency string) *FleetHandler {
	return &FleetHandler{vehicles: vehicles, zones: zones, zoneWriter: zoneWriter, promos: promos, currency: currency}
}

// Nearby answers GET /api/vehicles/nearby?lat=..&lng=..[&radius=..&limit=..].
func (h *FleetHandler) Nearby(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	p := types.Point{Lat: lat, Lng: lng}
	if err1 != nil || err2 != nil || !p.Valid() {
		writeError(c, http.StatusBadRequest, "BadRequest", "lat and lng required")
		return
	}
	radius := float64(defaultNearbyRadiusMeters)
	if v := c.Query("radius"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			writeError(c, http.StatusBadRequest, "BadRequest", "invalid radius")
			return
		}
		radius = r
	}
	limit := defaultNearbyLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "BadRequest", "invalid limit")
			return
		}
		limit = n
	}
	vs, err := h.vehicles.Nearby(c.Request.Context(), p, radius, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"vehicles": vs})
}

type registerVehicleReq struct {
	ID        string   `json:"id"`
	Class     string   `json:"class"`
	Location  pointReq `json:"location"`
	RateCents int64    `json:"rate_cents"`
	Currency  string   `json:"currency"`
}

func (h *FleetHandler) RegisterVehicle(c *gin.Context) {
	var req registerVehicleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	if !isValidID(req.ID) {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid vehicle id")
		return
	}
	if req.Currency == "" {
		req.Currency = h.currency
	}
	v := vehicle.Vehicle{
		ID:       types.ID(req.ID),
		Class:    req.Class,
		Location: req.Location.point(),
		Rate:     types.Money{Amount: req.RateCents, Currency: req.Currency},
	}
	if err := h.vehicles.Register(c.Request.Context(), v); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, v)
}

type vehicleLocationReq struct {
	Location pointReq `json:"location"`
}

func (h *FleetHandler) UpdateVehicleLocation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req vehicleLocationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	if err := h.vehicles.UpdateLocation(c.Request.Context(), id, req.Location.point()); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListZones answers GET /api/zones[?lat=..&lng=..[&limit=..]]. With a
// position the zones come back nearest first, so a rider can find where to
// return the vehicle.
func (h *FleetHandler) ListZones(c *gin.Context) {
	zones, err := h.zones.ActiveZones(c.Request.Context())
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if c.Query("lat") == "" && c.Query("lng") == "" {
		writeJSON(c, http.StatusOK, map[string]any{"zones": zones})
		return
	}
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	p := types.Point{Lat: lat, Lng: lng}
	if err1 != nil || err2 != nil || !p.Valid() {
		writeError(c, http.StatusBadRequest, "BadRequest", "lat and lng must be given together")
		return
	}
	limit := defaultNearbyLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "BadRequest", "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(c, http.StatusOK, map[string]any{"zones": geo.NearestZones(p, zones, limit)})
}

type zoneReq struct {
	Name     string     `json:"name"`
	Boundary []pointReq `json:"boundary"`
}

// PutZone answers PUT /api/admin/zones/:id.
func (h *FleetHandler) PutZone(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req zoneReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	z := geo.Zone{ID: id, Name: req.Name, Boundary: make(geo.Polygon, 0, len(req.Boundary))}
	for _, p := range req.Boundary {
		z.Boundary = append(z.Boundary, p.point())
	}
	if err := z.Validate(); err != nil {
		writeDomainError(c, err)
		return
	}
	if err := h.zoneWriter.Upsert(c.Request.Context(), z); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, z)
}

type grantPromotionReq struct {
	RiderID    string `json:"rider_id"`
	Cents      int64  `json:"cents"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *FleetHandler) GrantPromotion(c *gin.Context) {
	var req grantPromotionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	if !isValidID(req.RiderID) || req.TTLSeconds < 0 {
		writeError(c, http.StatusBadRequest, "BadRequest", "missing fields")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.promos.Grant(c.Request.Context(), types.ID(req.RiderID), req.Cents, ttl); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, map[string]any{"rider_id": req.RiderID, "cents": req.Cents})
}
