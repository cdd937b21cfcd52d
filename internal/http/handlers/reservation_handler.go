// README: Reservation handlers for create/get/cancel and the unlock that converts a hold.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mobility/internal/fault"
	"mobility/internal/http/middleware"
	"mobility/internal/modules/reservation"
	"mobility/internal/modules/unlock"
	"mobility/internal/types"
)

// VehicleLocator reports the directory position of a vehicle.
type VehicleLocator interface {
	Location(ctx context.Context, id types.ID) (types.Point, error)
}

type ReservationHandler struct {
	reservations *reservation.Service
	unlock       *unlock.Service
	vehicles     VehicleLocator
}

func NewReservationHandler(reservations *reservation.Service, unlockSvc *unlock.Service, vehicles VehicleLocator) *ReservationHandler {
	return &ReservationHandler{reservations: reservations, unlock: unlockSvc, vehicles: vehicles}
}

type createReservationReq struct {
	VehicleID  string `json:"vehicle_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *ReservationHandler) Create(c *gin.Context) {
	var req createReservationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	if !isValidID(req.VehicleID) || req.TTLSeconds < 0 {
		writeError(c, http.StatusBadRequest, "BadRequest", "missing fields")
		return
	}
	r, err := h.reservations.CreateHold(c.Request.Context(), reservation.CreateCommand{
		RiderID:   caller(c),
		VehicleID: types.ID(req.VehicleID),
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *ReservationHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.reservations.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if r.RiderID != caller(c) && middleware.CallerRole(c) != middleware.RoleOperator {
		writeDomainError(c, fault.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *ReservationHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.reservations.Cancel(c.Request.Context(), reservation.CancelCommand{
		ReservationID: id,
		RiderID:       caller(c),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type unlockReq struct {
	Location pointReq `json:"location"`
}

// Unlock starts a rental from the caller's hold; the vehicle position comes
// from the directory, never from the client.
func (h *ReservationHandler) Unlock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req unlockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	ctx := c.Request.Context()
	hold, err := h.reservations.Get(ctx, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if hold.RiderID != caller(c) {
		writeDomainError(c, fault.ErrForbidden)
		return
	}
	vehicleAt, err := h.vehicles.Location(ctx, hold.VehicleID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	r, err := h.unlock.Authorize(ctx, unlock.AuthorizeCommand{
		ReservationID:   id,
		RiderID:         caller(c),
		RiderLocation:   req.Location.point(),
		VehicleLocation: vehicleAt,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}
