// README: Rental handlers for metering (get/accrue/pause/resume/track), end and operator cancel.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mobility/internal/fault"
	"mobility/internal/http/middleware"
	"mobility/internal/modules/geo"
	"mobility/internal/modules/rental"
)

type RentalHandler struct {
	rentals *rental.Service
	zones   geo.ZoneSource
}

func NewRentalHandler(rentals *rental.Service, zones geo.ZoneSource) *RentalHandler {
	return &RentalHandler{rentals: rentals, zones: zones}
}

func (h *RentalHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.rentals.Get(c.Request.Context(), id)
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

func (h *RentalHandler) Accrue(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r, err := h.rentals.Get(ctx, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if r.RiderID != caller(c) {
		writeDomainError(c, fault.ErrForbidden)
		return
	}
	r, err = h.rentals.Accrue(ctx, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"rental_id":    r.ID,
		"status":       r.Status,
		"accrued_cost": r.AccruedCost,
		"accrued_at":   r.AccruedAt,
	})
}

func (h *RentalHandler) Pause(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.rentals.Pause(c.Request.Context(), rental.PauseCommand{RentalID: id, RiderID: caller(c)})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RentalHandler) Resume(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.rentals.Resume(c.Request.Context(), rental.PauseCommand{RentalID: id, RiderID: caller(c)})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type trackReq struct {
	Location pointReq `json:"location"`
}

func (h *RentalHandler) Track(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req trackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	r, err := h.rentals.Track(c.Request.Context(), rental.TrackCommand{
		RentalID: id,
		RiderID:  caller(c),
		Location: req.Location.point(),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"rental_id":       r.ID,
		"distance_meters": r.DistanceMeters,
		"last_location":   r.LastLocation,
	})
}

type endRentalReq struct {
	Location     pointReq `json:"location"`
	DeferPayment bool     `json:"defer_payment"`
}

func (h *RentalHandler) End(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req endRentalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	ctx := c.Request.Context()
	zones, err := h.zones.ActiveZones(ctx)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	sum, err := h.rentals.End(ctx, rental.EndCommand{
		RentalID:     id,
		RiderID:      caller(c),
		EndLocation:  req.Location.point(),
		Zones:        zones,
		DeferPayment: req.DeferPayment,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sum)
}

func (h *RentalHandler) Summary(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sum, err := h.rentals.Summary(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if sum.RiderID != caller(c) && middleware.CallerRole(c) != middleware.RoleOperator {
		writeDomainError(c, fault.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, sum)
}

type cancelRentalReq struct {
	Reason string `json:"reason"`
}

// Cancel is mounted behind the operator role.
func (h *RentalHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelRentalReq
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator_cancel"
	}
	r, err := h.rentals.Cancel(c.Request.Context(), rental.CancelCommand{
		RentalID: id,
		ActorID:  caller(c),
		Reason:   req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
