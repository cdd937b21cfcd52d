// README: Base handler utilities (JSON helpers, caller lookup, error kind to status mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mobility/internal/fault"
	"mobility/internal/http/middleware"
	"mobility/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// pointReq is the wire shape of a coordinate pair.
type pointReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p pointReq) point() types.Point { return types.Point{Lat: p.Lat, Lng: p.Lng} }

// isValidID accepts uuid-style and short operator-assigned ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func caller(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, kind, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Kind: kind})
}

var statusByKind = map[error]int{
	fault.ErrNotFound:            http.StatusNotFound,
	fault.ErrForbidden:           http.StatusForbidden,
	fault.ErrNotAParticipant:     http.StatusForbidden,
	fault.ErrInvalidState:        http.StatusConflict,
	fault.ErrVehicleUnavailable:  http.StatusConflict,
	fault.ErrRiderHasActiveHold:  http.StatusConflict,
	fault.ErrAlreadyResponded:    http.StatusConflict,
	fault.ErrAlreadyConverted:    http.StatusConflict,
	fault.ErrConflict:            http.StatusConflict,
	fault.ErrExpired:             http.StatusGone,
	fault.ErrTooFarFromVehicle:   http.StatusUnprocessableEntity,
	fault.ErrNotInAuthorizedZone: http.StatusUnprocessableEntity,
	fault.ErrInvalidPercentage:   http.StatusUnprocessableEntity,
	fault.ErrPercentageExceeded:  http.StatusUnprocessableEntity,
	fault.ErrBadRequest:          http.StatusBadRequest,
}

func statusFor(err error) int {
	for sentinel, status := range statusByKind {
		if errors.Is(err, sentinel) {
			return status
		}
	}
	return http.StatusInternalServerError
}

func writeDomainError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		writeError(c, status, "Internal", "internal error")
		return
	}
	writeError(c, status, fault.Kind(err), err.Error())
}
