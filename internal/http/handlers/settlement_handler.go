// README: Split handlers for request creation, participant responses and reads.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mobility/internal/fault"
	"mobility/internal/http/middleware"
	"mobility/internal/modules/settlement"
	"mobility/internal/types"
)

type SettlementHandler struct {
	splits *settlement.Service
}

func NewSettlementHandler(splits *settlement.Service) *SettlementHandler {
	return &SettlementHandler{splits: splits}
}

type participantReq struct {
	UserID     string `json:"user_id"`
	Percentage int    `json:"percentage"`
}

type createSplitReq struct {
	Mode         string           `json:"mode"`
	Participants []participantReq `json:"participants"`
}

// Create splits the trip of rental :id; the caller is the requester.
func (h *SettlementHandler) Create(c *gin.Context) {
	rentalID, ok := pathID(c)
	if !ok {
		return
	}
	var req createSplitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "invalid json")
		return
	}
	if req.Mode == "" {
		req.Mode = string(settlement.ModeAutomatic)
	}
	ps := make([]settlement.ParticipantInput, 0, len(req.Participants))
	for _, p := range req.Participants {
		ps = append(ps, settlement.ParticipantInput{UserID: types.ID(p.UserID), Percentage: p.Percentage})
	}
	sr, err := h.splits.CreateRequest(c.Request.Context(), settlement.CreateCommand{
		RentalID:     rentalID,
		RequesterID:  caller(c),
		Participants: ps,
		Mode:         settlement.Mode(req.Mode),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, sr)
}

func (h *SettlementHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sr, err := h.splits.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !involved(sr, caller(c)) && middleware.CallerRole(c) != middleware.RoleOperator {
		writeDomainError(c, fault.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, sr)
}

type respondSplitReq struct {
	Accept *bool `json:"accept"`
}

func (h *SettlementHandler) Respond(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req respondSplitReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Accept == nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "accept is required")
		return
	}
	sr, err := h.splits.Respond(c.Request.Context(), settlement.RespondCommand{
		SplitID: id,
		UserID:  caller(c),
		Accept:  *req.Accept,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sr)
}

func involved(sr *settlement.SplitRequest, user types.ID) bool {
	if sr.RequesterID == user {
		return true
	}
	for _, p := range sr.Participants {
		if p.UserID == user {
			return true
		}
	}
	return false
}
