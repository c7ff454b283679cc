// Package call exposes read-only call history over HTTP.
package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meshtalk-backend/internal/service/call"
	"meshtalk-backend/pkg/pagination"
	"meshtalk-backend/pkg/response"
)

// Handler handles call history HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// ListCalls returns the authenticated user's call history, newest first
// GET /v1/calls
func (h *Handler) ListCalls(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	params, err := pagination.Parse(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.callService.ListUserCalls(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// GetCall returns one call with its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	callRecord, participants, err := h.callService.GetCall(c.Request.Context(), callID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	// only participants may read a call
	isMember := callRecord.InitiatorID == userID
	for _, p := range participants {
		if p.UserID == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		response.NotFound(c, "Call not found")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":         callRecord,
		"participants": participants,
	})
}
