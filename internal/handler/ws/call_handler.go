package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"meshtalk-backend/internal/service/call"
	apperrors "meshtalk-backend/pkg/errors"
)

// CallHandler exposes the call coordinator over the socket. Every event
// requires an identified connection.
type CallHandler struct {
	hub *Hub
	svc *call.Service
}

// NewCallHandler creates the call handler
func NewCallHandler(hub *Hub, svc *call.Service) *CallHandler {
	return &CallHandler{hub: hub, svc: svc}
}

// Register wires the call events and the disconnect hook into the hub
func (h *CallHandler) Register() {
	h.hub.Handle("call:initiate", h.handleInitiate)
	h.hub.Handle("call:ringing", h.handleRinging)
	h.hub.Handle("call:accept", h.handleAccept)
	h.hub.Handle("call:reject", h.handleReject)
	h.hub.Handle("call:end", h.handleEnd)
	h.hub.Handle("call:leave", h.handleLeave)
	h.hub.Handle("group-call:join", h.handleGroupJoin)
	h.hub.Handle("group-call:leave", h.handleGroupLeave)
	h.hub.Handle("call:toggle-mute", h.handleToggleMute)
	h.hub.Handle("call:toggle-video", h.handleToggleVideo)
	h.hub.Handle("call:offer", h.relaySignal("call:offer"))
	h.hub.Handle("call:answer", h.relaySignal("call:answer"))
	h.hub.Handle("call:ice-candidate", h.handleICECandidate)

	h.hub.OnDisconnect(func(ctx context.Context, connID string, userID uuid.UUID) {
		h.svc.HandleDisconnect(ctx, connID, userID)
	})
}

// identified resolves the caller identity or acks an error
func identified(c *Client, event string) (uuid.UUID, bool) {
	userID, ok := c.Identity()
	if !ok {
		c.AckError(event, "identify first")
	}
	return userID, ok
}

func (h *CallHandler) handleInitiate(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:initiate")
	if !ok {
		return
	}
	var payload CallInitiatePayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:initiate", err.Error())
		return
	}
	created, err := h.svc.InitiateCall(ctx, c.ConnID(), userID, c.DisplayName(), payload.Kind, payload.ConversationID, payload.Recipients)
	if err != nil {
		c.AckError("call:initiate", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:initiate", map[string]any{"call": created})
}

func (h *CallHandler) handleRinging(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:ringing")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:ringing", err.Error())
		return
	}
	if err := h.svc.MarkRinging(ctx, payload.CallID, userID); err != nil {
		c.AckError("call:ringing", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:ringing", nil)
}

func (h *CallHandler) handleAccept(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:accept")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:accept", err.Error())
		return
	}
	accepted, err := h.svc.AcceptCall(ctx, c.ConnID(), payload.CallID, userID)
	if err != nil {
		c.AckError("call:accept", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:accept", map[string]any{"call": accepted})
}

func (h *CallHandler) handleReject(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:reject")
	if !ok {
		return
	}
	var payload CallRejectPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:reject", err.Error())
		return
	}
	if err := h.svc.RejectCall(ctx, payload.CallID, userID, payload.Reason); err != nil {
		c.AckError("call:reject", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:reject", nil)
}

func (h *CallHandler) handleEnd(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:end")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:end", err.Error())
		return
	}
	ended, err := h.svc.EndCall(ctx, payload.CallID, userID)
	if err != nil {
		c.AckError("call:end", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:end", map[string]any{"call": ended})
}

func (h *CallHandler) handleLeave(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:leave")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:leave", err.Error())
		return
	}
	left, err := h.svc.LeaveCall(ctx, c.ConnID(), payload.CallID, userID)
	if err != nil {
		c.AckError("call:leave", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:leave", map[string]any{"call": left})
}

func (h *CallHandler) handleGroupJoin(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "group-call:join")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("group-call:join", err.Error())
		return
	}
	joined, err := h.svc.JoinGroupCall(ctx, c.ConnID(), payload.CallID, userID)
	if err != nil {
		c.AckError("group-call:join", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("group-call:join", map[string]any{"call": joined})
}

func (h *CallHandler) handleGroupLeave(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "group-call:leave")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("group-call:leave", err.Error())
		return
	}
	left, err := h.svc.LeaveGroupCall(ctx, c.ConnID(), payload.CallID, userID)
	if err != nil {
		c.AckError("group-call:leave", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("group-call:leave", map[string]any{"call": left})
}

func (h *CallHandler) handleToggleMute(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:toggle-mute")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:toggle-mute", err.Error())
		return
	}
	muted, err := h.svc.ToggleMute(ctx, payload.CallID, userID)
	if err != nil {
		c.AckError("call:toggle-mute", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:toggle-mute", map[string]any{"is_muted": muted})
}

func (h *CallHandler) handleToggleVideo(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:toggle-video")
	if !ok {
		return
	}
	var payload CallActionPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:toggle-video", err.Error())
		return
	}
	videoOff, err := h.svc.ToggleVideo(ctx, payload.CallID, userID)
	if err != nil {
		c.AckError("call:toggle-video", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("call:toggle-video", map[string]any{"is_video_off": videoOff})
}

func (h *CallHandler) relaySignal(event string) HandlerFunc {
	return func(ctx context.Context, c *Client, data json.RawMessage) {
		userID, ok := identified(c, event)
		if !ok {
			return
		}
		var payload CallSignalPayload
		if err := decode(data, &payload); err != nil {
			c.AckError(event, err.Error())
			return
		}
		if err := h.svc.RelaySignal(ctx, payload.CallID, userID, payload.TargetID, event, payload.Payload); err != nil {
			c.AckError(event, apperrors.GetAppError(err).Message)
		}
	}
}

func (h *CallHandler) handleICECandidate(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "call:ice-candidate")
	if !ok {
		return
	}
	var payload CallICEPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("call:ice-candidate", err.Error())
		return
	}
	if err := h.svc.AddICECandidate(ctx, c.ConnID(), payload.CallID, userID, payload.TargetID, payload.Candidate); err != nil {
		c.AckError("call:ice-candidate", apperrors.GetAppError(err).Message)
	}
}
