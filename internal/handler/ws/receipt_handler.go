package ws

import (
	"context"
	"encoding/json"

	"meshtalk-backend/internal/service/receipt"
	apperrors "meshtalk-backend/pkg/errors"
)

// ReceiptHandler exposes the delivery/read tracker over the socket
type ReceiptHandler struct {
	hub *Hub
	svc *receipt.Service
}

// NewReceiptHandler creates the receipt handler
func NewReceiptHandler(hub *Hub, svc *receipt.Service) *ReceiptHandler {
	return &ReceiptHandler{hub: hub, svc: svc}
}

// Register wires the receipt events into the hub
func (h *ReceiptHandler) Register() {
	h.hub.Handle("message-delivered", h.handleDelivered)
	h.hub.Handle("message-read", h.handleRead)
	h.hub.Handle("conversation-read", h.handleConversationRead)
	h.hub.Handle("message-status", h.handleStatus)
	h.hub.Handle("unread-count", h.handleUnreadCount)
}

func (h *ReceiptHandler) handleDelivered(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "message-delivered")
	if !ok {
		return
	}
	var payload MessageAckPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("message-delivered", err.Error())
		return
	}
	row, err := h.svc.MarkDelivered(ctx, payload.MessageID, userID)
	if err != nil {
		c.AckError("message-delivered", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("message-delivered", nil)
	if row == nil {
		return // sender's own message, nothing to notify
	}
	status, err := h.svc.GetMessageStatus(ctx, payload.MessageID)
	if err != nil {
		return
	}
	h.hub.EmitToUser(status.SenderID, "message-status-changed", status)
}

func (h *ReceiptHandler) handleRead(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "message-read")
	if !ok {
		return
	}
	var payload MessageAckPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("message-read", err.Error())
		return
	}
	row, err := h.svc.MarkRead(ctx, payload.MessageID, userID)
	if err != nil {
		c.AckError("message-read", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("message-read", nil)
	if row == nil {
		return
	}
	status, err := h.svc.GetMessageStatus(ctx, payload.MessageID)
	if err != nil {
		return
	}
	h.hub.EmitToUser(status.SenderID, "message-status-changed", status)
}

func (h *ReceiptHandler) handleConversationRead(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "conversation-read")
	if !ok {
		return
	}
	var payload ConversationPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("conversation-read", err.Error())
		return
	}
	pointer, err := h.svc.MarkConversationRead(ctx, payload.ConversationID, userID)
	if err != nil {
		c.AckError("conversation-read", apperrors.GetAppError(err).Message)
		return
	}
	if pointer == nil {
		c.Ack("conversation-read", nil)
		return
	}
	c.Ack("conversation-read", map[string]any{
		"last_read_message_id": pointer.LastReadMessageID,
		"last_read_at":         pointer.LastReadAt,
	})
}

func (h *ReceiptHandler) handleStatus(ctx context.Context, c *Client, data json.RawMessage) {
	if _, ok := identified(c, "message-status"); !ok {
		return
	}
	var payload MessageAckPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("message-status", err.Error())
		return
	}
	status, err := h.svc.GetMessageStatus(ctx, payload.MessageID)
	if err != nil {
		c.AckError("message-status", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("message-status", map[string]any{"status": status})
}

func (h *ReceiptHandler) handleUnreadCount(ctx context.Context, c *Client, data json.RawMessage) {
	userID, ok := identified(c, "unread-count")
	if !ok {
		return
	}
	var payload ConversationPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("unread-count", err.Error())
		return
	}
	count, err := h.svc.GetUnreadCount(ctx, payload.ConversationID, userID)
	if err != nil {
		c.AckError("unread-count", apperrors.GetAppError(err).Message)
		return
	}
	c.Ack("unread-count", map[string]any{"count": count})
}
