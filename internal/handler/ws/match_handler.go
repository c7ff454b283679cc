package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/service/match"
	"meshtalk-backend/internal/service/signaling"
	"meshtalk-backend/pkg/logger"
)

// MatchHandler exposes the anonymous matchmaking engine over the socket.
// Matchmaking identity is the connection id; no identify handshake needed.
type MatchHandler struct {
	hub *Hub
	svc *match.Service
	ice *signaling.Batcher
}

// NewMatchHandler creates the matchmaking handler. The ICE batcher is keyed
// by sender connection; flushed batches go to the sender's current partner.
func NewMatchHandler(hub *Hub, svc *match.Service, batchSize int, batchDelay time.Duration) *MatchHandler {
	h := &MatchHandler{hub: hub, svc: svc}
	h.ice = signaling.NewBatcher(batchSize, batchDelay, h.flushICE)
	return h
}

// Register wires the matchmaking events and lifecycle hooks into the hub
func (h *MatchHandler) Register() {
	h.hub.Handle("find-partner", h.handleFindPartner)
	h.hub.Handle("leave-pool", h.handleLeavePool)
	h.hub.Handle("signal-offer", h.relaySignal("signal-offer"))
	h.hub.Handle("signal-answer", h.relaySignal("signal-answer"))
	h.hub.Handle("signal-ice-candidate", h.handleICECandidate)
	h.hub.Handle("heartbeat", h.handleHeartbeat)

	h.hub.OnConnect(func(ctx context.Context, connID string) {
		h.svc.TrackConnection(ctx, connID)
	})
	h.hub.OnDisconnect(h.handleDisconnect)
}

func (h *MatchHandler) handleFindPartner(ctx context.Context, c *Client, _ json.RawMessage) {
	h.svc.RecordTraffic(c.ConnID())
	result := h.svc.RequestMatch(ctx, c.ConnID())

	switch result.Outcome {
	case match.OutcomeMatched:
		h.hub.EmitToConn(c.ConnID(), "match-found", map[string]any{
			"role": match.RoleInitiator,
		})
		h.hub.EmitToConn(result.PartnerID, "match-found", map[string]any{
			"role": match.RoleReceiver,
		})
	case match.OutcomeWaiting:
		h.hub.EmitToConn(c.ConnID(), "waiting-for-partner", map[string]any{
			"position": result.Position,
		})
	default:
		c.AckError("find-partner", string(result.Outcome))
	}
}

func (h *MatchHandler) handleLeavePool(ctx context.Context, c *Client, _ json.RawMessage) {
	h.svc.RecordTraffic(c.ConnID())
	partner, matched := h.svc.LeavePool(c.ConnID())
	if matched {
		h.ice.Cancel(c.ConnID())
		h.hub.EmitToConn(partner, "match-ended", map[string]any{
			"reason": match.ReasonPartnerLeft,
		})
	}
	c.Ack("leave-pool", nil)
}

// relaySignal forwards an offer or answer to the current partner. Without a
// partner the event is dropped silently; the partner may have just left.
func (h *MatchHandler) relaySignal(event string) HandlerFunc {
	return func(ctx context.Context, c *Client, data json.RawMessage) {
		var payload SignalPayload
		if err := decode(data, &payload); err != nil {
			c.AckError(event, err.Error())
			return
		}
		h.svc.RecordTraffic(c.ConnID())
		partner, ok := h.svc.PartnerOf(c.ConnID())
		if !ok {
			return
		}
		h.hub.EmitToConn(partner, event, map[string]any{
			"payload": payload.Payload,
		})
	}
}

func (h *MatchHandler) handleICECandidate(ctx context.Context, c *Client, data json.RawMessage) {
	var payload ICECandidatePayload
	if err := decode(data, &payload); err != nil {
		c.AckError("signal-ice-candidate", err.Error())
		return
	}
	h.svc.RecordTraffic(c.ConnID())
	if _, ok := h.svc.PartnerOf(c.ConnID()); !ok {
		return
	}
	h.ice.Add(c.ConnID(), payload.Candidate)
}

// flushICE relays a drained batch to the sender's partner as of flush time
func (h *MatchHandler) flushICE(connID string, candidates []json.RawMessage) {
	partner, ok := h.svc.PartnerOf(connID)
	if !ok {
		return
	}
	h.hub.EmitToConn(partner, "signal-ice-candidates", map[string]any{
		"candidates": candidates,
	})
}

func (h *MatchHandler) handleHeartbeat(ctx context.Context, c *Client, _ json.RawMessage) {
	m := h.svc.RecordHeartbeat(ctx, c.ConnID())
	if m == nil {
		c.AckError("heartbeat", "unknown connection")
		return
	}
	c.Ack("heartbeat", map[string]any{
		"quality":         m.Quality(time.Now()),
		"heartbeat_count": m.HeartbeatCount,
		"message_count":   m.MessageCount,
	})
}

func (h *MatchHandler) handleDisconnect(ctx context.Context, connID string, _ uuid.UUID) {
	h.ice.Cancel(connID)
	partner, matched := h.svc.HandleDisconnect(ctx, connID)
	if matched {
		h.hub.EmitToConn(partner, "match-ended", map[string]any{
			"reason": match.ReasonPartnerDisconnected,
		})
	}
	logger.Debug("Matchmaking state cleared", zap.String("conn_id", connID))
}
