// Package ws implements the realtime WebSocket gateway: the connection hub
// with room-based multicast, and the event handlers for matchmaking, calls
// and receipts.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshtalk-backend/pkg/jwt"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// HandlerFunc processes one inbound event for a client
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage)

// ConnectFunc runs when a connection is established
type ConnectFunc func(ctx context.Context, connID string)

// DisconnectFunc runs after a connection is torn down
type DisconnectFunc func(ctx context.Context, connID string, userID uuid.UUID)

// Hub manages live WebSocket connections, their room memberships and event
// dispatch. It is the Connection Registry the services emit through.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	users   map[uuid.UUID]map[string]*Client
	rooms   map[string]map[string]*Client

	handlers     map[string]HandlerFunc
	onConnect    []ConnectFunc
	onDisconnect []DisconnectFunc

	jwtManager *jwt.Manager
	rt         *metrics.Realtime

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		for allowed := range GetAllowedOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// GetAllowedOrigins returns the origin allowlist from WS_ALLOWED_ORIGINS
func GetAllowedOrigins() map[string]bool {
	origins := map[string]bool{
		"http://localhost:3000": true,
	}
	if val := os.Getenv("WS_ALLOWED_ORIGINS"); val != "" {
		origins = make(map[string]bool)
		for _, origin := range strings.Split(val, ",") {
			origins[strings.TrimSpace(origin)] = true
		}
	}
	return origins
}

// NewHub creates a connection hub. rt may be nil.
func NewHub(jwtManager *jwt.Manager, rt *metrics.Realtime) *Hub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	h := &Hub{
		clients:        make(map[string]*Client),
		users:          make(map[uuid.UUID]map[string]*Client),
		rooms:          make(map[string]map[string]*Client),
		handlers:       make(map[string]HandlerFunc),
		jwtManager:     jwtManager,
		rt:             rt,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
	h.Handle("identify", h.handleIdentify)
	return h
}

// handleIdentify validates the client's token and binds its user identity to
// the connection. Call and receipt events require identification first.
func (h *Hub) handleIdentify(ctx context.Context, c *Client, data json.RawMessage) {
	var payload IdentifyPayload
	if err := decode(data, &payload); err != nil {
		c.AckError("identify", err.Error())
		return
	}
	claims, err := h.jwtManager.ValidateToken(payload.Token)
	if err != nil {
		c.AckError("identify", "invalid token")
		return
	}
	h.identify(c, claims.UserID, claims.DisplayName)
	c.Ack("identify", map[string]any{
		"user_id":      claims.UserID,
		"display_name": claims.DisplayName,
	})
}

// Handle registers the handler for an event name. Must be called before
// ServeWS; registration is not safe against concurrent dispatch.
func (h *Hub) Handle(event string, handler HandlerFunc) {
	h.handlers[event] = handler
}

// OnConnect registers a callback fired for every new connection
func (h *Hub) OnConnect(fn ConnectFunc) {
	h.onConnect = append(h.onConnect, fn)
}

// OnDisconnect registers a cleanup callback fired after teardown
func (h *Hub) OnDisconnect(fn DisconnectFunc) {
	h.onDisconnect = append(h.onDisconnect, fn)
}

// ServeWS upgrades the HTTP request and runs the connection
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	h.mu.Lock()
	h.clients[client.connID] = client
	h.mu.Unlock()
	if h.rt != nil {
		h.rt.ConnectionsActive.Inc()
	}
	logger.Debug("WebSocket connected", zap.String("conn_id", client.connID))

	ctx := context.Background()
	for _, fn := range h.onConnect {
		fn(ctx, client.connID)
	}

	go client.writePump()
	go client.readPump()
}

// IsConnected reports whether the connection is still registered
func (h *Hub) IsConnected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// Disconnect forcibly closes a connection; cleanup then runs through the
// normal teardown path
func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		client.close()
	}
}

// JoinRoom adds the connection to a named room
func (h *Hub) JoinRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[connID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][connID] = client
	client.rooms[room] = true
}

// LeaveRoom removes the connection from a named room
func (h *Hub) LeaveRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(connID, room)
}

func (h *Hub) leaveRoomLocked(connID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if client, ok := h.clients[connID]; ok {
		delete(client.rooms, room)
	}
}

// EmitToRoom sends an event to every connection in the room
func (h *Hub) EmitToRoom(room, event string, payload any) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for _, client := range h.rooms[room] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		client.sendEvent(event, payload)
	}
}

// EmitToConn sends an event to one connection
func (h *Hub) EmitToConn(connID, event string, payload any) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		client.sendEvent(event, payload)
	}
}

// EmitToUser sends an event to every connection identified as the user
func (h *Hub) EmitToUser(userID uuid.UUID, event string, payload any) {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.users[userID]))
	for _, client := range h.users[userID] {
		conns = append(conns, client)
	}
	h.mu.RUnlock()

	for _, client := range conns {
		client.sendEvent(event, payload)
	}
}

// identify binds a user identity to the connection after token validation
func (h *Hub) identify(client *Client, userID uuid.UUID, displayName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.userID = userID
	client.displayName = displayName
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]*Client)
	}
	h.users[userID][client.connID] = client
}

// removeClient tears down all hub state for the connection and fires the
// disconnect callbacks
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.connID)
	for room := range client.rooms {
		h.leaveRoomLocked(client.connID, room)
	}
	if client.userID != uuid.Nil {
		if conns, ok := h.users[client.userID]; ok {
			delete(conns, client.connID)
			if len(conns) == 0 {
				delete(h.users, client.userID)
			}
		}
	}
	h.mu.Unlock()

	<-h.semaphore
	if h.rt != nil {
		h.rt.ConnectionsActive.Dec()
	}
	logger.Debug("WebSocket disconnected",
		zap.String("conn_id", client.connID),
		zap.String("user_id", client.userID.String()))

	ctx := context.Background()
	for _, fn := range h.onDisconnect {
		fn(ctx, client.connID, client.userID)
	}
}

// dispatch routes one inbound envelope to its handler
func (h *Hub) dispatch(client *Client, envelope *Envelope) {
	handler, ok := h.handlers[envelope.Event]
	if !ok {
		client.AckError(envelope.Event, "unknown event")
		return
	}
	handler(context.Background(), client, envelope.Data)
}
