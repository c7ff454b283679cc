package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshtalk-backend/pkg/constants"
	"meshtalk-backend/pkg/logger"
)

// Envelope is the wire frame for every socket event
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents one live WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	connID      string
	userID      uuid.UUID // uuid.Nil until identify
	displayName string
	rooms       map[string]bool

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		connID: uuid.NewString(),
		rooms:  make(map[string]bool),
	}
}

// ConnID returns the unique connection identity
func (c *Client) ConnID() string {
	return c.connID
}

// Identity returns the bound user identity; ok is false before identify
func (c *Client) Identity() (uuid.UUID, bool) {
	return c.userID, c.userID != uuid.Nil
}

// DisplayName returns the display name bound at identify
func (c *Client) DisplayName() string {
	return c.displayName
}

// Ack sends the success acknowledgement for an event. The response event is
// the request event with an "-ack" suffix and a payload of {"success": true}
// merged with extra fields.
func (c *Client) Ack(event string, extra map[string]any) {
	payload := map[string]any{"success": true}
	for k, v := range extra {
		payload[k] = v
	}
	c.sendEvent(event+"-ack", payload)
}

// AckError sends the failure acknowledgement: {"error": message}. Errors
// never cross the transport as anything but this shape.
func (c *Client) AckError(event, message string) {
	c.sendEvent(event+"-ack", map[string]any{"error": message})
}

// sendEvent marshals and queues one outbound event. A client whose send
// buffer is full is dropped rather than allowed to stall the emitter.
func (c *Client) sendEvent(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal outbound event",
			zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(&Envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		logger.Warn("Dropping slow WebSocket client",
			zap.String("conn_id", c.connID))
		c.close()
	}
}

// close shuts the underlying connection; the read pump then unwinds teardown
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// readPump reads envelopes from the socket and dispatches them
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("conn_id", c.connID),
					zap.Error(err))
			}
			break
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("conn_id", c.connID),
				zap.Error(err))
			continue
		}
		if envelope.Event == "" {
			continue
		}
		c.hub.dispatch(c, &envelope)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
