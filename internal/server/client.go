package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/livechat/internal/config"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

type clientConfig struct {
	maxMessageSize int64
	rateLimit      config.RateLimitConfig
}

// Client represents a WebSocket client connection in the chat system.
// It owns the connection, an outbound buffer drained by the write pump and
// the display name the user list shows for it.
type Client struct {
	id             string
	name           string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	log            *slog.Logger
}

// NewClient creates a new Client for conn, bound to hub.
func NewClient(conn *websocket.Conn, hub *Hub, addr, displayName string) *Client {
	cfg := hub.clientCfg
	conn.SetReadLimit(cfg.maxMessageSize)
	id := uuid.NewString()
	return &Client{
		id:             id,
		name:           displayName,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.maxMessageSize,
		limiter:        newFrameLimiter(cfg.rateLimit),
		log:            hub.log.With("client", id, "remote", addr),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Name returns the display name supplied at connect time.
func (c *Client) Name() string { return c.name }

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop stopped.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Frame exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket close", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
}

// readPump relays every inbound text frame, byte for byte, to all connected
// clients. It disconnects the client when the read fails for any reason.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		closeConn(c.conn, c.log)
	}()

	c.setupReadConnection()

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debug("Ignoring non-text frame", "type", messageType)
			continue
		}
		if !c.limiter.Allow() {
			c.log.Warn("Rate limit exceeded; discarding frame", "burst", c.limiter.Burst())
			c.hub.metrics.FrameDropped()
			continue
		}
		if !c.hub.BroadcastRaw(frame) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		closeConn(c.conn, c.log)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if !c.write(websocket.TextMessage, message) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// write sends one frame. Each queued payload goes out as its own frame so
// receivers see exactly what the sender wrote.
func (c *Client) write(messageType int, payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing frame", "type", messageType, "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeClose() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("Error writing close message", "error", err)
	}
}

func closeConn(conn *websocket.Conn, log *slog.Logger) {
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Warn("Error closing connection", "error", err)
	}
}
