package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/internal/presence"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 8192

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// admissionTimeout is how long a connection has to send its first hello message before the hub closes it. The
	// specification leaves this implementation-defined; a generous window avoids punishing slow mobile clients.
	admissionTimeout = 30 * time.Second
)

// Client represents a single WebSocket connection attached to one session. Each client runs two goroutines (readPump
// and writePump) and communicates with the Hub via its send channel and callback methods.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	sessionID    string
	connectionID string

	// done is closed to signal that the client is shutting down. The send channel is never closed directly; writePump
	// and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that would
	// otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// role is latched on the first admission message and immutable thereafter; protected by mu since readPump (writer)
	// and dispatch goroutines (readers) may access it concurrently.
	mu         sync.RWMutex
	role       presence.Role
	registered bool

	// Rate limiting state (only accessed from readPump, no mutex needed).
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID, connectionID string, logger zerolog.Logger) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		done:         make(chan struct{}),
		sessionID:    sessionID,
		connectionID: connectionID,
		log:          logger,
	}
}

// closeSend signals the client's write loop to stop. It is safe to call from multiple goroutines; only the first call
// has any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Role returns the latched role, or "" if admission has not completed.
func (c *Client) Role() presence.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// IsRegistered returns whether the role handshake has completed.
func (c *Client) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

// SessionID returns the session this connection joined.
func (c *Client) SessionID() string {
	return c.sessionID
}

// ConnectionID returns the server-assigned connection identifier.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// latchRole sets the role exactly once. Returns false if the role was already set (caller should ignore the message,
// per the immutability invariant).
func (c *Client) latchRole(role presence.Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return false
	}
	c.role = role
	c.registered = true
	return true
}

// readPump reads messages from the WebSocket connection and routes them by frame type. It runs in its own goroutine
// and is responsible for closing the connection when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	admissionTimer := time.AfterFunc(admissionTimeout, func() {
		if !c.IsRegistered() {
			c.log.Debug().Str("connection_id", c.connectionID).Msg("Connection did not complete admission in time")
			c.closeWithCode(CloseUnauthorized, "admission timeout")
			c.closeSend()
		}
	})
	defer admissionTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("decode_error", "invalid JSON")
			continue
		}

		switch frame.Type {
		case FrameHello:
			admissionTimer.Stop()
			c.hub.handleHello(c, frame.UserType)
		case "presence":
			c.hub.handlePresenceQuery(c)
		case FrameBroadcast:
			c.hub.handleBroadcast(c, frame)
		case FrameResume:
			c.hub.handleResume(c, frame)
		default:
			c.hub.handleUnknown(c, message)
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and exits
// when done is closed. Any messages remaining in the send buffer are drained before returning.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// sendError enqueues a structured error frame. The socket is left open; only admission and broadcast-before-admit
// failures close it.
func (c *Client) sendError(code, detail string) {
	frame, err := newErrorFrame(code, detail)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build error frame")
		return
	}
	c.enqueue(frame)
}

// enqueue sends a message to the client's write channel. If the client has already been shut down the message is
// silently dropped. If the channel is full, the message is dropped and the connection is closed to prevent
// backpressure from stalling the Hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Str("connection_id", c.connectionID).Msg("Client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited returns true if the client has exceeded the configured message rate limit for the current window.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitWSCount
}
