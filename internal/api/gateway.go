package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/relaywire/relaywire/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the session relay.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /ws/session/:session_id/. It upgrades the HTTP connection to a WebSocket and hands it to the
// Hub. RequireSharedSecret has already validated the secret by this point, whether it arrived as an X-API-KEY
// header or as a two-entry Sec-WebSocket-Protocol list ("x-api-key", "<secret>"). In the latter case the upgrader is
// configured to echo the "x-api-key" token back on accept, so a browser client that authenticated this way gets a
// valid, non-empty Sec-WebSocket-Protocol response rather than a bare 101.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	sessionID := gateway.SanitizeSessionID(c.Params("session_id"))

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, sessionID)
	}, websocket.Config{
		Subprotocols: []string{SubprotocolAPIKeyToken},
	})(c)
}
