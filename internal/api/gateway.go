package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/orgchat/chatcore/internal/auth"
	"github.com/orgchat/chatcore/internal/hub"
)

// GatewayHandler serves the WebSocket upgrade endpoint for a conversation's real-time socket.
type GatewayHandler struct {
	hub       *hub.Hub
	validator *auth.Validator
	resolver  resolver
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(h *hub.Hub, validator *auth.Validator, res resolver) *GatewayHandler {
	return &GatewayHandler{hub: h, validator: validator, resolver: res}
}

// Upgrade handles GET /{prefix}/ws/:cid. It reads the bearer token from the query string before the
// handshake completes (the raw socket carries no request context afterward), then hands the connection to the Hub,
// which performs the rest of upgrade-time authorization before registering it.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	tokenStr := c.Query("token")
	conversationID := c.Params("cid")

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.Serve(conn.Conn, tokenStr, h.validator, h.resolver, conversationID)
	})(c)
}
