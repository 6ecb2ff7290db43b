package api

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/relaywire/relaywire/internal/httputil"
)

// SubprotocolAPIKeyToken is the literal first entry a browser WebSocket client sends in Sec-WebSocket-Protocol when
// it's authenticating via subprotocol instead of a header: ["x-api-key", "<secret>"]. The gateway upgrader echoes
// this token back on accept, same as a plain X-API-KEY request never sees a subprotocol at all.
const SubprotocolAPIKeyToken = "x-api-key"

// RequireSharedSecret gates every route behind the configured shared secret, presented either as an X-API-KEY
// header or, for WebSocket upgrades that cannot set arbitrary headers from a browser, as a Sec-WebSocket-Protocol
// list whose first entry is the literal token "x-api-key" and whose remaining entries carry the secret. /health is
// never gated so orchestrators can probe liveness without credentials.
func RequireSharedSecret(secret string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		if c.Get("X-API-KEY") == secret {
			return c.Next()
		}

		if subprotocolCarriesSecret(c.Get("Sec-WebSocket-Protocol"), secret) {
			return c.Next()
		}

		return httputil.Fail(c, fiber.StatusUnauthorized, "invalid or missing API key")
	}
}

// subprotocolCarriesSecret reports whether the Sec-WebSocket-Protocol header is a comma-separated list whose first
// entry is "x-api-key" and whose remaining entries, joined by commas, equal secret.
func subprotocolCarriesSecret(header, secret string) bool {
	protocols := splitSubprotocols(header)
	if len(protocols) < 2 {
		return false
	}
	if !strings.EqualFold(protocols[0], SubprotocolAPIKeyToken) {
		return false
	}
	return strings.Join(protocols[1:], ",") == secret
}

func splitSubprotocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
