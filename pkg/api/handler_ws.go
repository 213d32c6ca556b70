package api

import (
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/scopeflow/scopeflow/pkg/events"
)

// wsHandler handles GET /ws. The upgrade is accepted first so policy
// violations can be reported with the protocol's close codes: 4003 for a
// disallowed origin, 4001 for a missing or invalid token.
func (s *Server) wsHandler(c *echo.Context) error {
	sock, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin policy is enforced below against the configured allowlist,
		// with its own close code.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	if !s.originAllowed(c.Request().Header.Get("Origin")) {
		_ = sock.Close(events.CloseOrigin, "origin not allowed")
		return nil
	}

	userID, err := verifyToken(s.cfg.Server.JWTSecret, tokenFromRequest(c.Request()))
	if err != nil {
		_ = sock.Close(events.CloseAuth, "authentication required")
		return nil
	}

	// Blocks until the client disconnects or the hub shuts down.
	s.hub.HandleConnection(c.Request().Context(), sock, userID)
	return nil
}

// originAllowed checks a browser Origin header against the allowlist. A
// missing header means a non-browser client, which the token check covers.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if cors := s.cfg.Server.CORSOrigin; cors != "" && strings.HasPrefix(origin, cors) {
		return true
	}
	for _, prefix := range s.cfg.WebSocket.AllowedOrigins {
		if prefix != "" && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
