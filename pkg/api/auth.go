package api

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"
)

// userIDKey is the echo context key the auth middleware stores the verified
// token subject under.
const userIDKey = "userID"

// tokenCookie and tokenQueryParam are the two places a client may carry its
// token. The query parameter exists for WebSocket clients that cannot set
// cookies cross-origin.
const (
	tokenCookie     = "atoken"
	tokenQueryParam = "token"
)

var errNoSubject = errors.New("token has no subject")

// tokenFromRequest extracts the raw token. Cookie wins over query parameter.
func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(tokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(tokenQueryParam)
}

// verifyToken validates an HS256 token against secret and returns its
// subject, the user id.
func verifyToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

// requireAuth returns middleware that rejects requests without a valid token
// and stores the user id on the context.
func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			raw := tokenFromRequest(c.Request())
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			userID, err := verifyToken(s.cfg.Server.JWTSecret, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

// currentUser returns the authenticated user id set by requireAuth.
func currentUser(c *echo.Context) string {
	if id, ok := c.Get(userIDKey).(string); ok {
		return id
	}
	return ""
}
