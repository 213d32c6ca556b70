package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("cookie wins over query param", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		req.AddCookie(&http.Cookie{Name: "atoken", Value: "from-cookie"})
		assert.Equal(t, "from-cookie", tokenFromRequest(req))
	})

	t.Run("query param fallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		assert.Equal(t, "from-query", tokenFromRequest(req))
	})

	t.Run("neither present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.Empty(t, tokenFromRequest(req))
	})
}

func TestVerifyToken(t *testing.T) {
	t.Run("valid token returns subject", func(t *testing.T) {
		userID, err := verifyToken(testSecret, signToken(t, testSecret, "alice"))
		require.NoError(t, err)
		assert.Equal(t, "alice", userID)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		_, err := verifyToken(testSecret, signToken(t, "other-secret", "alice"))
		assert.Error(t, err)
	})

	t.Run("missing subject rejected", func(t *testing.T) {
		_, err := verifyToken(testSecret, signToken(t, testSecret, ""))
		assert.ErrorIs(t, err, errNoSubject)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = verifyToken(testSecret, signed)
		assert.Error(t, err)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := verifyToken(testSecret, "not.a.token")
		assert.Error(t, err)
	})
}

func TestRequireAuth(t *testing.T) {
	s := &Server{cfg: &config.Config{Server: &config.ServerConfig{JWTSecret: testSecret}}}

	handler := s.requireAuth()(func(c *echo.Context) error {
		return c.String(http.StatusOK, currentUser(c))
	})

	t.Run("no token returns 401", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/live-sessions/s1", nil)
		rec := httptest.NewRecorder()

		err := handler(e.NewContext(req, rec))
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/live-sessions/s1?token=bogus", nil)
		rec := httptest.NewRecorder()

		err := handler(e.NewContext(req, rec))
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})

	t.Run("valid token passes user id through", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/live-sessions/s1", nil)
		req.AddCookie(&http.Cookie{Name: "atoken", Value: signToken(t, testSecret, "bob")})
		rec := httptest.NewRecorder()

		require.NoError(t, handler(e.NewContext(req, rec)))
		assert.Equal(t, "bob", rec.Body.String())
	})
}
