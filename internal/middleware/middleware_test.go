package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pulse/config"
	"pulse/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	r := gin.New()
	r.Use(RateLimit(rl))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/x", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/x", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/x", "").Code)
	assert.True(t, rl.Allow("other-ip"))
}

func TestRateLimiter_CleanupDropsIdle(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	defer rl.Stop()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	now = now.Add(time.Minute)
	rl.cleanup()
	rl.mu.Lock()
	assert.Empty(t, rl.limiters)
	rl.mu.Unlock()
}

func TestAdminKeyRequired(t *testing.T) {
	r := gin.New()
	r.GET("/admin", AdminKeyRequired("s3cret"), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/off", AdminKeyRequired(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/admin", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/admin", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/admin", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/off", "Bearer ").Code)
}

func TestAuthRequired(t *testing.T) {
	cfg := &config.JWTConfig{AccessSecret: "k", AccessExpiry: time.Hour}
	tok, err := auth.GenerateAccessToken(cfg, "u1", "u1@example.com", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", AuthRequired(auth.NewVerifier(cfg)), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", "Bearer junk").Code)
	w := serve(r, http.MethodGet, "/me", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core), "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	serve(r, http.MethodGet, "/healthz", "")
	serve(r, http.MethodGet, "/boom", "")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.EqualValues(t, 500, entries[1].ContextMap()["status"])
}
