package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorman/gateway/internal/config"
)

func newHandler(t *testing.T, cfg config.CORSSettings) *Handler {
	t.Helper()
	h, err := New(cfg)
	require.NoError(t, err)
	return h
}

func TestPreflightAllowedOrigin(t *testing.T) {
	h := newHandler(t, config.CORSSettings{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowMethods:   []string{"GET", "POST"},
	})

	r := httptest.NewRequest(http.MethodOptions, "/api/rest/echo/v1/ping", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	require.True(t, h.IsPreflight(r))

	w := httptest.NewRecorder()
	h.HandlePreflight(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestPreflightDeniedOrigin(t *testing.T) {
	h := newHandler(t, config.CORSSettings{AllowedOrigins: []string{"https://app.example.com"}})

	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://evil.example.net")
	r.Header.Set("Access-Control-Request-Method", "GET")

	w := httptest.NewRecorder()
	h.HandlePreflight(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWildcardOriginWithoutCredentials(t *testing.T) {
	h := newHandler(t, config.CORSSettings{AllowedOrigins: []string{"*"}})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://anything.example.com")

	w := httptest.NewRecorder()
	h.ApplyHeaders(w, r)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCredentialsEchoOrigin(t *testing.T) {
	h := newHandler(t, config.CORSSettings{AllowedOrigins: []string{"*"}, AllowCredentials: true})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://app.example.com")

	w := httptest.NewRecorder()
	h.ApplyHeaders(w, r)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestSubdomainWildcard(t *testing.T) {
	h := newHandler(t, config.CORSSettings{AllowedOrigins: []string{"*.example.com"}})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://api.example.com")

	w := httptest.NewRecorder()
	h.ApplyHeaders(w, r)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNarrowToAPIOrigins(t *testing.T) {
	h := newHandler(t, config.CORSSettings{AllowedOrigins: []string{"*"}})

	narrowed := h.NarrowTo([]string{"https://only.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://other.example.com")
	w := httptest.NewRecorder()
	narrowed.ApplyHeaders(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Origin", "https://only.example.com")
	w2 := httptest.NewRecorder()
	narrowed.ApplyHeaders(w2, r2)
	assert.Equal(t, "https://only.example.com", w2.Header().Get("Access-Control-Allow-Origin"))

	// Empty narrow list keeps the gateway-wide policy (same handler).
	assert.Same(t, h, h.NarrowTo(nil))
}
