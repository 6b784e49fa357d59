package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mt5session/internal/journal"
	"mt5session/internal/metrics"
	"mt5session/internal/session"
	"mt5session/internal/terminal"
	"mt5session/internal/transport"
	"mt5session/internal/watchdog"
)

func newTestServer(t *testing.T, start bool, options ...Option) (*Server, *session.Session) {
	t.Helper()

	m := metrics.New("api")
	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	s, err := session.New(session.Options{
		Identity:  session.Identity{Host: "127.0.0.1", Port: 15556, Mode: "EA", ClientID: "api"},
		Transport: transport.NewMemory(),
		Terminal:  terminal.Config{HandshakeAttempts: 1, HandshakeTimeout: time.Second},
		Watchdog:  watchdog.Config{Interval: 50 * time.Millisecond},
		Metrics:   m,
		Journal:   j,
	})
	require.NoError(t, err)
	if start {
		require.NoError(t, s.Start(context.Background()))
	}
	t.Cleanup(func() { s.Stop() })

	return NewServer("127.0.0.1:0", s, m, j, options...), s
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestServer(t *testing.T) {
	server, _ := newTestServer(t, true)
	router := server.Router()

	t.Run("health", func(t *testing.T) {
		rec, resp := get(t, router, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, resp.Success)
	})

	t.Run("status", func(t *testing.T) {
		rec, resp := get(t, router, "/status")
		assert.Equal(t, http.StatusOK, rec.Code)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, "api@127.0.0.1:15556/EA", data["terminal"])
		connection := data["connection"].(map[string]interface{})
		assert.Equal(t, "connected", connection["state"])
	})

	t.Run("history", func(t *testing.T) {
		rec, resp := get(t, router, "/history?limit=5")
		assert.Equal(t, http.StatusOK, rec.Code)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(1), data["count"])
	})

	t.Run("bad limit", func(t *testing.T) {
		rec, resp := get(t, router, "/history?limit=x")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, resp.Success)
	})

	t.Run("metrics", func(t *testing.T) {
		rec, _ := get(t, router, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `mt5_session_state{session="api"} 1`)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServerNotConnected(t *testing.T) {
	server, _ := newTestServer(t, false)
	rec, resp := get(t, server.Router(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
}

func TestServerAuth(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	server, _ := newTestServer(t, true, WithAuth(NewTokenService("signing-key", time.Minute), hash))
	router := server.Router()

	issue := func(body string) (*httptest.ResponseRecorder, Response) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(body)))
		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return rec, resp
	}

	t.Run("status requires token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("health and metrics stay open", func(t *testing.T) {
		rec, _ := get(t, router, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		rec, _ = get(t, router, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec, resp := issue(`{"operator":"ops","password":"nope"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, resp.Success)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec, _ := issue(`{"operator":"ops"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("token grants access", func(t *testing.T) {
		rec, resp := issue(`{"operator":"ops","password":"s3cret"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		token := resp.Data.(map[string]interface{})["token"].(string)

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/history", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
