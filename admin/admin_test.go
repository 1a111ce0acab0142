package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	m.ConnectionOpened()
	m.ConnectionOpened()

	wsCalled := false
	router := NewRouter(Config{
		Gatherer:    reg,
		Connections: func() int { return 2 },
		NodeID:      "node-1",
		WebSocket: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			wsCalled = true
			w.WriteHeader(http.StatusTeapot)
		}),
	}, logger.NewNopLogger())

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, router, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("stats", func(t *testing.T) {
		rec := get(t, router, "/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var stats Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, Stats{Connections: 2, Node: "node-1"}, stats)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, router, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "relay_connections 2")
	})

	t.Run("websocket mount", func(t *testing.T) {
		rec := get(t, router, "/ws")
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.True(t, wsCalled)
	})

	t.Run("unknown path", func(t *testing.T) {
		rec := get(t, router, "/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", strings.NewReader("")))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestRouter_Defaults(t *testing.T) {
	router := NewRouter(Config{}, logger.NewNopLogger())

	rec := get(t, router, "/stats")
	assert.JSONEq(t, `{"connections":0,"node":""}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, router, "/ws").Code)
}

func TestRouter_RecoversFromPanics(t *testing.T) {
	router := NewRouter(Config{
		Connections: func() int { panic("boom") },
	}, logger.NewNopLogger())

	rec := get(t, router, "/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(Config{NodeID: "n"}, logger.NewNopLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err, "Serve returns nil after Shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
