package server

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

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/query"
	"github.com/nicktill/tagstream/pkg/storage/memory"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.MQTT.Enabled = false

	s, err := New(cfg, memory.New(), logging.Discard())
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, strings.NewReader(body)))
	return w
}

func TestHandlerIngestThenQuery(t *testing.T) {
	s := newTestServer(t)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	h := s.Handler()

	body := `{"Unix": 1700000000000, "Version": "1.0", "Data": {"plc-1": {"Temperature": 21.5, "Running": true}}}`
	w := do(t, h, http.MethodPost, "/v1/ingest?topic=plc-1/pub_data", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/devices/plc-1/latest", "")
	require.Equal(t, http.StatusOK, w.Code)

	var latest query.LatestResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&latest))
	require.Equal(t, []query.TagValue{
		{Tag: "Running", Value: 1, Timestamp: 1700000000000},
		{Tag: "Temperature", Value: 21.5, Timestamp: 1700000000000},
	}, latest.Values)

	w = do(t, h, http.MethodGet, "/v1/history?device=plc-1&tag=Temperature", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history query.HistoryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	require.Equal(t, 1, history.Count)

	w = do(t, h, http.MethodGet, "/v1/export?format=csv&device=plc-1&tag=Temperature&start=1699999999000&end=1700000001000", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "2023-11-14T22:13:20Z,plc-1,Temperature,21.5,0")

	w = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `tagstream_messages_received_total{source="http"} 1`)
	require.Contains(t, w.Body.String(), "tagstream_websocket_clients 0")
}

func TestHandlerRejectsBadEnvelope(t *testing.T) {
	s := newTestServer(t)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	w := do(t, s.Handler(), http.MethodPost, "/v1/ingest?topic=plc-1/pub_data", `{"Unix": 1}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	h := s.Handler()

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/v1/ingest?topic=plc-1/pub_data"},
		{http.MethodGet, "/v1/devices/plc-1/command"},
		{http.MethodPost, "/v1/health"},
		{http.MethodPost, "/v1/export"},
		{http.MethodPost, "/v1/history"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := do(t, h, tt.method, tt.target, "")
			require.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestHandlerCommandWithoutTransport(t *testing.T) {
	s := newTestServer(t)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	w := do(t, s.Handler(), http.MethodPost, "/v1/devices/plc-1/command", `{"Start": true}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/ingest", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthBeforeFirstTick(t *testing.T) {
	s := newTestServer(t)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	w := do(t, s.Handler(), http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	require.Equal(t, "degraded", health.Status)
	require.Contains(t, health.Jobs, "rollup-1min")
	require.Equal(t, "disabled", health.Transport)
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), ln))

	url := "http://" + ln.Addr().String() + "/v1/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.ElementsMatch(t, []string{"rollup-1min", "rollup-5min", "rollup-10min", "rollup-1hour"}, s.scheduler.Tasks())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get(url)
	require.Error(t, err)
}
