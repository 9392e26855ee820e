package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/query"
	"github.com/nicktill/tagstream/pkg/rollup"
	"github.com/nicktill/tagstream/pkg/server"
	"github.com/nicktill/tagstream/pkg/storage"
	"github.com/nicktill/tagstream/pkg/storage/badger"
	"github.com/nicktill/tagstream/pkg/transport/mqtt"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{ID: "e2e", Type: "tcp", Address: addr})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { broker.Close() })
	return addr
}

type commands struct {
	mu  sync.Mutex
	got map[string][]byte
}

func (c *commands) HandleMessage(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got[topic] = payload
	return nil
}

func (c *commands) get(topic string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[topic]
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// TestE2E_BrokerIngestQueryRollupCommand drives the whole service: envelopes
// published to the broker are stored, queryable over HTTP, rolled up, and
// commands posted over HTTP reach the device topic.
func TestE2E_BrokerIngestQueryRollupCommand(t *testing.T) {
	brokerAddr := startBroker(t)
	ctx := context.Background()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "badger"
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = brokerAddr
	cfg.MQTT.QoS = 1

	store, err := badger.New(badger.Config{InMemory: true})
	require.NoError(t, err)

	srv, err := server.New(cfg, store, logging.Discard())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx, ln))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(shutdownCtx))
	})
	base := "http://" + ln.Addr().String()

	// A fake device: publishes telemetry, listens for commands
	device := &commands{got: make(map[string][]byte)}
	client, err := mqtt.Dial(ctx, mqtt.Config{Broker: brokerAddr, Topic: "plc-7/sub_data", QoS: 1}, device)
	require.NoError(t, err)
	defer client.Close()

	sampledAt := time.Now().Add(-90 * time.Second).UnixMilli()
	for i, v := range []float64{10, 12, 12, 11} {
		body := fmt.Sprintf(`{"Variant": [{"Unix": %d, "Version": "1.0", "Data": {"plc-7": {"Temperature": %v}}}]}`,
			sampledAt+int64(i)*1000, v)
		require.NoError(t, client.Publish(ctx, "plc-7/pub_data", []byte(body)))
	}

	var history query.HistoryResponse
	require.Eventually(t, func() bool {
		return getJSON(t, base+"/v1/history?device=plc-7&tag=Temperature", &history) == http.StatusOK &&
			history.Count == 3
	}, 5*time.Second, 20*time.Millisecond, "the repeated 12 must be suppressed")
	require.Equal(t, float64(11), history.Rows[0].Value)

	var latest query.LatestResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/devices/plc-7/latest", &latest))
	require.Equal(t, []query.TagValue{{Tag: "Temperature", Value: 11, Timestamp: sampledAt + 3000}}, latest.Values)

	// Roll the elapsed minute up now rather than waiting for the next tick
	_, err = rollup.New(store, nil).Tick(ctx, storage.Resolution1m, time.Now())
	require.NoError(t, err)

	var rollups query.RollupResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/rollups/1min?device=plc-7", &rollups))
	var count int64
	for _, b := range rollups.Buckets {
		require.Equal(t, "Temperature", b.Tag)
		count += b.Count
	}
	require.Equal(t, int64(3), count)

	resp, err := http.Post(base+"/v1/devices/plc-7/command", "application/json",
		strings.NewReader(`{"Unix": 1, "Version": "1.0", "Data": {"plc-7": {"SetPoint": 21}}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return device.get("plc-7/sub_data") != nil
	}, 5*time.Second, 20*time.Millisecond)
	require.JSONEq(t, `{"Unix": 1, "Version": "1.0", "Data": {"plc-7": {"SetPoint": 21}}}`, string(device.get("plc-7/sub_data")))

	var health server.HealthResponse
	require.Eventually(t, func() bool {
		return getJSON(t, base+"/v1/health", &health) == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, "mqtt", health.Transport)
	require.Contains(t, health.Jobs, "badger-gc")
	require.NotNil(t, health.Storage)
}

func TestE2E_InvalidRequests(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"

	store, err := server.OpenStorage(context.Background(), cfg.Storage, nil)
	require.NoError(t, err)
	srv, err := server.New(cfg, store, logging.Discard())
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	h := srv.Handler()
	tests := []struct {
		name   string
		method string
		url    string
		body   string
		status int
	}{
		{"ingest without topic", http.MethodPost, "/v1/ingest", `{}`, http.StatusBadRequest},
		{"ingest malformed json", http.MethodPost, "/v1/ingest?topic=a/pub_data", `{"Unix":`, http.StatusBadRequest},
		{"ingest with GET", http.MethodGet, "/v1/ingest?topic=a/pub_data", ``, http.StatusMethodNotAllowed},
		{"unknown device", http.MethodGet, "/v1/devices/ghost/latest", ``, http.StatusNotFound},
		{"unknown resolution", http.MethodGet, "/v1/rollups/7min?device=ghost", ``, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/v1/history?limit=-3", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.url, strings.NewReader(tt.body)))
			require.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}
