package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/query"
	"github.com/nicktill/tagstream/pkg/server"
	"github.com/nicktill/tagstream/pkg/storage/memory"
)

type recordingTransport struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (r *recordingTransport) Send(_ context.Context, device string, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Device: "plc-1", Endpoint: "not a url"})
	require.Error(t, err)

	c, err := New(Config{Device: "plc-1"})
	require.NoError(t, err)
	require.Equal(t, defaultMaxBatchSize, c.config.MaxBatchSize)
	require.Equal(t, defaultFlushEvery, c.config.FlushEvery)
}

func TestFlushGroupsByTimestamp(t *testing.T) {
	tr := &recordingTransport{}
	c := NewWithTransport(Config{Device: "plc-1", DeviceType: "PLC"}, tr)

	t0 := time.UnixMilli(1700000000000)
	c.RecordAt("Pressure", 3, t0.Add(time.Second))
	c.RecordAt("Temperature", 21, t0)
	c.RecordAt("Pressure", 2, t0)
	c.RecordAt("Temperature", 22, t0)

	require.NoError(t, c.Flush(context.Background()))
	require.Equal(t, []Envelope{
		{Unix: 1700000000000, Version: "1.0", Type: "PLC", Data: map[string]map[string]float64{"plc-1": {"Temperature": 22, "Pressure": 2}}},
		{Unix: 1700000001000, Version: "1.0", Type: "PLC", Data: map[string]map[string]float64{"plc-1": {"Pressure": 3}}},
	}, tr.envs)

	sent, failed := c.Stats()
	require.Equal(t, int64(2), sent)
	require.Zero(t, failed)

	// Nothing queued, nothing sent
	require.NoError(t, c.Flush(context.Background()))
	require.Len(t, tr.envs, 2)
}

func TestFullBatchFlushesInBackground(t *testing.T) {
	tr := &recordingTransport{}
	c := NewWithTransport(Config{Device: "plc-1", MaxBatchSize: 2, FlushEvery: time.Hour}, tr)

	c.RecordAt("A", 1, time.UnixMilli(1000))
	require.Zero(t, tr.count())
	c.RecordAt("B", 2, time.UnixMilli(2000))

	require.Eventually(t, func() bool { return tr.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopFlushesRemaining(t *testing.T) {
	tr := &recordingTransport{}
	c := NewWithTransport(Config{Device: "plc-1", FlushEvery: time.Hour}, tr)
	c.Start(context.Background())

	c.Record("Temperature", 20)
	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, 1, tr.count())
}

func TestFlushReportsTransportErrors(t *testing.T) {
	tr := &recordingTransport{err: errors.New("connection refused")}
	c := NewWithTransport(Config{Device: "plc-1"}, tr)

	c.Record("Temperature", 20)
	require.ErrorContains(t, c.Flush(context.Background()), "connection refused")
	_, failed := c.Stats()
	require.Equal(t, int64(1), failed)
}

func TestHTTPTransportRejected(t *testing.T) {
	var got *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		http.Error(w, `{"error":"bad envelope"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	tr, err := NewHTTP(ts.URL, "secret", time.Second)
	require.NoError(t, err)
	err = tr.Send(context.Background(), "plc-1", Envelope{Unix: 1, Version: "1.0"})
	require.ErrorContains(t, err, "status 400")

	require.NotNil(t, got)
	require.Equal(t, "/v1/ingest", got.URL.Path)
	require.Equal(t, "plc-1/pub_data", got.URL.Query().Get("topic"))
	require.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
}

func TestClientAgainstServer(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"

	srv, err := server.New(cfg, memory.New(), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := New(Config{Device: "plc-3", Endpoint: ts.URL})
	require.NoError(t, err)

	at := time.UnixMilli(1700000000000)
	c.RecordAt("Temperature", 21.5, at)
	c.RecordAt("Level", 80, at)
	require.NoError(t, c.Flush(context.Background()))

	resp, err := http.Get(ts.URL + "/v1/devices/plc-3/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var latest query.LatestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&latest))
	require.Equal(t, []query.TagValue{
		{Tag: "Level", Value: 80, Timestamp: 1700000000000},
		{Tag: "Temperature", Value: 21.5, Timestamp: 1700000000000},
	}, latest.Values)
}
