package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tagstream/pkg/envelope"
	"github.com/nicktill/tagstream/pkg/logging"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return hub, srv
}

func TestHubStreamsBatches(t *testing.T) {
	hub, srv := startHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, 2*time.Second, 5*time.Millisecond)

	batch := envelope.Batch{ID: "b-1", DeviceRef: "plc-1", Samples: []envelope.Sample{{Tag: "A", Value: 1, Timestamp: 5}}}
	require.NoError(t, hub.Observe(context.Background(), batch))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg BatchMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "batch", msg.Type)
	require.Equal(t, batch, msg.Batch)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 5*time.Millisecond)
}

func TestHubObserveWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	require.NoError(t, hub.Observe(context.Background(), envelope.Batch{}))
	require.Zero(t, hub.Dropped())
}

func TestHubNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	hub.setCount(1) // pretend a client is connected; Run is not started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = hub.Observe(context.Background(), envelope.Batch{DeviceRef: "d"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked")
	}
	require.Positive(t, hub.Dropped())
}
