package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nicktill/tagstream/pkg/config"
)

// Transport delivers one envelope for a device
type Transport interface {
	Send(ctx context.Context, device string, env Envelope) error
}

// Envelope is the plain device wire format: one timestamp, one device.
type Envelope struct {
	Unix    int64                         `json:"Unix"`
	Version string                        `json:"Version"`
	Type    string                        `json:"Type,omitempty"`
	Data    map[string]map[string]float64 `json:"Data"`
}

// HTTPTransport posts envelopes to /v1/ingest, the same path MQTT
// messages take once received.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates a transport for the ingest endpoint at base, e.g.
// http://localhost:8080.
func NewHTTP(base, apiKey string, timeout time.Duration) (*HTTPTransport, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", base)
	}
	u.Path = "/v1/ingest"
	return &HTTPTransport{
		endpoint: u.String(),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Send posts env on the device's publish topic
func (t *HTTPTransport) Send(ctx context.Context, device string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	target := t.endpoint + "?topic=" + url.QueryEscape(fmt.Sprintf(config.DefaultPublishTopic, device))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
