package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tagstream/pkg/logging"
)

const (
	defaultMaxBatchSize = 1000
	defaultFlushEvery   = 5 * time.Second
	defaultTimeout      = 10 * time.Second
	envelopeVersion     = "1.0"
)

// Config holds configuration for a device client
type Config struct {
	Device       string
	DeviceType   string
	Endpoint     string // base URL of the tagstream server
	APIKey       string
	MaxBatchSize int
	FlushEvery   time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Point is one recorded tag value
type Point struct {
	Tag       string
	Value     float64
	Timestamp int64 // unix millis
}

// Client batches tag values for one device and ships them as envelopes
// over HTTP, for devices that cannot speak MQTT.
type Client struct {
	config    Config
	transport Transport
	logger    *slog.Logger

	points []Point
	mu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool
	sent     atomic.Int64
	failed   atomic.Int64
}

// New creates a client posting to cfg.Endpoint
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Device) == "" {
		return nil, errors.New("device name is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	trans, err := NewHTTP(cfg.Endpoint, cfg.APIKey, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return NewWithTransport(cfg, trans), nil
}

// NewWithTransport creates a client over an arbitrary transport
func NewWithTransport(cfg Config, transport Transport) *Client {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    logging.OrDiscard(cfg.Logger),
		points:    make([]Point, 0, cfg.MaxBatchSize),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
}

// Start runs the periodic flush loop until ctx is cancelled or Stop is called
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.flushLoop()
}

// Record queues a value sampled now
func (c *Client) Record(tag string, value float64) {
	c.RecordAt(tag, value, time.Now())
}

// RecordAt queues a value with an explicit sample time. A full batch is
// flushed in the background unless a flush is already running.
func (c *Client) RecordAt(tag string, value float64, at time.Time) {
	c.mu.Lock()
	c.points = append(c.points, Point{Tag: tag, Value: value, Timestamp: at.UnixMilli()})
	full := len(c.points) >= c.config.MaxBatchSize
	c.mu.Unlock()

	if full && c.flushing.CompareAndSwap(false, true) {
		go func() {
			defer c.flushing.Store(false)
			c.flushLogged()
		}()
	}
}

// Flush sends every queued point and returns the first send error.
func (c *Client) Flush(ctx context.Context) error {
	points := c.drain()
	if len(points) == 0 {
		return nil
	}

	var errs []error
	for _, env := range c.envelopes(points) {
		sendCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		err := c.transport.Send(sendCtx, c.config.Device, env)
		cancel()
		if err != nil {
			c.failed.Add(1)
			errs = append(errs, err)
			continue
		}
		c.sent.Add(1)
	}
	return errors.Join(errs...)
}

// Stop ends the flush loop and sends what is left
func (c *Client) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.Flush(ctx)
}

// Stats returns the number of envelopes delivered and failed
func (c *Client) Stats() (sent, failed int64) {
	return c.sent.Load(), c.failed.Load()
}

func (c *Client) flushLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.flushing.CompareAndSwap(false, true) {
				c.flushLogged()
				c.flushing.Store(false)
			}
		}
	}
}

func (c *Client) flushLogged() {
	if err := c.Flush(c.ctx); err != nil {
		c.logger.Warn("flush failed", "device", c.config.Device, "error", err)
	}
}

func (c *Client) drain() []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.points) == 0 {
		return nil
	}
	points := make([]Point, len(c.points))
	copy(points, c.points)
	c.points = c.points[:0]
	return points
}

// envelopes groups points by timestamp, oldest first. A later value for the
// same tag and timestamp wins.
func (c *Client) envelopes(points []Point) []Envelope {
	byTime := make(map[int64]map[string]float64)
	for _, p := range points {
		tags, ok := byTime[p.Timestamp]
		if !ok {
			tags = make(map[string]float64)
			byTime[p.Timestamp] = tags
		}
		tags[p.Tag] = p.Value
	}

	stamps := make([]int64, 0, len(byTime))
	for ts := range byTime {
		stamps = append(stamps, ts)
	}
	slices.Sort(stamps)

	out := make([]Envelope, 0, len(stamps))
	for _, ts := range stamps {
		out = append(out, Envelope{
			Unix:    ts,
			Version: envelopeVersion,
			Type:    c.config.DeviceType,
			Data:    map[string]map[string]float64{c.config.Device: byTime[ts]},
		})
	}
	return out
}
