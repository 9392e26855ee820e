// Package mqtt connects the ingestion pipeline to an MQTT v5 broker.
//
// Received publishes go into bounded queues, one per worker. A topic always
// hashes to the same worker, so one device's messages are handled in
// arrival order. When a queue is full new messages are dropped and counted, so
// the network read loop never stalls behind slow storage. There is no
// reconnect: a lost connection is logged and the process is expected to be
// restarted by its supervisor.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("mqtt client closed")

// MessageHandler processes one inbound message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, topic string, payload []byte) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, topic string, payload []byte) error

func (f HandlerFunc) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

// DropCounter is told about every dropped message.
type DropCounter interface {
	TransportDropped()
}

// Config holds the connection settings.
type Config struct {
	Broker    string // host:port, optionally prefixed with tcp:// or mqtt://
	ClientID  string // generated when empty
	Topic     string // subscription filter; empty subscribes to nothing
	QoS       byte
	KeepAlive uint16
	Workers   int
	QueueSize int // total, split evenly across workers
}

type message struct {
	topic   string
	payload []byte
}

// Client is a connected broker session.
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  *slog.Logger
	drops   DropCounter

	conn *paho.Client

	mu      sync.RWMutex
	closed  bool
	queues  []chan message
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// Option configures a Client
type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.OrDiscard(l) }
}

// WithDropCounter reports dropped messages, typically to prometheus
func WithDropCounter(d DropCounter) Option {
	return func(c *Client) { c.drops = d }
}

// Dial connects to the broker, starts the workers and subscribes to
// cfg.Topic. handler may be nil for a publish-only client.
func Dial(ctx context.Context, cfg Config, handler MessageHandler, opts ...Option) (*Client, error) {
	cfg = withDefaults(cfg)
	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logging.Discard(),
	}
	perWorker := max(1, cfg.QueueSize/cfg.Workers)
	c.queues = make([]chan message, cfg.Workers)
	for i := range c.queues {
		c.queues[i] = make(chan message, perWorker)
	}
	for _, opt := range opts {
		opt(c)
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.MQTTConnectTimeout)
	defer cancel()

	var d net.Dialer
	netConn, err := d.DialContext(dialCtx, "tcp", brokerAddress(cfg.Broker))
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", cfg.Broker, err)
	}

	c.conn = paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				c.enqueue(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			c.logger.Error("mqtt client error", "error", err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.logger.Warn("mqtt server disconnected", "reason", d.ReasonCode)
		},
	})

	if _, err := c.conn.Connect(dialCtx, &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  cfg.KeepAlive,
		CleanStart: true,
	}); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.Broker, err)
	}

	if handler != nil {
		for _, q := range c.queues {
			c.wg.Add(1)
			go c.worker(q)
		}
	}

	if handler != nil && cfg.Topic != "" {
		if _, err := c.conn.Subscribe(dialCtx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: cfg.Topic, QoS: cfg.QoS}},
		}); err != nil {
			c.Close()
			return nil, fmt.Errorf("subscribe %q: %w", cfg.Topic, err)
		}
	}

	c.logger.Info("mqtt connected",
		"broker", cfg.Broker,
		"client_id", cfg.ClientID,
		"topic", cfg.Topic,
		"workers", cfg.Workers)
	return c, nil
}

func withDefaults(cfg Config) Config {
	if cfg.ClientID == "" {
		cfg.ClientID = "tagstream-" + uuid.NewString()[:8]
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = config.DefaultMQTTKeepAlive
	}
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultMQTTWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultMQTTQueueSize
	}
	return cfg
}

func brokerAddress(broker string) string {
	for _, scheme := range []string{"tcp://", "mqtt://"} {
		broker = strings.TrimPrefix(broker, scheme)
	}
	return broker
}

func (c *Client) enqueue(topic string, payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || c.handler == nil {
		return
	}
	select {
	case c.queues[c.shard(topic)] <- message{topic: topic, payload: payload}:
	default:
		c.dropped.Add(1)
		if c.drops != nil {
			c.drops.TransportDropped()
		}
		c.logger.Warn("ingest queue full, message dropped", "topic", topic)
	}
}

// shard picks the worker queue for topic
func (c *Client) shard(topic string) int {
	return int(xxhash.Sum64String(topic) % uint64(len(c.queues)))
}

func (c *Client) worker(queue <-chan message) {
	defer c.wg.Done()

	for msg := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), config.IngestTimeout)
		if err := c.handler.HandleMessage(ctx, msg.topic, msg.payload); err != nil {
			c.logger.Debug("message not fully processed", "topic", msg.topic, "error", err)
		}
		cancel()
	}
}

// Publish sends payload to topic with the configured QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, config.MQTTPublishTimeout)
	defer cancel()

	if _, err := c.conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     c.cfg.QoS,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// Dropped returns the number of messages dropped on a full queue.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Close disconnects, then waits for the workers to finish the messages
// already queued. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, q := range c.queues {
		close(q)
	}
	c.mu.Unlock()

	err := c.conn.Disconnect(&paho.Disconnect{ReasonCode: 0})
	c.wg.Wait()
	c.logger.Info("mqtt disconnected", "dropped", c.Dropped())
	return err
}
