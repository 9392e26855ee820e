// Package command sends outbound commands to devices over the broker.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/registry"
	"github.com/nicktill/tagstream/pkg/storage"
)

// ErrNotObject is returned for a payload that is not a JSON object.
var ErrNotObject = errors.New("command payload must be a JSON object")

// Publisher is the broker side of the dispatcher
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DeviceResolver creates the device on first command
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, ref string, meta registry.DeviceMeta) (storage.Device, error)
}

// Dispatcher validates, addresses and publishes device commands.
type Dispatcher struct {
	publisher Publisher
	resolver  DeviceResolver
	topic     string
	logger    *slog.Logger
	onSent    func(error)
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTopicFormat sets the fmt pattern (one %s for the device name) used
// to build the command topic. Defaults to config.DefaultCommandTopic.
func WithTopicFormat(format string) Option {
	return func(d *Dispatcher) { d.topic = format }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrDiscard(l) }
}

// WithResultHook is called after every Send with its error (nil on success)
func WithResultHook(fn func(error)) Option {
	return func(d *Dispatcher) { d.onSent = fn }
}

func New(publisher Publisher, resolver DeviceResolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		resolver:  resolver,
		topic:     config.DefaultCommandTopic,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result describes a sent command.
type Result struct {
	Device storage.Device `json:"device"`
	Topic  string         `json:"topic"`
}

// Send publishes payload to the device's command topic. The payload must be
// a JSON object; its fields are not checked. An unseen device name is
// registered as a side effect.
func (d *Dispatcher) Send(ctx context.Context, device string, payload []byte) (res Result, err error) {
	defer func() {
		if d.onSent != nil {
			d.onSent(err)
		}
	}()

	device = strings.TrimSpace(device)
	if device == "" {
		return Result{}, errors.New("device name cannot be empty")
	}
	if err := checkObject(payload); err != nil {
		return Result{}, err
	}

	dev, err := d.resolver.ResolveDevice(ctx, device, registry.DeviceMeta{})
	if err != nil {
		return Result{}, fmt.Errorf("resolve command target: %w", err)
	}

	topic := d.Topic(dev.Name)
	if err := d.publisher.Publish(ctx, topic, payload); err != nil {
		d.logger.Error("command not sent", "device", dev.Name, "topic", topic, "error", err)
		return Result{}, err
	}

	d.logger.Info("command sent", "device", dev.Name, "device_id", dev.ID, "topic", topic, "bytes", len(payload))
	return Result{Device: dev, Topic: topic}, nil
}

// Topic returns the command topic for a device name.
func (d *Dispatcher) Topic(device string) string {
	return fmt.Sprintf(d.topic, device)
}

func checkObject(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return nil
}
