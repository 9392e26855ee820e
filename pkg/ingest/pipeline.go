// Package ingest runs inbound envelopes through normalization, identity
// resolution and change-filtered persistence, then fans each batch out to
// observers such as the websocket Hub.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nicktill/tagstream/pkg/dedup"
	"github.com/nicktill/tagstream/pkg/envelope"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/registry"
	"github.com/nicktill/tagstream/pkg/server/monitor"
	"github.com/nicktill/tagstream/pkg/storage"
)

// Message sources, used as a metrics label
const (
	SourceMQTT = "mqtt"
	SourceHTTP = "http"
)

// ErrStorageFull is returned while the storage guard reports no space left.
var ErrStorageFull = errors.New("storage limit reached")

// Resolver maps device refs and tags to ids
type Resolver interface {
	ResolveDevice(ctx context.Context, ref string, meta registry.DeviceMeta) (storage.Device, error)
	ResolveSensor(ctx context.Context, deviceID int64, tag string) (int64, error)
}

// SampleWriter persists a reading if its value changed
type SampleWriter interface {
	MaybeWrite(ctx context.Context, r dedup.Reading) (dedup.Result, error)
}

// Publisher fans a batch out; it must not fail
type Publisher interface {
	Publish(ctx context.Context, batch envelope.Batch)
}

// StorageGuard reports whether storage is out of space
type StorageGuard interface {
	Full() (bool, error)
}

// Report counts what happened to one message.
type Report struct {
	Batches    int `json:"batches"`
	Written    int `json:"written"`
	Suppressed int `json:"suppressed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Pipeline is safe for concurrent use; per-key ordering is enforced by the
// registry and writer.
type Pipeline struct {
	resolver  Resolver
	writer    SampleWriter
	publisher Publisher
	guard     StorageGuard
	metrics   *monitor.Metrics
	logger    *slog.Logger
	newID     func() string
}

// Option configures a Pipeline
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrDiscard(l) }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStorageGuard rejects messages while g reports storage as full
func WithStorageGuard(g StorageGuard) Option {
	return func(p *Pipeline) { p.guard = g }
}

func NewPipeline(resolver Resolver, writer SampleWriter, publisher Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		writer:    writer,
		publisher: publisher,
		logger:    logging.Discard(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleMessage processes one message received from the broker.
func (p *Pipeline) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	_, err := p.Ingest(ctx, SourceMQTT, topic, payload)
	return err
}

// Ingest normalizes payload and processes every batch it holds.
//
// Malformed and invalid envelopes are logged and returned as errors without
// touching storage. Storage failures are logged, counted and joined into the
// returned error; they never stop the remaining samples or the fan-out.
func (p *Pipeline) Ingest(ctx context.Context, source, topic string, payload []byte) (Report, error) {
	p.metrics.MessageReceived(source)

	if err := p.checkStorage(); err != nil {
		p.metrics.MessageRejected(monitor.ReasonStorageFull)
		p.logger.Warn("message rejected", "topic", topic, "error", err)
		return Report{}, err
	}

	batches, err := envelope.Normalize(topic, payload)
	if err != nil {
		p.reject(topic, err)
		return Report{}, err
	}

	var report Report
	var errs []error
	for _, b := range batches {
		if err := p.processBatch(ctx, &b, &report); err != nil {
			errs = append(errs, err)
		}
		b.ID = p.newID()
		p.publisher.Publish(ctx, b)
		report.Batches++
	}
	return report, errors.Join(errs...)
}

func (p *Pipeline) checkStorage() error {
	if p.guard == nil {
		return nil
	}
	full, err := p.guard.Full()
	if err != nil {
		p.logger.Warn("storage usage unavailable", "error", err)
		return nil
	}
	if full {
		return ErrStorageFull
	}
	return nil
}

func (p *Pipeline) reject(topic string, err error) {
	var perr *envelope.ParseError
	if errors.As(err, &perr) {
		p.metrics.MessageRejected(monitor.ReasonParse)
	} else {
		p.metrics.MessageRejected(monitor.ReasonValidation)
	}
	p.logger.Warn("envelope dropped", "topic", topic, "error", err)
}

func (p *Pipeline) processBatch(ctx context.Context, b *envelope.Batch, report *Report) error {
	if b.UnknownVersion {
		p.logger.Warn("unknown envelope version", "device", b.DeviceRef, "version", b.Version)
	}
	if len(b.Skipped) > 0 {
		p.metrics.SamplesSkipped(len(b.Skipped))
		p.logger.Debug("non-numeric tags skipped", "device", b.DeviceRef, "tags", b.Skipped)
		report.Skipped += len(b.Skipped)
	}

	dev, err := p.resolver.ResolveDevice(ctx, b.DeviceRef, registry.DeviceMeta{Type: b.DeviceType})
	if err != nil {
		p.metrics.WriteError()
		report.Failed += len(b.Samples)
		p.logger.Error("resolve device", "device", b.DeviceRef, "error", err)
		return fmt.Errorf("device %q: %w", b.DeviceRef, err)
	}
	b.DeviceID = dev.ID

	var errs []error
	for _, s := range b.Samples {
		if err := p.processSample(ctx, dev.ID, s, report); err != nil {
			p.metrics.WriteError()
			report.Failed++
			p.logger.Error("sample not stored",
				"device", b.DeviceRef,
				"tag", s.Tag,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) processSample(ctx context.Context, deviceID int64, s envelope.Sample, report *Report) error {
	sensorID, err := p.resolver.ResolveSensor(ctx, deviceID, s.Tag)
	if err != nil {
		return fmt.Errorf("resolve sensor %q: %w", s.Tag, err)
	}

	res, err := p.writer.MaybeWrite(ctx, dedup.Reading{
		DeviceID:  deviceID,
		SensorID:  sensorID,
		Tag:       s.Tag,
		Value:     s.Value,
		Timestamp: s.Timestamp,
		Quality:   storage.QualityGood,
	})
	if err != nil {
		return err
	}

	if res.Written {
		p.metrics.SampleWritten()
		report.Written++
	} else {
		p.metrics.SampleSuppressed()
		report.Suppressed++
	}
	return nil
}
