// Package registry resolves external device references and tag names to the
// internal ids storage uses, creating them on first sight.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nicktill/tagstream/pkg/keylock"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/storage"
)

// Store is the part of storage the registry needs
type Store interface {
	storage.DeviceStore
	storage.SensorStore
}

// DeviceMeta is optional metadata merged into the device record. Nil fields
// leave stored values untouched.
type DeviceMeta struct {
	Type *string
}

type sensorKey struct {
	deviceID int64
	tag      string
}

// Registry is safe for concurrent use.
type Registry struct {
	store  Store
	locks  *keylock.Locker
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	sensors map[sensorKey]int64
}

// Option configures a Registry
type Option func(*Registry)

// WithLocker shares a key locker with other components
func WithLocker(l *keylock.Locker) Option {
	return func(r *Registry) { r.locks = l }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
		sensors: make(map[sensorKey]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locks == nil {
		r.locks = keylock.New(0)
	}
	return r
}

// ResolveDevice maps ref to a device, trying it first as a name and then as
// an internal id. A found device is refreshed (online, last_seen = now, meta
// merged); an unknown ref creates a device named ref.
func (r *Registry) ResolveDevice(ctx context.Context, ref string, meta DeviceMeta) (storage.Device, error) {
	if ref == "" {
		return storage.Device{}, fmt.Errorf("resolve device: %w", storage.ErrNotFound)
	}

	defer r.locks.Lock("device\x00" + ref)()

	u := storage.DeviceUpsert{Name: ref, Type: meta.Type, SeenAt: r.now().UnixMilli()}

	existing, err := r.lookup(ctx, ref)
	switch {
	case err == nil:
		d, err := r.store.TouchDevice(ctx, existing.ID, u)
		if err != nil {
			return d, fmt.Errorf("refresh device %q: %w", ref, err)
		}
		return d, nil
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Device{}, fmt.Errorf("resolve device %q: %w", ref, err)
	}

	d, err := r.store.UpsertDevice(ctx, u)
	if err != nil {
		return d, fmt.Errorf("register device %q: %w", ref, err)
	}
	r.logger.Info("device registered", "device", d.Name, "device_id", d.ID)
	return d, nil
}

// LookupDevice resolves ref the same way ResolveDevice does but never creates
// or refreshes anything. Returns storage.ErrNotFound for unknown refs.
func (r *Registry) LookupDevice(ctx context.Context, ref string) (storage.Device, error) {
	return r.lookup(ctx, ref)
}

func (r *Registry) lookup(ctx context.Context, ref string) (storage.Device, error) {
	d, err := r.store.DeviceByName(ctx, ref)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return d, err
	}

	id, perr := strconv.ParseInt(ref, 10, 64)
	if perr != nil || id <= 0 {
		return storage.Device{}, storage.ErrNotFound
	}
	return r.store.DeviceByID(ctx, id)
}

// ResolveSensor returns the sensor id for (deviceID, tag), creating the sensor
// on first sight. Ids never change, so they are cached for the process lifetime.
func (r *Registry) ResolveSensor(ctx context.Context, deviceID int64, tag string) (int64, error) {
	key := sensorKey{deviceID: deviceID, tag: tag}
	if id, ok := r.cachedSensor(key); ok {
		return id, nil
	}

	defer r.locks.Lock("sensor\x00" + strconv.FormatInt(deviceID, 10) + "\x00" + tag)()

	// another caller may have resolved it while we waited
	if id, ok := r.cachedSensor(key); ok {
		return id, nil
	}

	sensor, err := r.store.UpsertSensor(ctx, deviceID, tag, storage.KindNumeric)
	if err != nil {
		return 0, fmt.Errorf("resolve sensor %d/%q: %w", deviceID, tag, err)
	}

	r.mu.Lock()
	r.sensors[key] = sensor.ID
	r.mu.Unlock()
	return sensor.ID, nil
}

func (r *Registry) cachedSensor(key sensorKey) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sensors[key]
	return id, ok
}
