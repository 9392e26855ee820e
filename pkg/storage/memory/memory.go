package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/tagstream/pkg/storage"
)

type sensorKey struct {
	deviceID int64
	tag      string
}

type sampleKey struct {
	sensorID int64
	ts       int64
}

// Storage keeps every table in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu sync.RWMutex

	devices     map[int64]storage.Device
	deviceNames map[string]int64
	nextDevice  int64

	sensors    map[int64]storage.Sensor
	sensorKeys map[sensorKey]int64
	nextSensor int64

	samples map[sampleKey]storage.RawSample
	buckets map[string]map[sampleKey]storage.Bucket
}

// New creates an in-memory storage backend
func New() *Storage {
	s := &Storage{
		devices:     make(map[int64]storage.Device),
		deviceNames: make(map[string]int64),
		sensors:     make(map[int64]storage.Sensor),
		sensorKeys:  make(map[sensorKey]int64),
		samples:     make(map[sampleKey]storage.RawSample, 10000),
		buckets:     make(map[string]map[sampleKey]storage.Bucket),
	}
	for _, r := range storage.Resolutions() {
		s.buckets[r.Name] = make(map[sampleKey]storage.Bucket)
	}
	return s
}

// UpsertDevice inserts or refreshes the device named u.Name
func (s *Storage) UpsertDevice(ctx context.Context, u storage.DeviceUpsert) (storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.deviceNames[u.Name]; ok {
		d := u.Apply(s.devices[id])
		s.devices[id] = d
		return d, nil
	}

	s.nextDevice++
	d := u.Apply(storage.Device{ID: s.nextDevice, Name: u.Name})
	s.devices[d.ID] = d
	s.deviceNames[d.Name] = d.ID
	return d, nil
}

// TouchDevice refreshes an existing device by id
func (s *Storage) TouchDevice(ctx context.Context, id int64, u storage.DeviceUpsert) (storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	d = u.Apply(d)
	s.devices[id] = d
	return d, nil
}

func (s *Storage) DeviceByName(ctx context.Context, name string) (storage.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.deviceNames[name]
	if !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	return s.devices[id], nil
}

func (s *Storage) DeviceByID(ctx context.Context, id int64) (storage.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	return d, nil
}

// ListDevices returns all devices ordered by id
func (s *Storage) ListDevices(ctx context.Context) ([]storage.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertSensor returns the sensor for (deviceID, tag), creating it on first sight
func (s *Storage) UpsertSensor(ctx context.Context, deviceID int64, tag string, kind storage.ValueKind) (storage.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[deviceID]; !ok {
		return storage.Sensor{}, storage.ErrNotFound
	}

	key := sensorKey{deviceID: deviceID, tag: tag}
	if id, ok := s.sensorKeys[key]; ok {
		return s.sensors[id], nil
	}

	s.nextSensor++
	sensor := storage.Sensor{ID: s.nextSensor, DeviceID: deviceID, Tag: tag, Kind: kind}
	s.sensors[sensor.ID] = sensor
	s.sensorKeys[key] = sensor.ID
	return sensor, nil
}

// SensorsByDevice returns a device's sensors ordered by tag
func (s *Storage) SensorsByDevice(ctx context.Context, deviceID int64) ([]storage.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Sensor
	for _, sensor := range s.sensors {
		if sensor.DeviceID == deviceID {
			out = append(out, sensor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// WriteSample upserts one raw sample
func (s *Storage) WriteSample(ctx context.Context, sample storage.RawSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sensors[sample.SensorID]; !ok {
		return storage.ErrNotFound
	}
	s.samples[sampleKey{sensorID: sample.SensorID, ts: sample.Timestamp}] = sample
	return nil
}

// QueryHistory retrieves raw samples matching q
func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]storage.RawSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter := idSet(q.SensorIDs)

	var results []storage.RawSample
	for _, sample := range s.samples {
		if filter != nil && !filter[sample.SensorID] {
			continue
		}
		if !storage.InRange(sample.Timestamp, q.Start, q.End) {
			continue
		}
		results = append(results, sample)
	}

	storage.SortSamples(results, q.Descending)
	return storage.Page(results, q.Offset, q.Limit), nil
}

// LatestSamples returns the newest sample of each listed sensor
func (s *Storage) LatestSamples(ctx context.Context, sensorIDs []int64) (map[int64]storage.RawSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter := idSet(sensorIDs)
	latest := make(map[int64]storage.RawSample, len(sensorIDs))
	for _, sample := range s.samples {
		if !filter[sample.SensorID] {
			continue
		}
		if cur, ok := latest[sample.SensorID]; !ok || sample.Timestamp > cur.Timestamp {
			latest[sample.SensorID] = sample
		}
	}
	return latest, nil
}

// UpsertBuckets inserts or overwrites rollup buckets for res
func (s *Storage) UpsertBuckets(ctx context.Context, res storage.Resolution, buckets []storage.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.buckets[res.Name]
	if !ok {
		return storage.ErrNotFound
	}
	for _, b := range buckets {
		table[sampleKey{sensorID: b.SensorID, ts: b.BucketStart}] = b
	}
	return nil
}

// QueryBuckets returns rollup buckets newest first
func (s *Storage) QueryBuckets(ctx context.Context, res storage.Resolution, q storage.BucketQuery) ([]storage.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.buckets[res.Name]
	if !ok {
		return nil, storage.ErrNotFound
	}

	filter := idSet(q.SensorIDs)
	var results []storage.Bucket
	for _, b := range table {
		if filter != nil && !filter[b.SensorID] {
			continue
		}
		if !storage.InRange(b.BucketStart, q.Start, q.End) {
			continue
		}
		results = append(results, b)
	}

	storage.SortBucketsNewestFirst(results)
	return storage.Page(results, 0, q.Limit), nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		Devices:    uint64(len(s.devices)),
		Sensors:    uint64(len(s.sensors)),
		RawSamples: uint64(len(s.samples)),
		Buckets:    make(map[string]uint64, len(s.buckets)),
	}
	for name, table := range s.buckets {
		stats.Buckets[name] = uint64(len(table))
	}

	// Rough size estimate (each row ~40 bytes)
	stats.SizeBytes = (stats.RawSamples + uint64(len(s.sensors))) * 40
	return stats, nil
}

// idSet returns nil for an empty list so callers can treat nil as "all"
func idSet(ids []int64) map[int64]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
