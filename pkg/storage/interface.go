package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a device or sensor lookup has no match.
var ErrNotFound = errors.New("storage: not found")

// Storage defines the interface for telemetry storage backends.
// Implementations: memory (testing), badger (embedded), postgres (shared)
type Storage interface {
	DeviceStore
	SensorStore
	HistoryStore
	RollupStore

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// DeviceStore persists device identities.
type DeviceStore interface {
	// UpsertDevice inserts the device named u.Name or refreshes it when it
	// already exists. Status becomes online, last_seen becomes u.SeenAt and
	// optional metadata is merged only when supplied. Atomic per name.
	UpsertDevice(ctx context.Context, u DeviceUpsert) (Device, error)

	// TouchDevice refreshes an existing device by internal id the same way
	// UpsertDevice does. Returns ErrNotFound when no such device exists.
	TouchDevice(ctx context.Context, id int64, u DeviceUpsert) (Device, error)

	DeviceByName(ctx context.Context, name string) (Device, error)
	DeviceByID(ctx context.Context, id int64) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
}

// SensorStore persists tag identities scoped to a device.
type SensorStore interface {
	// UpsertSensor returns the id for (deviceID, tag), creating the sensor
	// on first sight. Concurrent callers for the same pair get the same id.
	UpsertSensor(ctx context.Context, deviceID int64, tag string, kind ValueKind) (Sensor, error)

	SensorsByDevice(ctx context.Context, deviceID int64) ([]Sensor, error)
}

// HistoryStore persists raw samples.
type HistoryStore interface {
	// WriteSample upserts on (sensor id, timestamp); a second sample with the
	// same key replaces the first.
	WriteSample(ctx context.Context, s RawSample) error

	// QueryHistory returns samples ordered by timestamp, then sensor id
	QueryHistory(ctx context.Context, q HistoryQuery) ([]RawSample, error)

	// LatestSamples returns the newest sample per sensor. Sensors without
	// samples are absent from the map.
	LatestSamples(ctx context.Context, sensorIDs []int64) (map[int64]RawSample, error)
}

// RollupStore persists the per-resolution bucket tables.
type RollupStore interface {
	// UpsertBuckets inserts each bucket or overwrites avg/min/max/count of an
	// existing (sensor id, bucket start) row.
	UpsertBuckets(ctx context.Context, res Resolution, buckets []Bucket) error

	// QueryBuckets returns buckets newest first
	QueryBuckets(ctx context.Context, res Resolution, q BucketQuery) ([]Bucket, error)
}

// HistoryQuery specifies which raw samples to retrieve
type HistoryQuery struct {
	// Filter by sensor (empty = all sensors)
	SensorIDs []int64

	// Time range in unix millis: Start inclusive, End exclusive, 0 = open
	Start int64
	End   int64

	// Paging (0 = no limit)
	Limit  int
	Offset int

	// Newest first when set
	Descending bool
}

// BucketQuery specifies which rollup buckets to retrieve
type BucketQuery struct {
	SensorIDs []int64

	// Bucket start range in unix millis: Start inclusive, End exclusive, 0 = open
	Start int64
	End   int64

	// Limit number of results (0 = no limit)
	Limit int
}

// Stats provides storage health and usage info
type Stats struct {
	Devices    uint64 `json:"devices"`
	Sensors    uint64 `json:"sensors"`
	RawSamples uint64 `json:"raw_samples"`

	// Buckets per resolution name
	Buckets map[string]uint64 `json:"buckets"`

	// Storage size in bytes, when the backend can tell
	SizeBytes uint64 `json:"size_bytes,omitempty"`
}
