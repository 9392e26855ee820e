/*
Package storage provides the pluggable storage abstraction for tagstream.

# Storage Interface

tagstream keeps four kinds of records, each behind its own narrow interface:

  - DeviceStore: devices(device_id, name, type, status, last_seen)
  - SensorStore: sensors(sensor_id, device_id, tag_name), unique on (device_id, tag_name)
  - HistoryStore: raw_history(sensor_id, timestamp, value, quality), keyed on (sensor_id, timestamp)
  - RollupStore: one bucket table per resolution, keyed on (sensor_id, bucket_start)

All backends implement the combined Storage interface:

  - memory: maps guarded by a RWMutex, for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for an embedded, persistent store
  - postgres: PostgreSQL through database/sql and the pgx driver, for shared deployments

# Upserts

Every write is an upsert so that repeating it is harmless:

  - UpsertDevice / UpsertSensor are insert-or-fetch; two concurrent first
    sightings of the same key return the same id and never a uniqueness error.
  - WriteSample replaces any sample with the same (sensor, timestamp).
  - UpsertBuckets overwrites avg/min/max/count unconditionally.

The postgres backend expresses these as INSERT ... ON CONFLICT statements.
The memory and badger backends serialize them internally.

# Resolutions

Rollup buckets exist at four fixed widths:

	Resolution1m  = 60s    table rollup_1min
	Resolution5m  = 300s   table rollup_5min
	Resolution10m = 600s   table rollup_10min
	Resolution1h  = 3600s  table rollup_1hour

A bucket covers [BucketStart, BucketStart+Width). Buckets carry no state of
their own and can always be recomputed from raw history.

# Timestamps

All timestamps are unix milliseconds. Query ranges are half open: Start is
inclusive, End is exclusive, and zero leaves that side unbounded.

# Usage Example

	store := memory.New()
	defer store.Close()

	dev, err := store.UpsertDevice(ctx, storage.DeviceUpsert{Name: "plc-7", SeenAt: now})
	sensor, err := store.UpsertSensor(ctx, dev.ID, "Temperature", storage.KindNumeric)
	err = store.WriteSample(ctx, storage.RawSample{SensorID: sensor.ID, Timestamp: now, Value: 21.5})

	samples, err := store.QueryHistory(ctx, storage.HistoryQuery{
	    SensorIDs: []int64{sensor.ID},
	    Start:     now - time.Hour.Milliseconds(),
	})

# See Also

  - pkg/rollup for the bucket computation
  - pkg/registry for identity resolution on top of DeviceStore and SensorStore
*/
package storage
