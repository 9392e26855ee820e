package storage

import (
	"fmt"
	"sort"
	"time"
)

// Device status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device is one physical HMI/PLC endpoint.
type Device struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// Online reports whether the device has been heard from within window of
// now. Stored status is only ever "online"; silence is judged by readers.
func (d Device) Online(now time.Time, window time.Duration) bool {
	if d.Status != StatusOnline {
		return false
	}
	return now.UnixMilli()-d.LastSeen <= window.Milliseconds()
}

// EffectiveStatus is the status a reader should display.
func (d Device) EffectiveStatus(now time.Time, window time.Duration) string {
	if d.Online(now, window) {
		return StatusOnline
	}
	return StatusOffline
}

// DeviceUpsert carries the fields applied on each device resolution.
// Nil optional fields never overwrite stored values.
type DeviceUpsert struct {
	Name   string
	Type   *string
	SeenAt int64
}

// Apply returns d refreshed by u: status online, last_seen moved forward and
// Type merged only when supplied.
func (u DeviceUpsert) Apply(d Device) Device {
	d.Status = StatusOnline
	if u.SeenAt > d.LastSeen {
		d.LastSeen = u.SeenAt
	}
	if u.Type != nil && *u.Type != "" {
		d.Type = *u.Type
	}
	return d
}

// ValueKind is the declared value type of a sensor.
type ValueKind string

const (
	KindNumeric ValueKind = "numeric"
	KindBoolean ValueKind = "boolean"
)

// Sensor is one named variable scoped to exactly one device.
type Sensor struct {
	ID       int64     `json:"id"`
	DeviceID int64     `json:"device_id"`
	Tag      string    `json:"tag"`
	Kind     ValueKind `json:"kind"`
}

// Quality is the OPC-style quality flag stored with each sample.
type Quality int16

const (
	QualityGood Quality = 0
	QualityBad  Quality = 1
)

// RawSample is an immutable reading. (SensorID, Timestamp) is the key.
type RawSample struct {
	SensorID  int64   `json:"sensor_id"`
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
	Quality   Quality `json:"quality"`
}

// Bucket is a rollup row, a pure function of the raw samples in
// [BucketStart, BucketStart+width).
type Bucket struct {
	SensorID    int64   `json:"sensor_id"`
	BucketStart int64   `json:"bucket_start"`
	Avg         float64 `json:"avg"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Count       int64   `json:"count"`
}

// Resolution is one of the fixed aggregation granularities.
type Resolution struct {
	Name  string
	Width time.Duration
	Table string
}

// WidthMillis returns the bucket width in unix millis.
func (r Resolution) WidthMillis() int64 {
	return r.Width.Milliseconds()
}

// Floor truncates ts (unix millis) down to the start of its bucket.
func (r Resolution) Floor(ts int64) int64 {
	w := r.WidthMillis()
	m := ts % w
	if m < 0 {
		m += w
	}
	return ts - m
}

var (
	Resolution1m  = Resolution{Name: "1min", Width: time.Minute, Table: "rollup_1min"}
	Resolution5m  = Resolution{Name: "5min", Width: 5 * time.Minute, Table: "rollup_5min"}
	Resolution10m = Resolution{Name: "10min", Width: 10 * time.Minute, Table: "rollup_10min"}
	Resolution1h  = Resolution{Name: "1hour", Width: time.Hour, Table: "rollup_1hour"}
)

// Resolutions lists every rollup resolution, finest first.
func Resolutions() []Resolution {
	return []Resolution{Resolution1m, Resolution5m, Resolution10m, Resolution1h}
}

// ResolutionByName looks up a resolution by its name ("1min", "5min", ...).
func ResolutionByName(name string) (Resolution, error) {
	for _, r := range Resolutions() {
		if r.Name == name {
			return r, nil
		}
	}
	return Resolution{}, fmt.Errorf("unknown resolution %q", name)
}

// SortSamples orders samples by timestamp then sensor id, optionally newest first.
func SortSamples(samples []RawSample, descending bool) {
	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if a.Timestamp != b.Timestamp {
			if descending {
				return a.Timestamp > b.Timestamp
			}
			return a.Timestamp < b.Timestamp
		}
		return a.SensorID < b.SensorID
	})
}

// SortBucketsNewestFirst orders buckets by bucket start descending, then sensor id.
func SortBucketsNewestFirst(buckets []Bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].BucketStart != buckets[j].BucketStart {
			return buckets[i].BucketStart > buckets[j].BucketStart
		}
		return buckets[i].SensorID < buckets[j].SensorID
	})
}

// Page applies offset and limit to an already sorted slice.
func Page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// InRange reports whether ts falls in [start, end) with 0 meaning open.
func InRange(ts, start, end int64) bool {
	if start != 0 && ts < start {
		return false
	}
	if end != 0 && ts >= end {
		return false
	}
	return true
}
