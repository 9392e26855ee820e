// Package query is the read side of tagstream: latest values, raw history
// and rollup buckets addressed by device reference and tag name.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/storage"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrUnknownResolution = errors.New("unknown resolution")
	ErrBadRange          = errors.New("start is after end")
)

// Store is the part of storage the query service reads
type Store interface {
	storage.DeviceStore
	storage.SensorStore
	storage.HistoryStore
	storage.RollupStore
}

// DeviceLookup resolves a device ref (name or numeric id) without creating it
type DeviceLookup interface {
	LookupDevice(ctx context.Context, ref string) (storage.Device, error)
}

// TagValue is the newest sample of one tag.
type TagValue struct {
	Tag       string  `json:"tag"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// HistoryFilter selects raw samples. Every field is optional.
type HistoryFilter struct {
	DeviceRef string
	Tag       string

	// Unix millis, Start inclusive, End exclusive
	Start int64
	End   int64

	// Limit caps the result when no page is requested. Page is 1-based.
	Limit    int
	Page     int
	PageSize int
}

// HistoryRow is one raw sample with its identity spelled out.
type HistoryRow struct {
	Device    string          `json:"device"`
	Tag       string          `json:"tag"`
	Timestamp int64           `json:"timestamp"`
	Value     float64         `json:"value"`
	Quality   storage.Quality `json:"quality"`
}

// RollupRow is one bucket of one tag.
type RollupRow struct {
	Tag         string  `json:"tag"`
	BucketStart int64   `json:"bucketStart"`
	Avg         float64 `json:"avg"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Count       int64   `json:"count"`
}

// DeviceRow is a device with its status as readers should see it.
type DeviceRow struct {
	storage.Device
	Tags int `json:"tags"`
}

type sensorRef struct {
	device string
	tag    string
}

// Service answers read queries. It never creates devices or sensors.
type Service struct {
	store   Store
	devices DeviceLookup
	now     func() time.Time
}

func NewService(store Store, devices DeviceLookup) *Service {
	return &Service{store: store, devices: devices, now: time.Now}
}

// ListDevices returns every known device with status derived from last_seen.
func (s *Service) ListDevices(ctx context.Context) ([]DeviceRow, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	now := s.now()
	rows := make([]DeviceRow, 0, len(devices))
	for _, d := range devices {
		sensors, err := s.store.SensorsByDevice(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("list sensors of %q: %w", d.Name, err)
		}
		d.Status = d.EffectiveStatus(now, config.DeviceOfflineAfter)
		rows = append(rows, DeviceRow{Device: d, Tags: len(sensors)})
	}
	return rows, nil
}

// GetDevice resolves ref and reports the device's effective status.
func (s *Service) GetDevice(ctx context.Context, ref string) (storage.Device, error) {
	d, err := s.device(ctx, ref)
	if err != nil {
		return d, err
	}
	d.Status = d.EffectiveStatus(s.now(), config.DeviceOfflineAfter)
	return d, nil
}

// GetLatestByKey returns the newest value of every tag of a device, sorted by
// tag. Tags that never had a sample written are left out.
func (s *Service) GetLatestByKey(ctx context.Context, ref string) ([]TagValue, error) {
	d, err := s.device(ctx, ref)
	if err != nil {
		return nil, err
	}
	sensors, err := s.store.SensorsByDevice(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("sensors of %q: %w", d.Name, err)
	}
	if len(sensors) == 0 {
		return []TagValue{}, nil
	}

	ids := make([]int64, len(sensors))
	for i, sn := range sensors {
		ids[i] = sn.ID
	}
	latest, err := s.store.LatestSamples(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("latest samples of %q: %w", d.Name, err)
	}

	out := make([]TagValue, 0, len(latest))
	for _, sn := range sensors {
		if sample, ok := latest[sn.ID]; ok {
			out = append(out, TagValue{Tag: sn.Tag, Value: sample.Value, Timestamp: sample.Timestamp})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// GetHistoricalData returns raw samples newest first.
//
// With Page or PageSize set the result is one page of PageSize rows (default
// config.DefaultPageSize, capped at config.MaxPageSize). Otherwise at most
// Limit rows are returned (default config.DefaultHistoryLimit).
func (s *Service) GetHistoricalData(ctx context.Context, f HistoryFilter) ([]HistoryRow, error) {
	if f.End != 0 && f.Start > f.End {
		return nil, fmt.Errorf("%w: %d > %d", ErrBadRange, f.Start, f.End)
	}

	refs, err := s.sensors(ctx, f.DeviceRef, f.Tag)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return []HistoryRow{}, nil
	}

	q := storage.HistoryQuery{
		SensorIDs:  sortedIDs(refs),
		Start:      f.Start,
		End:        f.End,
		Descending: true,
	}
	q.Limit, q.Offset = window(f)

	samples, err := s.store.QueryHistory(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	rows := make([]HistoryRow, 0, len(samples))
	for _, sample := range samples {
		ref := refs[sample.SensorID]
		rows = append(rows, HistoryRow{
			Device:    ref.device,
			Tag:       ref.tag,
			Timestamp: sample.Timestamp,
			Value:     sample.Value,
			Quality:   sample.Quality,
		})
	}
	return rows, nil
}

// GetRollup returns the newest limit buckets of a device at the named
// resolution. limit <= 0 means config.DefaultRollupLimit; it is capped at
// config.MaxRollupLimit.
func (s *Service) GetRollup(ctx context.Context, resolution, ref string, limit int) ([]RollupRow, error) {
	res, err := storage.ResolutionByName(resolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, resolution)
	}

	refs, err := s.sensors(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return []RollupRow{}, nil
	}

	switch {
	case limit <= 0:
		limit = config.DefaultRollupLimit
	case limit > config.MaxRollupLimit:
		limit = config.MaxRollupLimit
	}

	buckets, err := s.store.QueryBuckets(ctx, res, storage.BucketQuery{SensorIDs: sortedIDs(refs), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("query %s buckets: %w", res.Name, err)
	}

	rows := make([]RollupRow, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, RollupRow{
			Tag:         refs[b.SensorID].tag,
			BucketStart: b.BucketStart,
			Avg:         b.Avg,
			Min:         b.Min,
			Max:         b.Max,
			Count:       b.Count,
		})
	}
	return rows, nil
}

func (s *Service) device(ctx context.Context, ref string) (storage.Device, error) {
	if ref == "" {
		return storage.Device{}, ErrDeviceNotFound
	}
	d, err := s.devices.LookupDevice(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return d, fmt.Errorf("%w: %q", ErrDeviceNotFound, ref)
	}
	if err != nil {
		return d, fmt.Errorf("lookup device %q: %w", ref, err)
	}
	return d, nil
}

// sensors maps the sensor ids matching an optional device and tag. An empty
// ref means every device.
func (s *Service) sensors(ctx context.Context, ref, tag string) (map[int64]sensorRef, error) {
	var devices []storage.Device
	if ref != "" {
		d, err := s.device(ctx, ref)
		if err != nil {
			return nil, err
		}
		devices = []storage.Device{d}
	} else {
		all, err := s.store.ListDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		devices = all
	}

	refs := make(map[int64]sensorRef)
	for _, d := range devices {
		sensors, err := s.store.SensorsByDevice(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("sensors of %q: %w", d.Name, err)
		}
		for _, sn := range sensors {
			if tag != "" && sn.Tag != tag {
				continue
			}
			refs[sn.ID] = sensorRef{device: d.Name, tag: sn.Tag}
		}
	}
	return refs, nil
}

// window turns the filter's paging fields into limit and offset.
func window(f HistoryFilter) (limit, offset int) {
	if f.Page <= 0 && f.PageSize <= 0 {
		if f.Limit <= 0 {
			return config.DefaultHistoryLimit, 0
		}
		return min(f.Limit, config.MaxPageSize), 0
	}

	size := f.PageSize
	switch {
	case size <= 0:
		size = config.DefaultPageSize
	case size > config.MaxPageSize:
		size = config.MaxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}

func sortedIDs(refs map[int64]sensorRef) []int64 {
	ids := make([]int64, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
