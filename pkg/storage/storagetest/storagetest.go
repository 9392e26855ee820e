// Package storagetest holds the behavioural tests every storage backend
// must pass.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/nicktill/tagstream/pkg/storage"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) storage.Storage

// Run exercises a storage backend against the shared contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"DeviceUpsertIsIdempotent", testDeviceUpsert},
		{"TouchDevice", testTouchDevice},
		{"ConcurrentDeviceUpsert", testConcurrentDeviceUpsert},
		{"SensorUpsert", testSensorUpsert},
		{"ConcurrentSensorUpsert", testConcurrentSensorUpsert},
		{"HistoryRangeAndOrder", testHistory},
		{"SampleUpsertReplaces", testSampleReplace},
		{"LatestSamples", testLatest},
		{"BucketUpsertOverwrites", testBuckets},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func ptr(s string) *string { return &s }

func testDeviceUpsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	first, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "plc-1", Type: ptr("plc"), SeenAt: 1000})
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.Equal(t, storage.StatusOnline, first.Status)

	second, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "plc-1", SeenAt: 2000})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int64(2000), second.LastSeen)
	require.Equal(t, "plc", second.Type, "type kept when not supplied")

	other, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "plc-2", SeenAt: 2000})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	byName, err := s.DeviceByName(ctx, "plc-1")
	require.NoError(t, err)
	require.Equal(t, second, byName)

	byID, err := s.DeviceByID(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, "plc-2", byID.Name)

	_, err = s.DeviceByName(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	require.Less(t, devices[0].ID, devices[1].ID)
}

func testTouchDevice(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	d, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "hmi", SeenAt: 1000})
	require.NoError(t, err)

	touched, err := s.TouchDevice(ctx, d.ID, storage.DeviceUpsert{SeenAt: 5000, Type: ptr("hmi")})
	require.NoError(t, err)
	require.Equal(t, "hmi", touched.Name)
	require.Equal(t, int64(5000), touched.LastSeen)
	require.Equal(t, "hmi", touched.Type)

	_, err = s.TouchDevice(ctx, d.ID+100, storage.DeviceUpsert{SeenAt: 5000})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentDeviceUpsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "shared", SeenAt: int64(i)})
			ids[i], errs[i] = d.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func testSensorUpsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	a, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "a", SeenAt: 1})
	require.NoError(t, err)
	b, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "b", SeenAt: 1})
	require.NoError(t, err)

	temp, err := s.UpsertSensor(ctx, a.ID, "Temperature", storage.KindNumeric)
	require.NoError(t, err)
	again, err := s.UpsertSensor(ctx, a.ID, "Temperature", storage.KindNumeric)
	require.NoError(t, err)
	require.Equal(t, temp.ID, again.ID)

	// tags are scoped to their device
	other, err := s.UpsertSensor(ctx, b.ID, "Temperature", storage.KindNumeric)
	require.NoError(t, err)
	require.NotEqual(t, temp.ID, other.ID)

	_, err = s.UpsertSensor(ctx, a.ID, "Alarm", storage.KindBoolean)
	require.NoError(t, err)

	sensors, err := s.SensorsByDevice(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, sensors, 2)
	require.Equal(t, "Alarm", sensors[0].Tag)
	require.Equal(t, storage.KindBoolean, sensors[0].Kind)
	require.Equal(t, "Temperature", sensors[1].Tag)

	_, err = s.UpsertSensor(ctx, b.ID+100, "x", storage.KindNumeric)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentSensorUpsert(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	d, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "dev", SeenAt: 1})
	require.NoError(t, err)

	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sensor, err := s.UpsertSensor(ctx, d.ID, "Pressure", storage.KindNumeric)
			ids[i], errs[i] = sensor.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
}

func seedSensors(t *testing.T, s storage.Storage, tags ...string) []int64 {
	t.Helper()
	ctx := context.Background()

	d, err := s.UpsertDevice(ctx, storage.DeviceUpsert{Name: "seed", SeenAt: 1})
	require.NoError(t, err)

	ids := make([]int64, len(tags))
	for i, tag := range tags {
		sensor, err := s.UpsertSensor(ctx, d.ID, tag, storage.KindNumeric)
		require.NoError(t, err)
		ids[i] = sensor.ID
	}
	return ids
}

func testHistory(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ids := seedSensors(t, s, "a", "b")

	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[0], Timestamp: i * 1000, Value: float64(i)}))
		require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[1], Timestamp: i * 1000, Value: float64(-i)}))
	}

	all, err := s.QueryHistory(ctx, storage.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, all, 20)

	one, err := s.QueryHistory(ctx, storage.HistoryQuery{SensorIDs: ids[:1], Start: 2000, End: 5000})
	require.NoError(t, err)
	require.Len(t, one, 3, "start inclusive, end exclusive")
	for i, sample := range one {
		require.Equal(t, int64(2000+i*1000), sample.Timestamp)
		require.Equal(t, ids[0], sample.SensorID)
	}

	desc, err := s.QueryHistory(ctx, storage.HistoryQuery{SensorIDs: ids[:1], Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	require.Equal(t, int64(9000), desc[0].Timestamp)
	require.Equal(t, int64(8000), desc[1].Timestamp)

	paged, err := s.QueryHistory(ctx, storage.HistoryQuery{SensorIDs: ids[:1], Offset: 8, Limit: 5})
	require.NoError(t, err)
	require.Len(t, paged, 2)

	err = s.WriteSample(ctx, storage.RawSample{SensorID: ids[1] + 100, Timestamp: 1})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testSampleReplace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ids := seedSensors(t, s, "a")

	require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[0], Timestamp: 1000, Value: 1}))
	require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[0], Timestamp: 1000, Value: 2, Quality: storage.QualityBad}))

	got, err := s.QueryHistory(ctx, storage.HistoryQuery{SensorIDs: ids})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 2.0, got[0].Value)
	require.Equal(t, storage.QualityBad, got[0].Quality)
}

func testLatest(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ids := seedSensors(t, s, "a", "b", "empty")

	require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[0], Timestamp: 3000, Value: 3}))
	require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[0], Timestamp: 1000, Value: 1}))
	require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[1], Timestamp: 2000, Value: 20}))

	latest, err := s.LatestSamples(ctx, ids)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, 3.0, latest[ids[0]].Value)
	require.Equal(t, int64(2000), latest[ids[1]].Timestamp)
	_, ok := latest[ids[2]]
	require.False(t, ok)
}

func testBuckets(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ids := seedSensors(t, s, "a", "b")
	res := storage.Resolution1m

	require.NoError(t, s.UpsertBuckets(ctx, res, []storage.Bucket{
		{SensorID: ids[0], BucketStart: 0, Avg: 1, Min: 1, Max: 1, Count: 1},
		{SensorID: ids[0], BucketStart: 60_000, Avg: 2, Min: 2, Max: 2, Count: 1},
		{SensorID: ids[1], BucketStart: 60_000, Avg: 5, Min: 4, Max: 6, Count: 2},
	}))

	// overwrite a bucket with a recomputed value
	require.NoError(t, s.UpsertBuckets(ctx, res, []storage.Bucket{
		{SensorID: ids[0], BucketStart: 60_000, Avg: 3, Min: 2, Max: 4, Count: 2},
	}))

	got, err := s.QueryBuckets(ctx, res, storage.BucketQuery{SensorIDs: ids[:1]})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, storage.Bucket{SensorID: ids[0], BucketStart: 60_000, Avg: 3, Min: 2, Max: 4, Count: 2}, got[0])
	require.Equal(t, int64(0), got[1].BucketStart)

	all, err := s.QueryBuckets(ctx, res, storage.BucketQuery{Start: 60_000})
	require.NoError(t, err)
	require.Len(t, all, 2)

	limited, err := s.QueryBuckets(ctx, res, storage.BucketQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	// resolutions are separate tables
	hourly, err := s.QueryBuckets(ctx, storage.Resolution1h, storage.BucketQuery{})
	require.NoError(t, err)
	require.Empty(t, hourly)

	require.NoError(t, s.UpsertBuckets(ctx, res, nil))
}

func testStats(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ids := seedSensors(t, s, "a", "b")

	for i := 0; i < 5; i++ {
		require.NoError(t, s.WriteSample(ctx, storage.RawSample{SensorID: ids[i%2], Timestamp: int64(i)}))
	}
	require.NoError(t, s.UpsertBuckets(ctx, storage.Resolution5m, []storage.Bucket{{SensorID: ids[0], Count: 1}}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Devices)
	require.Equal(t, uint64(2), stats.Sensors)
	require.Equal(t, uint64(5), stats.RawSamples)
	require.Equal(t, uint64(1), stats.Buckets[storage.Resolution5m.Name])
	require.Equal(t, uint64(0), stats.Buckets[storage.Resolution1m.Name])
}

