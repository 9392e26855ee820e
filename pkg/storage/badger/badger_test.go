package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tagstream/pkg/storage"
	"github.com/nicktill/tagstream/pkg/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestBadgerStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		// Use in-memory mode for tests
		store, err := New(Config{InMemory: true})
		require.NoError(t, err)
		return store
	})
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var deviceID, sensorID int64

	// Write to first instance
	{
		store, err := New(Config{Path: dir})
		require.NoError(t, err)

		d, err := store.UpsertDevice(ctx, storage.DeviceUpsert{Name: "plc-7", SeenAt: 1000})
		require.NoError(t, err)
		sensor, err := store.UpsertSensor(ctx, d.ID, "Temperature", storage.KindNumeric)
		require.NoError(t, err)
		require.NoError(t, store.WriteSample(ctx, storage.RawSample{SensorID: sensor.ID, Timestamp: 1000, Value: 21.5}))

		deviceID, sensorID = d.ID, sensor.ID
		require.NoError(t, store.Close())
	}

	// Read from second instance (reopens same directory)
	{
		store, err := New(Config{Path: dir})
		require.NoError(t, err)
		defer store.Close()

		d, err := store.DeviceByName(ctx, "plc-7")
		require.NoError(t, err)
		require.Equal(t, deviceID, d.ID)

		sensor, err := store.UpsertSensor(ctx, d.ID, "Temperature", storage.KindNumeric)
		require.NoError(t, err)
		require.Equal(t, sensorID, sensor.ID)

		samples, err := store.QueryHistory(ctx, storage.HistoryQuery{SensorIDs: []int64{sensorID}})
		require.NoError(t, err)
		require.Len(t, samples, 1)
		require.Equal(t, 21.5, samples[0].Value)

		// ids handed out after a restart never collide with earlier ones
		other, err := store.UpsertDevice(ctx, storage.DeviceUpsert{Name: "plc-8", SeenAt: 2000})
		require.NoError(t, err)
		require.NotEqual(t, deviceID, other.ID)
	}
}

func TestBadgerStorage_NegativeTimestampsSortFirst(t *testing.T) {
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	d, err := store.UpsertDevice(ctx, storage.DeviceUpsert{Name: "old", SeenAt: 1})
	require.NoError(t, err)
	sensor, err := store.UpsertSensor(ctx, d.ID, "t", storage.KindNumeric)
	require.NoError(t, err)

	for _, ts := range []int64{5, -5, 0} {
		require.NoError(t, store.WriteSample(ctx, storage.RawSample{SensorID: sensor.ID, Timestamp: ts}))
	}

	latest, err := store.LatestSamples(ctx, []int64{sensor.ID})
	require.NoError(t, err)
	require.Equal(t, int64(5), latest[sensor.ID].Timestamp)

	samples, err := store.QueryHistory(ctx, storage.HistoryQuery{SensorIDs: []int64{sensor.ID}})
	require.NoError(t, err)
	require.Equal(t, []int64{-5, 0, 5}, []int64{samples[0].Timestamp, samples[1].Timestamp, samples[2].Timestamp})
}

func TestBadgerStorage_CancelledContext(t *testing.T) {
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.UpsertDevice(ctx, storage.DeviceUpsert{Name: "x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBadgerStorage_RunGC(t *testing.T) {
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	// in-memory databases have no value log to collect
	require.ErrorIs(t, store.RunGC(0.5), badger.ErrNoRewrite)
}

func TestNew_OnDiskWithMemoryLimit(t *testing.T) {
	store, err := New(Config{Path: t.TempDir(), MaxMemoryMB: 48})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestBadgerStorage_QueryHistoryWindowIsBounded(t *testing.T) {
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []int64
	for _, name := range []string{"plc-1", "plc-2"} {
		d, err := store.UpsertDevice(ctx, storage.DeviceUpsert{Name: name, SeenAt: now.UnixMilli()})
		require.NoError(t, err)
		sensor, err := store.UpsertSensor(ctx, d.ID, "Temperature", storage.KindNumeric)
		require.NoError(t, err)
		ids = append(ids, sensor.ID)

		// a month of old history, one sample a minute
		old := now.Add(-30 * 24 * time.Hour)
		for i := 0; i < 2000; i++ {
			ts := old.Add(time.Duration(i) * time.Minute).UnixMilli()
			require.NoError(t, store.WriteSample(ctx, storage.RawSample{SensorID: sensor.ID, Timestamp: ts, Value: float64(i)}))
		}
		// and three samples inside the window
		for i := 0; i < 3; i++ {
			ts := now.Add(-90*time.Second + time.Duration(i)*10*time.Second).UnixMilli()
			require.NoError(t, store.WriteSample(ctx, storage.RawSample{SensorID: sensor.ID, Timestamp: ts, Value: 1}))
		}
	}

	window := storage.HistoryQuery{
		Start: now.Add(-2 * time.Minute).UnixMilli(),
		End:   now.UnixMilli(),
	}

	tests := []struct {
		name    string
		sensors []int64
		want    int
	}{
		{"all sensors", nil, 6},
		{"one sensor", ids[:1], 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := window
			q.SensorIDs = tt.sensors

			before := store.rawVisited.Load()
			samples, err := store.QueryHistory(ctx, q)
			require.NoError(t, err)
			require.Len(t, samples, tt.want)
			require.Equal(t, int64(tt.want), store.rawVisited.Load()-before, "only in-window keys may be visited")
		})
	}
}

func TestBadgerStorage_ConcurrentFirstSight(t *testing.T) {
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	devices := make([]int64, workers)
	sensors := make([]int64, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := store.UpsertDevice(ctx, storage.DeviceUpsert{Name: "plc-9", SeenAt: int64(i)})
			if err != nil {
				errs[i] = err
				return
			}
			sensor, err := store.UpsertSensor(ctx, d.ID, "Pressure", storage.KindNumeric)
			devices[i], sensors[i], errs[i] = d.ID, sensor.ID, err
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		require.Equal(t, devices[0], devices[i])
		require.Equal(t, sensors[0], sensors[i])
	}
}
