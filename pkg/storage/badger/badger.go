package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/nicktill/tagstream/pkg/storage"
)

// Key prefixes. Integers inside keys are big endian so that byte order
// matches numeric order; timestamps are sign-flipped for the same reason.
var (
	prefixDevice     = []byte("d/")
	prefixDeviceName = []byte("dn/")
	prefixSensor     = []byte("s/")
	prefixSensorKey  = []byte("sk/")
	prefixRaw        = []byte("r/")
	prefixBucket     = []byte("b/")

	seqDevice = []byte("seq/device")
	seqSensor = []byte("seq/sensor")
)

const sequenceBandwidth = 100

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db       *badger.DB
	inMemory bool

	// identity serializes device and sensor creation so that two first
	// sightings of the same key never race inside separate transactions
	identity sync.Mutex

	// rawVisited counts raw history keys touched by range scans
	rawVisited atomic.Int64

	deviceSeq *badger.Sequence
	sensorSeq *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults to 64 MB memtables x5. Gateways are small boxes, so
	// start from 16 MB and derive the caches from it.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger refuses fewer than 2
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // default is 2 GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	deviceSeq, err := db.GetSequence(seqDevice, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open device sequence: %w", err)
	}
	sensorSeq, err := db.GetSequence(seqSensor, sequenceBandwidth)
	if err != nil {
		deviceSeq.Release()
		db.Close()
		return nil, fmt.Errorf("failed to open sensor sequence: %w", err)
	}

	return &Storage{db: db, inMemory: cfg.InMemory, deviceSeq: deviceSeq, sensorSeq: sensorSeq}, nil
}

// update runs fn in a read-write transaction, returning early when ctx is
// cancelled. Badger transactions are not interruptible, so the goroutine may
// outlive the call.
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return s.await(ctx, func() error { return s.db.Update(fn) })
}

// view is update for read-only transactions
func (s *Storage) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return s.await(ctx, func() error { return s.db.View(fn) })
}

// updateIdentity runs fn to completion under the identity lock. Returning
// early on cancellation would release the lock while the transaction is
// still running, so only a context that is already done is honoured.
func (s *Storage) updateIdentity(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("badger operation cancelled: %w", err)
	}
	return s.db.Update(fn)
}

func (s *Storage) await(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("badger operation cancelled: %w", ctx.Err())
	}
}

// UpsertDevice inserts or refreshes the device named u.Name
func (s *Storage) UpsertDevice(ctx context.Context, u storage.DeviceUpsert) (storage.Device, error) {
	s.identity.Lock()
	defer s.identity.Unlock()

	var out storage.Device
	err := s.updateIdentity(ctx, func(txn *badger.Txn) error {
		d, err := getDeviceByName(txn, u.Name)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			next, err := s.deviceSeq.Next()
			if err != nil {
				return fmt.Errorf("failed to allocate device id: %w", err)
			}
			d = storage.Device{ID: int64(next) + 1, Name: u.Name}
			if err := txn.Set(deviceNameKey(u.Name), encodeID(d.ID)); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		out = u.Apply(d)
		return putDevice(txn, out)
	})
	return out, err
}

// TouchDevice refreshes an existing device by id
func (s *Storage) TouchDevice(ctx context.Context, id int64, u storage.DeviceUpsert) (storage.Device, error) {
	s.identity.Lock()
	defer s.identity.Unlock()

	var out storage.Device
	err := s.updateIdentity(ctx, func(txn *badger.Txn) error {
		d, err := getDevice(txn, id)
		if err != nil {
			return err
		}
		out = u.Apply(d)
		return putDevice(txn, out)
	})
	return out, err
}

func (s *Storage) DeviceByName(ctx context.Context, name string) (storage.Device, error) {
	var out storage.Device
	err := s.view(ctx, func(txn *badger.Txn) error {
		d, err := getDeviceByName(txn, name)
		out = d
		return err
	})
	return out, err
}

func (s *Storage) DeviceByID(ctx context.Context, id int64) (storage.Device, error) {
	var out storage.Device
	err := s.view(ctx, func(txn *badger.Txn) error {
		d, err := getDevice(txn, id)
		out = d
		return err
	})
	return out, err
}

// ListDevices returns all devices ordered by id
func (s *Storage) ListDevices(ctx context.Context) ([]storage.Device, error) {
	var out []storage.Device
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, prefixDevice, true, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				var d storage.Device
				if err := json.Unmarshal(val, &d); err != nil {
					return fmt.Errorf("failed to decode device: %w", err)
				}
				out = append(out, d)
				return nil
			})
		})
	})
	return out, err
}

// UpsertSensor returns the sensor for (deviceID, tag), creating it on first sight
func (s *Storage) UpsertSensor(ctx context.Context, deviceID int64, tag string, kind storage.ValueKind) (storage.Sensor, error) {
	s.identity.Lock()
	defer s.identity.Unlock()

	var out storage.Sensor
	err := s.updateIdentity(ctx, func(txn *badger.Txn) error {
		if _, err := getDevice(txn, deviceID); err != nil {
			return err
		}

		key := sensorIndexKey(deviceID, tag)
		item, err := txn.Get(key)
		if err == nil {
			var id int64
			if err := item.Value(func(val []byte) error {
				id = decodeID(val)
				return nil
			}); err != nil {
				return err
			}
			out, err = getSensor(txn, id)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next, err := s.sensorSeq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate sensor id: %w", err)
		}
		out = storage.Sensor{ID: int64(next) + 1, DeviceID: deviceID, Tag: tag, Kind: kind}

		val, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("failed to encode sensor: %w", err)
		}
		if err := txn.Set(idKey(prefixSensor, out.ID), val); err != nil {
			return err
		}
		return txn.Set(key, encodeID(out.ID))
	})
	return out, err
}

// SensorsByDevice returns a device's sensors ordered by tag
func (s *Storage) SensorsByDevice(ctx context.Context, deviceID int64) ([]storage.Sensor, error) {
	var out []storage.Sensor
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := idKey(prefixSensorKey, deviceID)
		return scanPrefix(ctx, txn, prefix, true, func(item *badger.Item) error {
			var id int64
			if err := item.Value(func(val []byte) error {
				id = decodeID(val)
				return nil
			}); err != nil {
				return err
			}
			sensor, err := getSensor(txn, id)
			if err != nil {
				return err
			}
			out = append(out, sensor)
			return nil
		})
	})
	return out, err
}

// WriteSample upserts one raw sample
func (s *Storage) WriteSample(ctx context.Context, sample storage.RawSample) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey(prefixSensor, sample.SensorID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Set(rawKey(sample.SensorID, sample.Timestamp), encodeSample(sample))
	})
}

// QueryHistory retrieves raw samples matching q
func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]storage.RawSample, error) {
	var results []storage.RawSample
	err := s.view(ctx, func(txn *badger.Txn) error {
		ids := q.SensorIDs
		if len(ids) == 0 {
			var err error
			if ids, err = sensorIDs(ctx, txn); err != nil {
				return err
			}
		}
		for _, id := range ids {
			err := s.scanRaw(ctx, txn, id, q.Start, q.End, func(sensorID, ts int64, val []byte) {
				results = append(results, decodeSample(sensorID, ts, val))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	storage.SortSamples(results, q.Descending)
	return storage.Page(results, q.Offset, q.Limit), nil
}

// LatestSamples returns the newest sample of each listed sensor
func (s *Storage) LatestSamples(ctx context.Context, sensorIDs []int64) (map[int64]storage.RawSample, error) {
	latest := make(map[int64]storage.RawSample, len(sensorIDs))
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range sensorIDs {
			prefix := idKey(prefixRaw, id)

			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			opts.Prefix = prefix
			opts.PrefetchSize = 1

			it := txn.NewIterator(opts)
			it.Seek(rawKey(id, math.MaxInt64))
			if it.ValidForPrefix(prefix) {
				item := it.Item()
				sensorID, ts := parseRawKey(item.Key())
				if err := item.Value(func(val []byte) error {
					latest[sensorID] = decodeSample(sensorID, ts, val)
					return nil
				}); err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	return latest, err
}

// UpsertBuckets inserts or overwrites rollup buckets for res
func (s *Storage) UpsertBuckets(ctx context.Context, res storage.Resolution, buckets []storage.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for i, b := range buckets {
			if i%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if err := txn.Set(bucketKey(res, b.SensorID, b.BucketStart), encodeBucket(b)); err != nil {
				return fmt.Errorf("failed to write bucket: %w", err)
			}
		}
		return nil
	})
}

// QueryBuckets returns rollup buckets newest first
func (s *Storage) QueryBuckets(ctx context.Context, res storage.Resolution, q storage.BucketQuery) ([]storage.Bucket, error) {
	var results []storage.Bucket
	err := s.view(ctx, func(txn *badger.Txn) error {
		collect := func(item *badger.Item) error {
			sensorID, start := parseBucketKey(res, item.Key())
			if !storage.InRange(start, q.Start, q.End) {
				return nil
			}
			return item.Value(func(val []byte) error {
				results = append(results, decodeBucket(sensorID, start, val))
				return nil
			})
		}

		if len(q.SensorIDs) == 0 {
			return scanPrefix(ctx, txn, bucketPrefix(res), true, collect)
		}
		for _, id := range q.SensorIDs {
			if err := scanPrefix(ctx, txn, bucketSensorPrefix(res, id), true, collect); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	storage.SortBucketsNewestFirst(results)
	return storage.Page(results, 0, q.Limit), nil
}

// Close releases the id sequences and shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	var errs []error
	if err := s.deviceSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.sensorSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunGC runs BadgerDB's value log garbage collection
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when there was nothing to collect, which is
// always the case in InMemory mode
func (s *Storage) RunGC(discardRatio float64) error {
	if s.inMemory {
		return badger.ErrNoRewrite
	}
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Buckets: make(map[string]uint64)}

	count := func(txn *badger.Txn, prefix []byte) (uint64, error) {
		var n uint64
		err := scanPrefix(ctx, txn, prefix, false, func(*badger.Item) error {
			n++
			return nil
		})
		return n, err
	}

	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		if stats.Devices, err = count(txn, prefixDevice); err != nil {
			return err
		}
		if stats.Sensors, err = count(txn, prefixSensor); err != nil {
			return err
		}
		if stats.RawSamples, err = count(txn, prefixRaw); err != nil {
			return err
		}
		for _, res := range storage.Resolutions() {
			n, err := count(txn, bucketPrefix(res))
			if err != nil {
				return err
			}
			stats.Buckets[res.Name] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// scanPrefix calls fn for every key under prefix in key order, checking ctx
// every 1000 items
func scanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, values bool, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = values
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	var n int
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

// scanRaw visits one sensor's samples in [start, end), seeking straight to
// start so the cost follows the window rather than the whole history. Zero
// bounds are open.
func (s *Storage) scanRaw(ctx context.Context, txn *badger.Txn, sensorID, start, end int64, fn func(sensorID, ts int64, val []byte)) error {
	prefix := idKey(prefixRaw, sensorID)
	from := prefix
	if start != 0 {
		from = rawKey(sensorID, start)
	}
	var stop []byte
	if end != 0 {
		stop = rawKey(sensorID, end)
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	var n int
	for it.Seek(from); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if stop != nil && bytes.Compare(item.Key(), stop) >= 0 {
			return nil
		}
		s.rawVisited.Add(1)
		n++
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		id, ts := parseRawKey(item.Key())
		if err := item.Value(func(val []byte) error {
			fn(id, ts, val)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// sensorIDs lists every sensor id from the s/ table, keys only.
func sensorIDs(ctx context.Context, txn *badger.Txn) ([]int64, error) {
	var ids []int64
	err := scanPrefix(ctx, txn, prefixSensor, false, func(item *badger.Item) error {
		ids = append(ids, decodeID(item.Key()[len(prefixSensor):]))
		return nil
	})
	return ids, err
}

func getDevice(txn *badger.Txn, id int64) (storage.Device, error) {
	var d storage.Device
	item, err := txn.Get(idKey(prefixDevice, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return d, storage.ErrNotFound
	}
	if err != nil {
		return d, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &d)
	})
	return d, err
}

func getDeviceByName(txn *badger.Txn, name string) (storage.Device, error) {
	item, err := txn.Get(deviceNameKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.Device{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Device{}, err
	}
	var id int64
	if err := item.Value(func(val []byte) error {
		id = decodeID(val)
		return nil
	}); err != nil {
		return storage.Device{}, err
	}
	return getDevice(txn, id)
}

func putDevice(txn *badger.Txn, d storage.Device) error {
	val, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode device: %w", err)
	}
	return txn.Set(idKey(prefixDevice, d.ID), val)
}

func getSensor(txn *badger.Txn, id int64) (storage.Sensor, error) {
	var sensor storage.Sensor
	item, err := txn.Get(idKey(prefixSensor, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sensor, storage.ErrNotFound
	}
	if err != nil {
		return sensor, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sensor)
	})
	return sensor, err
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// sortableTS flips the sign bit so negative timestamps sort before positive ones
func sortableTS(ts int64) uint64 {
	return uint64(ts) ^ (1 << 63)
}

func unsortableTS(u uint64) int64 {
	return int64(u ^ (1 << 63))
}

// idKey builds [prefix][id (8 bytes)]
func idKey(prefix []byte, id int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}

func deviceNameKey(name string) []byte {
	return append(append([]byte{}, prefixDeviceName...), name...)
}

// sensorIndexKey builds [sk/][device id (8 bytes)][tag]
func sensorIndexKey(deviceID int64, tag string) []byte {
	return append(idKey(prefixSensorKey, deviceID), tag...)
}

// rawKey builds [r/][sensor id (8 bytes)][timestamp (8 bytes)]
func rawKey(sensorID, ts int64) []byte {
	key := idKey(prefixRaw, sensorID)
	return binary.BigEndian.AppendUint64(key, sortableTS(ts))
}

func parseRawKey(key []byte) (sensorID, ts int64) {
	n := len(prefixRaw)
	return decodeID(key[n : n+8]), unsortableTS(binary.BigEndian.Uint64(key[n+8 : n+16]))
}

// bucketPrefix builds [b/][resolution name][/]
func bucketPrefix(res storage.Resolution) []byte {
	key := append([]byte{}, prefixBucket...)
	key = append(key, res.Name...)
	return append(key, '/')
}

func bucketSensorPrefix(res storage.Resolution, sensorID int64) []byte {
	return binary.BigEndian.AppendUint64(bucketPrefix(res), uint64(sensorID))
}

// bucketKey builds [b/<res>/][sensor id (8 bytes)][bucket start (8 bytes)]
func bucketKey(res storage.Resolution, sensorID, start int64) []byte {
	return binary.BigEndian.AppendUint64(bucketSensorPrefix(res, sensorID), sortableTS(start))
}

func parseBucketKey(res storage.Resolution, key []byte) (sensorID, start int64) {
	n := len(bucketPrefix(res))
	return decodeID(key[n : n+8]), unsortableTS(binary.BigEndian.Uint64(key[n+8 : n+16]))
}

// encodeSample packs [value bits (8 bytes)][quality (2 bytes)]
func encodeSample(s storage.RawSample) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(s.Value))
	binary.BigEndian.PutUint16(b[8:10], uint16(s.Quality))
	return b
}

func decodeSample(sensorID, ts int64, b []byte) storage.RawSample {
	return storage.RawSample{
		SensorID:  sensorID,
		Timestamp: ts,
		Value:     math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		Quality:   storage.Quality(binary.BigEndian.Uint16(b[8:10])),
	}
}

// encodeBucket packs [avg][min][max][count], 8 bytes each
func encodeBucket(b storage.Bucket) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[0:8], math.Float64bits(b.Avg))
	binary.BigEndian.PutUint64(out[8:16], math.Float64bits(b.Min))
	binary.BigEndian.PutUint64(out[16:24], math.Float64bits(b.Max))
	binary.BigEndian.PutUint64(out[24:32], uint64(b.Count))
	return out
}

func decodeBucket(sensorID, start int64, b []byte) storage.Bucket {
	return storage.Bucket{
		SensorID:    sensorID,
		BucketStart: start,
		Avg:         math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		Min:         math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
		Max:         math.Float64frombits(binary.BigEndian.Uint64(b[16:24])),
		Count:       int64(binary.BigEndian.Uint64(b[24:32])),
	}
}
