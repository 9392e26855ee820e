package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/nicktill/tagstream/pkg/storage"
)

var _ storage.Storage = (*Storage)(nil)

const (
	upsertDeviceSQL = `INSERT INTO devices (name, type, status, last_seen) VALUES ($1, $2, 'online', $3) ` +
		`ON CONFLICT (name) DO UPDATE SET type = COALESCE(NULLIF(EXCLUDED.type, ''), devices.type), ` +
		`status = 'online', last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen) ` +
		`RETURNING device_id, name, COALESCE(type, ''), status, last_seen`

	touchDeviceSQL = `UPDATE devices SET type = COALESCE(NULLIF($2, ''), type), status = 'online', ` +
		`last_seen = GREATEST(last_seen, $3) WHERE device_id = $1 ` +
		`RETURNING device_id, name, COALESCE(type, ''), status, last_seen`

	deviceByNameSQL = `SELECT device_id, name, COALESCE(type, ''), status, last_seen FROM devices WHERE name = $1`
	deviceByIDSQL   = `SELECT device_id, name, COALESCE(type, ''), status, last_seen FROM devices WHERE device_id = $1`
	listDevicesSQL  = `SELECT device_id, name, COALESCE(type, ''), status, last_seen FROM devices ORDER BY device_id ASC`

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict
	upsertSensorSQL = `INSERT INTO sensors (device_id, tag_name, kind) VALUES ($1, $2, $3) ` +
		`ON CONFLICT (device_id, tag_name) DO UPDATE SET tag_name = EXCLUDED.tag_name ` +
		`RETURNING sensor_id, device_id, tag_name, kind`

	sensorsByDeviceSQL = `SELECT sensor_id, device_id, tag_name, kind FROM sensors WHERE device_id = $1 ORDER BY tag_name ASC`

	writeSampleSQL = `INSERT INTO raw_history (sensor_id, timestamp, value, quality) VALUES ($1, $2, $3, $4) ` +
		`ON CONFLICT (sensor_id, timestamp) DO UPDATE SET value = EXCLUDED.value, quality = EXCLUDED.quality`

	statsSQL = `SELECT (SELECT COUNT(*) FROM devices), (SELECT COUNT(*) FROM sensors), (SELECT COUNT(*) FROM raw_history), ` +
		`(SELECT COUNT(*) FROM rollup_1min), (SELECT COUNT(*) FROM rollup_5min), ` +
		`(SELECT COUNT(*) FROM rollup_10min), (SELECT COUNT(*) FROM rollup_1hour), ` +
		`pg_database_size(current_database())`
)

// bucketBatchRows keeps a multi-row upsert well under the 65535 parameter limit
const bucketBatchRows = 500

// Config holds PostgreSQL connection settings
type Config struct {
	DSN          string
	MaxOpenConns int

	// ApplySchema runs Schema after connecting
	ApplySchema bool
}

// Storage implements storage.Storage on PostgreSQL. Every write is an
// INSERT ... ON CONFLICT so that concurrent writers converge without
// surfacing uniqueness violations.
type Storage struct {
	db *sql.DB
}

// Open connects through the pgx database/sql driver and pings the server.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := New(db)
	if cfg.ApplySchema {
		if err := s.ApplySchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// ApplySchema creates missing tables
func (s *Storage) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Storage) UpsertDevice(ctx context.Context, u storage.DeviceUpsert) (storage.Device, error) {
	row := s.db.QueryRowContext(ctx, upsertDeviceSQL, u.Name, nullString(u.Type), u.SeenAt)
	d, err := scanDevice(row)
	if err != nil {
		return d, fmt.Errorf("failed to upsert device %q: %w", u.Name, translate(err))
	}
	return d, nil
}

func (s *Storage) TouchDevice(ctx context.Context, id int64, u storage.DeviceUpsert) (storage.Device, error) {
	row := s.db.QueryRowContext(ctx, touchDeviceSQL, id, nullString(u.Type), u.SeenAt)
	d, err := scanDevice(row)
	if err != nil {
		return d, fmt.Errorf("failed to touch device %d: %w", id, translate(err))
	}
	return d, nil
}

func (s *Storage) DeviceByName(ctx context.Context, name string) (storage.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, deviceByNameSQL, name))
	if err != nil {
		return d, fmt.Errorf("device %q: %w", name, translate(err))
	}
	return d, nil
}

func (s *Storage) DeviceByID(ctx context.Context, id int64) (storage.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, deviceByIDSQL, id))
	if err != nil {
		return d, fmt.Errorf("device %d: %w", id, translate(err))
	}
	return d, nil
}

func (s *Storage) ListDevices(ctx context.Context) ([]storage.Device, error) {
	rows, err := s.db.QueryContext(ctx, listDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []storage.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device rows: %w", err)
	}
	return devices, nil
}

func (s *Storage) UpsertSensor(ctx context.Context, deviceID int64, tag string, kind storage.ValueKind) (storage.Sensor, error) {
	row := s.db.QueryRowContext(ctx, upsertSensorSQL, deviceID, tag, string(kind))
	sensor, err := scanSensor(row)
	if err != nil {
		return sensor, fmt.Errorf("failed to upsert sensor %d/%q: %w", deviceID, tag, translate(err))
	}
	return sensor, nil
}

func (s *Storage) SensorsByDevice(ctx context.Context, deviceID int64) ([]storage.Sensor, error) {
	rows, err := s.db.QueryContext(ctx, sensorsByDeviceSQL, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensors: %w", err)
	}
	defer rows.Close()

	var sensors []storage.Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sensor row: %w", err)
		}
		sensors = append(sensors, sensor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sensor rows: %w", err)
	}
	return sensors, nil
}

func (s *Storage) WriteSample(ctx context.Context, sample storage.RawSample) error {
	_, err := s.db.ExecContext(ctx, writeSampleSQL, sample.SensorID, sample.Timestamp, sample.Value, int16(sample.Quality))
	if err != nil {
		return fmt.Errorf("failed to write sample: %w", translate(err))
	}
	return nil
}

func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]storage.RawSample, error) {
	query, args := historyQuery(q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var samples []storage.RawSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return samples, nil
}

func (s *Storage) LatestSamples(ctx context.Context, sensorIDs []int64) (map[int64]storage.RawSample, error) {
	latest := make(map[int64]storage.RawSample, len(sensorIDs))
	if len(sensorIDs) == 0 {
		return latest, nil
	}

	var b queryBuilder
	b.WriteString("SELECT DISTINCT ON (sensor_id) sensor_id, timestamp, value, quality FROM raw_history WHERE ")
	b.in("sensor_id", sensorIDs)
	b.WriteString(" ORDER BY sensor_id, timestamp DESC")

	rows, err := s.db.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan latest row: %w", err)
		}
		latest[sample.SensorID] = sample
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating latest rows: %w", err)
	}
	return latest, nil
}

func (s *Storage) UpsertBuckets(ctx context.Context, res storage.Resolution, buckets []storage.Bucket) error {
	table, err := tableFor(res)
	if err != nil {
		return err
	}
	if len(buckets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bucket upsert: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(buckets); start += bucketBatchRows {
		end := min(start+bucketBatchRows, len(buckets))
		query, args := bucketUpsert(table, buckets[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert %s buckets: %w", res.Name, translate(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s buckets: %w", res.Name, err)
	}
	return nil
}

func (s *Storage) QueryBuckets(ctx context.Context, res storage.Resolution, q storage.BucketQuery) ([]storage.Bucket, error) {
	table, err := tableFor(res)
	if err != nil {
		return nil, err
	}

	var b queryBuilder
	b.WriteString("SELECT sensor_id, bucket_start, avg, min, max, count FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE TRUE")
	if len(q.SensorIDs) > 0 {
		b.WriteString(" AND ")
		b.in("sensor_id", q.SensorIDs)
	}
	if q.Start != 0 {
		b.WriteString(" AND bucket_start >= " + b.arg(q.Start))
	}
	if q.End != 0 {
		b.WriteString(" AND bucket_start < " + b.arg(q.End))
	}
	b.WriteString(" ORDER BY bucket_start DESC, sensor_id ASC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + b.arg(q.Limit))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s buckets: %w", res.Name, err)
	}
	defer rows.Close()

	var buckets []storage.Bucket
	for rows.Next() {
		var bk storage.Bucket
		if err := rows.Scan(&bk.SensorID, &bk.BucketStart, &bk.Avg, &bk.Min, &bk.Max, &bk.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket row: %w", err)
		}
		buckets = append(buckets, bk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bucket rows: %w", err)
	}
	return buckets, nil
}

func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Buckets: make(map[string]uint64, 4)}
	var b1m, b5m, b10m, b1h uint64
	var size int64
	err := s.db.QueryRowContext(ctx, statsSQL).Scan(
		&stats.Devices, &stats.Sensors, &stats.RawSamples,
		&b1m, &b5m, &b10m, &b1h, &size,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats.Buckets[storage.Resolution1m.Name] = b1m
	stats.Buckets[storage.Resolution5m.Name] = b5m
	stats.Buckets[storage.Resolution10m.Name] = b10m
	stats.Buckets[storage.Resolution1h.Name] = b1h
	stats.SizeBytes = uint64(size)
	return stats, nil
}

// Close closes the connection pool
func (s *Storage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (storage.Device, error) {
	var d storage.Device
	err := row.Scan(&d.ID, &d.Name, &d.Type, &d.Status, &d.LastSeen)
	return d, err
}

func scanSensor(row rowScanner) (storage.Sensor, error) {
	var sensor storage.Sensor
	var kind string
	err := row.Scan(&sensor.ID, &sensor.DeviceID, &sensor.Tag, &kind)
	sensor.Kind = storage.ValueKind(kind)
	return sensor, err
}

func scanSample(row rowScanner) (storage.RawSample, error) {
	var sample storage.RawSample
	var quality int16
	err := row.Scan(&sample.SensorID, &sample.Timestamp, &sample.Value, &quality)
	sample.Quality = storage.Quality(quality)
	return sample, err
}

func historyQuery(q storage.HistoryQuery) (string, []any) {
	var b queryBuilder
	b.WriteString("SELECT sensor_id, timestamp, value, quality FROM raw_history WHERE TRUE")
	if len(q.SensorIDs) > 0 {
		b.WriteString(" AND ")
		b.in("sensor_id", q.SensorIDs)
	}
	if q.Start != 0 {
		b.WriteString(" AND timestamp >= " + b.arg(q.Start))
	}
	if q.End != 0 {
		b.WriteString(" AND timestamp < " + b.arg(q.End))
	}
	if q.Descending {
		b.WriteString(" ORDER BY timestamp DESC, sensor_id ASC")
	} else {
		b.WriteString(" ORDER BY timestamp ASC, sensor_id ASC")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + b.arg(q.Limit))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + b.arg(q.Offset))
	}
	return b.String(), b.args
}

func bucketUpsert(table string, buckets []storage.Bucket) (string, []any) {
	var b queryBuilder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (sensor_id, bucket_start, avg, min, max, count) VALUES ")
	for i, bk := range buckets {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(" + strings.Join([]string{
			b.arg(bk.SensorID), b.arg(bk.BucketStart), b.arg(bk.Avg),
			b.arg(bk.Min), b.arg(bk.Max), b.arg(bk.Count),
		}, ", ") + ")")
	}
	b.WriteString(" ON CONFLICT (sensor_id, bucket_start) DO UPDATE SET avg = EXCLUDED.avg, " +
		"min = EXCLUDED.min, max = EXCLUDED.max, count = EXCLUDED.count")
	return b.String(), b.args
}

// queryBuilder collects SQL text and its positional arguments
type queryBuilder struct {
	strings.Builder
	args []any
}

// arg appends v and returns its placeholder
func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// in writes "col IN ($n, ...)"
func (b *queryBuilder) in(col string, ids []int64) {
	b.WriteString(col + " IN (")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(b.arg(id))
	}
	b.WriteString(")")
}

// tableFor only accepts the fixed resolutions, so table names never come
// from callers
func tableFor(res storage.Resolution) (string, error) {
	for _, r := range storage.Resolutions() {
		if r.Name == res.Name {
			return r.Table, nil
		}
	}
	return "", fmt.Errorf("resolution %q: %w", res.Name, storage.ErrNotFound)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// translate maps missing rows and foreign key violations to storage.ErrNotFound
func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
		return fmt.Errorf("%w: %s", storage.ErrNotFound, pgErr.Detail)
	}
	return err
}
