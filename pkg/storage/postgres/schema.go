package postgres

// Schema creates every table the service needs. It is idempotent and runs
// on startup when storage.postgres.apply_schema is set.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
    device_id BIGSERIAL PRIMARY KEY,
    name      TEXT NOT NULL UNIQUE,
    type      TEXT,
    status    TEXT NOT NULL DEFAULT 'online',
    last_seen BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sensors (
    sensor_id BIGSERIAL PRIMARY KEY,
    device_id BIGINT NOT NULL REFERENCES devices (device_id),
    tag_name  TEXT NOT NULL,
    kind      TEXT NOT NULL DEFAULT 'numeric',
    UNIQUE (device_id, tag_name)
);

CREATE TABLE IF NOT EXISTS raw_history (
    sensor_id BIGINT NOT NULL REFERENCES sensors (sensor_id),
    timestamp BIGINT NOT NULL,
    value     DOUBLE PRECISION NOT NULL,
    quality   SMALLINT NOT NULL DEFAULT 0,
    PRIMARY KEY (sensor_id, timestamp)
);

-- rollup ticks select a time window across all sensors
CREATE INDEX IF NOT EXISTS raw_history_ts ON raw_history (timestamp);

CREATE TABLE IF NOT EXISTS rollup_1min (
    sensor_id    BIGINT NOT NULL REFERENCES sensors (sensor_id),
    bucket_start BIGINT NOT NULL,
    avg          DOUBLE PRECISION NOT NULL,
    min          DOUBLE PRECISION NOT NULL,
    max          DOUBLE PRECISION NOT NULL,
    count        BIGINT NOT NULL,
    PRIMARY KEY (sensor_id, bucket_start)
);

CREATE TABLE IF NOT EXISTS rollup_5min (LIKE rollup_1min INCLUDING ALL);
CREATE TABLE IF NOT EXISTS rollup_10min (LIKE rollup_1min INCLUDING ALL);
CREATE TABLE IF NOT EXISTS rollup_1hour (LIKE rollup_1min INCLUDING ALL);
`
