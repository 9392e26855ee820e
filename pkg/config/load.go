package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Zero values are replaced with
// the package defaults by Load.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Log     LogConfig     `yaml:"log"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

type StorageConfig struct {
	// Backend is one of "memory", "badger" or "postgres".
	Backend  string         `yaml:"backend"`
	Badger   BadgerConfig   `yaml:"badger"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type BadgerConfig struct {
	Path         string `yaml:"path"`
	MaxMemoryMB  int64  `yaml:"max_memory_mb"`
	MaxStorageGB int64  `yaml:"max_storage_gb"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	ApplySchema  bool   `yaml:"apply_schema"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type MQTTConfig struct {
	// Enabled turns the broker subscription on. Without it the service only
	// accepts envelopes over HTTP.
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Topic        string `yaml:"topic"`
	CommandTopic string `yaml:"command_topic"`
	QoS          byte   `yaml:"qos"`
	KeepAlive    uint16 `yaml:"keep_alive"`
	Workers      int    `yaml:"workers"`
	QueueSize    int    `yaml:"queue_size"`
}

type IngestConfig struct {
	// DedupCacheKeys bounds the change filter's last-value cache. Evicted
	// keys write their next sample unconditionally.
	DedupCacheKeys int64 `yaml:"dedup_cache_keys"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// MaxStorageBytes returns the badger size limit in bytes.
func (c BadgerConfig) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}

// Load reads a YAML file (optional, empty path skips it), applies
// TAGSTREAM_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = getEnv("PORT", c.HTTP.Port)
	c.Storage.Backend = getEnv("TAGSTREAM_STORAGE", c.Storage.Backend)
	c.Storage.Badger.Path = getEnv("TAGSTREAM_DATA_DIR", c.Storage.Badger.Path)
	c.Storage.Badger.MaxMemoryMB = getEnvInt64("TAGSTREAM_MAX_MEMORY_MB", c.Storage.Badger.MaxMemoryMB)
	c.Storage.Badger.MaxStorageGB = getEnvInt64("TAGSTREAM_MAX_STORAGE_GB", c.Storage.Badger.MaxStorageGB)
	c.Storage.Postgres.DSN = getEnv("TAGSTREAM_DATABASE_DSN", c.Storage.Postgres.DSN)
	c.MQTT.Broker = getEnv("TAGSTREAM_MQTT_BROKER", c.MQTT.Broker)
	if c.MQTT.Broker != "" && os.Getenv("TAGSTREAM_MQTT_BROKER") != "" {
		c.MQTT.Enabled = true
	}
	c.Log.Level = getEnv("TAGSTREAM_LOG_LEVEL", c.Log.Level)
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == "" {
		c.HTTP.Port = DefaultPort
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultBackend
	}
	if c.Storage.Badger.Path == "" {
		c.Storage.Badger.Path = DefaultDataDir
	}
	if c.Storage.Badger.MaxMemoryMB == 0 {
		c.Storage.Badger.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.Storage.Badger.MaxStorageGB == 0 {
		c.Storage.Badger.MaxStorageGB = DefaultMaxStorageGB
	}
	if c.Storage.Postgres.MaxOpenConns == 0 {
		c.Storage.Postgres.MaxOpenConns = 10
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultMQTTBroker
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultMQTTTopic
	}
	if c.MQTT.CommandTopic == "" {
		c.MQTT.CommandTopic = DefaultCommandTopic
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = DefaultMQTTKeepAlive
	}
	if c.MQTT.Workers == 0 {
		c.MQTT.Workers = DefaultMQTTWorkers
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = DefaultMQTTQueueSize
	}
	if c.Ingest.DedupCacheKeys == 0 {
		c.Ingest.DedupCacheKeys = DefaultDedupCacheKeys
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "badger":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Badger.MaxStorageGB < 0 {
		return errors.New("storage.badger.max_storage_gb must not be negative")
	}
	if c.Ingest.DedupCacheKeys < 0 {
		return errors.New("ingest.dedup_cache_keys must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Workers < 0 || c.MQTT.QueueSize < 0 {
		return errors.New("mqtt.workers and mqtt.queue_size must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// getEnvInt64 keeps the fallback when the variable is unset or malformed.
func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
