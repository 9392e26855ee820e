package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: memory
mqtt:
  workers: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, DefaultPort, cfg.HTTP.Port)
	require.Equal(t, 2, cfg.MQTT.Workers)
	require.Equal(t, DefaultMQTTQueueSize, cfg.MQTT.QueueSize)
	require.Equal(t, DefaultMQTTTopic, cfg.MQTT.Topic)
	require.Equal(t, DefaultCommandTopic, cfg.MQTT.CommandTopic)
	require.Equal(t, DefaultLogLevel, cfg.Log.Level)
	require.Equal(t, int64(DefaultDedupCacheKeys), cfg.Ingest.DedupCacheKeys)
	require.False(t, cfg.MQTT.Enabled)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultBackend, cfg.Storage.Backend)
	require.Equal(t, DefaultDataDir, cfg.Storage.Badger.Path)
	require.Equal(t, int64(DefaultMaxStorageGB)<<30, cfg.Storage.Badger.MaxStorageBytes())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TAGSTREAM_STORAGE", "memory")
	t.Setenv("TAGSTREAM_MQTT_BROKER", "broker:1883")
	t.Setenv("TAGSTREAM_MAX_MEMORY_MB", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "broker:1883", cfg.MQTT.Broker)
	require.True(t, cfg.MQTT.Enabled)
	require.Equal(t, int64(DefaultMaxMemoryMB), cfg.Storage.Badger.MaxMemoryMB)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "postgres without dsn", data: "storage:\n  backend: postgres\n"},
		{name: "unknown backend", data: "storage:\n  backend: sqlite\n"},
		{name: "bad qos", data: "storage:\n  backend: memory\nmqtt:\n  qos: 3\n"},
		{name: "negative storage limit", data: "storage:\n  backend: badger\n  badger:\n    max_storage_gb: -1\n"},
		{name: "negative dedup cache", data: "ingest:\n  dedup_cache_keys: -5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.data))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
