package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultLogLevel    = "info"
	DefaultBackend     = "badger"
	DefaultDataDir     = "./data/tagstream"
	DefaultMaxMemoryMB = 48

	// DefaultMaxStorageGB caps the badger data directory. Ingestion is
	// refused while usage is over the limit.
	DefaultMaxStorageGB = 1
)

// Device liveness
const (
	// DeviceOfflineAfter is how long a device may stay silent before readers
	// report it as offline. The registry itself never demotes a device.
	DeviceOfflineAfter = 60 * time.Second
)

// Rollup scheduling
const (
	// RollupLookbackBuckets is the number of fully elapsed buckets each tick
	// recomputes. Two buckets means one missed tick never leaves a gap.
	RollupLookbackBuckets = 2
	BadgerGCInterval      = 10 * time.Minute
	RollupTickTimeout     = 30 * time.Second

	// A job is unhealthy when its last success is older than
	// JobStaleIntervals intervals or it failed more than
	// JobMaxConsecutiveErrors times in a row.
	JobStaleIntervals       = 3
	JobMaxConsecutiveErrors = 3

	StorageUsageCacheDuration = 10 * time.Second
)

// Ingest limits
const (
	MaxTagNameLength    = 256
	MaxTagsPerDevice    = 1000
	MaxDeviceNameLength = 256
	MaxIngestBodyBytes  = 1 << 20
	IngestTimeout       = 5 * time.Second

	// DefaultDedupCacheKeys bounds the last-value cache at about this many
	// (device, tag) pairs.
	DefaultDedupCacheKeys = 100_000
)

// MQTT defaults
const (
	DefaultMQTTBroker    = "localhost:1883"
	DefaultMQTTTopic     = "+/pub_data"
	DefaultCommandTopic  = "%s/sub_data"
	DefaultPublishTopic  = "%s/pub_data"
	DefaultMQTTKeepAlive = 30
	DefaultMQTTWorkers   = 4
	DefaultMQTTQueueSize = 1024
	MQTTConnectTimeout   = 10 * time.Second
	MQTTPublishTimeout   = 5 * time.Second
)

// Query defaults and limits
const (
	QueryTimeout        = 30 * time.Second
	DefaultHistoryLimit = 500
	DefaultPageSize     = 100
	MaxPageSize         = 1000
	DefaultRollupLimit  = 200
	MaxRollupLimit      = 5000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
