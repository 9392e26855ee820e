package monitor

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/tagstream/pkg/config"
)

// StorageUsage is the disk usage of the embedded store.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// StorageMonitor reports disk usage of a data directory, caching the
// (expensive) directory walk.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	ttl      time.Duration

	mu       sync.Mutex
	used     int64
	measured time.Time
}

// NewStorageMonitor creates a monitor for dataDir. maxBytes <= 0 disables
// the limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		ttl:      config.StorageUsageCacheDuration,
	}
}

// GetUsage returns current usage in bytes, at most ttl old.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.measured.IsZero() && time.Since(sm.measured) < sm.ttl {
		return sm.used, nil
	}

	used, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.used, sm.measured = used, time.Now()
	return used, nil
}

// GetLimit returns the configured limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Usage returns both numbers together.
func (sm *StorageMonitor) Usage() (StorageUsage, error) {
	used, err := sm.GetUsage()
	if err != nil {
		return StorageUsage{}, err
	}
	return StorageUsage{UsedBytes: used, MaxBytes: sm.maxBytes}, nil
}

// Full reports whether usage has reached the limit.
func (sm *StorageMonitor) Full() (bool, error) {
	if sm.maxBytes <= 0 {
		return false, nil
	}
	used, err := sm.GetUsage()
	if err != nil {
		return false, err
	}
	return used >= sm.maxBytes, nil
}

// calculateDirSize sums the disk usage (not logical size) of every file
// under root. Files whose block count is unavailable count at logical size.
func calculateDirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Compacted away mid-walk
				return nil
			}
			return err
		}
		if n, err := getActualFileSize(path, info); err == nil {
			total += n
		} else {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
