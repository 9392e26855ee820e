// Package dedup writes raw samples only when a tag's value changes.
//
// The writer records value transitions, not every poll: downstream readers
// must not assume uniform sampling intervals.
package dedup

import (
	"context"
	"fmt"

	"github.com/nicktill/tagstream/pkg/keylock"
	"github.com/nicktill/tagstream/pkg/storage"
)

// Reading is one candidate sample for a resolved sensor.
type Reading struct {
	DeviceID  int64
	SensorID  int64
	Tag       string
	Value     float64
	Timestamp int64
	Quality   storage.Quality
}

// Result reports what MaybeWrite did
type Result struct {
	Written bool
}

// Writer is the change-filtered writer. Safe for concurrent use.
type Writer struct {
	store storage.HistoryStore
	cache Cache
	locks *keylock.Locker
}

// NewWriter builds a writer around its own cache. locks may be nil.
func NewWriter(store storage.HistoryStore, cache Cache, locks *keylock.Locker) *Writer {
	if cache == nil {
		cache = NewMapCache()
	}
	if locks == nil {
		locks = keylock.New(0)
	}
	return &Writer{store: store, cache: cache, locks: locks}
}

// MaybeWrite persists r unless it equals the last value observed for its
// (device, tag). A missing cache entry counts as a change.
//
// The cache is updated before the write and is not rolled back when the
// write fails: a storage outage loses at most one sample per key.
func (w *Writer) MaybeWrite(ctx context.Context, r Reading) (Result, error) {
	key := Key{DeviceID: r.DeviceID, Tag: r.Tag}
	defer w.locks.Lock("value\x00" + key.String())()

	if last, ok := w.cache.Get(key); ok && last == r.Value {
		return Result{}, nil
	}
	w.cache.Set(key, r.Value)

	err := w.store.WriteSample(ctx, storage.RawSample{
		SensorID:  r.SensorID,
		Timestamp: r.Timestamp,
		Value:     r.Value,
		Quality:   r.Quality,
	})
	if err != nil {
		return Result{}, fmt.Errorf("write sample %d/%q: %w", r.DeviceID, r.Tag, err)
	}
	return Result{Written: true}, nil
}
