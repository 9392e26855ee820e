package dedup

import (
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// Key identifies one (device, tag) stream.
type Key struct {
	DeviceID int64
	Tag      string
}

func (k Key) String() string {
	return strconv.FormatInt(k.DeviceID, 10) + "\x00" + k.Tag
}

// Cache holds the last observed value per key. Implementations must be safe
// for concurrent use; losing entries is allowed and only costs an extra write.
type Cache interface {
	Get(k Key) (float64, bool)
	Set(k Key, v float64)
}

// MapCache is an unbounded in-memory Cache.
type MapCache struct {
	mu     sync.RWMutex
	values map[Key]float64
}

func NewMapCache() *MapCache {
	return &MapCache{values: make(map[Key]float64)}
}

func (c *MapCache) Get(k Key) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[k]
	return v, ok
}

func (c *MapCache) Set(k Key, v float64) {
	c.mu.Lock()
	c.values[k] = v
	c.mu.Unlock()
}

// Len returns the number of cached keys
func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// RistrettoCache is a bounded Cache. Each entry costs 1, so maxKeys is the
// approximate number of (device, tag) pairs kept.
type RistrettoCache struct {
	cache *ristretto.Cache[string, float64]
}

// NewRistrettoCache creates a cache holding about maxKeys entries
func NewRistrettoCache(maxKeys int64) (*RistrettoCache, error) {
	if maxKeys <= 0 {
		maxKeys = 100_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, float64]{
		NumCounters: maxKeys * 10, // ristretto recommends 10x the expected entries
		MaxCost:     maxKeys,
		BufferItems: 64,

		// cost counts keys, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: cache}, nil
}

func (c *RistrettoCache) Get(k Key) (float64, bool) {
	return c.cache.Get(k.String())
}

// Set waits for the write buffer so a following Get sees the value
func (c *RistrettoCache) Set(k Key, v float64) {
	c.cache.Set(k.String(), v, 1)
	c.cache.Wait()
}

func (c *RistrettoCache) Close() {
	c.cache.Close()
}
