// Package keylock serializes work per key without keeping a mutex per key.
//
// Keys hash (xxhash) onto a fixed set of stripes; two keys that share a stripe
// simply wait on each other. Critical sections must stay short and must never
// take a second lock from the same Locker.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is enough to make collisions rare for a few thousand active tags
const DefaultStripes = 256

// Locker is a striped mutex keyed by string.
type Locker struct {
	stripes []sync.Mutex
}

// New creates a Locker with n stripes (DefaultStripes when n <= 0).
func New(n int) *Locker {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Locker{stripes: make([]sync.Mutex, n)}
}

func (l *Locker) stripe(key string) *sync.Mutex {
	return &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
}

// Lock blocks until key is held and returns the matching unlock function.
func (l *Locker) Lock(key string) (unlock func()) {
	mu := l.stripe(key)
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding key.
func (l *Locker) Do(key string, fn func() error) error {
	defer l.Lock(key)()
	return fn()
}
