package keylock

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New(8)

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("device-1/Temperature")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 100, counter)
}

func TestDoReturnsError(t *testing.T) {
	l := New(0)
	require.Len(t, l.stripes, DefaultStripes)

	boom := errors.New("boom")
	require.ErrorIs(t, l.Do("k", func() error { return boom }), boom)

	// the stripe was released
	require.NoError(t, l.Do("k", func() error { return nil }))
}

func TestStripeIsStable(t *testing.T) {
	l := New(16)
	require.Same(t, l.stripe("a"), l.stripe("a"))
}
