package memory

import (
	"context"
	"testing"

	"github.com/nicktill/tagstream/pkg/storage"
	"github.com/nicktill/tagstream/pkg/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return New()
	})
}

func TestMemoryStorage_UnknownResolution(t *testing.T) {
	store := New()
	defer store.Close()

	bogus := storage.Resolution{Name: "2min"}
	err := store.UpsertBuckets(context.Background(), bogus, []storage.Bucket{{SensorID: 1}})
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.QueryBuckets(context.Background(), bogus, storage.BucketQuery{})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStorage_LatestEmptyList(t *testing.T) {
	store := New()
	defer store.Close()

	latest, err := store.LatestSamples(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, latest)
}
