package store_test

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/bitomc/bitomc/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "index.db"), store.None)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsStatistics(t *testing.T) {
	s := openTestStore(t)

	err := s.View(func(tx *bolt.Tx) error {
		stats := tx.Bucket([]byte(store.BucketStatistics))
		require.EqualValues(t, store.SchemaVersion, store.GetUint64(stats, store.StatSchemaVersion))
		require.EqualValues(t, 2, store.GetUint64(stats, store.StatTokenCount))
		return nil
	})
	require.NoError(t, err)
}

func TestSavepointRestore(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(store.BucketHeaders)).Put([]byte("h1"), []byte("one"))
	})
	require.NoError(t, err)
	require.NoError(t, s.Savepoint(1))

	err = s.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(store.BucketHeaders)).Put([]byte("h2"), []byte("two"))
	})
	require.NoError(t, err)

	restoredHeight, err := s.RestoreTo(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, restoredHeight)

	err = s.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store.BucketHeaders))
		require.Equal(t, []byte("one"), b.Get([]byte("h1")))
		require.Nil(t, b.Get([]byte("h2")))
		return nil
	})
	require.NoError(t, err)
}

func TestSavepointRetentionLimit(t *testing.T) {
	s := openTestStore(t)
	for h := uint32(1); h <= 7; h++ {
		require.NoError(t, s.Savepoint(h))
	}
	latest, ok := s.LatestSavepointHeight()
	require.True(t, ok)
	require.EqualValues(t, 7, latest)

	_, err := s.RestoreTo(1)
	require.Error(t, err, "savepoint at height 1 should have been pruned")
}
