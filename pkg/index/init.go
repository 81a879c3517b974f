package index

import (
	bolt "go.etcd.io/bbolt"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/store"
)

// EnsureInitialized seeds the two immutable token entries and the initial
// UtilState row the first time a store is opened, per the schema
// initialization rules. It is idempotent: calling it against an
// already-seeded store is a no-op.
func EnsureInitialized(s *store.Store) error {
	return s.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(store.BucketTokenEntry))

		for _, id := range []runes.TokenId{runes.Tighten, runes.Ease} {
			key := tokenIdKey(id)
			if entries.Get(key) != nil {
				continue
			}
			if err := entries.Put(key, NewTokenEntry().Encode()); err != nil {
				return err
			}
		}

		utilBucket := tx.Bucket([]byte(store.BucketUtilState))
		if utilBucket.Get([]byte("state")) == nil {
			if err := utilBucket.Put([]byte("state"), NewUtilState().Encode()); err != nil {
				return err
			}
		}

		return nil
	})
}
