package index

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/store"
)

// Index is the consumer-facing read API, implemented purely in terms of
// read transactions against the last committed snapshot.
type Index struct {
	store *store.Store
}

// New wraps a Store with the read API.
func New(s *store.Store) *Index {
	return &Index{store: s}
}

// BlockCount returns the number of indexed blocks (one past the highest
// indexed height), or 0 if none have been indexed yet.
func (ix *Index) BlockCount() (uint32, error) {
	var count uint32
	err := ix.store.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(store.BucketHeaders)).Cursor()
		k, _ := c.Last()
		if k == nil {
			count = 0
			return nil
		}
		height := uint32(k[0])<<24 | uint32(k[1])<<16 | uint32(k[2])<<8 | uint32(k[3])
		count = height + 1
		return nil
	})
	return count, err
}

// BlockHeight returns the height of the most recently indexed block, and
// false if no block has been indexed yet.
func (ix *Index) BlockHeight() (uint32, bool, error) {
	var height uint32
	var found bool
	err := ix.store.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(store.BucketHeaders)).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		height = uint32(k[0])<<24 | uint32(k[1])<<16 | uint32(k[2])<<8 | uint32(k[3])
		found = true
		return nil
	})
	return height, found, err
}

// TokenEntry looks up the persisted entry for id.
func (ix *Index) TokenEntry(id runes.TokenId) (TokenEntry, bool, error) {
	var e TokenEntry
	var found bool
	err := ix.store.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(store.BucketTokenEntry)).Get(tokenIdKey(id))
		if raw == nil {
			return nil
		}
		decoded, err := DecodeTokenEntry(raw)
		if err != nil {
			return err
		}
		e, found = decoded, true
		return nil
	})
	return e, found, err
}

// BalancesAt returns the token balances held at an outpoint.
func (ix *Index) BalancesAt(op wire.OutPoint) ([]Balance, error) {
	var balances []Balance
	err := ix.store.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(store.BucketOutpoints)).Get(outPointKey(op))
		if raw == nil {
			return nil
		}
		decoded, err := DecodeBalances(raw)
		if err != nil {
			return err
		}
		balances = decoded
		return nil
	})
	return balances, err
}

// UtilSnapshot is the read-only view of the monetary-policy accumulator
// exposed to consumers.
type UtilSnapshot struct {
	BondsPerSat  *big.Int
	UtilsPerBond *big.Int
	UtilsPerSat  *big.Int
	InterestRate *big.Int
	Decimals     *big.Int
}

// UtilState returns the current monetary-policy snapshot.
func (ix *Index) UtilState() (UtilSnapshot, error) {
	var snap UtilSnapshot
	err := ix.store.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(store.BucketUtilState)).Get([]byte("state"))
		var u UtilState
		if raw == nil {
			u = NewUtilState()
		} else {
			u = DecodeUtilState(raw)
		}
		snap = UtilSnapshot{
			BondsPerSat:  u.BondsPerSat,
			UtilsPerBond: u.UtilsPerBond(),
			UtilsPerSat:  u.UtilsPerSat(),
			InterestRate: u.InterestRate(),
			Decimals:     new(big.Int).Set(Base),
		}
		return nil
	})
	return snap, err
}

// RateHistorySnapshot is the exposed view of the conversion-rate ring
// buffer.
type RateHistorySnapshot struct {
	MedianInterestRate *big.Int
	History            []*big.Int
}

// RateHistory returns the median interest rate and the non-zero rate
// history in reverse-insertion order.
func (ix *Index) RateHistory() (RateHistorySnapshot, error) {
	var snap RateHistorySnapshot
	err := ix.store.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(store.BucketUtilState)).Get([]byte("state"))
		var u UtilState
		if raw == nil {
			u = NewUtilState()
		} else {
			u = DecodeUtilState(raw)
		}
		snap = RateHistorySnapshot{
			MedianInterestRate: u.InterestRate(),
			History:            u.History(),
		}
		return nil
	})
	return snap, err
}

// LastMintOutpoint returns the outpoint of the most recent transaction
// that produced a mint.
func (ix *Index) LastMintOutpoint() (wire.OutPoint, bool, error) {
	return ix.lastOutpoint(lastOutpointMint)
}

// LastConversionOutpoint returns the outpoint of the most recent
// transaction that executed a conversion.
func (ix *Index) LastConversionOutpoint() (wire.OutPoint, bool, error) {
	return ix.lastOutpoint(lastOutpointConvert)
}

func (ix *Index) lastOutpoint(key string) (wire.OutPoint, bool, error) {
	var op wire.OutPoint
	var found bool
	err := ix.store.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(store.BucketLastOutpoint)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if len(raw) != 36 {
			return fmt.Errorf("index: corrupt last-outpoint record")
		}
		copy(op.Hash[:], raw[:32])
		op.Index = uint32(raw[32]) | uint32(raw[33])<<8 | uint32(raw[34])<<16 | uint32(raw[35])<<24
		found = true
		return nil
	})
	return op, found, err
}

// BlockHash returns the 32-byte block hash stored at height.
func (ix *Index) BlockHash(height uint32) ([]byte, bool, error) {
	var header []byte
	var found bool
	err := ix.store.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(store.BucketHeaders)).Get(heightKey(height))
		if raw == nil {
			return nil
		}
		header = append([]byte(nil), raw...)
		found = true
		return nil
	})
	return header, found, err
}
