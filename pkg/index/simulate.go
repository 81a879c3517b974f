package index

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/store"
)

// SupplyState is the post-transaction token supply snapshot returned by
// Simulate, letting a caller preview the effect of a candidate block
// without committing it.
type SupplyState struct {
	TightenSupply *big.Int
	EaseSupply    *big.Int
	TightenBurned *big.Int
	EaseBurned    *big.Int
}

// Simulate runs the updater over a candidate sequence of transactions in
// a write transaction that is always rolled back, regardless of outcome.
// It never mutates the persisted store.
func Simulate(s *store.Store, height uint32, txs []*wire.MsgTx) ([]SupplyState, error) {
	var states []SupplyState

	err := s.UpdateDiscard(func(tx *bolt.Tx) error {
		upd := NewRuneUpdater(tx, height)
		utilRaw := tx.Bucket([]byte(store.BucketUtilState)).Get([]byte("state"))
		util := NewUtilState()
		if utilRaw != nil {
			util = DecodeUtilState(utilRaw)
		}

		// Burns are written to the entries only in Finish; add the ones
		// accumulated so far so each state reflects its transaction.
		pending := func(id runes.TokenId) *big.Int {
			if v, ok := upd.blockBurned[id]; ok {
				return v
			}
			return new(big.Int)
		}

		var txid chainhash.Hash
		for i, t := range txs {
			// Synthetic per-transaction identity for the simulation;
			// callers only care about supply effects, not the real txid.
			txid[0] = byte(i)
			if err := upd.IndexTransaction(t, txid); err != nil {
				return err
			}

			entryTighten, _ := upd.getEntry(runes.Tighten)
			entryEase, _ := upd.getEntry(runes.Ease)
			states = append(states, SupplyState{
				TightenSupply: new(big.Int).Sub(entryTighten.Supply, pending(runes.Tighten)),
				EaseSupply:    new(big.Int).Sub(entryEase.Supply, pending(runes.Ease)),
				TightenBurned: new(big.Int).Add(entryTighten.Burned, pending(runes.Tighten)),
				EaseBurned:    new(big.Int).Add(entryEase.Burned, pending(runes.Ease)),
			})
		}

		return upd.Finish(&util)
	})

	return states, err
}
