package index

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/runestone"
	"github.com/bitomc/bitomc/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "index.db"), store.None)
	require.NoError(t, err)
	require.NoError(t, EnsureInitialized(s))
	t.Cleanup(func() { s.Close() })
	return s
}

func opReturnTx(script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, script))
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x51})) // non-OP_RETURN destination
	return tx
}

func runBlock(t *testing.T, s *store.Store, height uint32, txs []*wire.MsgTx) {
	t.Helper()
	err := s.Update(func(tx *bolt.Tx) error {
		upd := NewRuneUpdater(tx, height)

		utilRaw := tx.Bucket([]byte(store.BucketUtilState)).Get([]byte("state"))
		util := DecodeUtilState(utilRaw)

		for _, candidate := range txs {
			if err := upd.IndexTransaction(candidate, candidate.TxHash()); err != nil {
				return err
			}
		}
		if err := upd.Finish(&util); err != nil {
			return err
		}
		return tx.Bucket([]byte(store.BucketUtilState)).Put([]byte("state"), util.Encode())
	})
	require.NoError(t, err)
}

// S1: a bare mint transaction (an empty runestone) splits the block
// reward entirely into TIGHTEN when both supplies start at zero.
func TestScenarioInitialMint(t *testing.T) {
	s := openTestStore(t)
	rs := &runestone.Runestone{}
	tx := opReturnTx(runestone.Encipher(rs))

	runBlock(t, s, 0, []*wire.MsgTx{tx})

	ix := New(s)
	tighten, found, err := ix.TokenEntry(runes.Tighten)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, big.NewInt(5000000000), tighten.Supply)

	ease, found, err := ix.TokenEntry(runes.Ease)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, ease.Supply.Sign())
}

// S2: once a supply is nonzero, minting takes the proportional branch
// (k = floor(sqrt(S0² + S1²))); with EASE still at zero, the second mint
// again goes to TIGHTEN and its supply grows.
func TestScenarioProportionalMint(t *testing.T) {
	s := openTestStore(t)

	rs1 := &runestone.Runestone{}
	runBlock(t, s, 0, []*wire.MsgTx{opReturnTx(runestone.Encipher(rs1))})

	// The first mint leaves a nonzero TIGHTEN supply, so the second mint
	// goes through the proportional split rather than the zero-supply case.
	ix := New(s)
	tighten, _, err := ix.TokenEntry(runes.Tighten)
	require.NoError(t, err)
	require.True(t, tighten.Supply.Sign() > 0)

	rs2 := &runestone.Runestone{}
	runBlock(t, s, 1, []*wire.MsgTx{opReturnTx(runestone.Encipher(rs2))})

	tighten2, _, err := ix.TokenEntry(runes.Tighten)
	require.NoError(t, err)
	require.True(t, tighten2.Supply.Cmp(tighten.Supply) > 0)
}

// S4: a transaction whose runestone payload fails to decode entirely
// (a malformed varint) burns every input balance instead of minting.
func TestScenarioCenotaphBurnsInputBalances(t *testing.T) {
	s := openTestStore(t)

	// First, mint and allocate a balance to an outpoint by spending the
	// mint transaction's own non-OP_RETURN output in a later transaction.
	rs1 := &runestone.Runestone{}
	mintTx := opReturnTx(runestone.Encipher(rs1))
	runBlock(t, s, 0, []*wire.MsgTx{mintTx})

	mintTxid := mintTx.TxHash()

	// Build a cenotaph transaction spending the mint's pointer output
	// (the first non-OP_RETURN vout, index 1) and carrying a malformed
	// runestone payload.
	badScript := []byte{0x6a, byte(runestone.MagicNumber), 0xff, 0xff, 0xff, 0xff}
	cenoTx := wire.NewMsgTx(2)
	cenoTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: mintTxid, Index: 1}})
	cenoTx.AddTxOut(wire.NewTxOut(0, badScript))
	cenoTx.AddTxOut(wire.NewTxOut(0, []byte{0x51}))

	runBlock(t, s, 1, []*wire.MsgTx{cenoTx})

	ix := New(s)
	tighten, _, err := ix.TokenEntry(runes.Tighten)
	require.NoError(t, err)
	require.True(t, tighten.Burned.Sign() > 0)
}

// A lone single-element payload is fully consumed as the pointer and
// leaves a valid, vacuous Runestone rather than a trailing-integer flaw.
func TestPointerOnlyPayloadIsStillValid(t *testing.T) {
	openTestStore(t)

	script := append([]byte{0x6a, byte(runestone.MagicNumber)}, 0x01)
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, script))
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x51}))

	artifact := runestone.Decipher(tx)
	require.NotNil(t, artifact.Runestone)
	require.Nil(t, artifact.Cenotaph)
}
