package runestone_test

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/runestone"
)

func txWithOpReturn(script []byte, numOutputs int) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(0, script))
	for i := 1; i < numOutputs; i++ {
		tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9}))
	}
	return tx
}

func TestDecipherNone(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9}))
	require.Nil(t, runestone.Decipher(tx))
}

func TestEncipherDecipherRoundTrip(t *testing.T) {
	ptr := uint32(1)
	rs := &runestone.Runestone{
		Pointer: &ptr,
		Edicts: []runestone.Edict{
			{Id: runes.Tighten, Amount: big.NewInt(500), Output: 1},
			{Id: runes.Ease, Amount: big.NewInt(250), Output: 0},
		},
	}

	script := runestone.Encipher(rs)
	tx := txWithOpReturn(script, 2)

	artifact := runestone.Decipher(tx)
	require.NotNil(t, artifact)
	require.NotNil(t, artifact.Runestone)
	require.Nil(t, artifact.Cenotaph)
	require.Equal(t, ptr, *artifact.Runestone.Pointer)
	require.Len(t, artifact.Runestone.Edicts, 2)
	require.Equal(t, runes.Tighten, artifact.Runestone.Edicts[0].Id)
	require.Equal(t, 0, big.NewInt(500).Cmp(artifact.Runestone.Edicts[0].Amount))
	require.Equal(t, uint32(1), artifact.Runestone.Edicts[0].Output)
}

func TestPointerOnlyPayloadIsValid(t *testing.T) {
	// A lone integer is consumed entirely as the pointer, leaving zero
	// edicts — a well-formed (if vacuous) Runestone, not a flaw.
	script := []byte{0x6a, runestone.MagicNumber, 0x01}
	tx := txWithOpReturn(script, 2)

	artifact := runestone.Decipher(tx)
	require.NotNil(t, artifact)
	require.NotNil(t, artifact.Runestone)
	require.Nil(t, artifact.Cenotaph)
	require.Empty(t, artifact.Runestone.Edicts)
}

func TestCenotaphVarintError(t *testing.T) {
	script := []byte{0x6a, runestone.MagicNumber, 0x80, 0x80, 0x80}
	tx := txWithOpReturn(script, 1)

	artifact := runestone.Decipher(tx)
	require.NotNil(t, artifact)
	require.NotNil(t, artifact.Cenotaph)
	require.Equal(t, runestone.FlawVarint, artifact.Cenotaph.Flaw)
}

func TestCenotaphEdictOutputOutOfRange(t *testing.T) {
	rs := &runestone.Runestone{
		Edicts: []runestone.Edict{{Id: runes.Tighten, Amount: big.NewInt(1), Output: 5}},
	}
	script := runestone.Encipher(rs)
	tx := txWithOpReturn(script, 2)

	artifact := runestone.Decipher(tx)
	require.NotNil(t, artifact)
	require.NotNil(t, artifact.Cenotaph)
	require.Equal(t, runestone.FlawEdictOutput, artifact.Cenotaph.Flaw)
}

func TestPointerOutOfRangeIsDropped(t *testing.T) {
	ptr := uint32(9)
	rs := &runestone.Runestone{Pointer: &ptr}
	script := runestone.Encipher(rs)
	tx := txWithOpReturn(script, 2)

	artifact := runestone.Decipher(tx)
	require.NotNil(t, artifact)
	require.NotNil(t, artifact.Runestone)
	require.Nil(t, artifact.Runestone.Pointer)
}
