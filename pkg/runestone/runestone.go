// Package runestone implements the BitOMC wire format: decoding and
// encoding the OP_RETURN-embedded message carried by a transaction
// output, following the positional (tag-free) layout of the parent
// Runes protocol trimmed to BitOMC's two fixed tokens.
package runestone

import (
	"math/big"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/varint"
)

// MagicNumber is OP_PUSHNUM_14 (0x5e), the protocol marker that follows
// OP_RETURN in a runestone output.
const MagicNumber = txscript.OP_14

// Edict is a single payload instruction directing balance flow from the
// transaction's unallocated input balances to an output.
type Edict struct {
	Id     runes.TokenId
	Amount *big.Int
	Output uint32
}

// Runestone is a well-formed protocol message.
type Runestone struct {
	Edicts  []Edict
	Pointer *uint32
}

// Cenotaph is a detected but malformed protocol message. All of the
// transaction's unallocated input balances are burned when a cenotaph
// is produced.
type Cenotaph struct {
	Flaw Flaw
}

// Artifact is the result of deciphering a transaction: exactly one of
// Runestone or Cenotaph is non-nil. Decipher returns a nil *Artifact
// when the transaction carries no runestone output at all.
type Artifact struct {
	Runestone *Runestone
	Cenotaph  *Cenotaph
}

// Present reports whether a runestone output was found at all (as
// opposed to the transaction simply not carrying the protocol marker).
func (a *Artifact) Present() bool {
	return a != nil && (a.Runestone != nil || a.Cenotaph != nil)
}

// IsOpReturn reports whether a script begins with OP_RETURN.
func IsOpReturn(pkScript []byte) bool {
	return len(pkScript) > 0 && pkScript[0] == txscript.OP_RETURN
}

// payload returns the raw bytes following OP_RETURN OP_PUSHNUM_14 in the
// first matching output: no per-push unwrapping, the remainder of the
// script is the varint stream verbatim.
func payload(tx *wire.MsgTx) ([]byte, bool) {
	for _, out := range tx.TxOut {
		script := out.PkScript
		if len(script) < 2 || script[0] != txscript.OP_RETURN || script[1] != MagicNumber {
			continue
		}
		return script[2:], true
	}
	return nil, false
}

// Decipher scans a transaction's outputs for the protocol marker and
// decodes its payload. It returns a nil Artifact when no matching
// output exists.
func Decipher(tx *wire.MsgTx) *Artifact {
	raw, ok := payload(tx)
	if !ok {
		return nil
	}

	integers, err := varint.DecodeAll(raw)
	if err != nil {
		return &Artifact{Cenotaph: &Cenotaph{Flaw: FlawVarint}}
	}

	msg, flaw, hasFlaw := fromIntegers(tx, integers)
	if msg.Pointer != nil && uint64(*msg.Pointer) >= uint64(len(tx.TxOut)) {
		msg.Pointer = nil
	}

	if hasFlaw {
		return &Artifact{Cenotaph: &Cenotaph{Flaw: flaw}}
	}
	return &Artifact{Runestone: msg}
}

// fromIntegers interprets the decoded varint sequence as edicts plus an
// optional leading pointer: in an odd-length sequence the first integer
// is the pointer, and the remainder decodes as (id_amount_bits, output)
// pairs. An unpaired final integer is flagged as FlawTrailingIntegers.
func fromIntegers(tx *wire.MsgTx, payload []*big.Int) (*Runestone, Flaw, bool) {
	rs := &Runestone{}

	offset := 0
	if len(payload)%2 == 1 {
		if len(payload) > 0 && payload[0].IsUint64() && payload[0].Uint64() <= uint64(^uint32(0)) {
			p := uint32(payload[0].Uint64())
			rs.Pointer = &p
		}
		offset = 1
	}

	for i := offset; i < len(payload); i += 2 {
		if i+1 >= len(payload) {
			return rs, FlawTrailingIntegers, true
		}
		idAmount := payload[i]
		outputInt := payload[i+1]

		idBit := new(big.Int).And(idAmount, big.NewInt(1)).Uint64()
		amount := new(big.Int).Rsh(idAmount, 1)

		if !outputInt.IsUint64() || outputInt.Uint64() > uint64(len(tx.TxOut)) {
			return rs, FlawEdictOutput, true
		}
		output := uint32(outputInt.Uint64())

		id := runes.Tighten
		if idBit == 1 {
			id = runes.Ease
		}

		rs.Edicts = append(rs.Edicts, Edict{Id: id, Amount: amount, Output: output})
	}

	return rs, 0, false
}

// Encipher writes the output script for a Runestone: OP_RETURN
// OP_PUSHNUM_14, an optional pointer varint, then (amount*2+id bit,
// output) varint pairs per edict. Amounts at or above 2^127 are clamped
// to 2^127-1.
func Encipher(rs *Runestone) []byte {
	script := []byte{txscript.OP_RETURN, MagicNumber}

	if rs.Pointer != nil {
		script = append(script, varint.Encode(big.NewInt(int64(*rs.Pointer)))...)
	}

	half := new(big.Int).Lsh(big.NewInt(1), 127)
	clamp := new(big.Int).Sub(half, big.NewInt(1))

	for _, e := range rs.Edicts {
		amount := e.Amount
		if amount.Cmp(half) >= 0 {
			amount = clamp
		}
		idBit := int64(0)
		if e.Id == runes.Ease {
			idBit = 1
		}
		encodedAmount := new(big.Int).Lsh(amount, 1)
		encodedAmount.Add(encodedAmount, big.NewInt(idBit))

		script = append(script, varint.Encode(encodedAmount)...)
		script = append(script, varint.Encode(big.NewInt(int64(e.Output)))...)
	}

	return script
}
