// Package index implements the per-transaction token state transition
// (the "rune updater") and the consumer-facing read API over the
// persisted store.
package index

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/bitomc/bitomc/pkg/runes"
	"github.com/bitomc/bitomc/pkg/varint"
)

// TokenEntry is the persisted per-token accounting record. Exactly two
// ever exist, created at schema initialization and never destroyed.
type TokenEntry struct {
	Block        uint64
	Burned       *big.Int
	Divisibility uint8
	Mints        *big.Int
	Supply       *big.Int
	Spacers      uint32
	Symbol       rune
	HasSymbol    bool
	Timestamp    uint64
	Turbo        bool
}

// NewTokenEntry builds the zeroed entry seeded at schema initialization
// for each of the two tokens (TIGHTEN and EASE), activated at height 2.
func NewTokenEntry() TokenEntry {
	return TokenEntry{
		Block:        2,
		Burned:       big.NewInt(0),
		Divisibility: 8,
		Mints:        big.NewInt(0),
		Supply:       big.NewInt(0),
	}
}

func fixed16(n *big.Int) []byte {
	buf := make([]byte, 16)
	n.FillBytes(buf)
	return buf
}

// Encode serializes the entry to a fixed-layout byte string.
func (e TokenEntry) Encode() []byte {
	buf := make([]byte, 0, 64)
	head := make([]byte, 8)
	binary.BigEndian.PutUint64(head, e.Block)
	buf = append(buf, head...)
	buf = append(buf, fixed16(e.Burned)...)
	buf = append(buf, e.Divisibility)
	buf = append(buf, fixed16(e.Mints)...)
	buf = append(buf, fixed16(e.Supply)...)
	spacers := make([]byte, 4)
	binary.BigEndian.PutUint32(spacers, e.Spacers)
	buf = append(buf, spacers...)
	if e.HasSymbol {
		buf = append(buf, 1)
		sym := make([]byte, 4)
		binary.BigEndian.PutUint32(sym, uint32(e.Symbol))
		buf = append(buf, sym...)
	} else {
		buf = append(buf, 0, 0, 0, 0, 0)
	}
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, e.Timestamp)
	buf = append(buf, ts...)
	if e.Turbo {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeTokenEntry is the inverse of Encode.
func DecodeTokenEntry(buf []byte) (TokenEntry, error) {
	if len(buf) < 8+16+1+16+16+4+5+8+1 {
		return TokenEntry{}, fmt.Errorf("index: truncated token entry")
	}
	var e TokenEntry
	off := 0
	e.Block = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	e.Burned = new(big.Int).SetBytes(buf[off : off+16])
	off += 16
	e.Divisibility = buf[off]
	off++
	e.Mints = new(big.Int).SetBytes(buf[off : off+16])
	off += 16
	e.Supply = new(big.Int).SetBytes(buf[off : off+16])
	off += 16
	e.Spacers = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	e.HasSymbol = buf[off] == 1
	off++
	symRaw := binary.BigEndian.Uint32(buf[off : off+4])
	e.Symbol = rune(symRaw)
	off += 4
	e.Timestamp = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	e.Turbo = buf[off] == 1
	return e, nil
}

// Balance is a single (token, amount) pair held at an outpoint.
type Balance struct {
	Id     runes.TokenId
	Amount *big.Int
}

// EncodeBalances serializes a sorted balance list using the varint
// codec: block, tx, amount per entry, in ascending id order.
func EncodeBalances(balances []Balance) []byte {
	sorted := make([]Balance, len(balances))
	copy(sorted, balances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Id.Less(sorted[j].Id) })

	var buf []byte
	for _, b := range sorted {
		buf = append(buf, varint.Encode(new(big.Int).SetUint64(b.Id.Block))...)
		buf = append(buf, varint.Encode(big.NewInt(int64(b.Id.Tx)))...)
		buf = append(buf, varint.Encode(b.Amount)...)
	}
	return buf
}

// DecodeBalances is the inverse of EncodeBalances.
func DecodeBalances(buf []byte) ([]Balance, error) {
	var out []Balance
	for len(buf) > 0 {
		block, used, err := varint.Decode(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[used:]

		tx, used, err := varint.Decode(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[used:]

		amount, used, err := varint.Decode(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[used:]

		out = append(out, Balance{
			Id:     runes.TokenId{Block: block.Uint64(), Tx: uint32(tx.Uint64())},
			Amount: amount,
		})
	}
	return out, nil
}
