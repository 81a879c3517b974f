package index

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"

	"github.com/bitomc/bitomc/pkg/runes"
)

// tokenIdKey encodes a TokenId as a fixed 12-byte big-endian key so that
// ordered bucket iteration matches the lexicographic (block, tx) order
// the store's invariants rely on.
func tokenIdKey(id runes.TokenId) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], id.Block)
	binary.BigEndian.PutUint32(buf[8:12], id.Tx)
	return buf
}

// outPointKey encodes an OutPoint using Bitcoin's 36-byte consensus
// encoding (32-byte txid, 4-byte little-endian vout), matching the wire
// format's own byte order so keys round-trip through wire.OutPoint
// directly.
func outPointKey(op wire.OutPoint) []byte {
	buf := make([]byte, 36)
	copy(buf[0:32], op.Hash[:])
	binary.LittleEndian.PutUint32(buf[32:36], op.Index)
	return buf
}

func heightKey(h uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, h)
	return buf
}

const (
	lastOutpointMint     = "mint"
	lastOutpointConvert  = "convert"
)
