// Package varint implements the LEB128-like unsigned 128-bit integer
// encoding used by the runestone payload format: seven value bits per
// byte, continuation bit 0x80 set on every byte but the last.
package varint

import (
	"errors"
	"math/big"
)

// MaxBytes is the largest number of bytes a well-formed u128 varint can
// occupy: ceil(128/7) = 19 groups of 7 bits.
const MaxBytes = 19

var (
	// ErrUnterminated is returned when the buffer ends before a
	// terminating (non-continuation) byte is found.
	ErrUnterminated = errors.New("varint: unterminated")
	// ErrOverflow is returned when more than MaxBytes-1 continuation
	// bytes precede the terminator.
	ErrOverflow = errors.New("varint: overflow")
	// ErrOverlong is returned when the decoded value does not fit in
	// 128 bits.
	ErrOverlong = errors.New("varint: overlong")
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Encode writes n as a minimal-length varint. n must be non-negative and
// fit in 128 bits; callers that might exceed that range should clamp
// first (the runestone encoder clamps amounts to 2^127-1).
func Encode(n *big.Int) []byte {
	if n.Sign() == 0 {
		return []byte{0}
	}
	v := new(big.Int).Set(n)
	var out []byte
	for v.Sign() > 0 {
		b := byte(new(big.Int).And(v, big.NewInt(0x7f)).Uint64())
		v.Rsh(v, 7)
		if v.Sign() > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// Decode reads a single varint from buf starting at offset 0, returning
// the decoded value and the number of bytes consumed.
func Decode(buf []byte) (*big.Int, int, error) {
	n := new(big.Int)
	for i := 0; i < len(buf); i++ {
		if i == MaxBytes-1 && buf[i]&0x80 != 0 {
			return nil, 0, ErrOverflow
		}
		group := new(big.Int).SetUint64(uint64(buf[i] & 0x7f))
		group.Lsh(group, uint(7*i))
		n.Or(n, group)

		if buf[i]&0x80 == 0 {
			if n.Cmp(maxU128) > 0 {
				return nil, 0, ErrOverlong
			}
			return n, i + 1, nil
		}
	}
	return nil, 0, ErrUnterminated
}

// DecodeAll decodes a full payload into a sequence of integers, as used
// by the runestone message parser. It stops at the first error.
func DecodeAll(buf []byte) ([]*big.Int, error) {
	var out []*big.Int
	for len(buf) > 0 {
		n, used, err := Decode(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		buf = buf[used:]
	}
	return out, nil
}
