package varint_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitomc/bitomc/pkg/varint"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"0", "1", "127", "128", "16384",
		"340282366920938463463374607431768211455", // 2^128-1
	}
	for _, c := range cases {
		n, ok := new(big.Int).SetString(c, 10)
		require.True(t, ok)

		encoded := varint.Encode(n)
		decoded, used, err := varint.Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), used)
		require.Equal(t, 0, n.Cmp(decoded))
	}
}

func TestEncodeMinimal(t *testing.T) {
	require.Equal(t, []byte{0}, varint.Encode(big.NewInt(0)))
	require.Equal(t, []byte{0x7f}, varint.Encode(big.NewInt(127)))
	require.Equal(t, []byte{0x80, 0x01}, varint.Encode(big.NewInt(128)))
}

func TestDecodeUnterminated(t *testing.T) {
	_, _, err := varint.Decode([]byte{0x80, 0x80, 0x80})
	require.ErrorIs(t, err, varint.ErrUnterminated)
}

func TestDecodeOverflow(t *testing.T) {
	buf := make([]byte, varint.MaxBytes)
	for i := range buf {
		buf[i] = 0x80
	}
	_, _, err := varint.Decode(buf)
	require.ErrorIs(t, err, varint.ErrOverflow)
}

func TestDecodeOverlong(t *testing.T) {
	// 18 groups of all-1 low 7 bits, then a terminating 0x0f group:
	// value = 2^130-1 > u128 max.
	buf := make([]byte, 19)
	for i := 0; i < 18; i++ {
		buf[i] = 0xff
	}
	buf[18] = 0x0f
	_, _, err := varint.Decode(buf)
	require.ErrorIs(t, err, varint.ErrOverlong)
}

func TestDecodeAcceptsNonCanonical(t *testing.T) {
	// 0 encoded with a redundant continuation group: 0x80 0x00.
	n, used, err := varint.Decode([]byte{0x80, 0x00})
	require.NoError(t, err)
	require.Equal(t, 2, used)
	require.Equal(t, 0, n.Sign())
}

func TestDecodeAllStopsAtError(t *testing.T) {
	_, err := varint.DecodeAll([]byte{0x01, 0x80})
	require.ErrorIs(t, err, varint.ErrUnterminated)
}
