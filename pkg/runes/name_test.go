package runes_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitomc/bitomc/pkg/runes"
)

func TestNameRoundTrip(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{0, "TIGHTEN"},
		{1, "EASE"},
		{2, "C"},
		{3, "D"},
		{25, "Z"},
		{26, "AA"},
		{27, "AB"},
		{51, "AZ"},
		{52, "BA"},
	}
	for _, c := range cases {
		n := big.NewInt(c.n)
		got := runes.Name(n)
		require.Equal(t, c.want, got)

		parsed, err := runes.Parse(got)
		require.NoError(t, err)
		require.Equal(t, 0, n.Cmp(parsed))
	}
}

func TestNameMaxU128(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	require.Equal(t, "BCGDENLQRQWDSLRUGSNLBTMFIJAV", runes.Name(max))

	parsed, err := runes.Parse("BCGDENLQRQWDSLRUGSNLBTMFIJAV")
	require.NoError(t, err)
	require.Equal(t, 0, max.Cmp(parsed))
}

func TestNameNearMaxU128RoundTrip(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

	cases := []struct {
		n    *big.Int
		want string
	}{
		{new(big.Int).Sub(max, big.NewInt(2)), "BCGDENLQRQWDSLRUGSNLBTMFIJAT"},
		{new(big.Int).Sub(max, big.NewInt(1)), "BCGDENLQRQWDSLRUGSNLBTMFIJAU"},
	}
	for _, c := range cases {
		got := runes.Name(c.n)
		require.Equal(t, c.want, got)

		parsed, err := runes.Parse(got)
		require.NoError(t, err)
		require.Equal(t, 0, c.n.Cmp(parsed))
		require.NotEqual(t, "BCGDENLQRQWDSLRUGSNLBTMFIJAV", got)
	}
}

func TestParseOutOfRange(t *testing.T) {
	_, err := runes.Parse("BCGDENLQRQWDSLRUGSNLBTMFIJAW")
	require.Error(t, err)

	_, err = runes.Parse("BCGDENLQRQWDSLRUGSNLBTMFIJAVX")
	require.Error(t, err)
}

func TestParseInvalidCharacter(t *testing.T) {
	_, err := runes.Parse("x")
	require.Error(t, err)
}

func TestTokenIdOrdering(t *testing.T) {
	require.True(t, runes.Tighten.Less(runes.Ease))
	require.False(t, runes.Ease.Less(runes.Tighten))
	require.Equal(t, runes.Ease, runes.Tighten.Other())
	require.Equal(t, runes.Tighten, runes.Ease.Other())
}
