// Package runes implements the token identifiers and the bijective
// base-26 naming scheme used to render a token's numeric value as a
// human-readable symbol.
package runes

import (
	"fmt"
	"math/big"
)

// maxU128String is the name rendered for the largest possible rune
// value, a fixed special case inherited from the parent Runes protocol's
// naming scheme: it is the one value for which the bijective base-26
// encoding would need to represent n+1 == 2^128, which doesn't fit.
const maxU128String = "BCGDENLQRQWDSLRUGSNLBTMFIJAV"

var (
	one       = big.NewInt(1)
	twentySix = big.NewInt(26)
	maxU128   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// Name renders n as its protocol symbol. 0 and 1 are the two
// pre-declared tokens; every other value uses the bijective base-26
// scheme shared with the wider Runes ecosystem (2 -> "C", 25 -> "Z",
// 26 -> "AA", ...).
func Name(n *big.Int) string {
	switch {
	case n.Sign() == 0:
		return "TIGHTEN"
	case n.Cmp(one) == 0:
		return "EASE"
	case n.Cmp(maxU128) == 0:
		return maxU128String
	}

	v := new(big.Int).Add(n, one)

	var symbol []byte
	for v.Sign() > 0 {
		vm1 := new(big.Int).Sub(v, one)
		rem := new(big.Int)
		v.QuoRem(vm1, twentySix, rem)
		symbol = append(symbol, 'A'+byte(rem.Int64()))
	}
	for i, j := 0, len(symbol)-1; i < j; i, j = i+1, j-1 {
		symbol[i], symbol[j] = symbol[j], symbol[i]
	}
	return string(symbol)
}

// Parse is the inverse of Name: it accumulates a base-26 value digit by
// digit, checking after every step that the running total has not
// exceeded the 128-bit range, the same checked-arithmetic bound the
// protocol's reference naming scheme enforces.
func Parse(s string) (*big.Int, error) {
	switch s {
	case "TIGHTEN":
		return big.NewInt(0), nil
	case "EASE":
		return big.NewInt(1), nil
	}

	x := new(big.Int)
	for i, c := range s {
		if c < 'A' || c > 'Z' {
			return nil, fmt.Errorf("runes: invalid character %q", c)
		}
		if i > 0 {
			x.Add(x, one)
			if x.Cmp(maxU128) > 0 {
				return nil, fmt.Errorf("runes: name %q out of range", s)
			}
		}
		x.Mul(x, twentySix)
		if x.Cmp(maxU128) > 0 {
			return nil, fmt.Errorf("runes: name %q out of range", s)
		}
		x.Add(x, big.NewInt(int64(c-'A')))
		if x.Cmp(maxU128) > 0 {
			return nil, fmt.Errorf("runes: name %q out of range", s)
		}
	}
	return x, nil
}
