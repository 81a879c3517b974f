package index

import (
	"encoding/binary"
	"math/big"
	"sort"
)

// Base is the fixed-point unit used for interest rates, bonds, and
// utils throughout the monetary-policy accumulator.
var Base = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

// BlocksPerYear is the compounding period for bonds_per_sat.
const BlocksPerYear = 52595

// ratesSize is the capacity of the conversion-rate ring buffer.
const ratesSize = 100

// UtilState is the single persisted monetary-policy accumulator: a ring
// buffer of per-block conversion rates plus the compounding
// bonds_per_sat value.
type UtilState struct {
	Index       uint32
	Rates       [ratesSize]*big.Int
	BondsPerSat *big.Int
}

// NewUtilState returns the state seeded at schema initialization:
// bonds_per_sat = Base, all rates zero.
func NewUtilState() UtilState {
	u := UtilState{BondsPerSat: new(big.Int).Set(Base)}
	for i := range u.Rates {
		u.Rates[i] = big.NewInt(0)
	}
	return u
}

// Encode serializes the state to a fixed-layout byte string.
func (u UtilState) Encode() []byte {
	buf := make([]byte, 0, 4+ratesSize*16+16)
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, u.Index)
	buf = append(buf, idx...)
	for _, r := range u.Rates {
		b := make([]byte, 16)
		r.FillBytes(b)
		buf = append(buf, b...)
	}
	bonds := make([]byte, 16)
	u.BondsPerSat.FillBytes(bonds)
	buf = append(buf, bonds...)
	return buf
}

// DecodeUtilState is the inverse of Encode.
func DecodeUtilState(buf []byte) UtilState {
	u := UtilState{}
	u.Index = binary.BigEndian.Uint32(buf[0:4])
	off := 4
	for i := 0; i < ratesSize; i++ {
		u.Rates[i] = new(big.Int).SetBytes(buf[off : off+16])
		off += 16
	}
	u.BondsPerSat = new(big.Int).SetBytes(buf[off : off+16])
	return u
}

// RecordRate writes rate into the ring buffer at the current cursor and
// advances the cursor. Only called when a block produced at least one
// successful conversion with a positive rate.
func (u *UtilState) RecordRate(rate *big.Int) {
	u.Rates[u.Index%ratesSize] = new(big.Int).Set(rate)
	u.Index = (u.Index + 1) % ratesSize
}

// InterestRate is the median of the nonzero rate entries, or Base if all
// entries are zero. For an even count, the average of the two middles.
func (u UtilState) InterestRate() *big.Int {
	var nonzero []*big.Int
	for _, r := range u.Rates {
		if r.Sign() != 0 {
			nonzero = append(nonzero, r)
		}
	}
	if len(nonzero) == 0 {
		return new(big.Int).Set(Base)
	}
	sort.Slice(nonzero, func(i, j int) bool { return nonzero[i].Cmp(nonzero[j]) < 0 })

	n := len(nonzero)
	if n%2 == 1 {
		return new(big.Int).Set(nonzero[n/2])
	}
	sum := new(big.Int).Add(nonzero[n/2-1], nonzero[n/2])
	return sum.Div(sum, big.NewInt(2))
}

// AccrueInterest compounds bonds_per_sat by one block's worth of
// interest at the current rate: bonds_per_sat += bonds_per_sat *
// interest_rate / Base / BlocksPerYear.
func (u *UtilState) AccrueInterest() {
	rate := u.InterestRate()
	delta := new(big.Int).Mul(u.BondsPerSat, rate)
	delta.Div(delta, Base)
	delta.Div(delta, big.NewInt(BlocksPerYear))
	u.BondsPerSat.Add(u.BondsPerSat, delta)
}

// UtilsPerBond = Base^2 / interest_rate().
func (u UtilState) UtilsPerBond() *big.Int {
	numerator := new(big.Int).Mul(Base, Base)
	return numerator.Div(numerator, u.InterestRate())
}

// UtilsPerSat = bonds_per_sat * utils_per_bond / Base.
func (u UtilState) UtilsPerSat() *big.Int {
	v := new(big.Int).Mul(u.BondsPerSat, u.UtilsPerBond())
	return v.Div(v, Base)
}

// History returns the recorded rates in reverse-insertion order with
// zero entries stripped.
func (u UtilState) History() []*big.Int {
	var out []*big.Int
	for i := 0; i < ratesSize; i++ {
		idx := (int(u.Index) - 1 - i + ratesSize*2) % ratesSize
		r := u.Rates[idx]
		if r.Sign() != 0 {
			out = append(out, new(big.Int).Set(r))
		}
	}
	return out
}
