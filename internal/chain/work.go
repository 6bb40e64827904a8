package chain

import (
	"math/big"
)

var (
	bigOne = big.NewInt(1)
	// oneLsh256 is 2^256, the numerator of the block proof formula.
	oneLsh256 = new(big.Int).Lsh(bigOne, 256)
)

// CompactToTarget expands a compact "bits" value to the full 256-bit target.
// Returns nil for zero or negative targets (sign bit set in the mantissa).
func CompactToTarget(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := uint(bits >> 24)

	if mantissa == 0 {
		return nil
	}
	if bits&0x00800000 != 0 {
		return nil
	}

	var target *big.Int
	if exponent <= 3 {
		target = big.NewInt(int64(mantissa >> (8 * (3 - exponent))))
	} else {
		target = new(big.Int).Lsh(big.NewInt(int64(mantissa)), 8*(exponent-3))
	}
	if target.Sign() == 0 {
		return nil
	}
	return target
}

// CalcWork returns the work increment a header contributes to its chain:
// floor(2^256 / (target + 1)). Invalid bits contribute zero work.
func CalcWork(bits uint32) *big.Int {
	target := CompactToTarget(bits)
	if target == nil {
		return new(big.Int)
	}
	denominator := new(big.Int).Add(target, bigOne)
	return new(big.Int).Div(oneLsh256, denominator)
}
