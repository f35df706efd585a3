// Package amm implements the constant-product pricing math for binary
// outcome markets. All amounts are unsigned fixed-point integers in
// collateral units (6 decimals), carried in uint256.Int so that the
// constant product k = yes_reserve * no_reserve can never overflow.
package amm

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// CollateralDecimals is the fixed-point precision of the collateral token.
	CollateralDecimals = 6

	// CollateralOne is one whole collateral unit (10^CollateralDecimals).
	CollateralOne = 1_000_000

	// Scale is the price scale: prices for YES and NO always sum to Scale.
	Scale = 1_000_000

	// BPSDenominator is the basis-point denominator for fee math.
	BPSDenominator = 10_000

	// DefaultFeeBPS is the default protocol fee: 2%.
	DefaultFeeBPS = 200

	// MinInitialLiquidity is the smallest collateral amount that can seed
	// a market: 10 collateral units.
	MinInitialLiquidity = 10 * CollateralOne
)

// maxAmountBits bounds every externally supplied amount to 128 bits, so a
// product of two amounts always fits in uint256.
const maxAmountBits = 128

// ParseAmount parses a base-10 amount string into a 128-bit-bounded value.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if v.BitLen() > maxAmountBits {
		return nil, fmt.Errorf("amount %q exceeds 128 bits", s)
	}
	return v, nil
}

// NewAmount builds an amount from a uint64, for constants and tests.
func NewAmount(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// feeOf computes amount * feeBPS / 10000, rounded down. Rounding the fee
// down keeps the net amount credited to the pool as large as possible.
func feeOf(amount *uint256.Int, feeBPS uint64) *uint256.Int {
	fee := new(uint256.Int).Mul(amount, uint256.NewInt(feeBPS))
	return fee.Div(fee, uint256.NewInt(BPSDenominator))
}

// poolDiv divides num by den and rounds the quotient up by one unit. It is
// used for every division that computes a reserve the pool must retain:
// overstating the retained reserve understates the amount released, so the
// pool never releases more than it can back.
func poolDiv(num, den *uint256.Int) *uint256.Int {
	q := new(uint256.Int).Div(num, den)
	return q.AddUint64(q, 1)
}

// mulDiv computes a * b / den with a 256-bit intermediate, rounded down.
func mulDiv(a, b, den *uint256.Int) *uint256.Int {
	p := new(uint256.Int).Mul(a, b)
	return p.Div(p, den)
}

// umin returns the smaller of a and b.
func umin(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
