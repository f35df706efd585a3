package market

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Validator re-checks the market invariant set. The engine runs it against
// the mutated clone before installing it; a failure aborts the operation
// with the stored record untouched.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Check validates a candidate record. lpTotal is the sum of LP positions
// the book would hold after the operation commits.
func (v *Validator) Check(m *Market, lpTotal *uint256.Int) error {
	// Reserves stay positive while the market can still trade or settle.
	switch m.Status {
	case StatusOpen, StatusResolving, StatusDisputed:
		if m.YesReserve.IsZero() || m.NoReserve.IsZero() {
			return fmt.Errorf("%w: market %d has empty reserve (yes=%s no=%s)",
				ErrInvariant, m.ID, m.YesReserve.Dec(), m.NoReserve.Dec())
		}
	}

	// Sum of LP positions equals total_lp_shares.
	if lpTotal != nil && lpTotal.Cmp(&m.TotalLPShares) != 0 {
		return fmt.Errorf("%w: market %d lp positions sum %s != total_lp_shares %s",
			ErrInvariant, m.ID, lpTotal.Dec(), m.TotalLPShares.Dec())
	}

	// Assertion fields are all set or all unset.
	switch m.Status {
	case StatusResolving, StatusDisputed:
		if m.Assertion == nil || m.Assertion.ID.IsZero() || m.Assertion.Resolver == "" {
			return fmt.Errorf("%w: market %d is %s without a complete assertion",
				ErrInvariant, m.ID, m.Status)
		}
	default:
		if m.Assertion != nil {
			return fmt.Errorf("%w: market %d is %s but carries an assertion",
				ErrInvariant, m.ID, m.Status)
		}
	}

	// Outcome is fixed exactly when Settled.
	if (m.Status == StatusSettled) != (m.Outcome != nil) {
		return fmt.Errorf("%w: market %d status %s with outcome set=%t",
			ErrInvariant, m.ID, m.Status, m.Outcome != nil)
	}

	return nil
}

// CheckProductGrowth verifies that the swap leg of a trade did not
// shrink the constant product. It covers the swap alone: sells burn
// matched pairs off the sold side afterwards, which removes collateral
// from the pool the way a liquidity withdrawal does, so callers pass
// the pre-burn reserves.
func (v *Validator) CheckProductGrowth(oldYes, oldNo, newYes, newNo *uint256.Int) error {
	oldK := new(uint256.Int).Mul(oldYes, oldNo)
	newK := new(uint256.Int).Mul(newYes, newNo)
	if newK.Cmp(oldK) < 0 {
		return fmt.Errorf("%w: constant product shrank from %s to %s",
			ErrInvariant, oldK.Dec(), newK.Dec())
	}
	return nil
}
