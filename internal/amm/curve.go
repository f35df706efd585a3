package amm

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrZeroValue is returned when an operation would move zero value through
// the pool (zero input, or an input so small it rounds away entirely).
var ErrZeroValue = errors.New("amount too small")

// BuyQuote is the full result of pricing a buy: the fee retained, the net
// collateral added to the pool, the tokens released to the buyer, and the
// reserves after the swap.
type BuyQuote struct {
	Fee       uint256.Int
	Net       uint256.Int
	TokensOut uint256.Int
	NewYes    uint256.Int
	NewNo     uint256.Int
}

// QuoteBuy prices a buy with mint-and-swap mechanics: net collateral is
// conceptually minted into both reserves, then the side the buyer does NOT
// want is swapped back into the pool. The division that fixes the bought
// side's retained reserve rounds up one unit (poolDiv), so TokensOut is
// rounded down in the pool's favor.
//
// QuoteBuy is pure: estimate and execution both call it, so a preview and
// the real trade on identical reserves produce identical output.
func QuoteBuy(yes, no *uint256.Int, feeBPS uint64, collateralIn *uint256.Int, buyYes bool) (*BuyQuote, error) {
	if collateralIn.IsZero() {
		return nil, ErrZeroValue
	}

	q := &BuyQuote{}
	q.Fee.Set(feeOf(collateralIn, feeBPS))
	q.Net.Sub(collateralIn, &q.Fee)
	if q.Net.IsZero() {
		return nil, ErrZeroValue
	}

	yesR := new(uint256.Int).Add(yes, &q.Net)
	noR := new(uint256.Int).Add(no, &q.Net)
	k := new(uint256.Int).Mul(yesR, noR)

	if buyYes {
		// All minted NO stays in the pool; YES is swapped out.
		finalNo := new(uint256.Int).Add(noR, &q.Net)
		finalYes := poolDiv(k, finalNo)
		if finalYes.Cmp(yesR) > 0 {
			return nil, ErrZeroValue
		}
		q.TokensOut.Sub(yesR, finalYes)
		q.NewYes.Set(finalYes)
		q.NewNo.Set(finalNo)
	} else {
		finalYes := new(uint256.Int).Add(yesR, &q.Net)
		finalNo := poolDiv(k, finalYes)
		if finalNo.Cmp(noR) > 0 {
			return nil, ErrZeroValue
		}
		q.TokensOut.Sub(noR, finalNo)
		q.NewYes.Set(finalYes)
		q.NewNo.Set(finalNo)
	}

	return q, nil
}

// SellQuote is the result of pricing a sell: the matched pairs released
// from the pool (collateral before fee), the fee, the collateral paid out,
// and the reserves after the swap.
type SellQuote struct {
	Pairs         uint256.Int // collateral released before fee
	Fee           uint256.Int
	CollateralOut uint256.Int
	NewYes        uint256.Int
	NewNo         uint256.Int
}

// QuoteSell prices the inverse swap: tokensIn joins the sold side's
// reserve, the opposite side's new reserve comes from the same rounded-up
// constant-product division, and min(tokensIn, extracted) matched pairs of
// claims are burned to release collateral. The fee comes out of the
// released amount.
func QuoteSell(yes, no *uint256.Int, feeBPS uint64, tokensIn *uint256.Int, sellYes bool) (*SellQuote, error) {
	if tokensIn.IsZero() {
		return nil, ErrZeroValue
	}

	q := &SellQuote{}
	k := new(uint256.Int).Mul(yes, no)

	if sellYes {
		newYes := new(uint256.Int).Add(yes, tokensIn)
		newNo := poolDiv(k, newYes)
		if newNo.Cmp(no) > 0 {
			return nil, ErrZeroValue
		}
		extracted := new(uint256.Int).Sub(no, newNo)
		q.Pairs.Set(umin(tokensIn, extracted))
		q.NewYes.Sub(newYes, &q.Pairs)
		q.NewNo.Set(newNo)
	} else {
		newNo := new(uint256.Int).Add(no, tokensIn)
		newYes := poolDiv(k, newNo)
		if newYes.Cmp(yes) > 0 {
			return nil, ErrZeroValue
		}
		extracted := new(uint256.Int).Sub(yes, newYes)
		q.Pairs.Set(umin(tokensIn, extracted))
		q.NewYes.Set(newYes)
		q.NewNo.Sub(newNo, &q.Pairs)
	}

	if q.Pairs.IsZero() {
		return nil, ErrZeroValue
	}

	q.Fee.Set(feeOf(&q.Pairs, feeBPS))
	q.CollateralOut.Sub(&q.Pairs, &q.Fee)
	return q, nil
}

// LiquidityQuote prices a proportional liquidity change. For adds, Shares
// is the LP shares minted and YesDelta/NoDelta the reserve growth; for
// removes, Shares echoes the shares burned and Collateral is the payout.
type LiquidityQuote struct {
	Shares     uint256.Int
	Collateral uint256.Int
	YesDelta   uint256.Int
	NoDelta    uint256.Int
}

// QuoteAddLiquidity computes shares = amount * totalShares / totalCollateral
// (or amount exactly for the first contribution) and the proportional
// reserve growth. All divisions round down, so a contributor can never mint
// shares worth more than the collateral they brought.
func QuoteAddLiquidity(yes, no, totalShares, totalCollateral, amount *uint256.Int) (*LiquidityQuote, error) {
	if amount.IsZero() {
		return nil, ErrZeroValue
	}

	q := &LiquidityQuote{}
	q.Collateral.Set(amount)
	if totalShares.IsZero() {
		q.Shares.Set(amount)
		half := new(uint256.Int).Div(amount, uint256.NewInt(2))
		q.YesDelta.Set(half)
		q.NoDelta.Set(half)
		return q, nil
	}

	q.Shares.Set(mulDiv(amount, totalShares, totalCollateral))
	if q.Shares.IsZero() {
		return nil, ErrZeroValue
	}
	q.YesDelta.Set(mulDiv(amount, yes, totalCollateral))
	q.NoDelta.Set(mulDiv(amount, no, totalCollateral))
	return q, nil
}

// QuoteRemoveLiquidity computes the proportional withdrawal for burning
// shares. Rounding down on every division leaves dust with the pool rather
// than the leaver.
func QuoteRemoveLiquidity(yes, no, totalShares, totalCollateral, shares *uint256.Int) (*LiquidityQuote, error) {
	if shares.IsZero() || totalShares.IsZero() {
		return nil, ErrZeroValue
	}

	q := &LiquidityQuote{}
	q.Shares.Set(shares)
	q.Collateral.Set(mulDiv(shares, totalCollateral, totalShares))
	q.YesDelta.Set(mulDiv(shares, yes, totalShares))
	q.NoDelta.Set(mulDiv(shares, no, totalShares))
	return q, nil
}

// Prices returns the quoted YES and NO prices on the Scale denominator:
// yes = no_reserve*Scale/total, no = yes_reserve*Scale/total. A side's
// price rises as its own reserve falls. An empty pool quotes 50/50.
func Prices(yes, no *uint256.Int) (yesPrice, noPrice uint64) {
	total := new(uint256.Int).Add(yes, no)
	if total.IsZero() {
		return Scale / 2, Scale / 2
	}
	yp := mulDiv(no, uint256.NewInt(Scale), total)
	np := mulDiv(yes, uint256.NewInt(Scale), total)
	return yp.Uint64(), np.Uint64()
}
