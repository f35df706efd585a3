package amm

import (
	"testing"

	"github.com/holiman/uint256"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: amount parsing
// ============================================================================

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Uint64() != 1_000_000 {
		t.Errorf("got %s, want 1000000", v.Dec())
	}

	for _, bad := range []string{"", "-5", "1.5", "ten", "0x10"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Errorf("ParseAmount(%q) accepted", bad)
		}
	}
}

// ============================================================================
// Test: buy pricing
// ============================================================================

func TestQuoteBuyMovesReserves(t *testing.T) {
	yes, no := u(5_000_000), u(5_000_000)

	q, err := QuoteBuy(yes, no, DefaultFeeBPS, u(1_000_000), true)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	// 200 bps of 1_000_000.
	if q.Fee.Uint64() != 20_000 {
		t.Errorf("fee = %s, want 20000", q.Fee.Dec())
	}
	if q.Net.Uint64() != 980_000 {
		t.Errorf("net = %s, want 980000", q.Net.Dec())
	}
	if q.TokensOut.IsZero() {
		t.Error("tokens out is zero")
	}
	// On a balanced pool the swap keeps part of the minted yes side, so the
	// buyer gets less than one claim per net unit.
	if q.TokensOut.Cmp(&q.Net) >= 0 {
		t.Errorf("tokens out %s should be below net %s on a balanced pool", q.TokensOut.Dec(), q.Net.Dec())
	}
	// Both reserves grow (the net is minted into both), but the no side
	// grows more, which is what moves the yes price up.
	if q.NewYes.Cmp(yes) <= 0 || q.NewNo.Cmp(no) <= 0 {
		t.Errorf("reserves %s/%s should both grow from %s/%s",
			q.NewYes.Dec(), q.NewNo.Dec(), yes.Dec(), no.Dec())
	}
	if q.NewNo.Cmp(&q.NewYes) <= 0 {
		t.Errorf("no reserve %s should exceed yes reserve %s after a yes buy",
			q.NewNo.Dec(), q.NewYes.Dec())
	}
}

func TestQuoteBuySymmetry(t *testing.T) {
	yes, no := u(5_000_000), u(5_000_000)

	yq, err := QuoteBuy(yes, no, DefaultFeeBPS, u(1_000_000), true)
	if err != nil {
		t.Fatalf("yes quote: %v", err)
	}
	nq, err := QuoteBuy(yes, no, DefaultFeeBPS, u(1_000_000), false)
	if err != nil {
		t.Fatalf("no quote: %v", err)
	}
	if yq.TokensOut.Cmp(&nq.TokensOut) != 0 {
		t.Errorf("on a balanced pool yes and no buys should price the same: %s vs %s",
			yq.TokensOut.Dec(), nq.TokensOut.Dec())
	}
	if yq.NewYes.Cmp(&nq.NewNo) != 0 || yq.NewNo.Cmp(&nq.NewYes) != 0 {
		t.Error("mirrored buys should produce mirrored reserves")
	}
}

func TestQuoteBuyProductNeverShrinks(t *testing.T) {
	cases := []struct {
		yes, no, in uint64
	}{
		{5_000_000, 5_000_000, 1},
		{5_000_000, 5_000_000, 1_000_000},
		{1_000_000, 9_000_000, 137},
		{9_999_999, 1, 500_000},
		{3, 7, 2},
	}
	for _, tc := range cases {
		q, err := QuoteBuy(u(tc.yes), u(tc.no), DefaultFeeBPS, u(tc.in), true)
		if err != nil {
			// Tiny inputs may round away entirely; that is the rejection
			// path, not a pricing bug.
			continue
		}
		// Net joins both reserves before the swap, so compare against the
		// pre-swap product.
		yesR := new(uint256.Int).Add(u(tc.yes), &q.Net)
		noR := new(uint256.Int).Add(u(tc.no), &q.Net)
		before := new(uint256.Int).Mul(yesR, noR)
		after := new(uint256.Int).Mul(&q.NewYes, &q.NewNo)
		if after.Cmp(before) < 0 {
			t.Errorf("reserves %d/%d in %d: product shrank %s -> %s",
				tc.yes, tc.no, tc.in, before.Dec(), after.Dec())
		}
	}
}

func TestQuoteBuyRejectsDust(t *testing.T) {
	if _, err := QuoteBuy(u(5_000_000), u(5_000_000), DefaultFeeBPS, u(0), true); err == nil {
		t.Error("zero input accepted")
	}
}

// ============================================================================
// Test: sell pricing
// ============================================================================

func TestQuoteSellReleasesLessThanBuyCost(t *testing.T) {
	yes, no := u(5_000_000), u(5_000_000)

	buy, err := QuoteBuy(yes, no, DefaultFeeBPS, u(1_000_000), true)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	sell, err := QuoteSell(&buy.NewYes, &buy.NewNo, DefaultFeeBPS, &buy.TokensOut, true)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	// Fees on both legs plus rounding guarantee a loss on the round trip.
	if sell.CollateralOut.Cmp(u(1_000_000)) >= 0 {
		t.Errorf("round trip returned %s for 1000000 in", sell.CollateralOut.Dec())
	}
	// But the loss is bounded on a pool this deep.
	if sell.CollateralOut.Uint64() < 800_000 {
		t.Errorf("round trip returned only %s, loss too large", sell.CollateralOut.Dec())
	}
}

func TestQuoteSellPairsCapped(t *testing.T) {
	q, err := QuoteSell(u(5_000_000), u(5_000_000), DefaultFeeBPS, u(1_000_000), true)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if q.Pairs.Cmp(u(1_000_000)) > 0 {
		t.Errorf("pairs %s exceed tokens in", q.Pairs.Dec())
	}
	if q.CollateralOut.Cmp(&q.Pairs) >= 0 {
		t.Errorf("collateral out %s should be pairs %s minus fee", q.CollateralOut.Dec(), q.Pairs.Dec())
	}
	fee := new(uint256.Int).Sub(&q.Pairs, &q.CollateralOut)
	if fee.Cmp(&q.Fee) != 0 {
		t.Errorf("fee mismatch: %s vs %s", fee.Dec(), q.Fee.Dec())
	}
}

func TestQuoteSellSwapLegHoldsProduct(t *testing.T) {
	cases := []struct {
		yes, no, in uint64
	}{
		{100, 100, 10},
		{5_000_000, 5_000_000, 1_000_000},
		{1_000_000, 9_000_000, 137},
		{3, 7, 2},
	}
	for _, tc := range cases {
		q, err := QuoteSell(u(tc.yes), u(tc.no), DefaultFeeBPS, u(tc.in), true)
		if err != nil {
			continue
		}
		// The swap leg alone: sold tokens join the yes side and the new no
		// side comes from the rounded-up division. The matched pairs are
		// burned off the yes side afterwards, so add them back before
		// comparing against the starting product.
		swapYes := new(uint256.Int).Add(&q.NewYes, &q.Pairs)
		before := new(uint256.Int).Mul(u(tc.yes), u(tc.no))
		after := new(uint256.Int).Mul(swapYes, &q.NewNo)
		if after.Cmp(before) < 0 {
			t.Errorf("reserves %d/%d in %d: swap product shrank %s -> %s",
				tc.yes, tc.no, tc.in, before.Dec(), after.Dec())
		}
	}
}

func TestQuoteSellBurnShrinksRawProduct(t *testing.T) {
	// Zero fee isolates the pair burn: on 100/100 a 10-token yes sell swaps
	// to 110/91, then 9 matched pairs leave the yes side. The raw product
	// drops below the starting 10000 because collateral left the pool, the
	// same way a liquidity withdrawal lowers it.
	q, err := QuoteSell(u(100), u(100), 0, u(10), true)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if q.NewYes.Uint64() != 101 || q.NewNo.Uint64() != 91 {
		t.Fatalf("reserves = %s/%s, want 101/91", q.NewYes.Dec(), q.NewNo.Dec())
	}
	if q.CollateralOut.Uint64() != 9 {
		t.Errorf("collateral out = %s, want 9", q.CollateralOut.Dec())
	}
	after := new(uint256.Int).Mul(&q.NewYes, &q.NewNo)
	if after.Cmp(u(10_000)) >= 0 {
		t.Errorf("raw product = %s, want below 10000 after the pair burn", after.Dec())
	}
}

// ============================================================================
// Test: liquidity pricing
// ============================================================================

func TestQuoteAddLiquidityFirstContribution(t *testing.T) {
	q, err := QuoteAddLiquidity(u(0), u(0), u(0), u(0), u(10_000_000))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if q.Shares.Uint64() != 10_000_000 {
		t.Errorf("first shares = %s, want the full amount", q.Shares.Dec())
	}
	if q.YesDelta.Uint64() != 5_000_000 || q.NoDelta.Uint64() != 5_000_000 {
		t.Errorf("first deltas = %s/%s, want an even split", q.YesDelta.Dec(), q.NoDelta.Dec())
	}
}

func TestQuoteAddLiquidityProportional(t *testing.T) {
	// Skewed reserves: adds must preserve the skew, priced on collateral.
	yes, no := u(4_000_000), u(8_000_000)
	totalShares, totalCollateral := u(10_000_000), u(10_000_000)

	q, err := QuoteAddLiquidity(yes, no, totalShares, totalCollateral, u(5_000_000))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if q.Shares.Uint64() != 5_000_000 {
		t.Errorf("shares = %s, want 5000000", q.Shares.Dec())
	}
	if q.YesDelta.Uint64() != 2_000_000 || q.NoDelta.Uint64() != 4_000_000 {
		t.Errorf("deltas = %s/%s, want 2000000/4000000", q.YesDelta.Dec(), q.NoDelta.Dec())
	}
}

func TestQuoteRemoveLiquidityInvertsAdd(t *testing.T) {
	yes, no := u(4_000_000), u(8_000_000)
	totalShares, totalCollateral := u(10_000_000), u(10_000_000)

	rm, err := QuoteRemoveLiquidity(yes, no, totalShares, totalCollateral, u(2_500_000))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rm.Collateral.Uint64() != 2_500_000 {
		t.Errorf("collateral = %s, want 2500000", rm.Collateral.Dec())
	}
	if rm.YesDelta.Uint64() != 1_000_000 || rm.NoDelta.Uint64() != 2_000_000 {
		t.Errorf("deltas = %s/%s, want 1000000/2000000", rm.YesDelta.Dec(), rm.NoDelta.Dec())
	}
}

func TestQuoteRemoveLiquidityRoundsAgainstLeaver(t *testing.T) {
	// 3 shares of 7 over 10 collateral: 10*3/7 = 4 (floor), dust stays.
	q, err := QuoteRemoveLiquidity(u(7), u(7), u(7), u(10), u(3))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if q.Collateral.Uint64() != 4 {
		t.Errorf("collateral = %s, want 4 (floored)", q.Collateral.Dec())
	}
}

// ============================================================================
// Test: price quoting
// ============================================================================

func TestPrices(t *testing.T) {
	yp, np := Prices(u(5_000_000), u(5_000_000))
	if yp != 500_000 || np != 500_000 {
		t.Errorf("balanced pool = %d/%d, want 500000/500000", yp, np)
	}

	// A depleted yes reserve means yes claims are expensive.
	yp, np = Prices(u(2_000_000), u(8_000_000))
	if yp != 800_000 || np != 200_000 {
		t.Errorf("skewed pool = %d/%d, want 800000/200000", yp, np)
	}

	yp, np = Prices(u(0), u(0))
	if yp != 500_000 || np != 500_000 {
		t.Errorf("empty pool = %d/%d, want 50/50", yp, np)
	}
}

// ============================================================================
// Test: pool division rounding
// ============================================================================

func TestPoolDivRoundsUp(t *testing.T) {
	// 10/3 = 3, plus the one-unit bump: 4. The retained reserve is always
	// rounded in the pool's favor.
	if got := poolDiv(u(10), u(3)).Uint64(); got != 4 {
		t.Errorf("poolDiv(10, 3) = %d, want 4", got)
	}
	if got := poolDiv(u(9), u(3)).Uint64(); got != 4 {
		t.Errorf("poolDiv(9, 3) = %d, want 4", got)
	}
}
