package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/event"
	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// claimCall records one mint or burn seen by the fake claim ledger.
type claimCall struct {
	op       string
	marketID uint64
	outcome  market.Outcome
	account  string
	amount   string
}

type fakeClaims struct {
	mintErr error
	burnErr error
	mints   []claimCall
	burns   []claimCall
}

func (c *fakeClaims) Mint(_ context.Context, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) error {
	if c.mintErr != nil {
		return c.mintErr
	}
	c.mints = append(c.mints, claimCall{"mint", marketID, outcome, account, amount.Dec()})
	return nil
}

func (c *fakeClaims) Burn(_ context.Context, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) error {
	if c.burnErr != nil {
		return c.burnErr
	}
	c.burns = append(c.burns, claimCall{"burn", marketID, outcome, account, amount.Dec()})
	return nil
}

type paymentCall struct {
	receiver string
	amount   string
	message  string
}

type fakePayments struct {
	transferErr error
	notifyErr   error
	transfers   []paymentCall
	notified    []paymentCall
}

func (p *fakePayments) Transfer(_ context.Context, receiver string, amount *uint256.Int) error {
	if p.transferErr != nil {
		return p.transferErr
	}
	p.transfers = append(p.transfers, paymentCall{receiver, amount.Dec(), ""})
	return nil
}

func (p *fakePayments) TransferAndNotify(_ context.Context, receiver string, amount *uint256.Int, message string) error {
	if p.notifyErr != nil {
		return p.notifyErr
	}
	p.notified = append(p.notified, paymentCall{receiver, amount.Dec(), message})
	return nil
}

type testHarness struct {
	eng      *Engine
	claims   *fakeClaims
	payments *fakePayments
	persist  chan Output
	publish  chan Output
}

var testEpoch = time.Unix(1_700_000_000, 0)

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		claims:   &fakeClaims{},
		payments: &fakePayments{},
		persist:  make(chan Output, 256),
		publish:  make(chan Output, 256),
	}
	h.eng = New(Config{
		Owner:               "owner.near",
		LedgerIdentity:      "markets.near",
		CollateralToken:     "usdc.near",
		OracleIdentity:      "oracle.near",
		ClaimLedgerIdentity: "claims.near",
	}, h.claims, h.payments, h.persist, h.publish, nil, nil, zerolog.Nop())

	// Inline dispatch makes the full saga chain run synchronously.
	h.eng.Dispatch = func(fn func()) { fn() }
	h.eng.Now = func() time.Time { return testEpoch }

	return h
}

// drain pulls every committed envelope off the persist channel.
func (h *testHarness) drain() []*event.Envelope {
	var out []*event.Envelope
	for {
		select {
		case o := <-h.persist:
			out = append(out, o.Envelope)
		default:
			return out
		}
	}
}

func (h *testHarness) createMarket(t *testing.T) uint64 {
	t.Helper()
	res, err := h.eng.CreateMarket(uuid.Nil, "Will it rain?", "", "alice.near",
		testEpoch.Add(24*time.Hour).UnixNano(), uint256.NewInt(10_000_000))
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return res.MarketID
}

func eventTypes(envs []*event.Envelope) []event.Type {
	types := make([]event.Type, len(envs))
	for i, env := range envs {
		types[i] = env.EventType
	}
	return types
}

// ============================================================================
// Test: market creation
// ============================================================================

func TestCreateMarketMinimumLiquidity(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.CreateMarket(uuid.Nil, "q", "", "alice.near",
		testEpoch.Add(time.Hour).UnixNano(), uint256.NewInt(9_999_999))
	if !errors.Is(err, market.ErrValidation) {
		t.Fatalf("below-minimum create: err = %v, want validation", err)
	}

	res, err := h.eng.CreateMarket(uuid.Nil, "q", "", "alice.near",
		testEpoch.Add(time.Hour).UnixNano(), uint256.NewInt(10_000_000))
	if err != nil {
		t.Fatalf("create at minimum: %v", err)
	}
	// A failed create must not consume a market id.
	if res.MarketID != 0 {
		t.Errorf("market id = %d, want 0", res.MarketID)
	}
	if res.YesReserve.Uint64() != 5_000_000 || res.NoReserve.Uint64() != 5_000_000 {
		t.Errorf("reserves = %s/%s, want an even split", res.YesReserve.Dec(), res.NoReserve.Dec())
	}

	yes, no, err := h.eng.GetPrices(0)
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if yes != 500_000 || no != 500_000 {
		t.Errorf("fresh prices = %d/%d, want 500000/500000", yes, no)
	}

	if got := h.eng.GetLPShares(0, "alice.near"); got.Uint64() != 10_000_000 {
		t.Errorf("creator lp shares = %s, want 10000000", got.Dec())
	}

	// Both custody sides minted to the ledger's own account.
	if len(h.claims.mints) != 2 {
		t.Fatalf("custody mints = %d, want 2", len(h.claims.mints))
	}
	for _, call := range h.claims.mints {
		if call.account != "markets.near" || call.amount != "5000000" {
			t.Errorf("custody mint %+v, want 5000000 to markets.near", call)
		}
	}
}

// ============================================================================
// Test: buying
// ============================================================================

func TestBuyPricingAndMint(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)
	h.drain()
	h.claims.mints = nil

	res, err := h.eng.Buy(uuid.Nil, id, market.OutcomeYes,
		uint256.NewInt(1_000_000), nil, "bob.near")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Fee.Uint64() != 20_000 {
		t.Errorf("fee = %s, want 20000", res.Fee.Dec())
	}
	// 5M/5M reserves, 980000 net: mint-and-swap leaves 842011 yes claims
	// for the buyer.
	if res.TokensOut.Uint64() != 842_011 {
		t.Errorf("tokens out = %s, want 842011", res.TokensOut.Dec())
	}
	if res.YesPrice <= 500_000 {
		t.Errorf("yes price = %d, should rise after a yes buy", res.YesPrice)
	}

	envs := h.drain()
	if len(envs) != 1 || envs[0].EventType != event.TypeTokensBought {
		t.Fatalf("committed = %v, want one tokens_bought", eventTypes(envs))
	}
	var bought event.TokensBought
	if err := json.Unmarshal(envs[0].Payload, &bought); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if bought.YesPrice != res.YesPrice || bought.NoPrice != res.NoPrice {
		t.Errorf("event prices %d/%d, want %d/%d",
			bought.YesPrice, bought.NoPrice, res.YesPrice, res.NoPrice)
	}

	if len(h.claims.mints) != 1 {
		t.Fatalf("mints = %d, want 1", len(h.claims.mints))
	}
	mint := h.claims.mints[0]
	if mint.account != "bob.near" || mint.outcome != market.OutcomeYes || mint.amount != "842011" {
		t.Errorf("buyer mint = %+v", mint)
	}
}

func TestLargeBuyMovesPricesSharply(t *testing.T) {
	h := newHarness(t)

	// 100-unit market, 50-unit buy.
	res, err := h.eng.CreateMarket(uuid.Nil, "q", "", "alice.near",
		testEpoch.Add(time.Hour).UnixNano(), uint256.NewInt(100_000_000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	buy, err := h.eng.Buy(uuid.Nil, res.MarketID, market.OutcomeYes,
		uint256.NewInt(50_000_000), nil, "bob.near")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if buy.YesPrice <= 550_000 {
		t.Errorf("yes price = %d after a half-pool buy, want a sharp move above 550000", buy.YesPrice)
	}
	if buy.YesPrice+buy.NoPrice > 1_000_000 {
		t.Errorf("prices %d/%d exceed the scale", buy.YesPrice, buy.NoPrice)
	}
}

func TestEstimateBuyMatchesExecution(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)

	est, err := h.eng.EstimateBuy(id, market.OutcomeNo, uint256.NewInt(777_777))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	res, err := h.eng.Buy(uuid.Nil, id, market.OutcomeNo, uint256.NewInt(777_777), nil, "bob.near")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if est.TokensOut.Cmp(&res.TokensOut) != 0 {
		t.Errorf("estimate %s != executed %s", est.TokensOut.Dec(), res.TokensOut.Dec())
	}
	if est.Fee.Cmp(&res.Fee) != 0 {
		t.Errorf("estimate fee %s != executed fee %s", est.Fee.Dec(), res.Fee.Dec())
	}
	if est.YesPrice != res.YesPrice || est.NoPrice != res.NoPrice {
		t.Errorf("estimate prices %d/%d != executed %d/%d",
			est.YesPrice, est.NoPrice, res.YesPrice, res.NoPrice)
	}
}

func TestBuySlippageRejected(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)
	h.drain()

	_, err := h.eng.Buy(uuid.Nil, id, market.OutcomeYes,
		uint256.NewInt(1_000_000), uint256.NewInt(999_999_999), "bob.near")
	if !errors.Is(err, market.ErrSlippage) {
		t.Fatalf("err = %v, want slippage", err)
	}
	if envs := h.drain(); len(envs) != 0 {
		t.Errorf("rejected buy committed %v", eventTypes(envs))
	}
}

func TestDuplicateRequestRejected(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)

	reqID := uuid.New()
	if _, err := h.eng.Buy(reqID, id, market.OutcomeYes, uint256.NewInt(1_000_000), nil, "bob.near"); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	_, err := h.eng.Buy(reqID, id, market.OutcomeYes, uint256.NewInt(1_000_000), nil, "bob.near")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("replayed buy: err = %v, want duplicate", err)
	}
}

func TestNilAmountsRejected(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)
	h.drain()

	if _, err := h.eng.Buy(uuid.Nil, id, market.OutcomeYes, nil, nil, "bob.near"); !errors.Is(err, market.ErrValidation) {
		t.Errorf("buy with nil collateral: err = %v, want validation", err)
	}
	if _, err := h.eng.Sell(uuid.Nil, id, market.OutcomeYes, nil, nil, "bob.near"); !errors.Is(err, market.ErrValidation) {
		t.Errorf("sell with nil tokens: err = %v, want validation", err)
	}
	if _, err := h.eng.AddLiquidity(uuid.Nil, id, nil, "carol.near"); !errors.Is(err, market.ErrValidation) {
		t.Errorf("add liquidity with nil amount: err = %v, want validation", err)
	}
	if _, err := h.eng.RemoveLiquidity(uuid.Nil, id, nil, "carol.near"); !errors.Is(err, market.ErrValidation) {
		t.Errorf("remove liquidity with nil shares: err = %v, want validation", err)
	}
	if envs := h.drain(); len(envs) != 0 {
		t.Errorf("rejected commands committed %v", eventTypes(envs))
	}
}

// ============================================================================
// Test: selling
// ============================================================================

func TestSellRoundTripLosesValue(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)

	buy, err := h.eng.Buy(uuid.Nil, id, market.OutcomeYes, uint256.NewInt(1_000_000), nil, "bob.near")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	h.drain()
	h.claims.burns = nil
	h.payments.transfers = nil

	sell, err := h.eng.Sell(uuid.Nil, id, market.OutcomeYes, &buy.TokensOut, nil, "bob.near")
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.CollateralOut.Cmp(uint256.NewInt(1_000_000)) >= 0 {
		t.Errorf("round trip returned %s for 1000000 in", sell.CollateralOut.Dec())
	}

	envs := h.drain()
	if len(envs) != 1 || envs[0].EventType != event.TypeTokensSold {
		t.Fatalf("committed = %v, want one tokens_sold", eventTypes(envs))
	}
	var sold event.TokensSold
	if err := json.Unmarshal(envs[0].Payload, &sold); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if sold.YesPrice != sell.YesPrice || sold.NoPrice != sell.NoPrice {
		t.Errorf("event prices %d/%d, want %d/%d",
			sold.YesPrice, sold.NoPrice, sell.YesPrice, sell.NoPrice)
	}

	// Burn first, then the payout, both against the seller.
	if len(h.claims.burns) != 1 {
		t.Fatalf("burns = %d, want 1", len(h.claims.burns))
	}
	if burn := h.claims.burns[0]; burn.account != "bob.near" || burn.amount != buy.TokensOut.Dec() {
		t.Errorf("burn = %+v", burn)
	}
	if len(h.payments.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(h.payments.transfers))
	}
	if tr := h.payments.transfers[0]; tr.receiver != "bob.near" || tr.amount != sell.CollateralOut.Dec() {
		t.Errorf("payout = %+v", tr)
	}
}

func TestSellBurnFailureWithholdsPayout(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)

	buy, err := h.eng.Buy(uuid.Nil, id, market.OutcomeYes, uint256.NewInt(1_000_000), nil, "bob.near")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	h.drain()

	h.claims.burnErr = errors.New("claim ledger unavailable")
	if _, err := h.eng.Sell(uuid.Nil, id, market.OutcomeYes, &buy.TokensOut, nil, "bob.near"); err != nil {
		t.Fatalf("sell: %v", err)
	}

	// The trade itself commits; the payout is withheld and the burn
	// failure is flagged.
	types := eventTypes(h.drain())
	if len(types) != 2 || types[0] != event.TypeTokensSold || types[1] != event.TypeCollaboratorFailure {
		t.Fatalf("committed = %v, want [tokens_sold collaborator_failure]", types)
	}
	if len(h.payments.transfers) != 0 {
		t.Errorf("payout sent despite failed burn: %+v", h.payments.transfers)
	}
	if h.eng.PendingCalls() != 0 {
		t.Errorf("pending calls = %d, want 0", h.eng.PendingCalls())
	}
}

// ============================================================================
// Test: liquidity
// ============================================================================

func TestLiquidityLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)
	h.drain()
	h.claims.mints = nil
	h.claims.burns = nil
	h.payments.transfers = nil

	add, err := h.eng.AddLiquidity(uuid.Nil, id, uint256.NewInt(5_000_000), "carol.near")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if add.Shares.Uint64() != 5_000_000 {
		t.Errorf("shares = %s, want 5000000", add.Shares.Dec())
	}
	// Custody mints back the proportional reserve growth.
	if len(h.claims.mints) != 2 {
		t.Fatalf("custody mints = %d, want 2", len(h.claims.mints))
	}
	for _, m := range h.claims.mints {
		if m.account != "markets.near" || m.amount != "2500000" {
			t.Errorf("custody mint = %+v, want 2500000 to markets.near", m)
		}
	}

	rm, err := h.eng.RemoveLiquidity(uuid.Nil, id, uint256.NewInt(5_000_000), "carol.near")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rm.CollateralOut.Uint64() != 5_000_000 {
		t.Errorf("collateral out = %s, want 5000000", rm.CollateralOut.Dec())
	}
	if got := h.eng.GetLPShares(id, "carol.near"); !got.IsZero() {
		t.Errorf("residual shares = %s, want 0", got.Dec())
	}

	// Withdrawal chain: burn both custody sides, then pay the provider.
	if len(h.claims.burns) != 2 {
		t.Fatalf("custody burns = %d, want 2", len(h.claims.burns))
	}
	for _, b := range h.claims.burns {
		if b.account != "markets.near" {
			t.Errorf("custody burn against %q, want markets.near", b.account)
		}
	}
	if len(h.payments.transfers) != 1 || h.payments.transfers[0].receiver != "carol.near" {
		t.Fatalf("payout = %+v, want one transfer to carol.near", h.payments.transfers)
	}

	_, err = h.eng.RemoveLiquidity(uuid.Nil, id, uint256.NewInt(1), "carol.near")
	if !errors.Is(err, market.ErrInsufficientBalance) {
		t.Errorf("overdraw: err = %v, want insufficient balance", err)
	}
}

func TestRemoveLiquidityCannotDrainPool(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)
	h.drain()

	// The creator holds every share; burning them all would empty both
	// reserves on a market that can still trade.
	_, err := h.eng.RemoveLiquidity(uuid.Nil, id, uint256.NewInt(10_000_000), "alice.near")
	if !errors.Is(err, market.ErrValidation) {
		t.Fatalf("full withdrawal: err = %v, want validation", err)
	}
	if envs := h.drain(); len(envs) != 0 {
		t.Errorf("rejected withdrawal committed %v", eventTypes(envs))
	}

	if _, err := h.eng.RemoveLiquidity(uuid.Nil, id, uint256.NewInt(9_999_999), "alice.near"); err != nil {
		t.Fatalf("partial withdrawal: %v", err)
	}
}

func TestRemoveLiquidityCustodyBurnFailureStopsChain(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)
	h.drain()

	h.claims.burnErr = errors.New("claim ledger unavailable")
	if _, err := h.eng.RemoveLiquidity(uuid.Nil, id, uint256.NewInt(1_000_000), "alice.near"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	types := eventTypes(h.drain())
	if len(types) != 2 || types[0] != event.TypeLiquidityRemoved || types[1] != event.TypeCollaboratorFailure {
		t.Fatalf("committed = %v, want [liquidity_removed collaborator_failure]", types)
	}
	if len(h.payments.transfers) != 0 {
		t.Errorf("payout sent despite failed custody burn")
	}
}

// ============================================================================
// Test: ownership
// ============================================================================

func TestSetOwner(t *testing.T) {
	h := newHarness(t)

	if err := h.eng.SetOwner(uuid.Nil, "eve.near", "eve.near"); !errors.Is(err, market.ErrAuthorization) {
		t.Fatalf("impostor: err = %v, want authorization", err)
	}
	if err := h.eng.SetOwner(uuid.Nil, "new-owner.near", "owner.near"); err != nil {
		t.Fatalf("handover: %v", err)
	}
	if got := h.eng.GetConfig().Owner; got != "new-owner.near" {
		t.Errorf("owner = %q", got)
	}
	// The old owner lost the gate.
	if err := h.eng.SetOwner(uuid.Nil, "owner.near", "owner.near"); !errors.Is(err, market.ErrAuthorization) {
		t.Errorf("stale owner: err = %v, want authorization", err)
	}
}

// ============================================================================
// Test: event log integrity
// ============================================================================

func TestCommittedEnvelopesChainHashes(t *testing.T) {
	h := newHarness(t)
	id := h.createMarket(t)
	if _, err := h.eng.Buy(uuid.Nil, id, market.OutcomeYes, uint256.NewInt(1_000_000), nil, "bob.near"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := h.eng.AddLiquidity(uuid.Nil, id, uint256.NewInt(5_000_000), "carol.near"); err != nil {
		t.Fatalf("add: %v", err)
	}

	envs := h.drain()
	if len(envs) != 3 {
		t.Fatalf("committed %d events, want 3", len(envs))
	}
	for i, env := range envs {
		if env.Sequence != int64(i) {
			t.Errorf("envelope %d has sequence %d", i, env.Sequence)
		}
		if i > 0 && env.PrevHash != envs[i-1].StateHash {
			t.Errorf("envelope %d prev hash does not chain to %d", i, i-1)
		}
		if env.StateHash == ([32]byte{}) {
			t.Errorf("envelope %d has a zero state hash", i)
		}
	}

	// The publish stream carries the same envelopes.
	if got := len(h.publish); got != 3 {
		t.Errorf("published %d events, want 3", got)
	}
}
