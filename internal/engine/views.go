package engine

import (
	"fmt"

	"github.com/Nest-on-near/nest-markets/internal/amm"
	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/holiman/uint256"
)

// Views take the engine lock briefly and copy out, so each read is
// individually consistent with the command stream.

// GetMarket returns the full market view.
func (e *Engine) GetMarket(marketID uint64) (*market.View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.store.Get(marketID)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
	}
	v := m.ToView()
	return &v, nil
}

// GetMarketCount returns the number of markets ever created.
func (e *Engine) GetMarketCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Count()
}

// GetPrices returns the current YES/NO prices on the price scale.
func (e *Engine) GetPrices(marketID uint64) (yesPrice, noPrice uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.store.Get(marketID)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
	}
	yesPrice, noPrice = m.Prices()
	return yesPrice, noPrice, nil
}

type EstimateBuyResult struct {
	TokensOut uint256.Int
	Fee       uint256.Int
	YesPrice  uint64
	NoPrice   uint64
}

// EstimateBuy previews a buy without mutating anything. It prices through
// the same quote path the executing buy uses, so on unchanged reserves the
// estimate and the trade agree exactly.
func (e *Engine) EstimateBuy(marketID uint64, outcome market.Outcome, collateralIn *uint256.Int) (*EstimateBuyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.store.Get(marketID)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
	}
	if !m.Status.Trading() {
		return nil, fmt.Errorf("%w: market %d is %s, not open for trading", market.ErrState, marketID, m.Status)
	}

	q, err := amm.QuoteBuy(&m.YesReserve, &m.NoReserve, m.FeeBPS, collateralIn, outcome == market.OutcomeYes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrValidation, err)
	}

	res := &EstimateBuyResult{}
	res.TokensOut.Set(&q.TokensOut)
	res.Fee.Set(&q.Fee)
	res.YesPrice, res.NoPrice = amm.Prices(&q.NewYes, &q.NewNo)
	return res, nil
}

// GetLPShares returns an account's LP position in a market.
func (e *Engine) GetLPShares(marketID uint64, account string) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Get(marketID, account)
}

// GetResolutionStatus reports the resolution state machine, including
// whether the assertion is disputable or resolvable right now.
func (e *Engine) GetResolutionStatus(marketID uint64) (*market.ResolutionStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.store.Get(marketID)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
	}
	rs := m.ToResolutionStatus(e.Now().UnixNano())
	return &rs, nil
}

type ConfigView struct {
	Owner               string `json:"owner"`
	LedgerIdentity      string `json:"ledger_identity"`
	CollateralToken     string `json:"collateral_token"`
	OracleIdentity      string `json:"oracle_identity"`
	ClaimLedgerIdentity string `json:"claim_ledger_identity"`
	DefaultFeeBPS       uint64 `json:"default_fee_bps"`
	MinResolutionBond   string `json:"min_resolution_bond"`
	LivenessSeconds     int64  `json:"liveness_seconds"`
	MarketCount         uint64 `json:"market_count"`
}

// GetConfig returns the deployed identities and limits.
func (e *Engine) GetConfig() ConfigView {
	e.mu.Lock()
	defer e.mu.Unlock()

	return ConfigView{
		Owner:               e.cfg.Owner,
		LedgerIdentity:      e.cfg.LedgerIdentity,
		CollateralToken:     e.cfg.CollateralToken,
		OracleIdentity:      e.cfg.OracleIdentity,
		ClaimLedgerIdentity: e.cfg.ClaimLedgerIdentity,
		DefaultFeeBPS:       e.cfg.DefaultFeeBPS,
		MinResolutionBond:   e.cfg.MinResolutionBond.Dec(),
		LivenessSeconds:     int64(e.cfg.Liveness.Seconds()),
		MarketCount:         e.store.Count(),
	}
}

// Sequence returns the next event sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}
