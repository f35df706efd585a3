package engine

import (
	"fmt"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/amm"
	"github.com/Nest-on-near/nest-markets/internal/event"
	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/holiman/uint256"
)

// Restore rebuilds engine state from the persisted event log. Every event
// payload carries the resulting reserves and totals, so replay installs
// state rather than re-executing commands; no external calls are issued.
// Must run before the engine accepts commands.
func (e *Engine) Restore(envelopes []*event.Envelope) error {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, env := range envelopes {
		if env.Sequence != e.sequence {
			return fmt.Errorf("event log gap: have sequence %d, expected %d", env.Sequence, e.sequence)
		}

		ev, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		if err := e.applyReplayed(ev); err != nil {
			return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.EventType, err)
		}

		e.dedup.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
		e.sequence = env.Sequence + 1
		e.hasher.Restore(env.StateHash)

		if e.metrics != nil {
			e.metrics.ReplayEventsTotal.Inc()
		}
	}

	if e.metrics != nil {
		e.metrics.ReplayDuration.Set(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.MarketsOpen.Set(float64(e.store.Count()))
	}
	e.log.Info().
		Int64("sequence", e.sequence).
		Uint64("markets", e.store.Count()).
		Dur("took", time.Since(start)).
		Msg("event log replayed")
	return nil
}

func replayAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return amm.ParseAmount(s)
}

func (e *Engine) applyReplayed(ev event.Event) error {
	switch t := ev.(type) {
	case *event.MarketCreated:
		return e.replayMarketCreated(t)
	case *event.TokensBought:
		return e.replayTrade(t.ID, t.YesReserve, t.NoReserve, t.AccruedFees, t.CollateralIn, t.Fee, "")
	case *event.TokensSold:
		return e.replayTrade(t.ID, t.YesReserve, t.NoReserve, t.AccruedFees, "", t.Fee, t.CollateralOut)
	case *event.LiquidityAdded:
		return e.replayLiquidityAdded(t)
	case *event.LiquidityRemoved:
		return e.replayLiquidityRemoved(t)
	case *event.ResolutionSubmitted:
		return e.replayResolutionSubmitted(t)
	case *event.ResolutionRolledBack:
		return e.replayResolutionRolledBack(t)
	case *event.MarketDisputed:
		return e.replayMarketDisputed(t)
	case *event.MarketSettled:
		return e.replayMarketSettled(t)
	case *event.TokensRedeemed, *event.CollaboratorFailure:
		// No ledger state change: claims and payouts live on the
		// external ledgers.
		return nil
	case *event.OwnerChanged:
		e.cfg.Owner = t.Owner
		return nil
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}

func (e *Engine) replayMarketCreated(ev *event.MarketCreated) error {
	yes, err := replayAmount(ev.YesReserve)
	if err != nil {
		return err
	}
	no, err := replayAmount(ev.NoReserve)
	if err != nil {
		return err
	}
	shares, err := replayAmount(ev.TotalLPShares)
	if err != nil {
		return err
	}
	collateral, err := replayAmount(ev.TotalCollateral)
	if err != nil {
		return err
	}

	m := &market.Market{
		ID:             ev.ID,
		Question:       ev.Question,
		Description:    ev.Description,
		Creator:        ev.Creator,
		ResolutionTime: ev.ResolutionTime,
		Status:         market.StatusOpen,
		FeeBPS:         ev.FeeBPS,
	}
	m.YesReserve.Set(yes)
	m.NoReserve.Set(no)
	m.TotalLPShares.Set(shares)
	m.TotalCollateral.Set(collateral)

	e.store.Put(m)
	e.store.RestoreCount(ev.ID + 1)
	e.book.Credit(ev.ID, ev.Creator, shares)
	return nil
}

// replayTrade installs the post-trade pool state. collateralIn is set for
// buys ("" for sells); the total-collateral delta is recovered from the
// event's amounts: buys add net-of-fee, sells release payout plus fee.
func (e *Engine) replayTrade(marketID uint64, yesStr, noStr, feesStr, collateralIn, feeStr, collateralOut string) error {
	m := e.store.Get(marketID)
	if m == nil {
		return fmt.Errorf("trade on unknown market %d", marketID)
	}

	yes, err := replayAmount(yesStr)
	if err != nil {
		return err
	}
	no, err := replayAmount(noStr)
	if err != nil {
		return err
	}
	fees, err := replayAmount(feesStr)
	if err != nil {
		return err
	}
	fee, err := replayAmount(feeStr)
	if err != nil {
		return err
	}

	next := m.Clone()
	next.YesReserve.Set(yes)
	next.NoReserve.Set(no)
	next.AccruedFees.Set(fees)

	if collateralIn != "" {
		in, err := replayAmount(collateralIn)
		if err != nil {
			return err
		}
		net := new(uint256.Int).Sub(in, fee)
		next.TotalCollateral.Add(&next.TotalCollateral, net)
	} else {
		out, err := replayAmount(collateralOut)
		if err != nil {
			return err
		}
		pairs := new(uint256.Int).Add(out, fee)
		next.TotalCollateral.Sub(&next.TotalCollateral, pairs)
	}

	e.store.Put(next)
	return nil
}

func (e *Engine) replayLiquidityAdded(ev *event.LiquidityAdded) error {
	m := e.store.Get(ev.ID)
	if m == nil {
		return fmt.Errorf("liquidity add on unknown market %d", ev.ID)
	}
	next := m.Clone()
	if err := setPoolState(next, ev.YesReserve, ev.NoReserve, ev.TotalLPShares, ev.TotalCollateral); err != nil {
		return err
	}
	shares, err := replayAmount(ev.SharesMinted)
	if err != nil {
		return err
	}
	e.store.Put(next)
	e.book.Credit(ev.ID, ev.Provider, shares)
	return nil
}

func (e *Engine) replayLiquidityRemoved(ev *event.LiquidityRemoved) error {
	m := e.store.Get(ev.ID)
	if m == nil {
		return fmt.Errorf("liquidity remove on unknown market %d", ev.ID)
	}
	next := m.Clone()
	if err := setPoolState(next, ev.YesReserve, ev.NoReserve, ev.TotalLPShares, ev.TotalCollateral); err != nil {
		return err
	}
	shares, err := replayAmount(ev.SharesBurned)
	if err != nil {
		return err
	}
	e.store.Put(next)
	return e.book.Debit(ev.ID, ev.Provider, shares)
}

func setPoolState(m *market.Market, yesStr, noStr, sharesStr, collateralStr string) error {
	yes, err := replayAmount(yesStr)
	if err != nil {
		return err
	}
	no, err := replayAmount(noStr)
	if err != nil {
		return err
	}
	shares, err := replayAmount(sharesStr)
	if err != nil {
		return err
	}
	collateral, err := replayAmount(collateralStr)
	if err != nil {
		return err
	}
	m.YesReserve.Set(yes)
	m.NoReserve.Set(no)
	m.TotalLPShares.Set(shares)
	m.TotalCollateral.Set(collateral)
	return nil
}

func (e *Engine) replayResolutionSubmitted(ev *event.ResolutionSubmitted) error {
	m := e.store.Get(ev.ID)
	if m == nil {
		return fmt.Errorf("resolution on unknown market %d", ev.ID)
	}
	aid, err := market.ParseAssertionID(ev.AssertionID)
	if err != nil {
		return err
	}
	outcome, err := market.ParseOutcome(ev.ClaimedOutcome)
	if err != nil {
		return err
	}
	bond, err := replayAmount(ev.Bond)
	if err != nil {
		return err
	}

	next := m.Clone()
	next.Status = market.StatusResolving
	next.Assertion = &market.Assertion{
		ID:          aid,
		Outcome:     outcome,
		Resolver:    ev.Resolver,
		SubmittedAt: ev.SubmittedAt,
		ExpiresAt:   ev.ExpiresAt,
	}
	next.Assertion.Bond.Set(bond)
	e.store.Put(next)
	e.store.IndexAssertion(aid, ev.ID)
	return nil
}

func (e *Engine) replayResolutionRolledBack(ev *event.ResolutionRolledBack) error {
	m := e.store.Get(ev.ID)
	if m == nil {
		return fmt.Errorf("rollback on unknown market %d", ev.ID)
	}
	status, err := market.ParseStatus(ev.Status)
	if err != nil {
		return err
	}
	aid, err := market.ParseAssertionID(ev.AssertionID)
	if err != nil {
		return err
	}

	next := m.Clone()
	next.Status = status
	next.Assertion = nil
	e.store.Put(next)
	e.store.RemoveAssertion(aid)
	return nil
}

func (e *Engine) replayMarketDisputed(ev *event.MarketDisputed) error {
	m := e.store.Get(ev.ID)
	if m == nil || m.Assertion == nil {
		return fmt.Errorf("dispute on unknown or unasserted market %d", ev.ID)
	}
	next := m.Clone()
	next.Status = market.StatusDisputed
	next.Assertion.Disputer = ev.Disputer
	e.store.Put(next)
	return nil
}

func (e *Engine) replayMarketSettled(ev *event.MarketSettled) error {
	m := e.store.Get(ev.ID)
	if m == nil {
		return fmt.Errorf("settle on unknown market %d", ev.ID)
	}
	outcome, err := market.ParseOutcome(ev.Outcome)
	if err != nil {
		return err
	}
	aid, err := market.ParseAssertionID(ev.AssertionID)
	if err != nil {
		return err
	}

	next := m.Clone()
	next.Status = market.StatusSettled
	next.Outcome = &outcome
	next.Assertion = nil
	e.store.Put(next)
	e.store.RemoveAssertion(aid)
	return nil
}
