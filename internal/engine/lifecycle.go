package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/event"
	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type SubmitResolutionResult struct {
	RequestID   uuid.UUID
	AssertionID market.AssertionID
	ExpiresAt   int64
}

// assertionMessage is the notification payload attached to the bond
// forward; the oracle parses it to open the liveness window.
type assertionMessage struct {
	AssertionID    string `json:"assertion_id"`
	MarketID       uint64 `json:"market_id"`
	ClaimedOutcome string `json:"claimed_outcome"`
	Resolver       string `json:"resolver"`
	ExpiresAt      int64  `json:"expires_at"`
}

// SubmitResolution opens a resolution attempt: the market flips to
// Resolving first, then the bond is forwarded to the oracle. The
// optimistic flip structurally excludes overlapping attempts; if the
// forward fails, status and assertion revert exactly to their
// pre-submission values. ResolutionSubmitted is emitted only once the
// forward is acknowledged.
func (e *Engine) SubmitResolution(
	requestID uuid.UUID,
	marketID uint64,
	outcome market.Outcome,
	bond *uint256.Int,
	resolver string,
) (*SubmitResolutionResult, error) {
	const cmd = "submit_resolution"
	start := time.Now()

	var outbox []func()
	res := &SubmitResolutionResult{}

	e.mu.Lock()
	err := func() error {
		if e.duplicate(event.TypeResolutionSubmitted, requestID) {
			return ErrDuplicate
		}
		requestID = e.ensureRequestID(requestID)
		now := e.Now()

		if resolver == "" {
			return fmt.Errorf("%w: resolver is empty", market.ErrValidation)
		}
		m := e.store.Get(marketID)
		if m == nil {
			return fmt.Errorf("%w: unknown market %d", market.ErrValidation, marketID)
		}
		if m.Status != market.StatusOpen && m.Status != market.StatusClosed {
			return fmt.Errorf("%w: market %d is %s, resolution not accepted", market.ErrState, marketID, m.Status)
		}
		if now.UnixNano() < m.ResolutionTime {
			return fmt.Errorf("%w: market %d has not reached its resolution deadline", market.ErrState, marketID)
		}
		if bond == nil || bond.Cmp(&e.cfg.MinResolutionBond) < 0 {
			return fmt.Errorf("%w: bond below minimum %s", market.ErrValidation, e.cfg.MinResolutionBond.Dec())
		}

		claim := ClaimID(marketID, outcome)
		aid := newAssertionID(claim, bond, now.UnixNano(), e.cfg.Liveness,
			e.cfg.CollateralToken, e.cfg.LedgerIdentity, resolver)
		expiresAt := now.Add(e.cfg.Liveness).UnixNano()

		prevStatus := m.Status
		next := m.Clone()
		next.Status = market.StatusResolving
		next.Assertion = &market.Assertion{
			ID:          aid,
			Outcome:     outcome,
			Resolver:    resolver,
			SubmittedAt: now.UnixNano(),
			ExpiresAt:   expiresAt,
		}
		next.Assertion.Bond.Set(bond)

		if err := e.validator.Check(next, e.book.TotalFor(marketID)); err != nil {
			return err
		}
		e.store.Put(next)
		e.store.IndexAssertion(aid, marketID)

		msg, err := json.Marshal(assertionMessage{
			AssertionID:    aid.String(),
			MarketID:       marketID,
			ClaimedOutcome: outcome.String(),
			Resolver:       resolver,
			ExpiresAt:      expiresAt,
		})
		if err != nil {
			panic(fmt.Sprintf("FATAL: cannot encode assertion message: %v", err))
		}

		submitted := &event.ResolutionSubmitted{
			RequestID:      requestID,
			ID:             marketID,
			Resolver:       resolver,
			ClaimedOutcome: outcome.String(),
			Bond:           bond.Dec(),
			AssertionID:    aid.String(),
			SubmittedAt:    now.UnixNano(),
			ExpiresAt:      expiresAt,
		}

		fwd := new(uint256.Int).Set(bond)
		id := marketID
		pc := &pendingCall{
			id:           e.NewID(),
			operation:    cmd + ":bond_forward",
			collaborator: CollaboratorPayments,
			marketID:     &id,
			onSuccess: func() []func() {
				e.commit(submitted, e.Now())
				return nil
			},
			onFailure: func(reason string) []func() {
				e.rollbackSubmission(id, aid, prevStatus, resolver, reason)
				return nil
			},
		}
		outbox = append(outbox, e.register(pc, func(ctx context.Context) error {
			return e.payments.TransferAndNotify(ctx, e.cfg.OracleIdentity, fwd, string(msg))
		}))

		res.RequestID = requestID
		res.AssertionID = aid
		res.ExpiresAt = expiresAt
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return nil, e.reject(cmd, err)
	}
	e.applied(cmd, start)
	e.flush(outbox)
	return res, nil
}

// rollbackSubmission compensates a failed bond forward: status and
// assertion revert exactly to their pre-submission values and the index
// entry is removed. Runs under the engine lock.
func (e *Engine) rollbackSubmission(marketID uint64, aid market.AssertionID, prevStatus market.Status, resolver, reason string) {
	m := e.store.Get(marketID)
	if m == nil || m.Assertion == nil || m.Assertion.ID != aid {
		// The attempt was already superseded; nothing to restore.
		return
	}

	next := m.Clone()
	next.Status = prevStatus
	next.Assertion = nil
	e.store.Put(next)
	e.store.RemoveAssertion(aid)

	if e.metrics != nil {
		e.metrics.Compensations.WithLabelValues("submit_resolution").Inc()
	}
	e.commit(&event.ResolutionRolledBack{
		RequestID:   e.NewID(),
		ID:          marketID,
		Resolver:    resolver,
		AssertionID: aid.String(),
		Reason:      "bond forward failed: " + reason,
		Status:      prevStatus.String(),
	}, e.Now())
}

// callbackRequestID derives a deterministic request id from the assertion
// and verdict so oracle redeliveries dedup to the same key.
func callbackRequestID(kind string, aid market.AssertionID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+":"+aid.String()))
}

// OnDisputed handles the oracle's dispute callback: Resolving becomes
// Disputed, the assertion block stays with the disputer recorded.
// Idempotent per assertion id.
func (e *Engine) OnDisputed(assertionID market.AssertionID, disputer, caller string) error {
	const cmd = "on_disputed"
	start := time.Now()

	e.mu.Lock()
	err := func() error {
		if caller != e.cfg.OracleIdentity {
			return fmt.Errorf("%w: caller %q is not the oracle", market.ErrAuthorization, caller)
		}

		reqID := callbackRequestID("disputed", assertionID)
		if e.dedup.IsDuplicate(event.TypeMarketDisputed.String(), reqID.String()) {
			return nil
		}

		marketID, ok := e.store.LookupAssertion(assertionID)
		if !ok {
			return fmt.Errorf("%w: unknown assertion %s", market.ErrState, assertionID)
		}
		m, err := e.store.MustGet(marketID)
		if err != nil {
			return err
		}
		if m.Status == market.StatusDisputed {
			return nil
		}
		if m.Status != market.StatusResolving {
			return fmt.Errorf("%w: market %d is %s, not resolving", market.ErrState, marketID, m.Status)
		}

		next := m.Clone()
		next.Status = market.StatusDisputed
		next.Assertion.Disputer = disputer

		if err := e.validator.Check(next, e.book.TotalFor(marketID)); err != nil {
			return err
		}
		e.store.Put(next)

		e.commit(&event.MarketDisputed{
			RequestID:   reqID,
			ID:          marketID,
			Disputer:    disputer,
			AssertionID: assertionID.String(),
		}, e.Now())
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return e.reject(cmd, err)
	}
	e.applied(cmd, start)
	return nil
}

// OnResolved handles the oracle's verdict. Truthful assertions settle the
// market on the asserted outcome; rejected ones clear the assertion and
// reopen the market for another submission. Idempotent per assertion id.
func (e *Engine) OnResolved(assertionID market.AssertionID, truthful bool, caller string) error {
	const cmd = "on_resolved"
	start := time.Now()

	e.mu.Lock()
	err := func() error {
		if caller != e.cfg.OracleIdentity {
			return fmt.Errorf("%w: caller %q is not the oracle", market.ErrAuthorization, caller)
		}

		reqID := callbackRequestID("resolved", assertionID)
		if e.dedup.IsDuplicate(event.TypeMarketSettled.String(), reqID.String()) {
			return nil
		}

		marketID, ok := e.store.LookupAssertion(assertionID)
		if !ok {
			return fmt.Errorf("%w: unknown assertion %s", market.ErrState, assertionID)
		}
		m, err := e.store.MustGet(marketID)
		if err != nil {
			return err
		}
		if m.Status != market.StatusResolving && m.Status != market.StatusDisputed {
			return fmt.Errorf("%w: market %d is %s, no resolution in flight", market.ErrState, marketID, m.Status)
		}

		resolver := m.Assertion.Resolver
		next := m.Clone()

		if truthful {
			outcome := m.Assertion.Outcome
			next.Status = market.StatusSettled
			next.Outcome = &outcome
			next.Assertion = nil

			if err := e.validator.Check(next, e.book.TotalFor(marketID)); err != nil {
				return err
			}
			e.store.Put(next)
			e.store.RemoveAssertion(assertionID)

			e.commit(&event.MarketSettled{
				RequestID:   reqID,
				ID:          marketID,
				Outcome:     outcome.String(),
				Resolver:    resolver,
				AssertionID: assertionID.String(),
			}, e.Now())
			return nil
		}

		// Rejected: the market returns to Closed and can take a fresh
		// submission. The bond is the oracle's to distribute.
		next.Status = market.StatusClosed
		next.Assertion = nil

		if err := e.validator.Check(next, e.book.TotalFor(marketID)); err != nil {
			return err
		}
		e.store.Put(next)
		e.store.RemoveAssertion(assertionID)

		if e.metrics != nil {
			e.metrics.Compensations.WithLabelValues("resolution").Inc()
		}
		e.commit(&event.ResolutionRolledBack{
			RequestID:   reqID,
			ID:          marketID,
			Resolver:    resolver,
			AssertionID: assertionID.String(),
			Reason:      "assertion rejected by oracle",
			Status:      market.StatusClosed.String(),
		}, e.Now())
		// The dedup lookup above checks the settled key; mark it on this
		// path too so a redelivered verdict still short-circuits.
		e.dedup.MarkProcessed(event.TypeMarketSettled.String(), reqID.String())
		return nil
	}()
	e.mu.Unlock()

	if err != nil {
		return e.reject(cmd, err)
	}
	e.applied(cmd, start)
	return nil
}
