package engine

import (
	"context"

	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Collaborator names used in failure events and metrics labels.
const (
	CollaboratorClaims   = "claim_ledger"
	CollaboratorPayments = "payment_ledger"
	CollaboratorOracle   = "oracle"
)

// ClaimLedger mints and burns outcome claims on the external token ledger.
type ClaimLedger interface {
	Mint(ctx context.Context, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) error
	Burn(ctx context.Context, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) error
}

// PaymentLedger moves collateral on the external payment-token ledger.
type PaymentLedger interface {
	Transfer(ctx context.Context, receiver string, amount *uint256.Int) error
	TransferAndNotify(ctx context.Context, receiver string, amount *uint256.Int, message string) error
}

// pendingCall is one in-flight external call. The closures run under the
// engine lock and may enqueue follow-up externals, which is how multi-step
// sequences (burn then pay) are chained. A call has exactly two outcomes:
// success-confirmation or failure-compensation; there is no cancel.
type pendingCall struct {
	id           uuid.UUID
	operation    string
	collaborator string
	marketID     *uint64

	onSuccess func() []func()
	onFailure func(reason string) []func()
}

// issue wraps a collaborator invocation into a dispatchable closure that
// re-enters the engine with the outcome. Must be registered in e.pending
// before dispatch.
func (e *Engine) issue(pc *pendingCall, call func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		defer cancel()
		e.complete(pc.id, call(ctx))
	}
}

// register adds a pending call under the engine lock and returns its
// dispatchable closure for the outbox.
func (e *Engine) register(pc *pendingCall, call func(ctx context.Context) error) func() {
	e.pending[pc.id] = pc
	if e.metrics != nil {
		e.metrics.PendingCalls.Set(float64(len(e.pending)))
	}
	return e.issue(pc, call)
}

// complete resolves a pending call. Duplicate or unknown completions are
// dropped, which makes collaborator retries safe.
func (e *Engine) complete(id uuid.UUID, callErr error) {
	e.mu.Lock()

	pc, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	if e.metrics != nil {
		e.metrics.PendingCalls.Set(float64(len(e.pending)))
	}

	var outbox []func()
	if callErr == nil {
		if e.metrics != nil {
			e.metrics.ExternalCalls.WithLabelValues(pc.collaborator, "ok").Inc()
		}
		if pc.onSuccess != nil {
			outbox = pc.onSuccess()
		}
	} else {
		e.log.Warn().
			Str("operation", pc.operation).
			Str("collaborator", pc.collaborator).
			Str("call_id", pc.id.String()).
			Err(callErr).
			Msg("external call failed")
		if e.metrics != nil {
			e.metrics.ExternalCalls.WithLabelValues(pc.collaborator, "error").Inc()
		}
		if pc.onFailure != nil {
			outbox = pc.onFailure(callErr.Error())
		}
	}

	e.mu.Unlock()
	e.flush(outbox)
}

// flush dispatches queued external calls. Always called after the engine
// lock is released so collaborator latency never blocks commands.
func (e *Engine) flush(outbox []func()) {
	for _, fn := range outbox {
		e.Dispatch(fn)
	}
}

// PendingCalls reports the number of in-flight external calls.
func (e *Engine) PendingCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
