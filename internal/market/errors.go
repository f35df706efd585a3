package market

import "errors"

// Error taxonomy. Local-validation failures (validation, slippage,
// authorization, state) are rejected before any mutation. Collaborator
// failures occur after local commit and trigger an explicit compensating
// action. Invariant violations abort the whole operation with no partial
// state persisted.
var (
	// ErrValidation marks bad input: empty question, deadline in the past,
	// liquidity below minimum, zero-value operations, unknown market.
	ErrValidation = errors.New("validation error")

	// ErrSlippage marks a trade whose output fell below the caller's
	// quoted minimum.
	ErrSlippage = errors.New("slippage error")

	// ErrAuthorization marks a caller that is not the configured oracle
	// service or owner.
	ErrAuthorization = errors.New("authorization error")

	// ErrState marks an operation invalid for the market's current status,
	// or a resolution submitted before the deadline.
	ErrState = errors.New("state error")

	// ErrCollaborator marks a failed external mint/burn/transfer/oracle
	// call, observed after local commit.
	ErrCollaborator = errors.New("collaborator failure")

	// ErrInvariant marks an arithmetic or bookkeeping defect. Fatal to the
	// operation, never compensated.
	ErrInvariant = errors.New("invariant violation")

	// ErrInsufficientBalance marks an LP debit larger than the position.
	ErrInsufficientBalance = errors.New("insufficient balance")
)
