package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Payload amounts are decimal strings in collateral base units so that
// log rows stay readable and replay never loses precision.

// MarketCreated records a new market with its seeded pool.
// Idempotency key: request_id (UUID assigned per command).
type MarketCreated struct {
	RequestID       uuid.UUID `json:"request_id"`
	ID              uint64    `json:"market_id"`
	Question        string    `json:"question"`
	Description     string    `json:"description,omitempty"`
	Creator         string    `json:"creator"`
	ResolutionTime  int64     `json:"resolution_time"`
	FeeBPS          uint64    `json:"fee_bps"`
	InitialBacking  string    `json:"initial_backing"`
	YesReserve      string    `json:"yes_reserve"`
	NoReserve       string    `json:"no_reserve"`
	TotalLPShares   string    `json:"total_lp_shares"`
	TotalCollateral string    `json:"total_collateral"`
}

func (e *MarketCreated) IdempotencyKey() string { return e.RequestID.String() }
func (e *MarketCreated) EventType() Type        { return TypeMarketCreated }
func (e *MarketCreated) Market() *uint64        { id := e.ID; return &id }

// TokensBought records a collateral-in swap. Reserves are the values
// after the trade so replay can restore the pool without recomputing.
type TokensBought struct {
	RequestID    uuid.UUID `json:"request_id"`
	ID           uint64    `json:"market_id"`
	Buyer        string    `json:"buyer"`
	Outcome      string    `json:"outcome"`
	CollateralIn string    `json:"collateral_in"`
	Fee          string    `json:"fee"`
	TokensOut    string    `json:"tokens_out"`
	YesReserve   string    `json:"yes_reserve"`
	NoReserve    string    `json:"no_reserve"`
	YesPrice     uint64    `json:"yes_price"`
	NoPrice      uint64    `json:"no_price"`
	AccruedFees  string    `json:"accrued_fees"`
}

func (e *TokensBought) IdempotencyKey() string { return e.RequestID.String() }
func (e *TokensBought) EventType() Type        { return TypeTokensBought }
func (e *TokensBought) Market() *uint64        { id := e.ID; return &id }

// TokensSold records a tokens-in swap.
type TokensSold struct {
	RequestID     uuid.UUID `json:"request_id"`
	ID            uint64    `json:"market_id"`
	Seller        string    `json:"seller"`
	Outcome       string    `json:"outcome"`
	TokensIn      string    `json:"tokens_in"`
	Fee           string    `json:"fee"`
	CollateralOut string    `json:"collateral_out"`
	YesReserve    string    `json:"yes_reserve"`
	NoReserve     string    `json:"no_reserve"`
	YesPrice      uint64    `json:"yes_price"`
	NoPrice       uint64    `json:"no_price"`
	AccruedFees   string    `json:"accrued_fees"`
}

func (e *TokensSold) IdempotencyKey() string { return e.RequestID.String() }
func (e *TokensSold) EventType() Type        { return TypeTokensSold }
func (e *TokensSold) Market() *uint64        { id := e.ID; return &id }

// LiquidityAdded records a provider deposit and the shares it minted.
type LiquidityAdded struct {
	RequestID       uuid.UUID `json:"request_id"`
	ID              uint64    `json:"market_id"`
	Provider        string    `json:"provider"`
	CollateralIn    string    `json:"collateral_in"`
	SharesMinted    string    `json:"shares_minted"`
	YesReserve      string    `json:"yes_reserve"`
	NoReserve       string    `json:"no_reserve"`
	TotalLPShares   string    `json:"total_lp_shares"`
	TotalCollateral string    `json:"total_collateral"`
}

func (e *LiquidityAdded) IdempotencyKey() string { return e.RequestID.String() }
func (e *LiquidityAdded) EventType() Type        { return TypeLiquidityAdded }
func (e *LiquidityAdded) Market() *uint64        { id := e.ID; return &id }

// LiquidityRemoved records a share burn and the proportional withdrawal.
type LiquidityRemoved struct {
	RequestID       uuid.UUID `json:"request_id"`
	ID              uint64    `json:"market_id"`
	Provider        string    `json:"provider"`
	SharesBurned    string    `json:"shares_burned"`
	CollateralOut   string    `json:"collateral_out"`
	YesReserve      string    `json:"yes_reserve"`
	NoReserve       string    `json:"no_reserve"`
	TotalLPShares   string    `json:"total_lp_shares"`
	TotalCollateral string    `json:"total_collateral"`
}

func (e *LiquidityRemoved) IdempotencyKey() string { return e.RequestID.String() }
func (e *LiquidityRemoved) EventType() Type        { return TypeLiquidityRemoved }
func (e *LiquidityRemoved) Market() *uint64        { id := e.ID; return &id }

// ResolutionSubmitted records the optimistic flip to resolving, emitted
// only after the bond forward was acknowledged.
type ResolutionSubmitted struct {
	RequestID      uuid.UUID `json:"request_id"`
	ID             uint64    `json:"market_id"`
	Resolver       string    `json:"resolver"`
	ClaimedOutcome string    `json:"claimed_outcome"`
	Bond           string    `json:"bond"`
	AssertionID    string    `json:"assertion_id"`
	SubmittedAt    int64     `json:"submitted_at"`
	ExpiresAt      int64     `json:"expires_at"`
}

func (e *ResolutionSubmitted) IdempotencyKey() string { return e.RequestID.String() }
func (e *ResolutionSubmitted) EventType() Type        { return TypeResolutionSubmitted }
func (e *ResolutionSubmitted) Market() *uint64        { id := e.ID; return &id }

// ResolutionRolledBack records a compensation: either the bond forward
// failed or the oracle judged the assertion untruthful. Status is the
// state the market returned to.
type ResolutionRolledBack struct {
	RequestID   uuid.UUID `json:"request_id"`
	ID          uint64    `json:"market_id"`
	Resolver    string    `json:"resolver"`
	AssertionID string    `json:"assertion_id"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
}

func (e *ResolutionRolledBack) IdempotencyKey() string { return e.RequestID.String() }
func (e *ResolutionRolledBack) EventType() Type        { return TypeResolutionRolledBack }
func (e *ResolutionRolledBack) Market() *uint64        { id := e.ID; return &id }

// MarketDisputed records an oracle dispute callback.
type MarketDisputed struct {
	RequestID   uuid.UUID `json:"request_id"`
	ID          uint64    `json:"market_id"`
	Disputer    string    `json:"disputer"`
	AssertionID string    `json:"assertion_id"`
}

func (e *MarketDisputed) IdempotencyKey() string { return e.RequestID.String() }
func (e *MarketDisputed) EventType() Type        { return TypeMarketDisputed }
func (e *MarketDisputed) Market() *uint64        { id := e.ID; return &id }

// MarketSettled records a truthful oracle verdict fixing the outcome.
type MarketSettled struct {
	RequestID   uuid.UUID `json:"request_id"`
	ID          uint64    `json:"market_id"`
	Outcome     string    `json:"outcome"`
	Resolver    string    `json:"resolver"`
	AssertionID string    `json:"assertion_id"`
}

func (e *MarketSettled) IdempotencyKey() string { return e.RequestID.String() }
func (e *MarketSettled) EventType() Type        { return TypeMarketSettled }
func (e *MarketSettled) Market() *uint64        { id := e.ID; return &id }

// TokensRedeemed records a winning-token burn and its 1:1 payout.
type TokensRedeemed struct {
	RequestID uuid.UUID `json:"request_id"`
	ID        uint64    `json:"market_id"`
	Account   string    `json:"account"`
	Outcome   string    `json:"outcome"`
	Tokens    string    `json:"tokens"`
	Payout    string    `json:"payout"`
}

func (e *TokensRedeemed) IdempotencyKey() string { return e.RequestID.String() }
func (e *TokensRedeemed) EventType() Type        { return TypeTokensRedeemed }
func (e *TokensRedeemed) Market() *uint64        { id := e.ID; return &id }

// CollaboratorFailure records an external call that did not complete,
// including burns that succeeded state-side but withheld the payout.
type CollaboratorFailure struct {
	RequestID    uuid.UUID `json:"request_id"`
	ID           *uint64   `json:"market_id,omitempty"`
	Collaborator string    `json:"collaborator"`
	Operation    string    `json:"operation"`
	Reason       string    `json:"reason"`
}

func (e *CollaboratorFailure) IdempotencyKey() string { return e.RequestID.String() }
func (e *CollaboratorFailure) EventType() Type        { return TypeCollaboratorFailure }
func (e *CollaboratorFailure) Market() *uint64        { return e.ID }

// OwnerChanged records an admin handover.
type OwnerChanged struct {
	RequestID uuid.UUID `json:"request_id"`
	Previous  string    `json:"previous"`
	Owner     string    `json:"owner"`
}

func (e *OwnerChanged) IdempotencyKey() string { return e.RequestID.String() }
func (e *OwnerChanged) EventType() Type        { return TypeOwnerChanged }
func (e *OwnerChanged) Market() *uint64        { return nil }

// Decode unmarshals a payload by its envelope type. Used on replay.
func Decode(t Type, payload []byte) (Event, error) {
	var ev Event
	switch t {
	case TypeMarketCreated:
		ev = &MarketCreated{}
	case TypeTokensBought:
		ev = &TokensBought{}
	case TypeTokensSold:
		ev = &TokensSold{}
	case TypeLiquidityAdded:
		ev = &LiquidityAdded{}
	case TypeLiquidityRemoved:
		ev = &LiquidityRemoved{}
	case TypeResolutionSubmitted:
		ev = &ResolutionSubmitted{}
	case TypeResolutionRolledBack:
		ev = &ResolutionRolledBack{}
	case TypeMarketDisputed:
		ev = &MarketDisputed{}
	case TypeMarketSettled:
		ev = &MarketSettled{}
	case TypeTokensRedeemed:
		ev = &TokensRedeemed{}
	case TypeCollaboratorFailure:
		ev = &CollaboratorFailure{}
	case TypeOwnerChanged:
		ev = &OwnerChanged{}
	default:
		return nil, fmt.Errorf("unknown event type %d", t)
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return ev, nil
}

// Encode marshals an event payload for the envelope.
func Encode(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.EventType(), err)
	}
	return b, nil
}
