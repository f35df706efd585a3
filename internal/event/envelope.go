package event

import (
	"time"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeMarketCreated
	TypeTokensBought
	TypeTokensSold
	TypeLiquidityAdded
	TypeLiquidityRemoved
	TypeResolutionSubmitted
	TypeResolutionRolledBack
	TypeMarketDisputed
	TypeMarketSettled
	TypeTokensRedeemed
	TypeCollaboratorFailure
	TypeOwnerChanged
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Event type discriminator
	EventType Type

	// Stable dedup key (command request id)
	IdempotencyKey string

	// Market context (nil for global events)
	MarketID *uint64

	// Engine clock at commit time
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// Market returns the market context (nil for global events)
	Market() *uint64
}

func (t Type) String() string {
	switch t {
	case TypeMarketCreated:
		return "market_created"
	case TypeTokensBought:
		return "tokens_bought"
	case TypeTokensSold:
		return "tokens_sold"
	case TypeLiquidityAdded:
		return "liquidity_added"
	case TypeLiquidityRemoved:
		return "liquidity_removed"
	case TypeResolutionSubmitted:
		return "resolution_submitted"
	case TypeResolutionRolledBack:
		return "resolution_rolled_back"
	case TypeMarketDisputed:
		return "market_disputed"
	case TypeMarketSettled:
		return "market_settled"
	case TypeTokensRedeemed:
		return "tokens_redeemed"
	case TypeCollaboratorFailure:
		return "collaborator_failure"
	case TypeOwnerChanged:
		return "owner_changed"
	default:
		return "unknown"
	}
}

// ParseType inverts String. Used when replaying persisted rows.
func ParseType(s string) Type {
	switch s {
	case "market_created":
		return TypeMarketCreated
	case "tokens_bought":
		return TypeTokensBought
	case "tokens_sold":
		return TypeTokensSold
	case "liquidity_added":
		return TypeLiquidityAdded
	case "liquidity_removed":
		return TypeLiquidityRemoved
	case "resolution_submitted":
		return TypeResolutionSubmitted
	case "resolution_rolled_back":
		return TypeResolutionRolledBack
	case "market_disputed":
		return TypeMarketDisputed
	case "market_settled":
		return TypeMarketSettled
	case "tokens_redeemed":
		return TypeTokensRedeemed
	case "collaborator_failure":
		return TypeCollaboratorFailure
	case "owner_changed":
		return TypeOwnerChanged
	default:
		return TypeUnknown
	}
}
