// Package market holds the authoritative per-market ledger record, the
// market/assertion stores, the LP share book, and the invariant validator.
package market

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Nest-on-near/nest-markets/internal/amm"
)

// Outcome is a binary market outcome.
type Outcome uint8

const (
	OutcomeYes Outcome = iota
	OutcomeNo
)

func (o Outcome) String() string {
	if o == OutcomeYes {
		return "yes"
	}
	return "no"
}

// Opposite returns the other side.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// ParseOutcome parses "yes"/"no".
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "yes":
		return OutcomeYes, nil
	case "no":
		return OutcomeNo, nil
	default:
		return 0, fmt.Errorf("%w: outcome must be \"yes\" or \"no\", got %q", ErrValidation, s)
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOutcome(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Status is the market lifecycle state.
type Status uint8

const (
	StatusOpen Status = iota
	StatusClosed
	StatusResolving
	StatusDisputed
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusResolving:
		return "resolving"
	case StatusDisputed:
		return "disputed"
	case StatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseStatus inverts String; used when replaying the event log.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "closed":
		return StatusClosed, nil
	case "resolving":
		return StatusResolving, nil
	case "disputed":
		return StatusDisputed, nil
	case "settled":
		return StatusSettled, nil
	default:
		return StatusOpen, fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
}

// Trading reports whether the AMM accepts buy/sell/liquidity operations.
func (s Status) Trading() bool {
	return s == StatusOpen
}

// AssertionID identifies a bonded assertion at the oracle service.
type AssertionID [32]byte

func (id AssertionID) String() string {
	return hex.EncodeToString(id[:])
}

func (id AssertionID) IsZero() bool {
	return id == AssertionID{}
}

// ParseAssertionID decodes a 64-char hex assertion id.
func ParseAssertionID(s string) (AssertionID, error) {
	var id AssertionID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: assertion id must be 32 hex-encoded bytes", ErrValidation)
	}
	copy(id[:], raw)
	return id, nil
}

// Assertion is the active bonded assertion attached to a Resolving or
// Disputed market. All fields are set together and cleared together.
type Assertion struct {
	ID          AssertionID
	Outcome     Outcome
	Resolver    string
	Disputer    string // empty until disputed
	Bond        uint256.Int
	SubmittedAt int64 // unix nanoseconds
	ExpiresAt   int64 // SubmittedAt + liveness window
}

func (a *Assertion) clone() *Assertion {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Market is the authoritative record for one market. Reserves, collateral,
// shares, and fees are unsigned 128-bit fixed-point amounts.
type Market struct {
	ID             uint64
	Question       string
	Description    string
	Creator        string
	ResolutionTime int64 // unix nanoseconds
	Status         Status
	Outcome        *Outcome // set only once Settled

	YesReserve uint256.Int
	NoReserve  uint256.Int

	TotalLPShares   uint256.Int
	TotalCollateral uint256.Int

	FeeBPS      uint64
	AccruedFees uint256.Int

	Assertion *Assertion
}

// Clone returns a deep copy. Mutations are applied to a clone and the clone
// is installed only after validation, so a failed operation leaves the
// stored record untouched.
func (m *Market) Clone() *Market {
	c := *m
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	c.Assertion = m.Assertion.clone()
	return &c
}

// Prices returns the current quoted YES/NO prices.
func (m *Market) Prices() (yesPrice, noPrice uint64) {
	return amm.Prices(&m.YesReserve, &m.NoReserve)
}

// View is the read-model projection of a market returned by queries.
type View struct {
	ID              uint64   `json:"id"`
	Question        string   `json:"question"`
	Description     string   `json:"description"`
	Creator         string   `json:"creator"`
	ResolutionTime  int64    `json:"resolution_time_ns"`
	Status          string   `json:"status"`
	Outcome         *string  `json:"outcome,omitempty"`
	YesReserve      string   `json:"yes_reserve"`
	NoReserve       string   `json:"no_reserve"`
	YesPrice        uint64   `json:"yes_price"`
	NoPrice         uint64   `json:"no_price"`
	TotalLPShares   string   `json:"total_lp_shares"`
	TotalCollateral string   `json:"total_collateral"`
	FeeBPS          uint64   `json:"fee_bps"`
	AccruedFees     string   `json:"accrued_fees"`
}

// ToView builds the query projection, including derived prices.
func (m *Market) ToView() View {
	yp, np := m.Prices()
	v := View{
		ID:              m.ID,
		Question:        m.Question,
		Description:     m.Description,
		Creator:         m.Creator,
		ResolutionTime:  m.ResolutionTime,
		Status:          m.Status.String(),
		YesReserve:      m.YesReserve.Dec(),
		NoReserve:       m.NoReserve.Dec(),
		YesPrice:        yp,
		NoPrice:         np,
		TotalLPShares:   m.TotalLPShares.Dec(),
		TotalCollateral: m.TotalCollateral.Dec(),
		FeeBPS:          m.FeeBPS,
		AccruedFees:     m.AccruedFees.Dec(),
	}
	if m.Outcome != nil {
		s := m.Outcome.String()
		v.Outcome = &s
	}
	return v
}

// ResolutionStatus is the query projection of a market's resolution state.
type ResolutionStatus struct {
	MarketID        uint64  `json:"market_id"`
	Status          string  `json:"status"`
	AssertionID     *string `json:"assertion_id,omitempty"`
	AssertedOutcome *string `json:"asserted_outcome,omitempty"`
	Resolver        *string `json:"resolver,omitempty"`
	Disputer        *string `json:"disputer,omitempty"`
	SubmittedAt     *int64  `json:"submitted_at_ns,omitempty"`
	ExpiresAt       *int64  `json:"expires_at_ns,omitempty"`
	IsDisputableNow bool    `json:"is_disputable_now"`
	IsResolvableNow bool    `json:"is_resolvable_now"`
}

// ToResolutionStatus builds the resolution view. The liveness deadline is
// informational: the ledger never auto-expires an assertion, callers use
// these flags to decide whether to act.
func (m *Market) ToResolutionStatus(nowNs int64) ResolutionStatus {
	rs := ResolutionStatus{
		MarketID: m.ID,
		Status:   m.Status.String(),
	}
	if a := m.Assertion; a != nil {
		id := a.ID.String()
		out := a.Outcome.String()
		rs.AssertionID = &id
		rs.AssertedOutcome = &out
		rs.Resolver = &a.Resolver
		if a.Disputer != "" {
			rs.Disputer = &a.Disputer
		}
		rs.SubmittedAt = &a.SubmittedAt
		rs.ExpiresAt = &a.ExpiresAt
		rs.IsDisputableNow = m.Status == StatusResolving && nowNs < a.ExpiresAt
		rs.IsResolvableNow = m.Status == StatusResolving && nowNs >= a.ExpiresAt
	}
	return rs
}
