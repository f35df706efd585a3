package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
)

// reply is the uniform request/reply envelope the nest ledgers answer
// with: ok, or ok=false plus a reason.
type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func decodeReply(data []byte) error {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if !r.OK {
		return fmt.Errorf("%w: %s", market.ErrCollaborator, r.Error)
	}
	return nil
}

// ClaimClient reaches the outcome-claim token ledger over NATS
// request/reply. It implements engine.ClaimLedger.
type ClaimClient struct {
	nc *nats.Conn
}

func NewClaimClient(nc *nats.Conn) *ClaimClient {
	return &ClaimClient{nc: nc}
}

type claimRequest struct {
	MarketID uint64 `json:"market_id"`
	Outcome  string `json:"outcome"`
	Account  string `json:"account"`
	Amount   string `json:"amount"`
}

func (c *ClaimClient) call(ctx context.Context, subject string, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) error {
	data, err := json.Marshal(claimRequest{
		MarketID: marketID,
		Outcome:  outcome.String(),
		Account:  account,
		Amount:   amount.Dec(),
	})
	if err != nil {
		return fmt.Errorf("encode claim request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", market.ErrCollaborator, subject, err)
	}
	return decodeReply(msg.Data)
}

func (c *ClaimClient) Mint(ctx context.Context, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) error {
	return c.call(ctx, SubjectClaimMint, marketID, outcome, account, amount)
}

func (c *ClaimClient) Burn(ctx context.Context, marketID uint64, outcome market.Outcome, account string, amount *uint256.Int) error {
	return c.call(ctx, SubjectClaimBurn, marketID, outcome, account, amount)
}
