package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
)

// PaymentClient reaches the payment-token ledger over NATS request/reply.
// It implements engine.PaymentLedger. Sender is always this service's
// account; the token contract enforces balance.
type PaymentClient struct {
	nc     *nats.Conn
	sender string
	token  string
}

func NewPaymentClient(nc *nats.Conn, sender, token string) *PaymentClient {
	return &PaymentClient{nc: nc, sender: sender, token: token}
}

type paymentRequest struct {
	Token    string `json:"token"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Message  string `json:"message,omitempty"`
}

func (p *PaymentClient) call(ctx context.Context, subject, receiver string, amount *uint256.Int, message string) error {
	data, err := json.Marshal(paymentRequest{
		Token:    p.token,
		Sender:   p.sender,
		Receiver: receiver,
		Amount:   amount.Dec(),
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("encode payment request: %w", err)
	}

	msg, err := p.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", market.ErrCollaborator, subject, err)
	}
	return decodeReply(msg.Data)
}

func (p *PaymentClient) Transfer(ctx context.Context, receiver string, amount *uint256.Int) error {
	return p.call(ctx, SubjectPayTransfer, receiver, amount, "")
}

// TransferAndNotify moves collateral and hands the receiver a message to
// act on; the reply only confirms once the receiver accepted it. Used for
// forwarding resolution bonds to the oracle.
func (p *PaymentClient) TransferAndNotify(ctx context.Context, receiver string, amount *uint256.Int, message string) error {
	return p.call(ctx, SubjectPayTransferNotify, receiver, amount, message)
}
