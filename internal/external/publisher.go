package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/engine"
	"github.com/Nest-on-near/nest-markets/internal/observability"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	eventStandard = "nest-markets"
	eventVersion  = "1.0.0"
)

// feedEnvelope is the published wire shape: the EVENT_JSON-style header
// plus the log metadata downstream read models key on.
type feedEnvelope struct {
	Standard       string          `json:"standard"`
	Version        string          `json:"version"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data"`
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *uint64         `json:"market_id,omitempty"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Publisher mirrors committed events to the JetStream feed. It drains the
// engine's publish channel; the channel send is non-blocking on the engine
// side, so a stalled feed drops events rather than stalling commands and
// readers recover from the event log.
type Publisher struct {
	js      jetstream.JetStream
	input   <-chan engine.Output
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan engine.Output, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, metrics: metrics, log: log}
}

// Run publishes until the context is canceled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				// Non-fatal: the event log is the source of truth.
				p.log.Warn().Int64("sequence", out.Envelope.Sequence).Err(err).Msg("outbound publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out engine.Output) error {
	env := out.Envelope
	data, err := json.Marshal(feedEnvelope{
		Standard:       eventStandard,
		Version:        eventVersion,
		Event:          env.EventType.String(),
		Data:           env.Payload,
		Sequence:       env.Sequence,
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		StateHash:      fmt.Sprintf("%x", env.StateHash),
		PrevHash:       fmt.Sprintf("%x", env.PrevHash),
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal feed envelope: %w", err)
	}

	subject := fmt.Sprintf("nest.markets.events.%s", env.EventType)
	if env.MarketID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *env.MarketID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}
