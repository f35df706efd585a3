package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/engine"
	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OracleSubscriber consumes the oracle's settlement and dispute callbacks
// from JetStream and feeds them into the engine. Messages carry the caller
// identity, which the engine checks against the configured oracle; the
// engine is also idempotent per assertion, so redeliveries are harmless.
type OracleSubscriber struct {
	js       jetstream.JetStream
	eng      *engine.Engine
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewOracleSubscriber(js jetstream.JetStream, eng *engine.Engine, log zerolog.Logger) *OracleSubscriber {
	return &OracleSubscriber{js: js, eng: eng, log: log}
}

type resolvedCallback struct {
	AssertionID string `json:"assertion_id"`
	Truthful    bool   `json:"truthful"`
	Caller      string `json:"caller"`
}

type disputedCallback struct {
	AssertionID string `json:"assertion_id"`
	Disputer    string `json:"disputer"`
	Caller      string `json:"caller"`
}

// Subscribe creates the durable consumer. Explicit ACK; failed handling is
// NAKed for redelivery, but permanently rejected callbacks (bad payloads,
// unknown assertions) are ACKed so they don't loop forever.
func (s *OracleSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamOracleCallbacks, jetstream.ConsumerConfig{
		Durable:       "nest-markets-oracle",
		FilterSubject: "nest.oracle.callbacks.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create oracle consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := s.handle(msg.Subject(), msg.Data()); err != nil {
			if retryable(err) {
				s.log.Warn().Str("subject", msg.Subject()).Err(err).Msg("oracle callback failed, will redeliver")
				msg.Nak()
				return
			}
			s.log.Error().Str("subject", msg.Subject()).Err(err).Msg("oracle callback rejected")
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume oracle callbacks: %w", err)
	}
	s.consumer = cc
	return nil
}

func (s *OracleSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// retryable: only internal failures earn a redelivery. Authorization,
// state, and validation rejections are final for a given callback.
func retryable(err error) bool {
	return !errors.Is(err, market.ErrAuthorization) &&
		!errors.Is(err, market.ErrState) &&
		!errors.Is(err, market.ErrValidation)
}

func (s *OracleSubscriber) handle(subject string, data []byte) error {
	switch subject {
	case SubjectOracleResolved:
		var cb resolvedCallback
		if err := json.Unmarshal(data, &cb); err != nil {
			return fmt.Errorf("%w: malformed resolved callback: %v", market.ErrValidation, err)
		}
		aid, err := market.ParseAssertionID(cb.AssertionID)
		if err != nil {
			return err
		}
		return s.eng.OnResolved(aid, cb.Truthful, cb.Caller)

	case SubjectOracleDisputed:
		var cb disputedCallback
		if err := json.Unmarshal(data, &cb); err != nil {
			return fmt.Errorf("%w: malformed disputed callback: %v", market.ErrValidation, err)
		}
		aid, err := market.ParseAssertionID(cb.AssertionID)
		if err != nil {
			return err
		}
		return s.eng.OnDisputed(aid, cb.Disputer, cb.Caller)

	default:
		return fmt.Errorf("%w: unhandled callback subject %s", market.ErrValidation, subject)
	}
}
