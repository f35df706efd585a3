// Package external holds the NATS-facing edges: request/reply clients for
// the claim and payment ledgers, the oracle callback subscriber, and the
// outbound event publisher.
package external

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subjects and streams of the nest messaging fabric.
const (
	SubjectClaimMint         = "nest.claims.mint"
	SubjectClaimBurn         = "nest.claims.burn"
	SubjectPayTransfer       = "nest.payments.transfer"
	SubjectPayTransferNotify = "nest.payments.transfer_and_notify"

	SubjectOracleResolved = "nest.oracle.callbacks.resolved"
	SubjectOracleDisputed = "nest.oracle.callbacks.disputed"

	StreamOracleCallbacks = "NEST_ORACLE_CALLBACKS"
	StreamMarketEvents    = "NEST_MARKET_EVENTS"
)

// Connect opens the NATS connection with reconnect behavior suited to a
// long-lived service and returns a JetStream handle.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams creates the streams this service depends on if they don't
// exist: the oracle callback inbox and the outbound market event feed.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamOracleCallbacks,
			Subjects:  []string{"nest.oracle.callbacks.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamMarketEvents,
			Subjects:  []string{"nest.markets.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
