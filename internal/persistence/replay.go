package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Nest-on-near/nest-markets/internal/event"
)

// LoadEvents reads the whole event log ordered by sequence for the
// startup replay.
func LoadEvents(ctx context.Context, db *sql.DB) ([]*event.Envelope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var envelopes []*event.Envelope
	for rows.Next() {
		var (
			env       event.Envelope
			eventType string
			marketID  sql.NullInt64
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &marketID,
			&env.Payload, &stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		env.EventType = event.ParseType(eventType)
		if env.EventType == event.TypeUnknown {
			return nil, fmt.Errorf("sequence %d has unknown event type %q", env.Sequence, eventType)
		}
		if marketID.Valid {
			id := uint64(marketID.Int64)
			env.MarketID = &id
		}
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return nil, fmt.Errorf("sequence %d has malformed hashes", env.Sequence)
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)

		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}
