package persistence

import (
	"context"
	"database/sql"
	"time"
)

// DedupChecker is the cold tier of the engine's deduplication: a lookup
// against the durable event log for keys that have aged out of the LRU.
// It implements engine.DBDedupChecker.
type DedupChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewDedupChecker(db *sql.DB) *DedupChecker {
	return &DedupChecker{db: db, timeout: 2 * time.Second}
}

func (c *DedupChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists bool
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_log.events
			WHERE event_type = $1 AND idempotency_key = $2
		)
	`, eventType, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
