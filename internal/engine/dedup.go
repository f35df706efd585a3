package engine

import (
	"container/list"
	"fmt"
)

// DedupChecker implements two-tier deduplication: an in-memory LRU in
// front of a Postgres lookup over the event log's idempotency keys.
type DedupChecker struct {
	lru       *dedupLRU
	dbChecker DBDedupChecker
}

// DBDedupChecker is the interface for the Postgres dedup lookup
type DBDedupChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewDedupChecker(capacity int, dbChecker DBDedupChecker) *DedupChecker {
	return &DedupChecker{
		lru:       newDedupLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks if a command has already been applied (two-tier lookup)
func (dc *DedupChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if dc.lru.contains(compositeKey) {
		return true
	}

	// Tier 2: Postgres check (cold path)
	if dc.dbChecker != nil {
		isDup, err := dc.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Conservative: assume not duplicate so a DB issue cannot
			// block command processing.
			return false
		}
		if isDup {
			dc.lru.add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed adds a key to the LRU after the command commits
func (dc *DedupChecker) MarkProcessed(eventType string, idempotencyKey string) {
	dc.lru.add(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
}

// dedupLRU is an LRU cache for idempotency keys.
// Not thread-safe, only accessed under the engine lock.
type dedupLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *dedupLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *dedupLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(*lruEntry).key)
		}
	}
}
