package market

import "fmt"

// Store owns the market table, the sequential id counter, and the
// assertion index. It is mutated only by the engine's single thread of
// control; reads from other goroutines go through engine views.
type Store struct {
	markets    map[uint64]*Market
	count      uint64
	assertions map[AssertionID]uint64
}

func NewStore() *Store {
	return &Store{
		markets:    make(map[uint64]*Market),
		assertions: make(map[AssertionID]uint64),
	}
}

// NextID assigns the next sequential market id. Ids are never reused.
func (s *Store) NextID() uint64 {
	id := s.count
	s.count++
	return id
}

// Count returns the number of markets ever created.
func (s *Store) Count() uint64 {
	return s.count
}

// Get returns the stored record, or nil if unknown. Callers that intend to
// mutate must Clone first and Put the clone back.
func (s *Store) Get(id uint64) *Market {
	return s.markets[id]
}

// Put installs a market record.
func (s *Store) Put(m *Market) {
	s.markets[m.ID] = m
}

// IndexAssertion routes an oracle assertion id back to its market. The
// entry is a back-reference: it must be removed whenever the market's
// assertion field is cleared.
func (s *Store) IndexAssertion(id AssertionID, marketID uint64) {
	s.assertions[id] = marketID
}

// LookupAssertion resolves an assertion id to its market id.
func (s *Store) LookupAssertion(id AssertionID) (uint64, bool) {
	marketID, ok := s.assertions[id]
	return marketID, ok
}

// RemoveAssertion drops an index entry on settle or resolution rollback.
func (s *Store) RemoveAssertion(id AssertionID) {
	delete(s.assertions, id)
}

// RestoreCount sets the id counter during event-log replay.
func (s *Store) RestoreCount(count uint64) {
	s.count = count
}

// MustGet returns the stored record or an invariant error; used on paths
// where the id was produced by the ledger itself (assertion index hits).
func (s *Store) MustGet(id uint64) (*Market, error) {
	m := s.markets[id]
	if m == nil {
		return nil, fmt.Errorf("%w: market %d indexed but not stored", ErrInvariant, id)
	}
	return m, nil
}
