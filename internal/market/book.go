package market

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PositionKey identifies one LP position.
type PositionKey struct {
	MarketID uint64
	Account  string
}

// Book is the LP share bookkeeping: pure credit/debit on (market, account)
// positions with no AMM knowledge. The engine is its only writer.
type Book struct {
	positions map[PositionKey]*uint256.Int
}

func NewBook() *Book {
	return &Book{positions: make(map[PositionKey]*uint256.Int)}
}

// Get returns the share balance for (market, account); zero if absent.
func (b *Book) Get(marketID uint64, account string) *uint256.Int {
	if v, ok := b.positions[PositionKey{marketID, account}]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Credit adds shares to a position, creating it on first contribution.
func (b *Book) Credit(marketID uint64, account string, shares *uint256.Int) {
	if shares.IsZero() {
		return
	}
	key := PositionKey{marketID, account}
	if v, ok := b.positions[key]; ok {
		v.Add(v, shares)
		return
	}
	b.positions[key] = new(uint256.Int).Set(shares)
}

// Debit removes shares from a position; the position is deleted on full
// withdrawal. Fails without mutating if the balance is insufficient.
func (b *Book) Debit(marketID uint64, account string, shares *uint256.Int) error {
	key := PositionKey{marketID, account}
	v, ok := b.positions[key]
	if !ok || v.Cmp(shares) < 0 {
		have := new(uint256.Int)
		if ok {
			have.Set(v)
		}
		return fmt.Errorf("%w: lp shares have=%s need=%s", ErrInsufficientBalance, have.Dec(), shares.Dec())
	}
	v.Sub(v, shares)
	if v.IsZero() {
		delete(b.positions, key)
	}
	return nil
}

// TotalFor sums every position in a market. Used by the invariant check
// that the sum of positions equals the market's total_lp_shares.
func (b *Book) TotalFor(marketID uint64) *uint256.Int {
	total := new(uint256.Int)
	for key, v := range b.positions {
		if key.MarketID == marketID {
			total.Add(total, v)
		}
	}
	return total
}
