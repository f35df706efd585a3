package engine

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Nest-on-near/nest-markets/internal/market"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// ClaimID derives the stable identifier for one side of a market on the
// claim ledger: keccak256("market:{id}:outcome:{yes|no}").
func ClaimID(marketID uint64, outcome market.Outcome) [32]byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "market:%d:outcome:%s", marketID, outcome)

	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// newAssertionID binds a resolution claim to its bond, timing, and
// parties so that every submission attempt gets a distinct identifier.
func newAssertionID(
	claim [32]byte,
	bond *uint256.Int,
	submittedAt int64,
	liveness time.Duration,
	collateralToken string,
	ledgerID string,
	resolver string,
) market.AssertionID {
	h := sha3.NewLegacyKeccak256()

	h.Write(claim[:])

	bondBytes := bond.Bytes32()
	h.Write(bondBytes[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(submittedAt))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(liveness.Nanoseconds()))
	h.Write(buf[:])

	h.Write([]byte(collateralToken))
	h.Write([]byte(ledgerID))
	h.Write([]byte(resolver))

	var id market.AssertionID
	copy(id[:], h.Sum(nil))
	return id
}
