// Package audit implements the append-only Merkle/hash-chain audit log of
// §4.6: every entry hashes in the previous entry's hash, so tampering with
// any entry invalidates every entry chained after it.
package audit

import (
	"fmt"
	"time"
)

// Entry is one append-only record in the chain.
type Entry struct {
	Index     uint64
	Payload   []byte
	PrevHash  [32]byte
	EntryHash [32]byte
	Timestamp time.Time

	// Signature is the notary's ECDSA signature over EntryHash, present
	// only when the Log was built with a Notary. Absent on older entries
	// replayed from a store that predates notarization.
	Signature []byte
}

func (e Entry) PrevHashHex() string  { return fmt.Sprintf("%x", e.PrevHash[:]) }
func (e Entry) EntryHashHex() string { return fmt.Sprintf("%x", e.EntryHash[:]) }
func (e Entry) SignatureHex() string { return fmt.Sprintf("%x", e.Signature) }

// Proof is the external-verification bundle §4.6's get_proof(i) returns.
type Proof struct {
	Index             uint64
	PrevHash          [32]byte
	EntryHash         [32]byte
	NeighborsUpToRoot [][32]byte
}
