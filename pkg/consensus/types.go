// Package consensus implements the BFT agreement protocol described in
// §4.2: a PBFT-style PRE_PREPARE -> PREPARE -> COMMIT -> DECIDED state
// machine tolerating f = floor((n-1)/3) Byzantine agents, with view-change
// on leader timeout or equivocation.
package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

type NodeID string

type View uint64

type Sequence uint64

// Phase mirrors ConsensusState.current_phase in §3.
type Phase int

const (
	PhasePrePrepare Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseDecided
	PhaseTimeout
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "PRE_PREPARE"
	case PhasePrepare:
		return "PREPARE"
	case PhaseCommit:
		return "COMMIT"
	case PhaseDecided:
		return "DECIDED"
	case PhaseTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// MessageType enumerates the wire message kinds of §3's ConsensusMessage.
type MessageType int

const (
	MsgRequest MessageType = iota
	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgViewChange
	MsgNewView
	MsgCheckpoint
	MsgHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgPrePrepare:
		return "PRE_PREPARE"
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgViewChange:
		return "VIEW_CHANGE"
	case MsgNewView:
		return "NEW_VIEW"
	case MsgCheckpoint:
		return "CHECKPOINT"
	case MsgHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Digest is a SHA-256 digest over a canonical serialization.
type Digest [32]byte

func (d Digest) String() string { return fmt.Sprintf("%x", d[:]) }

// Quorum captures the committee size and its Byzantine tolerance:
// n = 3f+1, f = floor((n-1)/3).
type Quorum struct {
	N int
	F int
}

// NewQuorum derives f from n per §4.2.
func NewQuorum(n int) Quorum {
	return Quorum{N: n, F: (n - 1) / 3}
}

// Size returns the 2f+1 quorum certificate size required to advance phases.
func (q Quorum) Size() int { return 2*q.F + 1 }

// Valid reports whether the committee meets the minimum n >= 3f+1 = 4.
func (q Quorum) Valid() bool { return q.N >= 3*q.F+1 && q.N >= 4 }

// ConsensusMessage is the wire message of §3. Digest is a pure function of
// every other field; mutating the message without recomputing it breaks the
// invariant that callers rely on when verifying received messages.
type ConsensusMessage struct {
	Type      MessageType
	View      View
	Sequence  Sequence
	SenderID  NodeID
	Timestamp time.Time
	Payload   []byte
	Signature []byte
	Digest    Digest
}

// ComputeDigest hashes every field except Signature and Digest itself, in a
// fixed field order, so the digest is reproducible across agents regardless
// of struct layout or map iteration order.
func ComputeDigest(m ConsensusMessage) Digest {
	h := sha256.New()

	var typeBuf [8]byte
	binary.BigEndian.PutUint64(typeBuf[:], uint64(m.Type))
	h.Write(typeBuf[:])

	var viewBuf [8]byte
	binary.BigEndian.PutUint64(viewBuf[:], uint64(m.View))
	h.Write(viewBuf[:])

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(m.Sequence))
	h.Write(seqBuf[:])

	h.Write([]byte(m.SenderID))

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(m.Timestamp.UnixNano()))
	h.Write(tsBuf[:])

	h.Write(m.Payload)

	var sum Digest
	copy(sum[:], h.Sum(nil))
	return sum
}

// WithDigest returns a copy of m with Digest populated.
func WithDigest(m ConsensusMessage) ConsensusMessage {
	m.Digest = ComputeDigest(m)
	return m
}

// dedupKey identifies a message for deduplication per §4.2's receive()
// contract: (sender_id, view, sequence, msg_type). Digest is included so a
// retransmission of the same message still collapses, while a second,
// distinct PRE_PREPARE for the same (sender, view, seq), i.e. leader
// equivocation, gets its own key and reaches onMessage's equivocation
// check instead of being silently dropped as a duplicate.
type dedupKey struct {
	Sender NodeID
	View   View
	Seq    Sequence
	Type   MessageType
	Digest Digest
}

func keyOf(m ConsensusMessage) dedupKey {
	return dedupKey{Sender: m.SenderID, View: m.View, Seq: m.Sequence, Type: m.Type, Digest: m.Digest}
}

// SortedIDs returns ids sorted lexicographically, the stable ordering every
// agent uses to derive the deterministic leader schedule (§4.2, invariant 9).
func SortedIDs(ids []NodeID) []NodeID {
	out := make([]NodeID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
