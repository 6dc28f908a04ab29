package consensus

import (
	"fmt"
	"sync"
)

// preparedRecord is the highest PRE_PREPARE-accepted (and potentially
// prepared) value seen for a sequence, carried forward into a NEW_VIEW so a
// view change cannot silently discard work the committee already agreed to
// consider (§4.2: "the new leader broadcasts NEW_VIEW with the highest
// prepared value from the evidence set").
type preparedRecord struct {
	View   View
	Digest Digest
	Value  []byte
}

type decidedRecord struct {
	View   View
	Digest Digest
	Value  []byte
}

// Safety enforces §4.2's safety invariants across the views a single
// sequence may pass through: no two honest agents decide different values
// for the same (view, seq), and once any honest agent decides v at seq,
// every later view's decision at seq equals v. It also rejects a second,
// distinct PRE_PREPARE for a (view, seq) as leader equivocation.
type Safety struct {
	mu        sync.Mutex
	prepared  map[Sequence]preparedRecord
	decided   map[Sequence]decidedRecord
	accepted  map[dedupKey]ConsensusMessage // first accepted PRE_PREPARE per (view, seq)
}

func NewSafety() *Safety {
	return &Safety{
		prepared: make(map[Sequence]preparedRecord),
		decided:  make(map[Sequence]decidedRecord),
		accepted: make(map[dedupKey]ConsensusMessage),
	}
}

// AcceptPrePrepare records the first PRE_PREPARE seen for (view, seq) and
// reports whether a distinct one was already accepted (equivocation).
func (s *Safety) AcceptPrePrepare(msg ConsensusMessage) (equivocation bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := dedupKey{Sender: msg.SenderID, View: msg.View, Seq: msg.Sequence, Type: MsgPrePrepare}
	existing, ok := s.accepted[k]
	if !ok {
		s.accepted[k] = msg
		return false
	}
	return existing.Digest != msg.Digest
}

// NotePrepared records that a sequence reached the PREPARE quorum under a
// given view/value, so a future view change can recover it.
func (s *Safety) NotePrepared(seq Sequence, view View, digest Digest, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.prepared[seq]
	if !ok || view > cur.View {
		s.prepared[seq] = preparedRecord{View: view, Digest: digest, Value: value}
	}
}

// HighestPrepared returns the most recent prepared record for seq, if any.
func (s *Safety) HighestPrepared(seq Sequence) (preparedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.prepared[seq]
	return r, ok
}

// CheckDecide verifies that deciding `value` for (view, seq) does not
// conflict with a prior decision at the same sequence, then records it.
// A conflict here would mean two honest agents decided different values,
// which the 2f+1 quorum-intersection property is supposed to prevent; this
// is the defensive check for invariant 4.
func (s *Safety) CheckDecide(seq Sequence, view View, digest Digest, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.decided[seq]; ok && prev.Digest != digest {
		return fmt.Errorf("consensus: safety violation at seq %d: already decided view=%d digest=%s, got view=%d digest=%s",
			seq, prev.View, prev.Digest, view, digest)
	}
	s.decided[seq] = decidedRecord{View: view, Digest: digest, Value: value}
	return nil
}

// Decided returns the previously-decided value for seq, if any.
func (s *Safety) Decided(seq Sequence) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.decided[seq]
	if !ok {
		return nil, false
	}
	return r.Value, true
}
