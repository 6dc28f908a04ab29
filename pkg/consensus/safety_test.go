package consensus

import "testing"

func TestSafetyRejectsConflictingDecision(t *testing.T) {
	s := NewSafety()
	var d1, d2 Digest
	copy(d1[:], []byte("digest-one-aaaaaaaaaaaaaaaaaaaaa"))
	copy(d2[:], []byte("digest-two-bbbbbbbbbbbbbbbbbbbbb"))

	if err := s.CheckDecide(1, 0, d1, []byte("allow")); err != nil {
		t.Fatalf("unexpected error on first decision: %v", err)
	}
	if err := s.CheckDecide(1, 1, d1, []byte("allow")); err != nil {
		t.Fatalf("expected repeating the same decision at a later view to be safe, got %v", err)
	}
	if err := s.CheckDecide(1, 2, d2, []byte("deny")); err == nil {
		t.Fatalf("expected a conflicting decision at the same sequence to be rejected")
	}
}

func TestSafetyDetectsEquivocation(t *testing.T) {
	s := NewSafety()
	msg1 := ConsensusMessage{SenderID: "leader", View: 0, Sequence: 1, Digest: Digest{1}}
	msg2 := ConsensusMessage{SenderID: "leader", View: 0, Sequence: 1, Digest: Digest{2}}

	if eq := s.AcceptPrePrepare(msg1); eq {
		t.Fatalf("expected first PRE_PREPARE to be accepted without equivocation")
	}
	if eq := s.AcceptPrePrepare(msg2); !eq {
		t.Fatalf("expected a second distinct PRE_PREPARE for the same (view, seq) to be flagged as equivocation")
	}
}

func TestHighestPreparedTracksLatestView(t *testing.T) {
	s := NewSafety()
	s.NotePrepared(1, 0, Digest{1}, []byte("v0"))
	s.NotePrepared(1, 2, Digest{2}, []byte("v2"))
	s.NotePrepared(1, 1, Digest{3}, []byte("v1"))

	r, ok := s.HighestPrepared(1)
	if !ok {
		t.Fatalf("expected a prepared record to exist")
	}
	if string(r.Value) != "v2" {
		t.Fatalf("expected the highest-view prepared value to win, got %q", r.Value)
	}
}
