package consensus

import (
	"context"
	"testing"
	"time"
)

// §3: Snapshot reports a sequence's ConsensusState both before and after
// it reaches DECIDED.
func TestSnapshotReflectsDecidedSequence(t *testing.T) {
	ids, _, engines := fourNodeCommittee(t)
	leader := NewSortedElector(ids).LeaderOf(0)

	before := engines[leader].Snapshot(Sequence(1))
	if before.CurrentPhase != PhasePrePrepare {
		t.Fatalf("expected an untouched sequence to report PRE_PREPARE, got %s", before.CurrentPhase)
	}
	if before.LeaderID != leader {
		t.Fatalf("expected leader %s, got %s", leader, before.LeaderID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch := make(chan error, len(ids))
	for _, id := range ids {
		id := id
		go func() {
			_, err := engines[id].Decide(ctx, Sequence(1), []byte("allow"))
			ch <- err
		}()
	}
	for range ids {
		if err := <-ch; err != nil {
			t.Fatalf("decide failed: %v", err)
		}
	}

	after := engines[leader].Snapshot(Sequence(1))
	if after.CurrentPhase != PhaseDecided {
		t.Fatalf("expected DECIDED after consensus, got %s", after.CurrentPhase)
	}
	if after.LastCheckpoint != Sequence(1) {
		t.Fatalf("expected last checkpoint to advance to the decided sequence, got %d", after.LastCheckpoint)
	}
}
