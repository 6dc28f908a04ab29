package audit

import (
	"context"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func (c fixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.t.Add(d)
	return ch
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := NewLog(fixedClock{t: time.Unix(1700000000, 0)}, nil)
	if err != nil {
		t.Fatalf("unexpected error constructing log: %v", err)
	}
	return log
}

func TestAppendChainsPrevAndEntryHash(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	idx0, err := log.Append(ctx, []byte("first"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	idx1, err := log.Append(ctx, []byte("second"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e0, err := log.Entry(idx0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e1, err := log.Entry(idx1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e1.PrevHash != e0.EntryHash {
		t.Fatalf("expected second entry's prev_hash to equal first entry's hash")
	}
	if e0.EntryHash == (e1.EntryHash) {
		t.Fatalf("expected distinct entries to have distinct hashes")
	}
	if log.Len() != 2 {
		t.Fatalf("expected log length 2, got %d", log.Len())
	}
}

func TestVerifyEntryAndVerifyChainSucceedUntampered(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for _, payload := range []string{"a", "b", "c"} {
		if _, err := log.Append(ctx, []byte(payload)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	for i := uint64(0); i < uint64(log.Len()); i++ {
		ok, err := log.VerifyEntry(i)
		if err != nil {
			t.Fatalf("unexpected error verifying entry %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected entry %d to verify on an untampered chain", i)
		}
	}

	ok, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected untampered chain to verify")
	}
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, []byte("original")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := log.Append(ctx, []byte("second")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.mu.Lock()
	log.entries[0].Payload = []byte("tampered")
	log.mu.Unlock()

	ok, err := log.VerifyEntry(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered payload to fail entry verification")
	}

	ok, err = log.VerifyChain()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered payload to break chain verification")
	}
}

func TestVerifyChainDetectsBrokenPrevHashLink(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, []byte("one")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := log.Append(ctx, []byte("two")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	log.mu.Lock()
	log.entries[1].PrevHash[0] ^= 0xFF
	log.mu.Unlock()

	ok, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected broken prev_hash link to fail chain verification")
	}
}

func TestGetProofNeighborsUpToRootMatchesSuffix(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	var hashes [][32]byte
	for _, payload := range []string{"a", "b", "c", "d"} {
		idx, err := log.Append(ctx, []byte(payload))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		e, err := log.Entry(idx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hashes = append(hashes, e.EntryHash)
	}

	proof, err := log.GetProof(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proof.Index != 1 {
		t.Fatalf("expected proof index 1, got %d", proof.Index)
	}
	if proof.EntryHash != hashes[1] {
		t.Fatalf("expected proof entry hash to match the entry's own hash")
	}
	if len(proof.NeighborsUpToRoot) != 2 {
		t.Fatalf("expected 2 neighbors up to the tip, got %d", len(proof.NeighborsUpToRoot))
	}
	if proof.NeighborsUpToRoot[0] != hashes[2] || proof.NeighborsUpToRoot[1] != hashes[3] {
		t.Fatalf("expected neighbors to be the trailing entry hashes in order")
	}
}

func TestGetProofAtTipHasNoNeighbors(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	idx, err := log.Append(ctx, []byte("only"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	proof, err := log.GetProof(idx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proof.NeighborsUpToRoot) != 0 {
		t.Fatalf("expected no neighbors for the tip entry, got %d", len(proof.NeighborsUpToRoot))
	}
}

type stubNotary struct {
	sig []byte
	err error
}

func (n stubNotary) Sign(hash []byte) ([]byte, error) {
	if n.err != nil {
		return nil, n.err
	}
	return n.sig, nil
}

func TestNewLogWithNotarySignsEntries(t *testing.T) {
	notary := stubNotary{sig: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	log, err := NewLogWithNotary(fixedClock{t: time.Unix(1700000000, 0)}, nil, notary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx, err := log.Append(context.Background(), []byte("notarized"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, err := log.Entry(idx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(entry.Signature) != string(notary.sig) {
		t.Fatalf("expected entry signature to come from the notary, got %x", entry.Signature)
	}
	if entry.SignatureHex() != "deadbeef" {
		t.Fatalf("expected signature hex deadbeef, got %s", entry.SignatureHex())
	}
}

func TestNewLogWithoutNotaryLeavesSignatureEmpty(t *testing.T) {
	log := newTestLog(t)
	idx, err := log.Append(context.Background(), []byte("unnotarized"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, err := log.Entry(idx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entry.Signature) != 0 {
		t.Fatalf("expected no signature without a notary, got %x", entry.Signature)
	}
}

func TestEntryUnknownIndexErrors(t *testing.T) {
	log := newTestLog(t)
	if _, err := log.Entry(99); err == nil {
		t.Fatalf("expected error fetching an out-of-range entry")
	}
	if _, err := log.VerifyEntry(99); err == nil {
		t.Fatalf("expected error verifying an out-of-range entry")
	}
	if _, err := log.GetProof(99); err == nil {
		t.Fatalf("expected error building a proof for an out-of-range entry")
	}
}
