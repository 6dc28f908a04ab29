package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reliquary/core/pkg/network"
	"github.com/reliquary/core/pkg/util"
)

func TestSortedElectorIsDeterministicAcrossInstances(t *testing.T) {
	ids := []NodeID{"node-c", "node-a", "node-b", "node-d"}
	e1 := NewSortedElector(ids)
	e2 := NewSortedElector([]NodeID{"node-d", "node-b", "node-a", "node-c"})

	for v := View(0); v < 10; v++ {
		if e1.LeaderOf(v) != e2.LeaderOf(v) {
			t.Fatalf("expected leader schedule independent of input order at view %d: %s != %s", v, e1.LeaderOf(v), e2.LeaderOf(v))
		}
	}
	if e1.LeaderOf(0) != "node-a" {
		t.Fatalf("expected lexicographically first id to lead view 0, got %s", e1.LeaderOf(0))
	}
}

func TestSortedElectorRotatesWithView(t *testing.T) {
	e := NewSortedElector([]NodeID{"a", "b", "c", "d"})
	if e.LeaderOf(0) == e.LeaderOf(1) {
		t.Fatalf("expected leader to rotate across views")
	}
	if e.LeaderOf(4) != e.LeaderOf(0) {
		t.Fatalf("expected schedule to wrap modulo committee size")
	}
}

func fourNodeCommittee(t *testing.T) ([]NodeID, *network.LocalHub, map[NodeID]*Engine) {
	t.Helper()
	ids := []NodeID{"node-1", "node-2", "node-3", "node-4"}
	keys := make(map[NodeID][]byte, len(ids))
	for _, id := range ids {
		keys[id] = []byte("key-" + string(id))
	}
	signer := NewHMACSigner(keys)
	hub := network.NewLocalHub()
	quorum := NewQuorum(len(ids))
	elector := NewSortedElector(ids)
	budget := NewPhaseBudget(2*time.Second, 0.3, 0.3, 0.4)

	engines := make(map[NodeID]*Engine, len(ids))
	for _, id := range ids {
		net := hub.Join(id)
		engines[id] = NewEngine(id, quorum, elector, net, signer, util.RealClock{}, budget, nil)
	}
	return ids, hub, engines
}

// Full BFT round: every honest member must decide the same value for a
// given sequence when the leader proposes normally.
func TestFullRoundAllHonestNodesDecideSameValue(t *testing.T) {
	ids, _, engines := fourNodeCommittee(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	type outcome struct {
		id  NodeID
		val []byte
		err error
	}
	ch := make(chan outcome, len(ids))
	for _, id := range ids {
		id := id
		go func() {
			v, err := engines[id].Decide(ctx, Sequence(1), []byte("allow"))
			ch <- outcome{id: id, val: v, err: err}
		}()
	}

	var results []outcome
	for range ids {
		results = append(results, <-ch)
	}

	for _, r := range results {
		if r.err != nil {
			t.Fatalf("node %s failed to decide: %v", r.id, r.err)
		}
		if string(r.val) != "allow" {
			t.Fatalf("node %s decided %q, want %q", r.id, r.val, "allow")
		}
	}
}

// S7: silencing the current leader must force a view change; the
// committee still reaches a decision once the new leader is heard.
func TestViewChangeOnLeaderSilence(t *testing.T) {
	ids, hub, engines := fourNodeCommittee(t)

	leader := NewSortedElector(ids).LeaderOf(0)
	hub.Silence(leader, true)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	type outcome struct {
		id  NodeID
		val []byte
		err error
	}
	ch := make(chan outcome, len(ids))
	for _, id := range ids {
		if id == leader {
			continue
		}
		id := id
		go func() {
			v, err := engines[id].Decide(ctx, Sequence(1), []byte("deny"))
			ch <- outcome{id: id, val: v, err: err}
		}()
	}

	count := 0
	for range ids {
		if count == len(ids)-1 {
			break
		}
		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("node %s failed to decide after view change: %v", r.id, r.err)
			}
			count++
		case <-time.After(6 * time.Second):
			t.Fatalf("timed out waiting for view change to complete")
		}
	}
}

// §4.2: a second, distinct PRE_PREPARE for the same (view, seq) is leader
// equivocation and must trigger an immediate VIEW_CHANGE vote rather than
// waiting for the round to time out.
func TestEquivocatingPrePrepareTriggersImmediateViewChange(t *testing.T) {
	ids := []NodeID{"node-1", "node-2", "node-3", "node-4"}
	keys := make(map[NodeID][]byte, len(ids))
	for _, id := range ids {
		keys[id] = []byte("key-" + string(id))
	}
	signer := NewHMACSigner(keys)
	hub := network.NewLocalHub()
	quorum := NewQuorum(len(ids))
	elector := NewSortedElector(ids)
	budget := NewPhaseBudget(2*time.Second, 0.3, 0.3, 0.4)

	leader := elector.LeaderOf(0)
	var follower NodeID
	for _, id := range ids {
		if id != leader {
			follower = id
			break
		}
	}

	net := hub.Join(follower)
	engine := NewEngine(follower, quorum, elector, net, signer, util.RealClock{}, budget, nil)

	var mu sync.Mutex
	var received []ConsensusMessage
	observerNet := hub.Join("observer")
	observerNet.SetHandler(func(_ context.Context, msg ConsensusMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	sign := func(m ConsensusMessage) ConsensusMessage {
		m = WithDigest(m)
		m.Signature = signer.Sign(m.SenderID, m.Digest)
		return m
	}

	first := sign(ConsensusMessage{Type: MsgPrePrepare, View: 0, Sequence: 1, SenderID: leader, Timestamp: time.Now(), Payload: []byte("allow")})
	second := sign(ConsensusMessage{Type: MsgPrePrepare, View: 0, Sequence: 1, SenderID: leader, Timestamp: time.Now(), Payload: []byte("deny")})

	ctx := context.Background()
	if err := observerNet.Broadcast(ctx, first); err != nil {
		t.Fatalf("broadcasting first pre-prepare: %v", err)
	}
	if err := observerNet.Broadcast(ctx, second); err != nil {
		t.Fatalf("broadcasting second pre-prepare: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawViewChange bool
	for _, msg := range received {
		if msg.Type == MsgViewChange && msg.SenderID == follower && msg.View == 1 && msg.Sequence == 1 {
			sawViewChange = true
		}
	}
	if !sawViewChange {
		t.Fatalf("expected follower %s to broadcast a VIEW_CHANGE for view 1 on equivocation, got %+v", follower, received)
	}
	if engine.currentView() != 0 {
		t.Fatalf("equivocation vote should not itself advance the local view before a view-change quorum forms")
	}
}

func TestQuorumSizeAndValidity(t *testing.T) {
	q := NewQuorum(4)
	if q.F != 1 {
		t.Fatalf("expected f=1 for n=4, got %d", q.F)
	}
	if q.Size() != 3 {
		t.Fatalf("expected 2f+1=3, got %d", q.Size())
	}
	if !q.Valid() {
		t.Fatalf("expected n=4,f=1 to be a valid committee")
	}

	invalid := NewQuorum(3)
	if invalid.Valid() {
		t.Fatalf("expected n=3 to be invalid (below 3f+1=4 minimum)")
	}
}

func TestHMACSignerRejectsTamperedSignature(t *testing.T) {
	keys := map[NodeID][]byte{"node-1": []byte("secret")}
	signer := NewHMACSigner(keys)
	var digest Digest
	copy(digest[:], []byte("irrelevant-digest-content-000000"))

	sig := signer.Sign("node-1", digest)
	if !signer.Verify("node-1", digest, sig) {
		t.Fatalf("expected valid signature to verify")
	}

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xFF
	if signer.Verify("node-1", digest, tampered) {
		t.Fatalf("expected tampered signature to fail verification")
	}
}

func TestHMACSignerRejectsUnknownSigner(t *testing.T) {
	signer := NewHMACSigner(map[NodeID][]byte{"node-1": []byte("secret")})
	var digest Digest
	if signer.Verify("node-ghost", digest, []byte("whatever")) {
		t.Fatalf("expected unknown signer to fail verification")
	}
}
