package network

import (
	"context"
	"sync"

	"github.com/reliquary/core/pkg/consensus"
)

// LocalHub wires a fixed set of in-process consensus.Network endpoints
// together, for tests that run a whole committee inside one goroutine
// group without any real transport. Each member's LocalNetwork delivers
// through the hub to every member's registered handler, its own included.
type LocalHub struct {
	mu       sync.RWMutex
	members  map[consensus.NodeID]*LocalNetwork
	dropRate map[consensus.NodeID]bool // nodes whose outbound traffic the hub silently drops, for fault injection
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		members:  make(map[consensus.NodeID]*LocalNetwork),
		dropRate: make(map[consensus.NodeID]bool),
	}
}

// Join registers id and returns its Network handle.
func (hub *LocalHub) Join(id consensus.NodeID) *LocalNetwork {
	n := &LocalNetwork{hub: hub, self: id}
	hub.mu.Lock()
	hub.members[id] = n
	hub.mu.Unlock()
	return n
}

// Silence makes id's outbound broadcasts and sends no-ops, simulating a
// crashed or partitioned Byzantine member for fault-injection tests.
func (hub *LocalHub) Silence(id consensus.NodeID, silent bool) {
	hub.mu.Lock()
	hub.dropRate[id] = silent
	hub.mu.Unlock()
}

func (hub *LocalHub) silenced(id consensus.NodeID) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.dropRate[id]
}

// LocalNetwork is one committee member's consensus.Network handle backed
// by a LocalHub. Delivery is synchronous and in-process: no encoding, no
// goroutine hop, which keeps test timing deterministic.
type LocalNetwork struct {
	hub  *LocalHub
	self consensus.NodeID

	handlerMu sync.RWMutex
	handler   consensus.Handler
}

func (n *LocalNetwork) SetHandler(h consensus.Handler) {
	n.handlerMu.Lock()
	n.handler = h
	n.handlerMu.Unlock()
}

func (n *LocalNetwork) Broadcast(ctx context.Context, msg consensus.ConsensusMessage) error {
	if n.hub.silenced(n.self) {
		return nil
	}
	n.hub.mu.RLock()
	targets := make([]*LocalNetwork, 0, len(n.hub.members))
	for _, m := range n.hub.members {
		targets = append(targets, m)
	}
	n.hub.mu.RUnlock()

	for _, t := range targets {
		t.deliver(ctx, msg)
	}
	return nil
}

func (n *LocalNetwork) SendTo(ctx context.Context, to consensus.NodeID, msg consensus.ConsensusMessage) error {
	if n.hub.silenced(n.self) {
		return nil
	}
	n.hub.mu.RLock()
	target, ok := n.hub.members[to]
	n.hub.mu.RUnlock()
	if !ok {
		return nil
	}
	target.deliver(ctx, msg)
	return nil
}

func (n *LocalNetwork) deliver(ctx context.Context, msg consensus.ConsensusMessage) {
	n.handlerMu.RLock()
	h := n.handler
	n.handlerMu.RUnlock()
	if h != nil {
		h(ctx, msg)
	}
}
