package consensus

import "context"

// Handler is invoked for every ConsensusMessage a Network delivers, as
// received: Networks neither verify signatures nor deduplicate, so the
// Handler does both (Engine's handler does). Engine registers exactly one
// Handler per instance, matching the teacher's single-Handlers-struct
// wiring in pkg/p2p.
type Handler func(ctx context.Context, msg ConsensusMessage)

// Network abstracts message transport. spec.md §1 explicitly leaves wire
// encoding unspecified; pkg/network provides a libp2p-pubsub implementation
// and an in-process implementation for tests.
type Network interface {
	// Broadcast sends msg to every member of the committee, including self.
	Broadcast(ctx context.Context, msg ConsensusMessage) error
	// SendTo sends msg to a single committee member. Engine itself does not
	// call it: every message it sends, NEW_VIEW included, is broadcast.
	SendTo(ctx context.Context, to NodeID, msg ConsensusMessage) error
	// SetHandler registers the callback invoked for every inbound message.
	SetHandler(h Handler)
}

// Signer produces and verifies the authenticator carried in
// ConsensusMessage.Signature. §4.2 deliberately does not mandate a scheme;
// any existentially-unforgeable MAC or signature satisfies it.
type Signer interface {
	Sign(self NodeID, digest Digest) []byte
	Verify(sender NodeID, digest Digest, sig []byte) bool
}
