// Package network provides consensus.Network transports: a libp2p-pubsub
// gossip implementation for real deployments and an in-process
// implementation for deterministic tests, mirroring the teacher's pkg/p2p
// split between gossip broadcast and a local handler map.
package network

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/reliquary/core/pkg/consensus"
)

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func init() {
	gob.Register(MessageWire{})
}

// MessageWire is the gob-encoded form of consensus.ConsensusMessage put on
// the wire. Digest/Signature travel as raw byte slices since gob does not
// know how to encode the Digest array's zero-value semantics gracefully
// across versions; Type/View/Sequence are native gob types, and the
// Timestamp travels as Unix nanoseconds in TimestampUnixNano.
type MessageWire struct {
	Type      int
	View      uint64
	Sequence  uint64
	SenderID  string
	TimestampUnixNano int64
	Payload   []byte
	Signature []byte
	Digest    []byte
}

func toWire(m consensus.ConsensusMessage) MessageWire {
	return MessageWire{
		Type:              int(m.Type),
		View:              uint64(m.View),
		Sequence:          uint64(m.Sequence),
		SenderID:          string(m.SenderID),
		TimestampUnixNano: m.Timestamp.UnixNano(),
		Payload:           m.Payload,
		Signature:         m.Signature,
		Digest:            m.Digest[:],
	}
}

func fromWire(w MessageWire) consensus.ConsensusMessage {
	var d consensus.Digest
	copy(d[:], w.Digest)
	return consensus.ConsensusMessage{
		Type:      consensus.MessageType(w.Type),
		View:      consensus.View(w.View),
		Sequence:  consensus.Sequence(w.Sequence),
		SenderID:  consensus.NodeID(w.SenderID),
		Timestamp: unixNano(w.TimestampUnixNano),
		Payload:   w.Payload,
		Signature: w.Signature,
		Digest:    d,
	}
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
