package consensus

import (
	"crypto/hmac"
	"crypto/sha256"

	rqcrypto "github.com/reliquary/core/pkg/crypto"
)

// HMACSigner is the development-grade Signer: §4.2 explicitly leaves the
// scheme open ("Reference implementations may use HMAC keyed by agent for
// development and threshold-/PQ-signatures in production"); this is the
// dev-path half of that choice (see DESIGN.md for the other half,
// BLSConsensusSigner). Every committee member holds every other member's
// key here because the reference deployment is a single trusted test
// harness/devnet; a real deployment would distribute keys out of band.
type HMACSigner struct {
	keys map[NodeID][]byte
}

// NewHMACSigner builds a signer that knows every member's key.
func NewHMACSigner(keys map[NodeID][]byte) *HMACSigner {
	cp := make(map[NodeID][]byte, len(keys))
	for k, v := range keys {
		cp[k] = append([]byte(nil), v...)
	}
	return &HMACSigner{keys: cp}
}

func (s *HMACSigner) Sign(self NodeID, digest Digest) []byte {
	key, ok := s.keys[self]
	if !ok {
		return nil
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(digest[:])
	return mac.Sum(nil)
}

func (s *HMACSigner) Verify(sender NodeID, digest Digest, sig []byte) bool {
	key, ok := s.keys[sender]
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(digest[:])
	expected := mac.Sum(nil)
	return hmac.Equal(expected, sig)
}

// BLSConsensusSigner adapts pkg/crypto's BLS signer to the production path
// of the same open question: real unforgeable signatures, aggregable
// across the committee, rather than pairwise-shared HMAC keys.
type BLSConsensusSigner struct {
	self   NodeID
	signer *rqcrypto.BLSSigner
	pubs   map[NodeID]*rqcrypto.BLSPubKey
}

func NewBLSConsensusSigner(self NodeID, signer *rqcrypto.BLSSigner, pubs map[NodeID]*rqcrypto.BLSPubKey) *BLSConsensusSigner {
	return &BLSConsensusSigner{self: self, signer: signer, pubs: pubs}
}

func (s *BLSConsensusSigner) Sign(self NodeID, digest Digest) []byte {
	return s.signer.Sign(digest[:])
}

func (s *BLSConsensusSigner) Verify(sender NodeID, digest Digest, sig []byte) bool {
	pk, ok := s.pubs[sender]
	if !ok {
		return false
	}
	return rqcrypto.Verify(pk, sig, digest[:])
}
