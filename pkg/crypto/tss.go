package crypto

import "fmt"

// SigShare is one committee member's partial signature over a message.
type SigShare []byte

// ThresholdSigner produces and combines partial signatures. BLSThresholdSigner
// is the production implementation, backed by circl's BLS aggregation;
// tests may substitute a fake that satisfies the same interface.
type ThresholdSigner interface {
	SignShare(msg []byte) (SigShare, error)
	Combine(shares []SigShare) ([]byte, error)
	Verify(sig []byte, msg []byte) bool
}

// BLSThresholdSigner adapts a single committee member's BLSSigner, plus the
// full committee's public keys, into the ThresholdSigner interface: BLS
// signatures over the same message aggregate into one signature that
// verifies against the aggregate public key, which is how §4.3's
// THRESHOLD_SIG family is realized in production rather than via the
// placeholder pow(msg, i, p) construction pkg/threshold uses for its
// reference arithmetic.
type BLSThresholdSigner struct {
	self *BLSSigner
	pks  []*BLSPubKey
}

// NewBLSThresholdSigner builds a signer for one committee member, given the
// full set of member public keys (used to verify combined signatures).
func NewBLSThresholdSigner(self *BLSSigner, committeePubKeys []*BLSPubKey) *BLSThresholdSigner {
	return &BLSThresholdSigner{self: self, pks: committeePubKeys}
}

func (s *BLSThresholdSigner) SignShare(msg []byte) (SigShare, error) {
	if s.self == nil {
		return nil, fmt.Errorf("crypto: threshold signer has no key")
	}
	return SigShare(s.self.Sign(msg)), nil
}

func (s *BLSThresholdSigner) Combine(shares []SigShare) ([]byte, error) {
	raw := make([][]byte, 0, len(shares))
	for _, sh := range shares {
		raw = append(raw, []byte(sh))
	}
	agg := Aggregate(raw)
	if agg == nil {
		return nil, fmt.Errorf("crypto: aggregate threshold signature failed")
	}
	return agg, nil
}

func (s *BLSThresholdSigner) Verify(sig []byte, msg []byte) bool {
	return VerifyAggregateSameMsg(s.pks, msg, sig)
}
