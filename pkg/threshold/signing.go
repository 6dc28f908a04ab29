package threshold

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// shareDigest hashes the canonical fields §4.3 requires a share's
// signature to cover: party_id, share_value, scheme_id, created_at.
func shareDigest(s SecretShare) []byte {
	h := sha256.New()

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(int64(s.PartyID)))
	h.Write(idBuf[:])

	h.Write(s.ShareValue)
	h.Write([]byte(s.SchemeID))

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(s.CreatedAt.UnixNano()))
	h.Write(tsBuf[:])

	return h.Sum(nil)
}

// schemeSigningKey derives a per-scheme ECDSA key from the engine's master
// secret via HKDF, so every scheme's shares are signed under an
// independent key without the engine needing to persist one key per
// scheme: the scheme_id itself is the HKDF info parameter.
func schemeSigningKey(masterSecret []byte, schemeID string) (*ecdsa.PrivateKey, error) {
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte("reliquary-threshold-share-signing:"+schemeID))
	seed := make([]byte, 32)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("threshold: derive signing key: %w", err)
	}
	return gethcrypto.ToECDSA(seed)
}

func signShare(masterSecret []byte, s *SecretShare) error {
	key, err := schemeSigningKey(masterSecret, s.SchemeID)
	if err != nil {
		return err
	}
	sig, err := gethcrypto.Sign(shareDigest(*s), key)
	if err != nil {
		return fmt.Errorf("threshold: sign share: %w", err)
	}
	s.Signature = sig
	return nil
}

func verifyShareSignature(masterSecret []byte, s SecretShare) bool {
	if len(s.Signature) == 0 {
		return false
	}
	key, err := schemeSigningKey(masterSecret, s.SchemeID)
	if err != nil {
		return false
	}
	pub := gethcrypto.FromECDSAPub(&key.PublicKey)
	recovered, err := gethcrypto.Ecrecover(shareDigest(s), s.Signature)
	if err != nil {
		return false
	}
	if len(recovered) != len(pub) {
		return false
	}
	for i := range recovered {
		if recovered[i] != pub[i] {
			return false
		}
	}
	return true
}
