// Package devstack provides in-memory, single-process implementations of
// §6's external collaborators (TrustProvider, VaultStore, CryptoBackend,
// CapabilityChecker), the same role the teacher's crypto.DummySigner plays
// for its TSS interface: a reference stand-in a devnet can run against
// before a real trust engine, vault, or capability service is wired in.
package devstack

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"sync"
)

// TrustStore is a reference TrustProvider: a fixed table of user_id ->
// trust score, defaulting unknown users to a neutral 0.5.
type TrustStore struct {
	mu     sync.RWMutex
	scores map[string]float64
}

func NewTrustStore() *TrustStore {
	return &TrustStore{scores: make(map[string]float64)}
}

// Set fixes userID's trust score for future EvaluateTrust calls.
func (t *TrustStore) Set(userID string, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores[userID] = score
}

func (t *TrustStore) EvaluateTrust(_ context.Context, userID string, reqContext map[string]any) (float64, string, map[string]float64, error) {
	t.mu.RLock()
	score, ok := t.scores[userID]
	t.mu.RUnlock()
	if !ok {
		score = 0.5
	}

	risk := "low"
	switch {
	case score < 0.3:
		risk = "high"
	case score < 0.6:
		risk = "medium"
	}

	factors := map[string]float64{"trust_score": score}
	if v, ok := reqContext["anomaly_score"].(float64); ok {
		factors["anomaly_score"] = v
	}
	return score, risk, factors, nil
}

// MemVault is a reference VaultStore: an in-memory map of (vault_id,
// data_id) to AES-GCM ciphertext plus its key reference, for running the
// decrypt coordinator end to end without a real secrets backend.
type MemVault struct {
	mu   sync.RWMutex
	data map[string]vaultRecord
}

type vaultRecord struct {
	ciphertext []byte
	keyRef     string
}

func NewMemVault() *MemVault {
	return &MemVault{data: make(map[string]vaultRecord)}
}

func vaultKey(vaultID, dataID string) string { return vaultID + "/" + dataID }

// Put seeds vault/data with ciphertext sealed under keyRef, so a later
// Load+Decrypt round trip can recover plaintext.
func (v *MemVault) Put(vaultID, dataID string, ciphertext []byte, keyRef string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[vaultKey(vaultID, dataID)] = vaultRecord{ciphertext: ciphertext, keyRef: keyRef}
}

func (v *MemVault) Load(_ context.Context, vaultID, dataID string) ([]byte, string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.data[vaultKey(vaultID, dataID)]
	if !ok {
		return nil, "", fmt.Errorf("devstack: vault: no such data %s/%s", vaultID, dataID)
	}
	return rec.ciphertext, rec.keyRef, nil
}

func (v *MemVault) Exists(_ context.Context, vaultID, dataID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.data[vaultKey(vaultID, dataID)]
	return ok
}

// AESBackend is a reference CryptoBackend: keyRef is hashed into an AES-256
// key, so every distinct keyRef derives an independent key without the
// backend needing a separate key management system for this reference
// deployment.
type AESBackend struct {
	masterSecret []byte
}

func NewAESBackend(masterSecret []byte) *AESBackend {
	return &AESBackend{masterSecret: append([]byte(nil), masterSecret...)}
}

func (b *AESBackend) keyFor(keyRef string) [32]byte {
	h := sha256.New()
	h.Write(b.masterSecret)
	h.Write([]byte(keyRef))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Seal encrypts plaintext under keyRef, for devstack callers seeding
// MemVault with recoverable ciphertext.
func (b *AESBackend) Seal(plaintext []byte, keyRef string) ([]byte, error) {
	key := b.keyFor(keyRef)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *AESBackend) Decrypt(_ context.Context, ciphertext []byte, keyRef string) ([]byte, error) {
	key := b.keyFor(keyRef)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("devstack: crypto: ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

// Capabilities is a reference CapabilityChecker: a static grant table.
type Capabilities struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool
}

func NewCapabilities() *Capabilities {
	return &Capabilities{grants: make(map[string]map[string]bool)}
}

// Grant gives principalID the named capability.
func (c *Capabilities) Grant(principalID, capability string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grants[principalID] == nil {
		c.grants[principalID] = make(map[string]bool)
	}
	c.grants[principalID][capability] = true
}

func (c *Capabilities) HasCapability(_ context.Context, principalID, capability string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.grants[principalID][capability]
}
