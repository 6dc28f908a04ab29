package threshold

import (
	"encoding/json"
	"math/big"
	"testing"
)

// memPersister is a minimal in-memory Persister fake, the same kind of
// hand-built stand-in the orchestrator and decrypt tests use in place of a
// real pkg/storage backend.
type memPersister struct {
	schemes map[string][]byte
	shares  map[string]map[int][]byte
}

func newMemPersister() *memPersister {
	return &memPersister{schemes: map[string][]byte{}, shares: map[string]map[int][]byte{}}
}

func (p *memPersister) SaveScheme(schemeID string, config any) error {
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	p.schemes[schemeID] = data
	return nil
}

func (p *memPersister) LoadScheme(schemeID string, out any) (bool, error) {
	data, ok := p.schemes[schemeID]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (p *memPersister) SaveShare(schemeID string, partyID int, share any) error {
	data, err := json.Marshal(share)
	if err != nil {
		return err
	}
	if p.shares[schemeID] == nil {
		p.shares[schemeID] = map[int][]byte{}
	}
	p.shares[schemeID][partyID] = data
	return nil
}

func (p *memPersister) LoadShares(schemeID string, decodeOne func(raw []byte) error) error {
	for _, raw := range p.shares[schemeID] {
		if err := decodeOne(raw); err != nil {
			return err
		}
	}
	return nil
}

func (p *memPersister) ListSchemeIDs() ([]string, error) {
	ids := make([]string, 0, len(p.schemes))
	for id := range p.schemes {
		ids = append(ids, id)
	}
	return ids, nil
}

var _ Persister = (*memPersister)(nil)

func TestEngineWithPersisterSurvivesRestart(t *testing.T) {
	store := newMemPersister()

	e, err := NewEngineWithPersister(128, []byte("test-master-secret"), nil, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	schemeID, err := e.CreateScheme(SchemeShamir, 3, 5, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secret := big.NewInt(99)
	if _, err := e.ShareSecret(schemeID, secret); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate a process restart: a fresh engine over the same store must
	// replay the scheme and its shares without re-sharing.
	restarted, err := NewEngineWithPersister(128, []byte("test-master-secret"), nil, store)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	cfg, count, ok := restarted.SchemeInfo(schemeID)
	if !ok {
		t.Fatalf("expected replayed scheme %s to be present", schemeID)
	}
	if count != 5 {
		t.Fatalf("expected 5 replayed shares, got %d", count)
	}
	if cfg.Threshold != 3 || cfg.TotalParties != 5 {
		t.Fatalf("unexpected replayed config: %+v", cfg)
	}

	restarted.mu.Lock()
	shares := restarted.shares[schemeID]
	restarted.mu.Unlock()
	result, err := restarted.ReconstructSecret(schemeID, shares, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := new(big.Int).SetBytes(result.ReconstructedSecret)
	if got.Cmp(secret) != 0 {
		t.Fatalf("expected replayed shares to reconstruct %s, got %s", secret, got)
	}
}

func testEngine() *Engine {
	return NewEngine(128, []byte("test-master-secret"), nil)
}

// S4: Shamir round-trip — sharing then reconstructing with exactly
// threshold shares must recover the original secret.
func TestShamirRoundTrip(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeShamir, 3, 5, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	secret := big.NewInt(424242)
	shares, err := e.ShareSecret(schemeID, secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shares) != 5 {
		t.Fatalf("expected 5 shares, got %d", len(shares))
	}

	subset := map[int]SecretShare{}
	count := 0
	for pid, s := range shares {
		if count >= 3 {
			break
		}
		subset[pid] = s
		count++
	}

	result, err := e.ReconstructSecret(schemeID, subset, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected reconstruction to succeed, got %s", result.ErrorMessage)
	}
	got := new(big.Int).SetBytes(result.ReconstructedSecret)
	if got.Cmp(secret) != 0 {
		t.Fatalf("expected reconstructed secret %s, got %s", secret, got)
	}
}

// S5: reconstruction below threshold must fail cleanly, not panic or
// return a wrong answer.
func TestShamirInsufficientShares(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeShamir, 3, 5, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shares, err := e.ShareSecret(schemeID, big.NewInt(99))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	subset := map[int]SecretShare{}
	for pid, s := range shares {
		subset[pid] = s
		break
	}

	result, err := e.ReconstructSecret(schemeID, subset, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected reconstruction to fail with only 1 of 3 required shares")
	}
}

// S6: a share whose value is tampered with after signing must be
// classified ValidationCorrupted by verified reconstruction, and
// reconstruction must fail if that leaves too few valid shares.
func TestShamirCorruptedShareDetected(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeShamir, 3, 3, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shares, err := e.ShareSecret(schemeID, big.NewInt(7777))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var tamperedID int
	for pid, s := range shares {
		s.ShareValue = append([]byte(nil), s.ShareValue...)
		if len(s.ShareValue) == 0 {
			s.ShareValue = []byte{1}
		}
		s.ShareValue[0] ^= 0xFF
		shares[pid] = s
		tamperedID = pid
		break
	}

	result, err := e.ReconstructSecret(schemeID, shares, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ValidationPerShare[tamperedID] != ValidationCorrupted {
		t.Fatalf("expected tampered share to be marked corrupted, got %s", result.ValidationPerShare[tamperedID])
	}
	if result.Success {
		t.Fatalf("expected reconstruction to fail once tampering drops valid shares below threshold")
	}
}

func TestVerifiableSecretSharingProducesCommitments(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeVerifiable, 2, 3, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.ShareSecret(schemeID, big.NewInt(555)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.mu.Lock()
	proof, ok := e.proofs[schemeID]
	e.mu.Unlock()
	if !ok {
		t.Fatalf("expected a verification proof to be published for a VSS scheme")
	}
	if len(proof.Commitments) != 2 {
		t.Fatalf("expected one commitment per polynomial coefficient (threshold=2), got %d", len(proof.Commitments))
	}
}

func TestMPCAdditiveRoundTrip(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeMPCAdditive, 3, 3, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secret := big.NewInt(123456)
	shares, err := e.ShareSecret(schemeID, secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := e.ReconstructSecret(schemeID, shares, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected MPC reconstruction to succeed, got %s", result.ErrorMessage)
	}
	got := new(big.Int).SetBytes(result.ReconstructedSecret)
	if got.Cmp(secret) != 0 {
		t.Fatalf("expected reconstructed secret %s, got %s", secret, got)
	}
}

func TestThresholdSignaturePlaceholderRoundTrip(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeThresholdSig, 3, 3, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgHash := big.NewInt(42)
	shares, err := e.ShareSecret(schemeID, msgHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shares) != 3 {
		t.Fatalf("expected 3 shares, got %d", len(shares))
	}

	result, err := e.ReconstructSecret(schemeID, shares, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected reconstruction to succeed, got %s", result.ErrorMessage)
	}
}

func TestThresholdSignatureBLSProducesVerifiableAggregate(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeThresholdSig, 2, 3, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgHash := big.NewInt(9001)
	shares, err := e.ShareSecret(schemeID, msgHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := e.ReconstructSecret(schemeID, shares, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected BLS threshold signature combination to succeed, got %s", result.ErrorMessage)
	}
	if len(result.ReconstructedSecret) == 0 {
		t.Fatalf("expected a non-empty aggregate signature")
	}
}

func TestRefreshSharesPreservesSecret(t *testing.T) {
	e := testEngine()
	schemeID, err := e.CreateScheme(SchemeShamir, 2, 3, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secret := big.NewInt(31337)
	if _, err := e.ShareSecret(schemeID, secret); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newShares, err := e.RefreshShares(schemeID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := e.ReconstructSecret(schemeID, newShares, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := new(big.Int).SetBytes(result.ReconstructedSecret)
	if got.Cmp(secret) != 0 {
		t.Fatalf("expected refresh to preserve the secret, got %s want %s", got, secret)
	}
}

func TestReconstructUnknownSchemeErrors(t *testing.T) {
	e := testEngine()
	_, err := e.ReconstructSecret("does-not-exist", map[int]SecretShare{}, false)
	if err == nil {
		t.Fatalf("expected error reconstructing an unknown scheme")
	}
}

func TestCreateSchemeRejectsThresholdAboveTotal(t *testing.T) {
	e := testEngine()
	if _, err := e.CreateScheme(SchemeShamir, 5, 3, nil, false); err == nil {
		t.Fatalf("expected error when threshold exceeds total parties")
	}
}

func TestMetricsTracksSuccessAndFailure(t *testing.T) {
	e := testEngine()
	schemeID, _ := e.CreateScheme(SchemeShamir, 2, 3, nil, false)
	_, _ = e.ShareSecret(schemeID, big.NewInt(1))
	_, _ = e.ShareSecret("unknown", big.NewInt(1))

	m := e.Metrics()
	if m.TotalOperations != 2 {
		t.Fatalf("expected 2 total operations, got %d", m.TotalOperations)
	}
	if m.SuccessfulOperations != 1 || m.FailedOperations != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %+v", m)
	}
}
