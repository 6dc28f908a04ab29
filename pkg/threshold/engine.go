package threshold

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/reliquary/core/pkg/rqerr"
	"github.com/reliquary/core/pkg/util"
)

// DefaultMaxShareAge is §4.3's default share freshness window.
const DefaultMaxShareAge = time.Hour

// Persister durably stores scheme configs and shares per §6's "Persisted
// state layout" (`{scheme_id -> config}`, `{scheme_id -> {party_id ->
// share}}`). A nil Persister makes Engine purely in-memory; this mirrors
// audit.Persister's optional-durability shape.
type Persister interface {
	SaveScheme(schemeID string, config any) error
	LoadScheme(schemeID string, out any) (bool, error)
	SaveShare(schemeID string, partyID int, share any) error
	LoadShares(schemeID string, decodeOne func(raw []byte) error) error
	ListSchemeIDs() ([]string, error)
}

// Engine is the Threshold Cryptography Engine of §4.3: it creates scheme
// instances, generates and reconstructs shares under any of the four
// scheme families, and can re-share a secret without changing its value.
type Engine struct {
	mu sync.Mutex

	securityLevel int
	prime         *big.Int
	generator     *big.Int
	masterSecret  []byte

	maxShareAge time.Duration
	clock       util.Clock
	persist     Persister

	schemes map[string]SchemeConfig
	shares  map[string]map[int]SecretShare
	proofs  map[string]VerificationProof

	totalOps, successOps, failedOps int64
	totalDuration                   time.Duration
}

// NewEngine builds an engine at the given security level (128/192/256/384/
// 512 bits, per §6's security_level_bits). masterSecret seeds the per-scheme
// share-signing keys; callers should supply deployment-specific entropy
// rather than the zero value.
func NewEngine(securityLevel int, masterSecret []byte, clock util.Clock) *Engine {
	return newEngine(securityLevel, masterSecret, clock, nil)
}

// NewEngineWithPersister builds an engine that durably persists every
// created scheme and generated share through persist, and replays any
// state persist already holds (e.g. from a prior process) before
// returning. Pass a nil persist for the pure in-memory behavior of
// NewEngine.
func NewEngineWithPersister(securityLevel int, masterSecret []byte, clock util.Clock, persist Persister) (*Engine, error) {
	e := newEngine(securityLevel, masterSecret, clock, persist)
	if persist == nil {
		return e, nil
	}
	if err := e.loadPersisted(); err != nil {
		return nil, fmt.Errorf("threshold: replay persisted state: %w", err)
	}
	return e, nil
}

func newEngine(securityLevel int, masterSecret []byte, clock util.Clock, persist Persister) *Engine {
	prime := SecurePrime(securityLevel)
	return &Engine{
		securityLevel: securityLevel,
		prime:         prime,
		generator:     FindGenerator(prime),
		masterSecret:  append([]byte(nil), masterSecret...),
		maxShareAge:   DefaultMaxShareAge,
		clock:         clock,
		persist:       persist,
		schemes:       make(map[string]SchemeConfig),
		shares:        make(map[string]map[int]SecretShare),
		proofs:        make(map[string]VerificationProof),
	}
}

// loadPersisted replays every scheme and share persist already holds,
// e.g. after a process restart. Proofs (VSS commitments) are not
// persisted — a freshly-started engine that needs to re-verify VSS shares
// against commitments must hold EnableVerification shares' signatures
// instead, which remain valid across restarts.
func (e *Engine) loadPersisted() error {
	ids, err := e.persist.ListSchemeIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		var cfg SchemeConfig
		ok, err := e.persist.LoadScheme(id, &cfg)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		shares := make(map[int]SecretShare)
		err = e.persist.LoadShares(id, func(raw []byte) error {
			var s SecretShare
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			shares[s.PartyID] = s
			return nil
		})
		if err != nil {
			return err
		}
		e.schemes[id] = cfg
		e.shares[id] = shares
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now()
}

func randomSchemeID(t SchemeType) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%s", t, hex.EncodeToString(buf))
}

// CreateScheme registers a new threshold scheme instance and returns its
// identifier.
func (e *Engine) CreateScheme(t SchemeType, threshold, totalParties int, partyIDs []int, enableVerification bool) (string, error) {
	if threshold > totalParties {
		return "", fmt.Errorf("threshold: create_scheme: %w: threshold %d exceeds total parties %d", rqerr.ErrInternal, threshold, totalParties)
	}
	if threshold < 1 {
		return "", fmt.Errorf("threshold: create_scheme: %w: threshold must be at least 1", rqerr.ErrInternal)
	}
	if partyIDs == nil {
		partyIDs = make([]int, totalParties)
		for i := range partyIDs {
			partyIDs[i] = i + 1
		}
	}
	if len(partyIDs) != totalParties {
		return "", fmt.Errorf("threshold: create_scheme: %w: party id count %d != total parties %d", rqerr.ErrInternal, len(partyIDs), totalParties)
	}

	id := randomSchemeID(t)
	cfg := SchemeConfig{
		Type:               t,
		Threshold:          threshold,
		TotalParties:       totalParties,
		SecurityLevel:      e.securityLevel,
		PartyIDs:           append([]int(nil), partyIDs...),
		EnableVerification: enableVerification,
		EnableProofs:       enableVerification && t == SchemeVerifiable,
		CreatedAt:          e.now(),
	}

	e.mu.Lock()
	e.schemes[id] = cfg
	e.shares[id] = make(map[int]SecretShare)
	persist := e.persist
	e.mu.Unlock()

	if persist != nil {
		if err := persist.SaveScheme(id, cfg); err != nil {
			return "", fmt.Errorf("threshold: create_scheme: persist: %w", err)
		}
	}
	return id, nil
}

// ShareSecret generates and stores shares of secret under scheme_id.
func (e *Engine) ShareSecret(schemeID string, secret *big.Int) (map[int]SecretShare, error) {
	start := e.now()

	e.mu.Lock()
	cfg, ok := e.schemes[schemeID]
	e.mu.Unlock()
	if !ok {
		e.recordOp(start, false)
		return nil, fmt.Errorf("threshold: share_secret: %w: %s", rqerr.ErrNotFound, schemeID)
	}

	var shares map[int]SecretShare
	var proof *VerificationProof
	var err error

	switch cfg.Type {
	case SchemeShamir, SchemeVerifiable:
		shares, proof, err = e.shamirShare(cfg, schemeID, secret)
	case SchemeThresholdSig:
		if cfg.EnableVerification {
			shares, err = e.thresholdSigShareBLS(cfg, schemeID, secret)
		} else {
			shares, err = e.thresholdSigShare(cfg, schemeID, secret)
		}
	case SchemeMPCAdditive:
		shares, err = e.mpcShare(cfg, schemeID, secret)
	default:
		err = fmt.Errorf("threshold: share_secret: unsupported scheme type %s", cfg.Type)
	}
	if err != nil {
		e.recordOp(start, false)
		return nil, err
	}

	if cfg.EnableVerification {
		for id, s := range shares {
			if serr := signShare(e.masterSecret, &s); serr != nil {
				e.recordOp(start, false)
				return nil, serr
			}
			shares[id] = s
		}
	}

	e.mu.Lock()
	e.shares[schemeID] = shares
	if proof != nil {
		e.proofs[schemeID] = *proof
	}
	persist := e.persist
	e.mu.Unlock()

	if persist != nil {
		for pid, s := range shares {
			if serr := persist.SaveShare(schemeID, pid, s); serr != nil {
				e.recordOp(start, false)
				return nil, fmt.Errorf("threshold: share_secret: persist: %w", serr)
			}
		}
	}

	e.recordOp(start, true)
	return shares, nil
}

func (e *Engine) shamirShare(cfg SchemeConfig, schemeID string, secret *big.Int) (map[int]SecretShare, *VerificationProof, error) {
	coefficients := make([]*big.Int, cfg.Threshold)
	coefficients[0] = new(big.Int).Mod(secret, e.prime)
	for i := 1; i < cfg.Threshold; i++ {
		c, err := randBelow(e.prime)
		if err != nil {
			return nil, nil, fmt.Errorf("threshold: random coefficient: %w", err)
		}
		coefficients[i] = c
	}

	shares := make(map[int]SecretShare, len(cfg.PartyIDs))
	algo := "shamir_ss"
	if cfg.Type == SchemeVerifiable {
		algo = "verifiable_ss"
	}
	for _, pid := range cfg.PartyIDs {
		x := big.NewInt(int64(pid))
		v := evaluatePolynomial(coefficients, x, e.prime)
		shares[pid] = SecretShare{
			PartyID:      pid,
			ShareValue:   v.Bytes(),
			SchemeID:     schemeID,
			Threshold:    cfg.Threshold,
			TotalParties: cfg.TotalParties,
			Algorithm:    algo,
			CreatedAt:    e.now(),
		}
	}

	var proof *VerificationProof
	if cfg.Type == SchemeVerifiable {
		commitments := make([][]byte, len(coefficients))
		for i, c := range coefficients {
			g := new(big.Int).Exp(e.generator, c, e.prime)
			commitments[i] = g.Bytes()
		}
		proof = &VerificationProof{
			ProofType:   "pedersen_commitment",
			Commitments: commitments,
			Generator:   e.generator.Bytes(),
			Prime:       e.prime.Bytes(),
			Threshold:   cfg.Threshold,
			CreatedAt:   e.now(),
		}
	}

	return shares, proof, nil
}

// thresholdSigShare produces the placeholder per-party partial signature
// §4.3 describes (sig_i = msg^i mod p); a production deployment would use
// the BLS-style threshold signer in pkg/crypto instead.
func (e *Engine) thresholdSigShare(cfg SchemeConfig, schemeID string, messageHash *big.Int) (map[int]SecretShare, error) {
	shares := make(map[int]SecretShare, len(cfg.PartyIDs))
	for _, pid := range cfg.PartyIDs {
		exp := big.NewInt(int64(pid))
		v := new(big.Int).Exp(messageHash, exp, e.prime)
		shares[pid] = SecretShare{
			PartyID:      pid,
			ShareValue:   v.Bytes(),
			SchemeID:     schemeID,
			Threshold:    cfg.Threshold,
			TotalParties: cfg.TotalParties,
			Algorithm:    "threshold_signature",
			CreatedAt:    e.now(),
		}
	}
	return shares, nil
}

func (e *Engine) mpcShare(cfg SchemeConfig, schemeID string, secret *big.Int) (map[int]SecretShare, error) {
	shares := make(map[int]SecretShare, len(cfg.PartyIDs))
	remaining := new(big.Int).Mod(secret, e.prime)

	for _, pid := range cfg.PartyIDs[:len(cfg.PartyIDs)-1] {
		r, err := randBelow(e.prime)
		if err != nil {
			return nil, fmt.Errorf("threshold: random mpc share: %w", err)
		}
		remaining.Sub(remaining, r)
		remaining.Mod(remaining, e.prime)

		shares[pid] = SecretShare{
			PartyID:      pid,
			ShareValue:   r.Bytes(),
			SchemeID:     schemeID,
			Threshold:    cfg.Threshold,
			TotalParties: cfg.TotalParties,
			Algorithm:    "mpc_additive",
			CreatedAt:    e.now(),
		}
	}

	last := cfg.PartyIDs[len(cfg.PartyIDs)-1]
	shares[last] = SecretShare{
		PartyID:      last,
		ShareValue:   remaining.Bytes(),
		SchemeID:     schemeID,
		Threshold:    cfg.Threshold,
		TotalParties: cfg.TotalParties,
		Algorithm:    "mpc_additive",
		CreatedAt:    e.now(),
	}
	return shares, nil
}

// ReconstructSecret recombines shares into the original secret. It never
// returns an error for share misbehavior — callers inspect
// ReconstructionResult.ValidationPerShare to see which parties failed.
func (e *Engine) ReconstructSecret(schemeID string, shares map[int]SecretShare, verify bool) (ReconstructionResult, error) {
	start := e.now()

	e.mu.Lock()
	cfg, ok := e.schemes[schemeID]
	e.mu.Unlock()
	if !ok {
		return ReconstructionResult{}, fmt.Errorf("threshold: reconstruct_secret: %w: %s", rqerr.ErrNotFound, schemeID)
	}

	if len(shares) < cfg.Threshold {
		return ReconstructionResult{
			Success:             false,
			ParticipatingShares: shareValues(shares),
			ReconstructionTime:  e.now().Sub(start),
			ErrorMessage:        fmt.Sprintf("Insufficient shares: %d < %d", len(shares), cfg.Threshold),
		}, nil
	}

	validation := map[int]ValidationResult{}
	usable := shares
	if verify {
		validation = e.verifyShares(shares)
		valid := make(map[int]SecretShare)
		for pid, s := range shares {
			if validation[pid] == ValidationValid {
				valid[pid] = s
			}
		}
		if len(valid) < cfg.Threshold {
			return ReconstructionResult{
				Success:             false,
				ParticipatingShares: shareValues(shares),
				ValidationPerShare:  validation,
				ReconstructionTime:  e.now().Sub(start),
				ErrorMessage:        fmt.Sprintf("insufficient valid shares: %d < %d", len(valid), cfg.Threshold),
			}, nil
		}
		usable = valid
	}

	var secret *big.Int
	switch cfg.Type {
	case SchemeShamir, SchemeVerifiable:
		secret = e.shamirReconstruct(cfg, usable)
	case SchemeThresholdSig:
		if cfg.EnableVerification {
			s, err := e.thresholdSigReconstructBLS(schemeID, usable)
			if err != nil {
				return ReconstructionResult{}, fmt.Errorf("threshold: reconstruct_secret: %w", err)
			}
			secret = s
		} else {
			secret = e.thresholdSigReconstruct(usable)
		}
	case SchemeMPCAdditive:
		secret = e.mpcReconstruct(usable)
	default:
		return ReconstructionResult{}, fmt.Errorf("threshold: reconstruct_secret: unsupported scheme type %s", cfg.Type)
	}

	return ReconstructionResult{
		Success:             true,
		ReconstructedSecret: secret.Bytes(),
		ParticipatingShares: shareValues(usable),
		ValidationPerShare:  validation,
		ReconstructionTime:  e.now().Sub(start),
	}, nil
}

func (e *Engine) shamirReconstruct(cfg SchemeConfig, shares map[int]SecretShare) *big.Int {
	points := make([]struct{ X, Y *big.Int }, 0, cfg.Threshold)
	count := 0
	for pid, s := range shares {
		if count >= cfg.Threshold {
			break
		}
		points = append(points, struct{ X, Y *big.Int }{
			X: big.NewInt(int64(pid)),
			Y: new(big.Int).SetBytes(s.ShareValue),
		})
		count++
	}
	return lagrangeReconstruct(points, e.prime)
}

func (e *Engine) thresholdSigReconstruct(shares map[int]SecretShare) *big.Int {
	sig := big.NewInt(1)
	for _, s := range shares {
		v := new(big.Int).SetBytes(s.ShareValue)
		sig.Mul(sig, v)
		sig.Mod(sig, e.prime)
	}
	return sig
}

func (e *Engine) mpcReconstruct(shares map[int]SecretShare) *big.Int {
	secret := big.NewInt(0)
	for _, s := range shares {
		v := new(big.Int).SetBytes(s.ShareValue)
		secret.Add(secret, v)
	}
	return secret.Mod(secret, e.prime)
}

func (e *Engine) verifyShares(shares map[int]SecretShare) map[int]ValidationResult {
	out := make(map[int]ValidationResult, len(shares))
	now := e.now()
	for pid, s := range shares {
		if now.Sub(s.CreatedAt) > e.maxShareAge {
			out[pid] = ValidationInvalid
			continue
		}
		if len(s.Signature) == 0 {
			out[pid] = ValidationValid
			continue
		}
		if verifyShareSignature(e.masterSecret, s) {
			out[pid] = ValidationValid
		} else {
			out[pid] = ValidationCorrupted
		}
	}
	return out
}

// RefreshShares reconstructs the secret and re-shares it under fresh
// randomness, replacing storage atomically, per §4.3's refresh_shares.
func (e *Engine) RefreshShares(schemeID string) (map[int]SecretShare, error) {
	e.mu.Lock()
	cfg, ok := e.schemes[schemeID]
	old := e.shares[schemeID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("threshold: refresh_shares: %w: %s", rqerr.ErrNotFound, schemeID)
	}
	if len(old) < cfg.Threshold {
		return nil, fmt.Errorf("threshold: refresh_shares: %w", rqerr.ErrInsufficientShares)
	}

	result, err := e.ReconstructSecret(schemeID, old, false)
	if err != nil || !result.Success {
		return nil, fmt.Errorf("threshold: refresh_shares: reconstruct failed: %s", result.ErrorMessage)
	}

	secret := new(big.Int).SetBytes(result.ReconstructedSecret)
	newShares, err := e.ShareSecret(schemeID, secret)
	if err != nil {
		return nil, err
	}
	return newShares, nil
}

// SchemeInfo reports the current configuration and share count for a
// scheme.
func (e *Engine) SchemeInfo(schemeID string) (SchemeConfig, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.schemes[schemeID]
	if !ok {
		return SchemeConfig{}, 0, false
	}
	return cfg, len(e.shares[schemeID]), true
}

func (e *Engine) recordOp(start time.Time, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalOps++
	if success {
		e.successOps++
	} else {
		e.failedOps++
	}
	e.totalDuration += e.now().Sub(start)
}

// Metrics returns a snapshot of the engine's performance counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := Metrics{
		TotalOperations:      e.totalOps,
		SuccessfulOperations: e.successOps,
		FailedOperations:     e.failedOps,
		ActiveSchemes:        len(e.schemes),
		SecurityLevel:        e.securityLevel,
	}
	if e.totalOps > 0 {
		m.SuccessRate = float64(e.successOps) / float64(e.totalOps)
		m.AverageOperationTime = e.totalDuration / time.Duration(e.totalOps)
	}
	return m
}

func shareValues(m map[int]SecretShare) []SecretShare {
	out := make([]SecretShare, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}
