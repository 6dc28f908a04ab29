package decrypt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reliquary/core/pkg/rqerr"
	"github.com/reliquary/core/pkg/util"
)

// DefaultRequestLifetime is §6's decrypt_request_lifetime_s default.
const DefaultRequestLifetime = 300 * time.Second

type pendingState struct {
	request Request
	votes   []Vote
}

// Coordinator is the Multi-Party Decryption Coordinator of §4.5.
type Coordinator struct {
	mu sync.Mutex

	clock              util.Clock
	requestLifetime    time.Duration
	emergencyEnabled   bool
	voteSigningKey     []byte

	vault       VaultStore
	crypto      CryptoBackend
	caps        CapabilityChecker
	audit       AuditSink

	pending map[string]*pendingState

	totalRequests, successfulDecryptions, failedDecryptions, unauthorizedAttempts int64

	seq uint64
}

// Config configures a Coordinator.
type Config struct {
	Clock            util.Clock
	RequestLifetime  time.Duration
	EmergencyEnabled bool
	VoteSigningKey   []byte
	Vault            VaultStore
	Crypto           CryptoBackend
	Capabilities     CapabilityChecker
	Audit            AuditSink
}

func NewCoordinator(cfg Config) *Coordinator {
	lifetime := cfg.RequestLifetime
	if lifetime <= 0 {
		lifetime = DefaultRequestLifetime
	}
	return &Coordinator{
		clock:            cfg.Clock,
		requestLifetime:  lifetime,
		emergencyEnabled: cfg.EmergencyEnabled,
		voteSigningKey:   append([]byte(nil), cfg.VoteSigningKey...),
		vault:            cfg.Vault,
		crypto:           cfg.Crypto,
		caps:             cfg.Capabilities,
		audit:            cfg.Audit,
		pending:          make(map[string]*pendingState),
	}
}

func (c *Coordinator) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}

func (c *Coordinator) nextRequestID() string {
	n := atomic.AddUint64(&c.seq, 1)
	return fmt.Sprintf("decrypt_%d_%d", c.now().UnixNano(), n)
}

// RequestDecryption implements §4.5's request_decryption. level determines
// the quorum rule; requiredVotes supplies k for THRESHOLD_SHARES (the
// linked threshold scheme's threshold) and is ignored otherwise.
func (c *Coordinator) RequestDecryption(ctx context.Context, vaultID, dataID, requesterID, justification string, level AuthorizationLevel, emergency bool, requiredAgents []string, requiredVotes int) Response {
	start := c.now()
	atomic.AddInt64(&c.totalRequests, 1)

	req := Request{
		RequestID:      c.nextRequestID(),
		RequesterID:    requesterID,
		VaultID:        vaultID,
		DataID:         dataID,
		Level:          level,
		Justification:  justification,
		Emergency:      emergency,
		RequiredAgents: requiredAgents,
		RequiredVotes:  requiredVotes,
		CreatedAt:      start,
		ExpiresAt:      start.Add(c.requestLifetime),
	}

	auditEntry := fmt.Sprintf("decryption requested by %s for %s:%s", requesterID, vaultID, dataID)

	switch {
	case level == LevelSingleAgent:
		resp := c.performDecryption(ctx, req)
		resp.ProcessingTime = c.now().Sub(start)
		resp.AuditTrail = append([]string{auditEntry}, resp.AuditTrail...)
		c.recordAudit(ctx, req, &resp)
		return resp

	case emergency && c.emergencyEnabled:
		resp := c.emergencyDecryption(ctx, req, requesterID)
		resp.ProcessingTime = c.now().Sub(start)
		resp.AuditTrail = append([]string{auditEntry}, resp.AuditTrail...)
		resp.AuditTrail = append(resp.AuditTrail, "emergency override applied")
		c.recordAudit(ctx, req, &resp)
		return resp

	default:
		c.mu.Lock()
		c.pending[req.RequestID] = &pendingState{request: req}
		c.mu.Unlock()

		return Response{
			RequestID: req.RequestID,
			Status:    StatusPendingConsensus,
			Success:   false,
			AuthorizationDetails: map[string]any{
				"required_level":  level,
				"required_votes":  c.requiredVotesFor(req),
				"current_votes":   0,
				"expiration_time": req.ExpiresAt,
			},
			ConsensusDetails: map[string]any{
				"initiated":       true,
				"required_agents": requiredAgents,
				"emergency":       emergency,
			},
			ProcessingTime: c.now().Sub(start),
			AuditTrail:     []string{auditEntry, "consensus process initiated"},
		}
	}
}

// Vote implements §4.5's vote operation.
func (c *Coordinator) Vote(ctx context.Context, requestID, agentID string, approve bool, confidence float64, reasoning string) (Response, bool, error) {
	c.mu.Lock()
	state, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return Response{}, false, fmt.Errorf("decrypt: vote: %w: %s", rqerr.ErrNotFound, requestID)
	}

	now := c.now()
	if state.request.expired(now) {
		delete(c.pending, requestID)
		c.mu.Unlock()
		return Response{}, false, fmt.Errorf("decrypt: vote: %w: request expired", rqerr.ErrTimeout)
	}

	if len(state.request.RequiredAgents) > 0 && !contains(state.request.RequiredAgents, agentID) {
		c.mu.Unlock()
		return Response{}, false, fmt.Errorf("decrypt: vote: %w: agent %s not authorized for this request", rqerr.ErrUnauthorized, agentID)
	}

	for _, v := range state.votes {
		if v.AgentID == agentID {
			c.mu.Unlock()
			return Response{}, false, fmt.Errorf("decrypt: vote: %w: agent %s already voted", rqerr.ErrInternal, agentID)
		}
	}

	vote := Vote{
		AgentID:    agentID,
		Approve:    approve,
		Confidence: confidence,
		Reasoning:  reasoning,
		Timestamp:  now,
	}
	vote.Signature = c.signVote(requestID, agentID, approve, now)
	state.votes = append(state.votes, vote)

	reached, approved, approvalVotes, totalVotes, required := c.checkConsensus(state.request, state.votes)

	if !reached {
		votes := len(state.votes)
		c.mu.Unlock()
		return Response{
			Success: true,
			ConsensusDetails: map[string]any{
				"consensus_reached": false,
				"votes_received":    votes,
				"votes_needed":      required,
			},
		}, false, nil
	}

	delete(c.pending, requestID)
	c.mu.Unlock()

	if approved {
		resp := c.performDecryption(ctx, state.request)
		resp.ConsensusDetails = map[string]any{
			"consensus_reached": true,
			"approved":          true,
			"approval_votes":    approvalVotes,
			"total_votes":       totalVotes,
		}
		c.recordAudit(ctx, state.request, &resp)
		return resp, true, nil
	}

	atomic.AddInt64(&c.unauthorizedAttempts, 1)
	resp := Response{
		RequestID: requestID,
		Status:    StatusUnauthorized,
		Success:   false,
		ConsensusDetails: map[string]any{
			"consensus_reached": true,
			"approved":          false,
			"reason":            "consensus denied decryption request",
		},
		AuditTrail: []string{"consensus denied decryption request"},
	}
	c.recordAudit(ctx, state.request, &resp)
	return resp, true, nil
}

// requiredVotesFor computes the quorum size for a request's level, per
// §4.5's table, generalized over n = len(RequiredAgents) rather than a
// fixed committee size.
func (c *Coordinator) requiredVotesFor(req Request) int {
	n := len(req.RequiredAgents)
	switch req.Level {
	case LevelSingleAgent, LevelAdministrative:
		return 1
	case LevelMajority:
		if n == 0 {
			n = 1
		}
		return n/2 + 1
	case LevelUnanimous:
		if n == 0 {
			n = 1
		}
		return n
	case LevelThresholdShares:
		if req.RequiredVotes > 0 {
			return req.RequiredVotes
		}
		return 1
	default:
		return 1
	}
}

// checkConsensus mirrors the quorum semantics of §4.5's table.
func (c *Coordinator) checkConsensus(req Request, votes []Vote) (reached, approved bool, approvalVotes, totalVotes, required int) {
	required = c.requiredVotesFor(req)
	totalVotes = len(votes)
	for _, v := range votes {
		if v.Approve {
			approvalVotes++
		}
	}

	switch req.Level {
	case LevelMajority:
		reached = totalVotes >= required
		approved = reached && approvalVotes > totalVotes/2
	case LevelUnanimous:
		reached = totalVotes >= required
		approved = reached && approvalVotes == totalVotes
	case LevelThresholdShares:
		reached = approvalVotes >= required
		approved = reached
	case LevelAdministrative:
		reached = totalVotes >= required
		approved = reached && approvalVotes >= required
	default:
		reached = totalVotes >= required
		approved = reached && approvalVotes >= required
	}
	return
}

func (c *Coordinator) performDecryption(ctx context.Context, req Request) Response {
	if c.vault == nil || c.crypto == nil {
		atomic.AddInt64(&c.failedDecryptions, 1)
		return Response{
			RequestID:    req.RequestID,
			Status:       StatusError,
			Success:      false,
			ErrorMessage: "no vault backend configured",
			AuditTrail:   []string{"decryption operation error: no vault backend configured"},
		}
	}

	ciphertext, keyRef, err := c.vault.Load(ctx, req.VaultID, req.DataID)
	if err != nil {
		atomic.AddInt64(&c.failedDecryptions, 1)
		return Response{
			RequestID:    req.RequestID,
			Status:       StatusError,
			Success:      false,
			ErrorMessage: err.Error(),
			AuditTrail:   []string{"encrypted data not found in vault"},
		}
	}

	plaintext, err := c.crypto.Decrypt(ctx, ciphertext, keyRef)
	if err != nil {
		atomic.AddInt64(&c.failedDecryptions, 1)
		return Response{
			RequestID:    req.RequestID,
			Status:       StatusError,
			Success:      false,
			ErrorMessage: err.Error(),
			AuditTrail:   []string{"cryptographic decryption failed"},
		}
	}

	atomic.AddInt64(&c.successfulDecryptions, 1)
	return Response{
		RequestID:     req.RequestID,
		Status:        StatusAuthorized,
		Success:       true,
		DecryptedData: plaintext,
		AuthorizationDetails: map[string]any{
			"authorized_by":      req.RequesterID,
			"authorization_level": req.Level,
			"justification":       req.Justification,
		},
		AuditTrail: []string{
			fmt.Sprintf("decryption authorized for %s:%s", req.VaultID, req.DataID),
			"data decrypted successfully",
		},
	}
}

// emergencyDecryption implements §4.5's emergency path: keyword-validated
// justification plus an externally-checked capability.
func (c *Coordinator) emergencyDecryption(ctx context.Context, req Request, requesterID string) Response {
	if !req.Emergency || !justificationHasEmergencyKeyword(req.Justification) {
		atomic.AddInt64(&c.unauthorizedAttempts, 1)
		return Response{
			RequestID:    req.RequestID,
			Status:       StatusUnauthorized,
			Success:      false,
			ErrorMessage: "emergency request validation failed",
			AuditTrail:   []string{"emergency validation failed: no emergency keyword in justification"},
		}
	}
	if c.caps != nil && !c.caps.HasCapability(ctx, requesterID, "emergency_override") {
		atomic.AddInt64(&c.unauthorizedAttempts, 1)
		return Response{
			RequestID:    req.RequestID,
			Status:       StatusUnauthorized,
			Success:      false,
			ErrorMessage: "emergency request validation failed",
			AuditTrail:   []string{"emergency validation failed: requester lacks emergency_override capability"},
		}
	}

	resp := c.performDecryption(ctx, req)
	if resp.AuthorizationDetails == nil {
		resp.AuthorizationDetails = map[string]any{}
	}
	resp.AuthorizationDetails["emergency_override"] = true
	resp.AuditTrail = append(resp.AuditTrail, "emergency decryption performed")
	return resp
}

func justificationHasEmergencyKeyword(justification string) bool {
	lower := strings.ToLower(justification)
	for _, kw := range emergencyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// signVote produces an HMAC-SHA256 signature over (request_id, agent_id,
// approve, timestamp), per §4.5's "every vote is signed" requirement.
func (c *Coordinator) signVote(requestID, agentID string, approve bool, ts time.Time) []byte {
	mac := hmac.New(sha256.New, c.voteSigningKey)
	mac.Write([]byte(requestID))
	mac.Write([]byte(agentID))
	mac.Write([]byte(strconv.FormatBool(approve)))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	mac.Write(tsBuf[:])
	return mac.Sum(nil)
}

// Pending implements §4.5's pending() accessor, projecting remaining time
// to expiry for every non-expired request.
func (c *Coordinator) Pending() []PendingSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]PendingSummary, 0, len(c.pending))
	for id, state := range c.pending {
		if state.request.expired(now) {
			continue
		}
		remaining := state.request.ExpiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, PendingSummary{
			RequestID:     id,
			VaultID:       state.request.VaultID,
			DataID:        state.request.DataID,
			RequesterID:   state.request.RequesterID,
			Level:         state.request.Level,
			Emergency:     state.request.Emergency,
			VotesReceived: len(state.votes),
			VotesNeeded:   c.requiredVotesFor(state.request),
			TimeRemaining: remaining,
		})
	}
	return out
}

// ReapExpired sweeps expired requests out of the pending map, returning how
// many were removed. Callers run this periodically rather than relying on
// expiry being caught only at the next vote.
func (c *Coordinator) ReapExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, state := range c.pending {
		if state.request.expired(now) {
			delete(c.pending, id)
			removed++
		}
	}
	return removed
}

// Metrics implements §4.5's metrics() accessor.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	pendingCount := len(c.pending)
	c.mu.Unlock()

	total := atomic.LoadInt64(&c.totalRequests)
	success := atomic.LoadInt64(&c.successfulDecryptions)
	m := Metrics{
		TotalRequests:         total,
		SuccessfulDecryptions: success,
		FailedDecryptions:     atomic.LoadInt64(&c.failedDecryptions),
		UnauthorizedAttempts:  atomic.LoadInt64(&c.unauthorizedAttempts),
		PendingRequests:       pendingCount,
	}
	if total > 0 {
		m.SuccessRate = float64(success) / float64(total)
	}
	return m
}

// recordAudit appends exactly one audit entry for a completed decryption
// request; an emergency approval's entry carries an emergency_override=true
// marker and the justification. Requests that expire (dropped by Vote or
// ReapExpired) get no audit entry. Per §7, an audit-sink failure is fatal to the
// request: it clears any decrypted payload and fails resp in place, the
// same audit-fatal-to-request rule orchestrator.finalizeAudit applies to
// decisions.
func (c *Coordinator) recordAudit(ctx context.Context, req Request, resp *Response) {
	if c.audit == nil {
		return
	}
	entry := fmt.Sprintf("decrypt request=%s vault=%s:%s status=%s success=%t",
		req.RequestID, req.VaultID, req.DataID, resp.Status, resp.Success)
	if override, _ := resp.AuthorizationDetails["emergency_override"].(bool); override {
		entry += fmt.Sprintf(" emergency_override=true justification=%q", req.Justification)
	}
	if _, err := c.audit.Append(ctx, []byte(entry)); err != nil {
		resp.Success = false
		resp.Status = StatusError
		resp.DecryptedData = nil
		resp.ErrorMessage = "audit append failed: " + err.Error()
	}
}

// VoteSignatureHex is a convenience accessor for tests/logging.
func VoteSignatureHex(v Vote) string {
	return hex.EncodeToString(v.Signature)
}
