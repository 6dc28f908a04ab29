// Package decrypt implements the Multi-Party Decryption Coordinator of
// §4.5: it gates decryption of a vault payload behind an authorization-vote
// quorum whose shape depends on the request's AuthorizationLevel.
package decrypt

import "time"

// AuthorizationLevel selects the quorum rule a decryption request must
// satisfy before VaultStore.Load is ever invoked.
type AuthorizationLevel string

const (
	LevelSingleAgent      AuthorizationLevel = "single_agent"
	LevelMajority         AuthorizationLevel = "majority_consensus"
	LevelUnanimous        AuthorizationLevel = "unanimous_consensus"
	LevelThresholdShares  AuthorizationLevel = "threshold_shares"
	LevelAdministrative   AuthorizationLevel = "administrative"
)

// Status is the lifecycle state of a decryption request.
type Status string

const (
	StatusAuthorized        Status = "authorized"
	StatusUnauthorized      Status = "unauthorized"
	StatusPendingConsensus  Status = "pending_consensus"
	StatusInsufficientShares Status = "insufficient_shares"
	StatusError             Status = "error"
	StatusTimeout            Status = "timeout"
)

// Request is a single pending or completed decryption request.
type Request struct {
	RequestID       string
	RequesterID     string
	VaultID         string
	DataID          string
	Level           AuthorizationLevel
	Justification   string
	Emergency       bool
	RequiredAgents  []string
	RequiredVotes   int // scheme threshold k, only meaningful for LevelThresholdShares
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

func (r Request) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Vote is one agent's authorization vote on a pending request.
type Vote struct {
	AgentID   string
	Approve   bool
	Confidence float64
	Reasoning string
	Timestamp time.Time
	Signature []byte
}

// Response is the outcome of request_decryption or the terminal outcome of
// a vote that completed consensus.
type Response struct {
	RequestID           string
	Status              Status
	Success             bool
	DecryptedData       []byte
	ErrorMessage        string
	AuthorizationDetails map[string]any
	ConsensusDetails     map[string]any
	ProcessingTime       time.Duration
	AuditTrail           []string
}

// PendingSummary is one entry of the pending() accessor.
type PendingSummary struct {
	RequestID      string
	VaultID        string
	DataID         string
	RequesterID    string
	Level          AuthorizationLevel
	Emergency      bool
	VotesReceived  int
	VotesNeeded    int
	TimeRemaining  time.Duration
}

// Metrics is the accessor payload for the coordinator's metrics() operation.
type Metrics struct {
	TotalRequests         int64
	SuccessfulDecryptions int64
	FailedDecryptions     int64
	UnauthorizedAttempts  int64
	SuccessRate           float64
	PendingRequests       int
}

// emergencyKeywords is the fixed vocabulary §4.5 requires a justification
// to contain for the emergency path to apply.
var emergencyKeywords = []string{"emergency", "critical", "urgent", "incident", "breach"}
