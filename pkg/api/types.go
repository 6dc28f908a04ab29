package api

// API request/response types for REST endpoints and WebSocket messages.

// ==============================
// REST Request Types
// ==============================

// DecisionRequest is the payload for POST /api/v1/decisions.
type DecisionRequest struct {
	Type        string         `json:"type"`
	RequestorID string         `json:"requestorId"`
	Context     map[string]any `json:"context"`
	Priority    int            `json:"priority"`
	TimeoutMs   int64          `json:"timeoutMs"`
	Sensitive   bool           `json:"sensitive"`
}

// OverrideRequest is the payload for POST /api/v1/decisions/{id}/override.
type OverrideRequest struct {
	Decision string `json:"decision"` // "ALLOW" or "DENY"
	Reason   string `json:"reason"`
}

// ==============================
// REST Response Types
// ==============================

// VerdictView is one committee member's evaluation of a request.
type VerdictView struct {
	AgentID        string   `json:"agentId"`
	Role           string   `json:"role"`
	Decision       string   `json:"decision"`
	Confidence     float64  `json:"confidence"`
	TrustScore     float64  `json:"trustScore"`
	Reasoning      string             `json:"reasoning"`
	RiskFactors    map[string]float64 `json:"riskFactors"`
	ProcessingTime int64              `json:"processingTimeMs"`
}

// DecisionView is the JSON projection of an orchestrator.Result.
type DecisionView struct {
	RequestID           string        `json:"requestId"`
	FinalDecision        string        `json:"finalDecision"`
	ConsensusConfidence  float64       `json:"consensusConfidence"`
	Participants         []string      `json:"participants"`
	Verdicts             []VerdictView `json:"verdicts"`
	ConsensusMetrics      map[string]any `json:"consensusMetrics,omitempty"`
	ExecutionTimeMs      int64         `json:"executionTimeMs"`
	Status               string        `json:"status"`
	Timestamp            int64         `json:"timestamp"`
	Reason               string        `json:"reason,omitempty"`
}

// AuditEntryView is the JSON projection of an audit.Entry.
type AuditEntryView struct {
	Index     uint64 `json:"index"`
	PrevHash  string `json:"prevHash"`
	EntryHash string `json:"entryHash"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

// AuditProofView is the JSON projection of an audit.Proof.
type AuditProofView struct {
	Index             uint64   `json:"index"`
	PrevHash          string   `json:"prevHash"`
	EntryHash         string   `json:"entryHash"`
	NeighborsUpToRoot []string `json:"neighborsUpToRoot"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages.
type WSMessage struct {
	Type string `json:"type"` // "decision"
	Data any    `json:"data"`
}

// WSSubscribeRequest is sent by a client to subscribe to channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// DecisionUpdate is broadcast on the "decisions" channel whenever a
// request reaches a terminal status.
type DecisionUpdate struct {
	Type string       `json:"type"` // "decision"
	Data DecisionView `json:"data"`
}
