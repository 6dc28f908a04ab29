// Package orchestrator implements the Decision Orchestrator of §4.1: the
// fan-out/fan-in coordinator that drives each access-decision request
// through AGENT_EVALUATION -> CONSENSUS -> FINALIZATION -> AUDIT_LOG ->
// COMPLETION, enforcing the request's overall timeout and back-pressure
// caps.
package orchestrator

import (
	"time"

	"github.com/reliquary/core/pkg/agents"
)

// DecisionType is §3's DecisionRequest.decision_type.
type DecisionType string

const (
	DecisionAccess            DecisionType = "ACCESS"
	DecisionPolicyUpdate      DecisionType = "POLICY_UPDATE"
	DecisionEmergencyOverride DecisionType = "EMERGENCY_OVERRIDE"
	DecisionTrustCalibration  DecisionType = "TRUST_CALIBRATION"
	DecisionMaintenance       DecisionType = "MAINTENANCE"
)

// Status is the per-request lifecycle state of §4.1's state machine:
// PENDING -> EVALUATING -> (CONSENSUS_REACHED | CONSENSUS_FAILED | TIMEOUT)
// -> (EXECUTED | FAILED). Only EXECUTED, FAILED, and TIMEOUT are terminal.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusEvaluating       Status = "EVALUATING"
	StatusConsensusReached Status = "CONSENSUS_REACHED"
	StatusConsensusFailed  Status = "CONSENSUS_FAILED"
	StatusExecuted         Status = "EXECUTED"
	StatusFailed           Status = "FAILED"
	StatusTimeout          Status = "TIMEOUT"
)

func (s Status) terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Request is §3's DecisionRequest: immutable once created by Orchestrate.
type Request struct {
	RequestID   string
	Type        DecisionType
	RequestorID string
	Context     agents.Context
	Priority    int // 1..10, 1 highest
	Timeout     time.Duration
	CreatedAt   time.Time
	// Sensitive marks an operation that must additionally clear a
	// threshold-cryptographic authorization gate (§1) before it is
	// considered EXECUTED, beyond committee/consensus agreement.
	Sensitive bool
}

// Result is §3's OrchestrationResult: the terminal value of a request's
// lifecycle.
type Result struct {
	RequestID            string
	FinalDecision        agents.Decision
	ConsensusConfidence  float64
	Participants         []string
	Verdicts             []agents.Verdict
	ConsensusMetrics     map[string]any
	ExecutionTime        time.Duration
	Status               Status
	Timestamp            time.Time
	Reason               string // populated on FAILED ("over_capacity", etc.)
}
