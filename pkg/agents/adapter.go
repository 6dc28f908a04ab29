package agents

import "context"

// Context is the opaque, hashable context mapping §3 describes for a
// DecisionRequest, passed through unchanged to every agent's Evaluate call.
type Context map[string]any

// AgentAdapter is §6's AgentAdapter collaborator: a pure-function contract
// that must be safe to call concurrently across requests, but at most once
// per (request_id, agent).
type AgentAdapter interface {
	Role() Role
	Evaluate(ctx context.Context, requestID string, reqContext Context, trustScore float64, history []Verdict) (Verdict, error)
}

// FallbackVerdict synthesizes the DENY/confidence=0/trust=0 verdict §4.1
// requires when an agent errors, times out, or has been deregistered
// mid-flight.
func FallbackVerdict(agentID string, role Role, reason string) Verdict {
	return Verdict{
		AgentID:     agentID,
		Role:        role,
		Decision:    DecisionDeny,
		Confidence:  0,
		TrustScore:  0,
		Reasoning:   reason,
		RiskFactors: map[string]float64{},
	}
}
