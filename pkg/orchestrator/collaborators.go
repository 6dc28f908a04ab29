package orchestrator

import "context"

// TrustProvider is §6's external TrustProvider collaborator, called once
// per request before fan-out.
type TrustProvider interface {
	EvaluateTrust(ctx context.Context, userID string, reqContext map[string]any) (trustScore float64, riskLevel string, factors map[string]float64, err error)
}

// AuditSink is §6's external AuditSink collaborator, the same interface
// pkg/audit implements and pkg/decrypt consumes.
type AuditSink interface {
	Append(ctx context.Context, payload []byte) (uint64, error)
}

// ConsensusDriver abstracts the BFT round of §4.2 that the orchestrator
// drives on this node's behalf: propose a value for sequence seq and block
// until the committee decides (or the round times out / fails).
type ConsensusDriver interface {
	Decide(ctx context.Context, seq uint64, value []byte) ([]byte, error)
	Metrics() map[string]any
	State(seq uint64) map[string]any
}

// SensitivityAuthorizer gates EXECUTED status for requests marked
// Request.Sensitive behind an external threshold-cryptographic or
// multi-party authorization decision (§1: "the request succeeds only
// when the committee reaches agreement AND, when the operation is
// sensitive, an m-of-n threshold-share reconstruction authorizes it").
type SensitivityAuthorizer interface {
	Authorize(ctx context.Context, req Request, result Result) (bool, string, error)
}
