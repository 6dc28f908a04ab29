package decrypt

import "context"

// VaultStore is §6's external VaultStore collaborator: side-effect-free on
// read, and the coordinator never calls Load until authorization has
// already been granted.
type VaultStore interface {
	Load(ctx context.Context, vaultID, dataID string) (ciphertext []byte, keyRef string, err error)
	Exists(ctx context.Context, vaultID, dataID string) bool
}

// CryptoBackend is §6's external CryptoBackend collaborator.
type CryptoBackend interface {
	Decrypt(ctx context.Context, ciphertext []byte, keyRef string) ([]byte, error)
}

// CapabilityChecker reports whether requesterID holds a named capability
// (e.g. "admin" for ADMINISTRATIVE approvals, "emergency_override" for the
// emergency path). The core treats capability and identity verification as
// an external collaborator's concern per §1's scope note on the auth
// stack.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, principalID string, capability string) bool
}

// AuditSink is §6's external AuditSink collaborator, the same interface
// pkg/audit implements.
type AuditSink interface {
	Append(ctx context.Context, payload []byte) (uint64, error)
}
