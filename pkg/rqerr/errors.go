// Package rqerr defines the error kinds shared across the decision engine.
//
// Every boundary in the core returns one of these sentinels (wrapped with
// fmt.Errorf("...: %w", ...) for context) instead of a bespoke error type per
// package, so callers can branch with errors.Is regardless of which
// component produced the failure.
package rqerr

import "errors"

var (
	// ErrTimeout: request deadline exceeded. Terminal; surfaces to the caller.
	ErrTimeout = errors.New("rqerr: deadline exceeded")

	// ErrConsensusFailed: BFT rounds exhausted or view changes diverged.
	// Terminal; the orchestrator converts this into a DENY result.
	ErrConsensusFailed = errors.New("rqerr: consensus failed")

	// ErrInsufficientShares: reconstruction attempted below threshold k.
	ErrInsufficientShares = errors.New("rqerr: insufficient shares")

	// ErrShareInvalid: a share failed signature or age verification.
	ErrShareInvalid = errors.New("rqerr: share invalid")

	// ErrShareCorrupted: a share's signature verified against a different
	// value than it carries (tamper detected), distinct from ErrShareInvalid.
	ErrShareCorrupted = errors.New("rqerr: share corrupted")

	// ErrShareDuplicate: two shares were submitted for the same party_id.
	ErrShareDuplicate = errors.New("rqerr: duplicate share")

	// ErrNotFound: unknown request_id, scheme_id, agent, or vault datum.
	ErrNotFound = errors.New("rqerr: not found")

	// ErrCapacityExceeded: over the queue or concurrency cap.
	ErrCapacityExceeded = errors.New("rqerr: capacity exceeded")

	// ErrUnauthorized: a capability check failed. The core maps this to DENY
	// wherever it surfaces in a decision path.
	ErrUnauthorized = errors.New("rqerr: unauthorized")

	// ErrInternal: unexpected failure. Always produces a DENY terminal
	// result plus an audit entry at the orchestrator boundary.
	ErrInternal = errors.New("rqerr: internal error")
)
