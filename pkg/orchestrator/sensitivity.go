package orchestrator

import (
	"context"
	"fmt"

	"github.com/reliquary/core/pkg/threshold"
)

// ThresholdAuthorizer implements SensitivityAuthorizer (§1: "when the
// operation is sensitive, an m-of-n threshold-share reconstruction
// authorizes it") on top of the Threshold Cryptography Engine: a sensitive
// request must carry enough shares in its context, under
// AuthorizationSharesKey, for the named scheme to reconstruct.
type ThresholdAuthorizer struct {
	engine   *threshold.Engine
	schemeOf func(Request) string
}

// AuthorizationSharesKey is the Request.Context key carrying the
// map[int]threshold.SecretShare a sensitive request supplies as its
// authorization evidence.
const AuthorizationSharesKey = "authorization_shares"

// NewThresholdAuthorizer builds a ThresholdAuthorizer. schemeOf maps a
// request to the threshold scheme_id that gates it; callers with a single
// shared authorization scheme can pass a constant function.
func NewThresholdAuthorizer(engine *threshold.Engine, schemeOf func(Request) string) *ThresholdAuthorizer {
	return &ThresholdAuthorizer{engine: engine, schemeOf: schemeOf}
}

func (a *ThresholdAuthorizer) Authorize(_ context.Context, req Request, _ Result) (bool, string, error) {
	schemeID := a.schemeOf(req)
	if schemeID == "" {
		return false, "no authorization scheme configured for this request", nil
	}

	raw, ok := req.Context[AuthorizationSharesKey]
	if !ok {
		return false, "no authorization shares supplied for sensitive operation", nil
	}
	shares, ok := raw.(map[int]threshold.SecretShare)
	if !ok || len(shares) == 0 {
		return false, "authorization_shares has the wrong shape", nil
	}

	result, err := a.engine.ReconstructSecret(schemeID, shares, true)
	if err != nil {
		return false, "threshold reconstruction error", fmt.Errorf("sensitivity authorizer: %w", err)
	}
	if !result.Success {
		return false, "threshold reconstruction failed: " + result.ErrorMessage, nil
	}
	return true, "threshold reconstruction authorized", nil
}
