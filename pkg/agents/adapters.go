package agents

import (
	"context"
	"time"
)

// riskFactorFrom pulls whatever numeric-looking signals a caller placed in
// reqContext under well-known keys, defaulting absent ones to 0 so every
// adapter can reason about the same shape without a schema dependency.
func riskFactorFrom(reqContext Context, key string) float64 {
	v, ok := reqContext[key]
	if !ok {
		return 0
	}
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// neutralAdapter decides strictly on trust score against a middle-of-the-road
// threshold, with no bias either way. This is the committee's baseline.
type neutralAdapter struct{}

func NewNeutralAdapter() AgentAdapter { return neutralAdapter{} }

func (neutralAdapter) Role() Role { return RoleNeutral }

func (neutralAdapter) Evaluate(_ context.Context, _ string, reqContext Context, trustScore float64, _ []Verdict) (Verdict, error) {
	anomaly := riskFactorFrom(reqContext, "anomaly_score")
	decision := DecisionDeny
	confidence := 0.5 + (0.5-trustScore)*0.5
	if trustScore >= 0.5 && anomaly < 0.5 {
		decision = DecisionAllow
		confidence = 0.5 + (trustScore-0.5)*0.5
	}
	return Verdict{
		Role:        RoleNeutral,
		Decision:    decision,
		Confidence:  clamp01(confidence),
		TrustScore:  trustScore,
		Reasoning:   "trust-score threshold at 0.5 with no policy bias",
		RiskFactors: map[string]float64{"anomaly_score": anomaly},
	}, nil
}

// permissiveAdapter leans ALLOW: it only denies when trust is clearly poor
// or the request is flagged with an outright critical risk signal.
type permissiveAdapter struct{}

func NewPermissiveAdapter() AgentAdapter { return permissiveAdapter{} }

func (permissiveAdapter) Role() Role { return RolePermissive }

func (permissiveAdapter) Evaluate(_ context.Context, _ string, reqContext Context, trustScore float64, _ []Verdict) (Verdict, error) {
	critical := riskFactorFrom(reqContext, "critical_risk")
	decision := DecisionAllow
	confidence := 0.6 + trustScore*0.3
	reason := "permissive bias: allow unless trust is very low or risk is flagged critical"
	if trustScore < 0.25 || critical >= 0.8 {
		decision = DecisionDeny
		confidence = 0.5 + (1-trustScore)*0.3
		reason = "permissive bias overridden by very low trust or critical risk flag"
	}
	return Verdict{
		Role:        RolePermissive,
		Decision:    decision,
		Confidence:  clamp01(confidence),
		TrustScore:  trustScore,
		Reasoning:   reason,
		RiskFactors: map[string]float64{"critical_risk": critical},
	}, nil
}

// strictAdapter leans DENY: it requires high trust and an absence of any
// elevated risk signal before allowing.
type strictAdapter struct{}

func NewStrictAdapter() AgentAdapter { return strictAdapter{} }

func (strictAdapter) Role() Role { return RoleStrict }

func (strictAdapter) Evaluate(_ context.Context, _ string, reqContext Context, trustScore float64, _ []Verdict) (Verdict, error) {
	risk := riskFactorFrom(reqContext, "anomaly_score")
	sensitivity := riskFactorFrom(reqContext, "sensitivity")
	decision := DecisionDeny
	confidence := 0.6 + (1-trustScore)*0.3
	reason := "strict bias: deny unless trust is high and risk/sensitivity are both low"
	if trustScore >= 0.75 && risk < 0.2 && sensitivity < 0.5 {
		decision = DecisionAllow
		confidence = 0.5 + (trustScore-0.75)*2
		reason = "strict bias satisfied: high trust, low anomaly and sensitivity"
	}
	return Verdict{
		Role:        RoleStrict,
		Decision:    decision,
		Confidence:  clamp01(confidence),
		TrustScore:  trustScore,
		Reasoning:   reason,
		RiskFactors: map[string]float64{"anomaly_score": risk, "sensitivity": sensitivity},
	}, nil
}

// watchdogAdapter does not vote on trust score at all: it focuses on the
// committee's own history, denying whenever the recent verdicts of the other
// agents include both ALLOW and DENY (treating disagreement itself as the
// risk signal), or when the request context's anomaly_score is 0.7 or more.
type watchdogAdapter struct{}

func NewWatchdogAdapter() AgentAdapter { return watchdogAdapter{} }

func (watchdogAdapter) Role() Role { return RoleWatchdog }

func (watchdogAdapter) Evaluate(_ context.Context, _ string, reqContext Context, trustScore float64, history []Verdict) (Verdict, error) {
	anomaly := riskFactorFrom(reqContext, "anomaly_score")

	var allows, denies int
	for _, v := range history {
		if v.Role == RoleWatchdog {
			continue
		}
		if v.Decision == DecisionAllow {
			allows++
		} else {
			denies++
		}
	}

	decision := DecisionAllow
	confidence := 0.5 + trustScore*0.2
	reason := "watchdog: no committee disagreement observed"
	if anomaly >= 0.7 {
		decision = DecisionDeny
		confidence = 0.6 + anomaly*0.3
		reason = "watchdog: anomaly score above tolerance"
	} else if allows > 0 && denies > 0 {
		decision = DecisionDeny
		confidence = 0.5 + float64(min(allows, denies))/float64(allows+denies)*0.3
		reason = "watchdog: committee split detected in prior verdicts"
	}

	return Verdict{
		Role:        RoleWatchdog,
		Decision:    decision,
		Confidence:  clamp01(confidence),
		TrustScore:  trustScore,
		Reasoning:   reason,
		RiskFactors: map[string]float64{"anomaly_score": anomaly, "committee_split": float64(min(allows, denies))},
	}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// TimeIt wraps an Evaluate call and fills in ProcessingTime/Timestamp, the
// two fields no policy adapter is expected to set itself. The orchestrator's
// fan-out calls this around every committee member's Evaluate.
func TimeIt(clock func() time.Time, fn func() (Verdict, error)) (Verdict, error) {
	start := clock()
	v, err := fn()
	v.ProcessingTime = clock().Sub(start)
	v.Timestamp = clock()
	return v, err
}
