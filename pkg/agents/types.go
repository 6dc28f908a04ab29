// Package agents implements the Specialized Agent Committee of §4.4: a
// fixed-role registry, a per-agent inbox, and the AgentAdapter contract
// every committee member must satisfy.
package agents

import "time"

// Role is one of the committee's fixed policy biases.
type Role string

const (
	RoleNeutral    Role = "NEUTRAL"
	RolePermissive Role = "PERMISSIVE"
	RoleStrict     Role = "STRICT"
	RoleWatchdog   Role = "WATCHDOG"
)

// Decision is an agent's access verdict.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Status tracks a registered agent's availability.
type Status string

const (
	StatusActive       Status = "active"
	StatusDeregistered Status = "deregistered"
)

// Verdict is §3's AgentVerdict, produced once per request by a committee
// member.
type Verdict struct {
	AgentID        string
	Role           Role
	Decision       Decision
	Confidence     float64
	TrustScore     float64
	Reasoning      string
	RiskFactors    map[string]float64
	ProcessingTime time.Duration
	Timestamp      time.Time
}

// Registration is the registry's record for one agent.
type Registration struct {
	AgentID      string
	Role         Role
	Capabilities []string
	Status       Status
	RegisteredAt time.Time
}

// Message is one entry in an agent's inbox.
type Message struct {
	From      string
	To        string
	Payload   any
	Timestamp time.Time
}
