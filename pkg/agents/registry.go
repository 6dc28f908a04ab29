package agents

import (
	"fmt"
	"sync"
	"time"

	"github.com/reliquary/core/pkg/rqerr"
	"github.com/reliquary/core/pkg/util"
)

// inboxCapacity bounds each agent's pending-message queue; §4.4 promises
// at-most-once, non-retransmitting delivery, not unbounded buffering.
const inboxCapacity = 256

// Committee is the coordinator of §4.4: a many-reader/single-writer agent
// registry plus a per-agent FIFO inbox.
type Committee struct {
	mu       sync.RWMutex
	agents   map[string]Registration
	adapters map[string]AgentAdapter
	inboxes  map[string][]Message
	clock    util.Clock
}

func NewCommittee(clock util.Clock) *Committee {
	return &Committee{
		agents:   make(map[string]Registration),
		adapters: make(map[string]AgentAdapter),
		inboxes:  make(map[string][]Message),
		clock:    clock,
	}
}

func (c *Committee) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}

// Register is idempotent: re-registering an agent_id updates its adapter
// and capabilities and reactivates it if it had been deregistered.
func (c *Committee) Register(agentID string, adapter AgentAdapter, capabilities []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, existed := c.agents[agentID]
	if !existed {
		reg = Registration{AgentID: agentID, RegisteredAt: c.now()}
	}
	reg.Role = adapter.Role()
	reg.Capabilities = append([]string(nil), capabilities...)
	reg.Status = StatusActive

	c.agents[agentID] = reg
	c.adapters[agentID] = adapter
	if _, ok := c.inboxes[agentID]; !ok {
		c.inboxes[agentID] = nil
	}
}

// Deregister marks an agent absent. In-flight verdict collection treats a
// deregistered agent as absent and synthesizes a fallback verdict — it
// does not purge the registration, so re-registration later is possible.
func (c *Committee) Deregister(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.agents[agentID]
	if !ok {
		return
	}
	reg.Status = StatusDeregistered
	c.agents[agentID] = reg
}

// ListAgents returns every registered agent, active or not.
func (c *Committee) ListAgents() []Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Registration, 0, len(c.agents))
	for _, r := range c.agents {
		out = append(out, r)
	}
	return out
}

// ActiveAdapters returns the adapter for every currently-active agent,
// keyed by agent_id, as a stable snapshot for one evaluation round.
func (c *Committee) ActiveAdapters() map[string]AgentAdapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]AgentAdapter, len(c.adapters))
	for id, reg := range c.agents {
		if reg.Status != StatusActive {
			continue
		}
		if a, ok := c.adapters[id]; ok {
			out[id] = a
		}
	}
	return out
}

func (c *Committee) roleOf(agentID string) Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if reg, ok := c.agents[agentID]; ok {
		return reg.Role
	}
	return RoleNeutral
}

// Send delivers msg to one agent's inbox, dropping it silently if the
// inbox is at capacity: delivery is at-most-once, never retried.
func (c *Committee) Send(to string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[to]; !ok {
		return fmt.Errorf("agents: send: %w: %s", rqerr.ErrNotFound, to)
	}
	if len(c.inboxes[to]) >= inboxCapacity {
		return nil
	}
	c.inboxes[to] = append(c.inboxes[to], Message{To: to, Payload: payload, Timestamp: c.now()})
	return nil
}

// Broadcast sends payload to every registered agent's inbox.
func (c *Committee) Broadcast(payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id := range c.agents {
		if len(c.inboxes[id]) >= inboxCapacity {
			continue
		}
		c.inboxes[id] = append(c.inboxes[id], Message{To: id, Payload: payload, Timestamp: now})
	}
}

// Recv drains and returns agentID's queued messages in FIFO order.
func (c *Committee) Recv(agentID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.inboxes[agentID]
	c.inboxes[agentID] = nil
	return msgs
}
