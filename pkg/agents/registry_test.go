package agents

import "testing"

func TestCommitteeRegisterIsIdempotent(t *testing.T) {
	c := NewCommittee(nil)
	c.Register("agent-1", NewStrictAdapter(), []string{"decision"})
	c.Register("agent-1", NewPermissiveAdapter(), []string{"decision", "extra"})

	regs := c.ListAgents()
	if len(regs) != 1 {
		t.Fatalf("expected exactly one registration after re-register, got %d", len(regs))
	}
	if regs[0].Role != RolePermissive {
		t.Fatalf("expected re-registration to update role, got %s", regs[0].Role)
	}
	if len(regs[0].Capabilities) != 2 {
		t.Fatalf("expected re-registration to update capabilities, got %v", regs[0].Capabilities)
	}
}

func TestCommitteeDeregisterExcludesFromActiveAdapters(t *testing.T) {
	c := NewCommittee(nil)
	c.Register("agent-1", NewNeutralAdapter(), nil)
	c.Register("agent-2", NewNeutralAdapter(), nil)
	c.Deregister("agent-1")

	active := c.ActiveAdapters()
	if len(active) != 1 {
		t.Fatalf("expected one active adapter after deregister, got %d", len(active))
	}
	if _, ok := active["agent-1"]; ok {
		t.Fatalf("expected deregistered agent to be excluded from active adapters")
	}
}

func TestCommitteeReregisterReactivates(t *testing.T) {
	c := NewCommittee(nil)
	c.Register("agent-1", NewNeutralAdapter(), nil)
	c.Deregister("agent-1")
	c.Register("agent-1", NewNeutralAdapter(), nil)

	active := c.ActiveAdapters()
	if _, ok := active["agent-1"]; !ok {
		t.Fatalf("expected re-registration to reactivate agent")
	}
}

func TestCommitteeSendAndRecvFIFO(t *testing.T) {
	c := NewCommittee(nil)
	c.Register("agent-1", NewNeutralAdapter(), nil)

	if err := c.Send("agent-1", "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Send("agent-1", "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := c.Recv("agent-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(msgs))
	}
	if msgs[0].Payload != "first" || msgs[1].Payload != "second" {
		t.Fatalf("expected FIFO order, got %+v", msgs)
	}

	if msgs := c.Recv("agent-1"); len(msgs) != 0 {
		t.Fatalf("expected inbox drained after Recv, got %d", len(msgs))
	}
}

func TestCommitteeSendUnknownAgentErrors(t *testing.T) {
	c := NewCommittee(nil)
	if err := c.Send("ghost", "x"); err == nil {
		t.Fatalf("expected error sending to unregistered agent")
	}
}

func TestCommitteeBroadcastReachesEveryAgent(t *testing.T) {
	c := NewCommittee(nil)
	c.Register("agent-1", NewNeutralAdapter(), nil)
	c.Register("agent-2", NewNeutralAdapter(), nil)

	c.Broadcast("announcement")

	if len(c.Recv("agent-1")) != 1 || len(c.Recv("agent-2")) != 1 {
		t.Fatalf("expected broadcast to reach every registered agent")
	}
}
