package decrypt

import (
	"context"
	"testing"

	"github.com/reliquary/core/pkg/devstack"
)

func seededCoordinator(t *testing.T) (*Coordinator, string, string) {
	t.Helper()
	vault := devstack.NewMemVault()
	aes := devstack.NewAESBackend([]byte("master-secret"))
	caps := devstack.NewCapabilities()

	ciphertext, err := aes.Seal([]byte("top secret payload"), "key-ref-1")
	if err != nil {
		t.Fatalf("unexpected error sealing fixture: %v", err)
	}
	vault.Put("vault-1", "data-1", ciphertext, "key-ref-1")

	coord := NewCoordinator(Config{
		VoteSigningKey:   []byte("vote-signing-key"),
		Vault:            vault,
		Crypto:           aes,
		Capabilities:     caps,
		EmergencyEnabled: true,
	})
	return coord, "vault-1", "data-1"
}

func TestSingleAgentLevelDecryptsImmediately(t *testing.T) {
	coord, vaultID, dataID := seededCoordinator(t)
	resp := coord.RequestDecryption(context.Background(), vaultID, dataID, "user-1", "routine access", LevelSingleAgent, false, nil, 0)
	if !resp.Success || resp.Status != StatusAuthorized {
		t.Fatalf("expected immediate authorization for single_agent level, got %+v", resp)
	}
	if string(resp.DecryptedData) != "top secret payload" {
		t.Fatalf("expected decrypted payload to round-trip, got %q", resp.DecryptedData)
	}
}

func TestMajorityLevelRequiresQuorumOfVotes(t *testing.T) {
	coord, vaultID, dataID := seededCoordinator(t)
	resp := coord.RequestDecryption(context.Background(), vaultID, dataID, "user-1", "justification", LevelMajority, false,
		[]string{"agent-a", "agent-b", "agent-c"}, 0)
	if resp.Status != StatusPendingConsensus {
		t.Fatalf("expected pending_consensus, got %s", resp.Status)
	}

	final, done, err := coord.Vote(context.Background(), resp.RequestID, "agent-a", true, 0.9, "looks fine")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatalf("expected majority (2 of 3) to require a second vote")
	}
	_ = final

	final, done, err = coord.Vote(context.Background(), resp.RequestID, "agent-b", true, 0.8, "agreed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("expected consensus to complete once majority reached")
	}
	if !final.Success || final.Status != StatusAuthorized {
		t.Fatalf("expected authorized decryption after majority approval, got %+v", final)
	}
}

func TestUnanimousLevelDeniedByOneDissent(t *testing.T) {
	coord, vaultID, dataID := seededCoordinator(t)
	resp := coord.RequestDecryption(context.Background(), vaultID, dataID, "user-1", "justification", LevelUnanimous, false,
		[]string{"agent-a", "agent-b"}, 0)

	if _, _, err := coord.Vote(context.Background(), resp.RequestID, "agent-a", true, 0.9, "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final, done, err := coord.Vote(context.Background(), resp.RequestID, "agent-b", false, 0.9, "no")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("expected consensus to complete once all required agents voted")
	}
	if final.Success || final.Status != StatusUnauthorized {
		t.Fatalf("expected unanimous level to deny on any dissent, got %+v", final)
	}
}

func TestVoteRejectsDoubleVoting(t *testing.T) {
	coord, vaultID, dataID := seededCoordinator(t)
	resp := coord.RequestDecryption(context.Background(), vaultID, dataID, "user-1", "justification", LevelMajority, false,
		[]string{"agent-a", "agent-b", "agent-c"}, 0)

	if _, _, err := coord.Vote(context.Background(), resp.RequestID, "agent-a", true, 0.9, "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := coord.Vote(context.Background(), resp.RequestID, "agent-a", true, 0.9, "ok again"); err == nil {
		t.Fatalf("expected double vote from the same agent to be rejected")
	}
}

func TestVoteRejectsUnauthorizedAgent(t *testing.T) {
	coord, vaultID, dataID := seededCoordinator(t)
	resp := coord.RequestDecryption(context.Background(), vaultID, dataID, "user-1", "justification", LevelMajority, false,
		[]string{"agent-a", "agent-b"}, 0)

	if _, _, err := coord.Vote(context.Background(), resp.RequestID, "agent-ghost", true, 0.9, "ok"); err == nil {
		t.Fatalf("expected vote from a non-designated agent to be rejected")
	}
}

func TestVoteRejectsUnknownRequest(t *testing.T) {
	coord, _, _ := seededCoordinator(t)
	if _, _, err := coord.Vote(context.Background(), "ghost-request", "agent-a", true, 0.9, "ok"); err == nil {
		t.Fatalf("expected error voting on an unknown request")
	}
}

func TestEmergencyPathRequiresKeywordAndCapability(t *testing.T) {
	vault := devstack.NewMemVault()
	aes := devstack.NewAESBackend([]byte("master-secret"))
	caps := devstack.NewCapabilities()
	ciphertext, _ := aes.Seal([]byte("payload"), "key-ref-1")
	vault.Put("vault-1", "data-1", ciphertext, "key-ref-1")

	coord := NewCoordinator(Config{
		VoteSigningKey:   []byte("key"),
		Vault:            vault,
		Crypto:           aes,
		Capabilities:     caps,
		EmergencyEnabled: true,
	})

	resp := coord.RequestDecryption(context.Background(), "vault-1", "data-1", "responder-1", "routine access", LevelMajority, true, []string{"a"}, 0)
	if resp.Success {
		t.Fatalf("expected emergency request without keyword justification to fail")
	}

	resp = coord.RequestDecryption(context.Background(), "vault-1", "data-1", "responder-1", "active security incident in progress", LevelMajority, true, []string{"a"}, 0)
	if resp.Success {
		t.Fatalf("expected emergency request without emergency_override capability to fail")
	}

	caps.Grant("responder-1", "emergency_override")
	resp = coord.RequestDecryption(context.Background(), "vault-1", "data-1", "responder-1", "active security incident in progress", LevelMajority, true, []string{"a"}, 0)
	if !resp.Success || resp.Status != StatusAuthorized {
		t.Fatalf("expected emergency request with keyword and capability to succeed, got %+v", resp)
	}
}

func TestPendingReportsVoteProgressAndTimeRemaining(t *testing.T) {
	coord, vaultID, dataID := seededCoordinator(t)
	resp := coord.RequestDecryption(context.Background(), vaultID, dataID, "user-1", "justification", LevelMajority, false,
		[]string{"agent-a", "agent-b", "agent-c"}, 0)

	pending := coord.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
	p := pending[0]
	if p.RequestID != resp.RequestID {
		t.Fatalf("expected pending summary for the open request, got %+v", p)
	}
	if p.VotesReceived != 0 || p.VotesNeeded != 2 {
		t.Fatalf("expected 0 of 2 votes before any vote is cast, got received=%d needed=%d", p.VotesReceived, p.VotesNeeded)
	}

	if _, _, err := coord.Vote(context.Background(), resp.RequestID, "agent-a", true, 0.9, "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending = coord.Pending()
	if len(pending) != 1 || pending[0].VotesReceived != 1 {
		t.Fatalf("expected 1 vote recorded, got %+v", pending)
	}
}

func TestThresholdSharesLevelUsesRequiredVotes(t *testing.T) {
	coord, vaultID, dataID := seededCoordinator(t)
	resp := coord.RequestDecryption(context.Background(), vaultID, dataID, "user-1", "justification", LevelThresholdShares, false,
		[]string{"p1", "p2", "p3"}, 2)

	if _, _, err := coord.Vote(context.Background(), resp.RequestID, "p1", true, 0.9, "share 1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final, done, err := coord.Vote(context.Background(), resp.RequestID, "p2", true, 0.9, "share 2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done || !final.Success {
		t.Fatalf("expected threshold_shares to authorize once required_votes approvals are in, got done=%v resp=%+v", done, final)
	}
}
