package params

import (
	"os"
	"testing"
	"time"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()

	if cfg.Orchestrator.Timeout != 60*time.Second {
		t.Fatalf("unexpected default orchestrator timeout: %v", cfg.Orchestrator.Timeout)
	}
	if cfg.Orchestrator.MaxConcurrentDecisions != 10 {
		t.Fatalf("unexpected default max concurrent decisions: %d", cfg.Orchestrator.MaxConcurrentDecisions)
	}
	if cfg.Orchestrator.MaxQueue != 100 {
		t.Fatalf("unexpected default max queue: %d", cfg.Orchestrator.MaxQueue)
	}
	if cfg.Orchestrator.ConsensusThreshold != 0.6 {
		t.Fatalf("unexpected default consensus threshold: %v", cfg.Orchestrator.ConsensusThreshold)
	}
	if !cfg.Orchestrator.EmergencyOverrideEnabled {
		t.Fatalf("expected emergency override enabled by default")
	}

	if len(cfg.Consensus.Validators) != 4 {
		t.Fatalf("expected 4 default validators, got %d", len(cfg.Consensus.Validators))
	}
	total := cfg.Consensus.PrePrepareFraction + cfg.Consensus.PrepareFraction + cfg.Consensus.CommitFraction
	if total < 0.999 || total > 1.001 {
		t.Fatalf("expected phase fractions to sum to 1.0, got %v", total)
	}

	if cfg.Threshold.SecurityLevelBits != 256 {
		t.Fatalf("unexpected default threshold security bits: %d", cfg.Threshold.SecurityLevelBits)
	}
	if cfg.Decrypt.RequestLifetimeS != 300 {
		t.Fatalf("unexpected default decrypt request lifetime: %d", cfg.Decrypt.RequestLifetimeS)
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ORCHESTRATOR_TIMEOUT_S",
		"ORCHESTRATOR_MAX_CONCURRENT_DECISIONS",
		"ORCHESTRATOR_MAX_QUEUE",
		"ORCHESTRATOR_CONSENSUS_THRESHOLD",
		"ORCHESTRATOR_EVALUATION_BUDGET_FRACTION",
		"ORCHESTRATOR_EMERGENCY_OVERRIDE_ENABLED",
		"CONSENSUS_VALIDATORS",
		"THRESHOLD_SECURITY_LEVEL_BITS",
		"THRESHOLD_MAX_SHARE_AGE_S",
		"DECRYPT_REQUEST_LIFETIME_S",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	clearConfigEnv(t)
	defer clearConfigEnv(t)

	os.Setenv("ORCHESTRATOR_TIMEOUT_S", "30")
	os.Setenv("ORCHESTRATOR_MAX_CONCURRENT_DECISIONS", "25")
	os.Setenv("ORCHESTRATOR_CONSENSUS_THRESHOLD", "0.75")
	os.Setenv("ORCHESTRATOR_EMERGENCY_OVERRIDE_ENABLED", "false")
	os.Setenv("CONSENSUS_VALIDATORS", "node-a,node-b,node-c")
	os.Setenv("THRESHOLD_SECURITY_LEVEL_BITS", "512")
	os.Setenv("DECRYPT_REQUEST_LIFETIME_S", "120")

	cfg := LoadFromEnv("/nonexistent/.env")

	if cfg.Orchestrator.Timeout != 30*time.Second {
		t.Fatalf("expected overridden timeout 30s, got %v", cfg.Orchestrator.Timeout)
	}
	if cfg.Orchestrator.MaxConcurrentDecisions != 25 {
		t.Fatalf("expected overridden max concurrent decisions 25, got %d", cfg.Orchestrator.MaxConcurrentDecisions)
	}
	if cfg.Orchestrator.ConsensusThreshold != 0.75 {
		t.Fatalf("expected overridden consensus threshold 0.75, got %v", cfg.Orchestrator.ConsensusThreshold)
	}
	if cfg.Orchestrator.EmergencyOverrideEnabled {
		t.Fatalf("expected emergency override disabled by env")
	}
	if len(cfg.Consensus.Validators) != 3 || cfg.Consensus.Validators[0] != "node-a" {
		t.Fatalf("expected overridden validator list, got %v", cfg.Consensus.Validators)
	}
	if cfg.Threshold.SecurityLevelBits != 512 {
		t.Fatalf("expected overridden security bits 512, got %d", cfg.Threshold.SecurityLevelBits)
	}
	if cfg.Decrypt.RequestLifetimeS != 120 {
		t.Fatalf("expected overridden decrypt lifetime 120, got %d", cfg.Decrypt.RequestLifetimeS)
	}

	// Untouched knobs must keep their documented defaults.
	if cfg.Orchestrator.MaxQueue != 100 {
		t.Fatalf("expected untouched max queue to remain default 100, got %d", cfg.Orchestrator.MaxQueue)
	}
}

func TestLoadFromEnvIgnoresMalformedValues(t *testing.T) {
	clearConfigEnv(t)
	defer clearConfigEnv(t)

	os.Setenv("ORCHESTRATOR_MAX_CONCURRENT_DECISIONS", "not-a-number")
	cfg := LoadFromEnv("/nonexistent/.env")
	if cfg.Orchestrator.MaxConcurrentDecisions != 10 {
		t.Fatalf("expected malformed env value to leave default intact, got %d", cfg.Orchestrator.MaxConcurrentDecisions)
	}
}
