package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Orchestrator is §6's configuration surface for the Decision Orchestrator.
type Orchestrator struct {
	Timeout                  time.Duration
	MaxConcurrentDecisions   int
	MaxQueue                 int
	ConsensusThreshold       float64
	EvaluationBudgetFraction float64
	EmergencyOverrideEnabled bool
}

// Consensus configures the BFT committee of §4.2: the fixed set of
// participating node IDs and how the request's consensus budget splits
// across PRE_PREPARE/PREPARE/COMMIT.
type Consensus struct {
	Validators        []string
	PrePrepareFraction float64
	PrepareFraction    float64
	CommitFraction     float64
}

// Threshold configures §4.3's crypto engine.
type Threshold struct {
	SecurityLevelBits int
	MaxShareAgeS      int
}

// Decrypt configures §4.5's multi-party decryption coordinator.
type Decrypt struct {
	RequestLifetimeS int
}

type Config struct {
	Orchestrator Orchestrator
	Consensus    Consensus
	Threshold    Threshold
	Decrypt      Decrypt
}

// Default returns §6's documented defaults for every knob.
func Default() Config {
	return Config{
		Orchestrator: Orchestrator{
			Timeout:                  60 * time.Second,
			MaxConcurrentDecisions:   10,
			MaxQueue:                 100,
			ConsensusThreshold:       0.6,
			EvaluationBudgetFraction: 0.8,
			EmergencyOverrideEnabled: true,
		},
		Consensus: Consensus{
			Validators:         []string{"agent-1", "agent-2", "agent-3", "agent-4"},
			PrePrepareFraction: 0.30,
			PrepareFraction:    0.30,
			CommitFraction:     0.40,
		},
		Threshold: Threshold{
			SecurityLevelBits: 256,
			MaxShareAgeS:      3600,
		},
		Decrypt: Decrypt{
			RequestLifetimeS: 300,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("ORCHESTRATOR_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.Timeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ORCHESTRATOR_MAX_CONCURRENT_DECISIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrentDecisions = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_MAX_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxQueue = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_CONSENSUS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Orchestrator.ConsensusThreshold = f
		}
	}
	if v := os.Getenv("ORCHESTRATOR_EVALUATION_BUDGET_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Orchestrator.EvaluationBudgetFraction = f
		}
	}
	if v := os.Getenv("ORCHESTRATOR_EMERGENCY_OVERRIDE_ENABLED"); v != "" {
		cfg.Orchestrator.EmergencyOverrideEnabled = v == "true"
	}

	if v := os.Getenv("CONSENSUS_VALIDATORS"); v != "" {
		cfg.Consensus.Validators = strings.Split(v, ",")
	}

	if v := os.Getenv("THRESHOLD_SECURITY_LEVEL_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threshold.SecurityLevelBits = n
		}
	}
	if v := os.Getenv("THRESHOLD_MAX_SHARE_AGE_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threshold.MaxShareAgeS = n
		}
	}

	if v := os.Getenv("DECRYPT_REQUEST_LIFETIME_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Decrypt.RequestLifetimeS = n
		}
	}

	return cfg
}
