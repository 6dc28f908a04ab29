package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/core/params"
	"github.com/reliquary/core/pkg/agents"
	"github.com/reliquary/core/pkg/api"
	"github.com/reliquary/core/pkg/audit"
	"github.com/reliquary/core/pkg/consensus"
	rqcrypto "github.com/reliquary/core/pkg/crypto"
	"github.com/reliquary/core/pkg/decrypt"
	"github.com/reliquary/core/pkg/devstack"
	"github.com/reliquary/core/pkg/network"
	"github.com/reliquary/core/pkg/orchestrator"
	"github.com/reliquary/core/pkg/storage"
	"github.com/reliquary/core/pkg/threshold"
	"github.com/reliquary/core/pkg/util"
)

// Core aggregates every ReliQuary component a running node needs, built
// once at startup and never reconstructed. It replaces the module-level
// singletons an earlier draft of this system used.
type Core struct {
	Orchestrator *orchestrator.Orchestrator
	Audit        *audit.Log
	Decrypt      *decrypt.Coordinator
	Threshold    *threshold.Engine
	Committee    *agents.Committee
	Engines      map[consensus.NodeID]*consensus.Engine
	wals         []*storage.FileWAL
}

// Close releases resources buildCore opened that main's own defers don't
// already cover (the store and logger are closed by main directly).
func (c *Core) Close() {
	for _, w := range c.wals {
		_ = w.Close()
	}
}

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/reliquary-node.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	clock := util.RealClock{}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data/reliquary"
	}
	store, err := storage.NewPebbleStore(dataDir)
	if err != nil {
		sugar.Fatalw("storage_init_failed", "err", err)
	}
	defer store.Close()

	masterSecret := []byte(os.Getenv("MASTER_SECRET"))
	if len(masterSecret) == 0 {
		sugar.Warn("MASTER_SECRET not set, using an ephemeral development secret")
		masterSecret = []byte("reliquary-development-master-secret")
	}

	notary, err := rqcrypto.FromPrivateKeyHex(os.Getenv("AUDIT_NOTARY_KEY_HEX"))
	if err != nil {
		sugar.Infow("audit_notary_key_absent_generating_ephemeral")
		notary, err = rqcrypto.GenerateKey()
		if err != nil {
			sugar.Fatalw("notary_key_generation_failed", "err", err)
		}
	}
	sugar.Infow("audit_notary_ready", "address", notary.Address().Hex())

	auditLog, err := audit.NewLogWithNotary(clock, store, notary)
	if err != nil {
		sugar.Fatalw("audit_log_init_failed", "err", err)
	}

	core := buildCore(cfg, clock, auditLog, masterSecret, store, dataDir, sugar)
	defer core.Close()

	apiServer := api.NewServer(core.Orchestrator, core.Audit)
	apiAddr := os.Getenv("API_ADDR")
	if apiAddr == "" {
		apiAddr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		sugar.Infow("api_server_starting", "addr", apiAddr)
		if err := apiServer.Start(apiAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("reliquary_node_started",
		"validators", cfg.Consensus.Validators,
		"consensus_threshold", cfg.Orchestrator.ConsensusThreshold,
		"security_level_bits", cfg.Threshold.SecurityLevelBits)

	<-ctx.Done()
	sugar.Info("reliquary_node_shutting_down")
}

// buildCore wires the full committee: one consensus.Engine per validator
// sharing an in-process LocalHub, a four-role agent committee, the
// threshold engine, the decrypt coordinator, and the orchestrator that
// drives all of them per request. Running the whole committee in one
// process is the devnet analog of the teacher's single-node mode,
// extended to a simulated multi-node quorum instead of a single validator.
func buildCore(cfg params.Config, clock util.Clock, auditLog *audit.Log, masterSecret []byte, store *storage.PebbleStore, dataDir string, sugar *zap.SugaredLogger) *Core {
	ids := make([]consensus.NodeID, len(cfg.Consensus.Validators))
	for i, v := range cfg.Consensus.Validators {
		ids[i] = consensus.NodeID(v)
	}

	keys := make(map[consensus.NodeID][]byte, len(ids))
	for _, id := range ids {
		keys[id] = []byte("reliquary-devnet-key-" + string(id))
	}
	signer := consensus.NewHMACSigner(keys)

	hub := network.NewLocalHub()
	quorum := consensus.NewQuorum(len(ids))
	elector := consensus.NewSortedElector(ids)
	budget := consensus.NewPhaseBudget(cfg.Orchestrator.Timeout,
		cfg.Consensus.PrePrepareFraction, cfg.Consensus.PrepareFraction, cfg.Consensus.CommitFraction)

	walDir := filepath.Join(dataDir, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		sugar.Fatalw("wal_dir_init_failed", "err", err)
	}

	engines := make(map[consensus.NodeID]*consensus.Engine, len(ids))
	wals := make([]*storage.FileWAL, 0, len(ids))
	for _, id := range ids {
		net := hub.Join(id)
		engines[id] = consensus.NewEngine(id, quorum, elector, net, signer, clock, budget, sugar)
		wal, err := storage.NewFileWAL(filepath.Join(walDir, string(id)+".wal"))
		if err != nil {
			sugar.Fatalw("wal_init_failed", "validator", id, "err", err)
		}
		engines[id].WAL = wal
		wals = append(wals, wal)
	}

	committee := agents.NewCommittee(clock)
	committee.Register("agent-neutral", agents.NewNeutralAdapter(), []string{"decision"})
	committee.Register("agent-permissive", agents.NewPermissiveAdapter(), []string{"decision"})
	committee.Register("agent-strict", agents.NewStrictAdapter(), []string{"decision"})
	committee.Register("agent-watchdog", agents.NewWatchdogAdapter(), []string{"decision"})

	thresholdEngine, err := threshold.NewEngineWithPersister(cfg.Threshold.SecurityLevelBits, masterSecret, clock, store)
	if err != nil {
		sugar.Fatalw("threshold_engine_init_failed", "err", err)
	}

	vault := devstack.NewMemVault()
	aesBackend := devstack.NewAESBackend(masterSecret)
	caps := devstack.NewCapabilities()
	trust := devstack.NewTrustStore()

	decryptCoordinator := decrypt.NewCoordinator(decrypt.Config{
		Clock:            clock,
		RequestLifetime:  secondsToDuration(cfg.Decrypt.RequestLifetimeS),
		EmergencyEnabled: cfg.Orchestrator.EmergencyOverrideEnabled,
		VoteSigningKey:   masterSecret,
		Vault:            vault,
		Crypto:           aesBackend,
		Capabilities:     caps,
		Audit:            auditLog,
	})

	// Only one engine in this devnet topology actively drives consensus
	// (calls Decide); the rest participate passively via onMessage and
	// never originate a PRE_PREPARE or a timeout-triggered VIEW_CHANGE of
	// their own. That engine must be the view-0 leader, or every decision
	// blocks until a view change finally rotates leadership to it, so pick
	// it from the elector's sorted schedule rather than assuming
	// VALIDATORS is already sorted.
	selfID := elector.IDs()[0]
	consensusDriver := orchestrator.NewConsensusDriver(engines[selfID])
	sensitivity := orchestrator.NewThresholdAuthorizer(thresholdEngine, func(orchestrator.Request) string {
		return os.Getenv("SENSITIVE_AUTH_SCHEME_ID")
	})

	orch, err := orchestrator.NewOrchestrator(orchestrator.Config{
		Clock:                    clock,
		Logger:                   sugar,
		MaxConcurrent:            cfg.Orchestrator.MaxConcurrentDecisions,
		MaxQueue:                 cfg.Orchestrator.MaxQueue,
		ConsensusThreshold:       cfg.Orchestrator.ConsensusThreshold,
		EvaluationBudgetFraction: cfg.Orchestrator.EvaluationBudgetFraction,
		Committee:                committee,
		Trust:                    trust,
		Audit:                    auditLog,
		Consensus:                consensusDriver,
		Sensitivity:              sensitivity,
	})
	if err != nil {
		sugar.Fatalw("orchestrator_init_failed", "err", err)
	}

	return &Core{
		Orchestrator: orch,
		Audit:        auditLog,
		Decrypt:      decryptCoordinator,
		Threshold:    thresholdEngine,
		Committee:    committee,
		Engines:      engines,
		wals:         wals,
	}
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
