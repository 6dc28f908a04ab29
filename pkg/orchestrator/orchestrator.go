package orchestrator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/reliquary/core/pkg/agents"
	"github.com/reliquary/core/pkg/rqerr"
	"github.com/reliquary/core/pkg/util"
)

// maxHistoryVerdicts bounds the rolling window of recent verdicts handed to
// every agent's Evaluate call as "history" — enough for the watchdog role to
// notice a recent split without retaining unbounded state.
const maxHistoryVerdicts = 200

// Config configures an Orchestrator. Every field maps to §6's configuration
// surface.
type Config struct {
	Clock                    util.Clock
	Logger                   *zap.SugaredLogger
	MaxConcurrent            int
	MaxQueue                 int
	ConsensusThreshold       float64
	EvaluationBudgetFraction float64
	CompletedCacheSize       int

	Committee   *agents.Committee
	Trust       TrustProvider
	Audit       AuditSink
	Consensus   ConsensusDriver
	Sensitivity SensitivityAuthorizer
}

// DefaultConfig returns §6's defaults for every orchestrator knob.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:            10,
		MaxQueue:                 100,
		ConsensusThreshold:       0.6,
		EvaluationBudgetFraction: 0.8,
		CompletedCacheSize:       10000,
	}
}

// Orchestrator is the Decision Orchestrator of §4.1.
type Orchestrator struct {
	mu sync.Mutex

	clock  util.Clock
	logger *zap.SugaredLogger

	maxConcurrent      int
	maxQueue           int
	consensusThreshold float64
	evalBudgetFraction float64

	committee   *agents.Committee
	trust       TrustProvider
	audit       AuditSink
	consensus   ConsensusDriver
	sensitivity SensitivityAuthorizer

	active  int
	queue   waiterHeap
	history []agents.Verdict

	seq       uint64
	completed *lru.Cache[string, Result]

	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	timedOutRequests   uint64
	totalLatencyNanos  int64
}

// NewOrchestrator builds an Orchestrator from cfg, applying DefaultConfig's
// values for any zero-valued numeric field.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Committee == nil {
		return nil, fmt.Errorf("orchestrator: new: %w: committee is required", rqerr.ErrInternal)
	}
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = def.MaxQueue
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = def.ConsensusThreshold
	}
	if cfg.EvaluationBudgetFraction <= 0 || cfg.EvaluationBudgetFraction >= 1 {
		cfg.EvaluationBudgetFraction = def.EvaluationBudgetFraction
	}
	if cfg.CompletedCacheSize <= 0 {
		cfg.CompletedCacheSize = def.CompletedCacheSize
	}

	cache, err := lru.New[string, Result](cfg.CompletedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: new: %w: %v", rqerr.ErrInternal, err)
	}

	return &Orchestrator{
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		maxConcurrent:      cfg.MaxConcurrent,
		consensusThreshold: cfg.ConsensusThreshold,
		evalBudgetFraction: cfg.EvaluationBudgetFraction,
		committee:          cfg.Committee,
		trust:              cfg.Trust,
		audit:              cfg.Audit,
		consensus:          cfg.Consensus,
		sensitivity:        cfg.Sensitivity,
		queue:              make(waiterHeap, 0),
		completed:          cache,
		maxQueue:           cfg.MaxQueue,
	}, nil
}

func (o *Orchestrator) now() time.Time {
	if o.clock != nil {
		return o.clock.Now()
	}
	return time.Now()
}

func (o *Orchestrator) log(msg string, kv ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Infow(msg, kv...)
}

func (o *Orchestrator) nextRequestID() string {
	n := atomic.AddUint64(&o.seq, 1)
	return fmt.Sprintf("decision_%d_%d", o.now().UnixNano(), n)
}

func (o *Orchestrator) nextSeq() uint64 {
	return atomic.AddUint64(&o.seq, 1)
}

// Orchestrate implements §4.1's orchestrate(req) -> OrchestrationResult. It
// blocks until a terminal Result exists, always returns exactly one, and
// never surfaces a request-level failure as a Go error — preconditions are
// the only error path.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (Result, error) {
	if req.Timeout <= 0 {
		return Result{}, fmt.Errorf("orchestrator: orchestrate: %w: timeout must be > 0", rqerr.ErrInternal)
	}
	if req.Priority < 1 || req.Priority > 10 {
		return Result{}, fmt.Errorf("orchestrator: orchestrate: %w: priority must be in 1..10", rqerr.ErrInternal)
	}

	start := o.now()
	req.CreatedAt = start
	if req.RequestID == "" {
		req.RequestID = o.nextRequestID()
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	admitted, reason := o.acquireSlot(runCtx, req)
	if !admitted {
		result := Result{
			RequestID:     req.RequestID,
			FinalDecision: agents.DecisionDeny,
			Status:        StatusFailed,
			Reason:        reason,
			ExecutionTime: o.now().Sub(start),
			Timestamp:     o.now(),
		}
		o.finalizeAudit(req, &result)
		o.store(result)
		return result, nil
	}
	defer o.releaseSlot()

	result := o.run(runCtx, req, start)
	o.store(result)
	return result, nil
}

// acquireSlot implements §4.1's back-pressure rule: admit immediately while
// under max_concurrent, else queue (priority then FIFO) up to max_queue,
// else reject over_capacity.
func (o *Orchestrator) acquireSlot(ctx context.Context, req Request) (bool, string) {
	o.mu.Lock()
	if o.active < o.maxConcurrent {
		o.active++
		o.mu.Unlock()
		return true, ""
	}
	if o.queue.Len() >= o.maxQueue {
		o.mu.Unlock()
		return false, "over_capacity"
	}
	w := &waiter{priority: req.Priority, seq: o.nextSeq(), ready: make(chan struct{})}
	heap.Push(&o.queue, w)
	o.mu.Unlock()

	select {
	case <-w.ready:
		return true, ""
	case <-ctx.Done():
		o.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&o.queue, w.index)
		}
		o.mu.Unlock()
		return false, "timeout_in_queue"
	}
}

func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue.Len() > 0 {
		w := heap.Pop(&o.queue).(*waiter)
		close(w.ready)
		return
	}
	o.active--
}

func (o *Orchestrator) historySnapshot() []agents.Verdict {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]agents.Verdict, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) recordHistory(verdicts []agents.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, verdicts...)
	if excess := len(o.history) - maxHistoryVerdicts; excess > 0 {
		o.history = o.history[excess:]
	}
}

// run drives a single admitted request through AGENT_EVALUATION -> CONSENSUS
// -> FINALIZATION -> AUDIT_LOG -> COMPLETION.
func (o *Orchestrator) run(ctx context.Context, req Request, start time.Time) Result {
	trustScore := o.evaluateTrust(ctx, req)

	evalBudget := scaleDuration(req.Timeout, o.evalBudgetFraction)
	consensusBudget := req.Timeout - evalBudget

	evalCtx, evalCancel := context.WithTimeout(ctx, evalBudget)
	verdicts := o.evaluateAgents(evalCtx, req, trustScore)
	evalCancel()
	o.recordHistory(verdicts)

	if ctx.Err() != nil {
		return o.finish(req, start, agents.DecisionDeny, 0, verdicts, nil, StatusTimeout, "request deadline exceeded during evaluation")
	}

	decision, confidence := finalize(verdicts)
	status := StatusConsensusReached
	var consensusMetrics map[string]any

	if o.consensus != nil {
		consCtx, consCancel := context.WithTimeout(ctx, consensusBudget)
		seq := o.nextSeq()
		decided, err := o.consensus.Decide(consCtx, seq, encodeProposal(decision, confidence))
		consCancel()
		consensusMetrics = o.consensus.Metrics()

		switch {
		case err != nil && ctx.Err() != nil:
			return o.finish(req, start, agents.DecisionDeny, 0, verdicts, consensusMetrics, StatusTimeout, "request deadline exceeded during consensus")
		case errors.Is(err, rqerr.ErrTimeout):
			return o.finish(req, start, agents.DecisionDeny, 0, verdicts, consensusMetrics, StatusTimeout, "consensus round timed out")
		case err != nil:
			return o.finish(req, start, agents.DecisionDeny, 0, verdicts, consensusMetrics, StatusConsensusFailed, "consensus failed: "+err.Error())
		}

		if d, c, ok := decodeProposal(decided); ok {
			decision, confidence = d, c
		}
	}

	if decision == agents.DecisionAllow && confidence < o.consensusThreshold {
		decision = agents.DecisionDeny
		status = StatusConsensusFailed
	}

	if status == StatusConsensusReached && req.Sensitive && decision == agents.DecisionAllow && o.sensitivity != nil {
		prelim := Result{
			RequestID:           req.RequestID,
			FinalDecision:       decision,
			ConsensusConfidence: confidence,
			Verdicts:            verdicts,
			ConsensusMetrics:    consensusMetrics,
		}
		authorized, reason, err := o.sensitivity.Authorize(ctx, req, prelim)
		if err != nil || !authorized {
			if reason == "" {
				reason = "sensitive operation not authorized"
			}
			if err != nil {
				reason = reason + ": " + err.Error()
			}
			return o.finish(req, start, agents.DecisionDeny, confidence, verdicts, consensusMetrics, StatusConsensusFailed, reason)
		}
	}

	if status == StatusConsensusReached {
		status = StatusExecuted
	}
	return o.finish(req, start, decision, confidence, verdicts, consensusMetrics, status, "")
}

// evaluateAgents fans out to every active committee member in parallel,
// synthesizing a fallback verdict for anyone who errors, exceeds the
// evaluation budget, or has been deregistered mid-flight. The returned set
// always has cardinality == |active agents at fan-out time|.
func (o *Orchestrator) evaluateAgents(ctx context.Context, req Request, trustScore float64) []agents.Verdict {
	adapters := o.committee.ActiveAdapters()
	history := o.historySnapshot()

	type outcome struct {
		id string
		v  agents.Verdict
	}
	ch := make(chan outcome, len(adapters))

	for id, adapter := range adapters {
		id, adapter := id, adapter
		go func() {
			v, err := agents.TimeIt(o.now, func() (agents.Verdict, error) {
				return adapter.Evaluate(ctx, req.RequestID, req.Context, trustScore, history)
			})
			if err != nil {
				v = agents.FallbackVerdict(id, adapter.Role(), err.Error())
			}
			v.AgentID = id
			select {
			case ch <- outcome{id: id, v: v}:
			case <-ctx.Done():
			}
		}()
	}

	verdicts := make([]agents.Verdict, 0, len(adapters))
	seen := make(map[string]bool, len(adapters))

waitLoop:
	for range adapters {
		select {
		case out := <-ch:
			verdicts = append(verdicts, out.v)
			seen[out.id] = true
		case <-ctx.Done():
			break waitLoop
		}
	}

	for id, adapter := range adapters {
		if !seen[id] {
			verdicts = append(verdicts, agents.FallbackVerdict(id, adapter.Role(), "evaluation budget exceeded"))
		}
	}

	still := o.committee.ActiveAdapters()
	for i, v := range verdicts {
		if _, ok := still[v.AgentID]; !ok {
			if adapter, known := adapters[v.AgentID]; known {
				verdicts[i] = agents.FallbackVerdict(v.AgentID, adapter.Role(), "agent deregistered during evaluation")
			}
		}
	}
	return verdicts
}

func (o *Orchestrator) evaluateTrust(ctx context.Context, req Request) float64 {
	if o.trust == nil {
		return 0.5
	}
	score, _, _, err := o.trust.EvaluateTrust(ctx, req.RequestorID, req.Context)
	if err != nil {
		return 0
	}
	return score
}

func (o *Orchestrator) finish(req Request, start time.Time, decision agents.Decision, confidence float64, verdicts []agents.Verdict, consensusMetrics map[string]any, status Status, reason string) Result {
	participants := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		participants = append(participants, v.AgentID)
	}

	result := Result{
		RequestID:           req.RequestID,
		FinalDecision:        decision,
		ConsensusConfidence: confidence,
		Participants:        participants,
		Verdicts:            verdicts,
		ConsensusMetrics:    consensusMetrics,
		ExecutionTime:       o.now().Sub(start),
		Status:              status,
		Timestamp:           o.now(),
		Reason:              reason,
	}
	o.finalizeAudit(req, &result)
	return result
}

// finalizeAudit appends exactly one audit entry for result, per §4.1's
// guarantee. Per §7, an audit-sink failure is fatal to the request: it
// converts an otherwise-successful terminal result to FAILED.
func (o *Orchestrator) finalizeAudit(req Request, result *Result) {
	if o.audit == nil {
		return
	}
	entry := fmt.Sprintf("decision request=%s type=%s requestor=%s decision=%s status=%s confidence=%.3f reason=%s",
		req.RequestID, req.Type, req.RequestorID, result.FinalDecision, result.Status, result.ConsensusConfidence, result.Reason)
	if _, err := o.audit.Append(context.Background(), []byte(entry)); err != nil {
		result.Status = StatusFailed
		result.FinalDecision = agents.DecisionDeny
		result.Reason = "audit append failed: " + err.Error()
	}
}

// store caches the terminal result and folds it into the rolling
// performance counters Metrics() reports, mirroring the original's
// get_orchestration_status tallies.
func (o *Orchestrator) store(result Result) {
	o.completed.Add(result.RequestID, result)

	atomic.AddUint64(&o.totalRequests, 1)
	atomic.AddInt64(&o.totalLatencyNanos, int64(result.ExecutionTime))
	switch result.Status {
	case StatusExecuted:
		atomic.AddUint64(&o.successfulRequests, 1)
	case StatusTimeout:
		atomic.AddUint64(&o.timedOutRequests, 1)
	default:
		atomic.AddUint64(&o.failedRequests, 1)
	}
}

// Query implements §4.1's query(request_id) -> OrchestrationResult | NotFound.
func (o *Orchestrator) Query(requestID string) (Result, bool) {
	return o.completed.Get(requestID)
}

// History implements §4.1's history(limit) -> ordered list of recent
// results, most-recent first.
func (o *Orchestrator) History(limit int) []Result {
	keys := o.completed.Keys()
	if limit <= 0 || limit > len(keys) {
		limit = len(keys)
	}
	out := make([]Result, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if r, ok := o.completed.Peek(keys[i]); ok {
			out = append(out, r)
		}
	}
	return out
}

// EmergencyOverride implements §4.1's emergency_override. Capability
// checking is the caller's responsibility (§3); this only requires that the
// original request already completed.
func (o *Orchestrator) EmergencyOverride(ctx context.Context, requestID string, decision agents.Decision, reason string) (Result, error) {
	if _, ok := o.completed.Get(requestID); !ok {
		return Result{}, fmt.Errorf("orchestrator: emergency_override: %w: %s", rqerr.ErrNotFound, requestID)
	}

	overrideID := requestID + "_override"
	result := Result{
		RequestID:           overrideID,
		FinalDecision:       decision,
		ConsensusConfidence: 1.0,
		Participants:        []string{"emergency_override"},
		Status:              StatusExecuted,
		Timestamp:           o.now(),
		Reason:              reason,
	}

	if o.audit != nil {
		entry := fmt.Sprintf("EMERGENCY_OVERRIDE request=%s original=%s decision=%s reason=%s",
			overrideID, requestID, decision, reason)
		if _, err := o.audit.Append(ctx, []byte(entry)); err != nil {
			return Result{}, fmt.Errorf("orchestrator: emergency_override: %w: audit append failed: %v", rqerr.ErrInternal, err)
		}
	}

	o.store(result)
	o.log("emergency override applied", "request_id", overrideID, "original", requestID, "decision", decision)
	return result, nil
}

// Metrics reports the orchestrator's own load and, when a consensus driver
// is wired, its metrics() snapshot per §4.2.
func (o *Orchestrator) Metrics() map[string]any {
	o.mu.Lock()
	active := o.active
	queued := o.queue.Len()
	o.mu.Unlock()

	total := atomic.LoadUint64(&o.totalRequests)
	successful := atomic.LoadUint64(&o.successfulRequests)
	failed := atomic.LoadUint64(&o.failedRequests)
	timedOut := atomic.LoadUint64(&o.timedOutRequests)
	latencyNanos := atomic.LoadInt64(&o.totalLatencyNanos)

	var avgLatency time.Duration
	if total > 0 {
		avgLatency = time.Duration(latencyNanos / int64(total))
	}

	m := map[string]any{
		"active_requests":     active,
		"queued_requests":     queued,
		"completed_cached":    o.completed.Len(),
		"total_requests":      total,
		"successful_requests": successful,
		"failed_requests":     failed,
		"timed_out_requests":  timedOut,
		"average_latency":     avgLatency,
	}
	if o.consensus != nil {
		m["consensus"] = o.consensus.Metrics()
	}
	return m
}

// ConsensusState exposes the driving engine's ConsensusState for seq,
// or ok=false if no consensus driver is wired.
func (o *Orchestrator) ConsensusState(seq uint64) (map[string]any, bool) {
	if o.consensus == nil {
		return nil, false
	}
	return o.consensus.State(seq), true
}

// finalize implements §4.1's weighted-tally algorithm exactly: ties in
// either count or weight favor DENY.
func finalize(verdicts []agents.Verdict) (agents.Decision, float64) {
	var allowCount, denyCount int
	var allowWeight, denyWeight float64

	for _, v := range verdicts {
		if v.Decision == agents.DecisionAllow {
			allowCount++
			allowWeight += v.TrustScore
		} else {
			denyCount++
			denyWeight += v.TrustScore
		}
	}

	decision := agents.DecisionDeny
	winner := denyWeight
	if allowCount > denyCount && allowWeight > denyWeight {
		decision = agents.DecisionAllow
		winner = allowWeight
	}

	denom := allowWeight + denyWeight
	if denom <= 0 {
		return decision, 0
	}
	return decision, winner / denom
}

func scaleDuration(total time.Duration, fraction float64) time.Duration {
	return time.Duration(float64(total) * fraction)
}

func encodeProposal(decision agents.Decision, confidence float64) []byte {
	return []byte(fmt.Sprintf("%s|%.6f", decision, confidence))
}

func decodeProposal(b []byte) (agents.Decision, float64, bool) {
	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	conf, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, false
	}
	return agents.Decision(parts[0]), conf, true
}
