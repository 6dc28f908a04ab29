package consensus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/reliquary/core/pkg/rqerr"
	"github.com/reliquary/core/pkg/util"
)

// session is the per-sequence inbox: every view attempt for a given
// sequence shares it, since VIEW_CHANGE/NEW_VIEW/PRE_PREPARE/PREPARE/COMMIT
// messages for that sequence can arrive in any order relative to which
// view the local Decide loop currently thinks it's in.
type session struct {
	mu            sync.Mutex
	rounds        map[View]*round
	viewChangeSet map[View]map[NodeID]ConsensusMessage
	newView       map[View]ConsensusMessage
	seen          map[dedupKey]bool
	fallbackValue []byte
}

func newSession(fallback []byte) *session {
	return &session{
		rounds:        make(map[View]*round),
		viewChangeSet: make(map[View]map[NodeID]ConsensusMessage),
		newView:       make(map[View]ConsensusMessage),
		seen:          make(map[dedupKey]bool),
		fallbackValue: fallback,
	}
}

func (s *session) roundFor(v View, seq Sequence) *round {
	r, ok := s.rounds[v]
	if !ok {
		r = newRound(v, seq)
		s.rounds[v] = r
	}
	return r
}

// Engine drives the PBFT round described in §4.2 for one committee member.
// Exactly one sequence is decided per Decide call; the orchestrator invokes
// Decide once per access decision that requires BFT agreement.
type Engine struct {
	ID      NodeID
	Q       Quorum
	Elector LeaderElector
	Net     Network
	Signer  Signer
	Safety  *Safety
	Clock   util.Clock
	Budget  PhaseBudget

	Logger         *zap.SugaredLogger
	VerboseLogging bool

	WAL WAL

	mu          sync.Mutex
	view        View
	sessions    map[Sequence]*session
	nextSeq     uint64
	metrics     Metrics
	metricsLock sync.Mutex
}

// WAL is a durable write-ahead record of decided sequences, kept from the
// teacher's pkg/storage.WAL shape (single Append(line string) method).
type WAL interface {
	Append(line string)
}

func NewEngine(id NodeID, q Quorum, elector LeaderElector, net Network, signer Signer, clock util.Clock, budget PhaseBudget, logger *zap.SugaredLogger) *Engine {
	e := &Engine{
		ID:       id,
		Q:        q,
		Elector:  elector,
		Net:      net,
		Signer:   signer,
		Safety:   NewSafety(),
		Clock:    clock,
		Budget:   budget,
		Logger:   logger,
		sessions: make(map[Sequence]*session),
		metrics:  Metrics{Tolerance: q.F, N: q.N},
	}
	net.SetHandler(e.onMessage)
	return e
}

// NextSequence allocates the next monotonic sequence number this engine
// will propose or participate in. Sequence allocation is local per engine
// instance. Decide takes its sequence from the caller, and the orchestrator
// supplies its own counter to the single engine it drives, so this helper
// is only for callers without an external sequence source.
func (e *Engine) NextSequence() Sequence {
	return Sequence(atomic.AddUint64(&e.nextSeq, 1))
}

func (e *Engine) sessionFor(seq Sequence, fallback []byte) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[seq]
	if !ok {
		s = newSession(fallback)
		e.sessions[seq] = s
	}
	return s
}

func (e *Engine) forgetSession(seq Sequence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, seq)
}

func (e *Engine) currentView() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

func (e *Engine) setView(v View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v > e.view {
		e.view = v
	}
}

// Decide runs the full PRE_PREPARE -> PREPARE -> COMMIT protocol for seq,
// proposing value when this engine is the leader of the current view, and
// participating honestly otherwise. On leader silence or equivocation it
// drives a view change and retries, bounded by ctx's deadline. Returns the
// decided value, which for an honest majority equals value.
func (e *Engine) Decide(ctx context.Context, seq Sequence, value []byte) ([]byte, error) {
	// A prior round (e.g. a COMMIT quorum observed via onMessage before this
	// call, or a retried Decide for a sequence this engine already decided)
	// may have already settled seq; honor §4.2's "no two honest agents
	// decide different values" invariant by returning the recorded value
	// instead of re-running the protocol.
	if v, ok := e.Safety.Decided(seq); ok {
		return v, nil
	}

	sess := e.sessionFor(seq, value)
	defer e.forgetSession(seq)

	e.bumpRounds()

	view := e.currentView()
	proposeValue := value

	for {
		if err := ctx.Err(); err != nil {
			e.bumpFailures()
			return nil, fmt.Errorf("consensus: %w", rqerr.ErrTimeout)
		}

		leader := e.Elector.LeaderOf(view)
		roundCtx, cancel := context.WithTimeout(ctx, e.Budget.Total())

		if leader == e.ID {
			if err := e.broadcastPrePrepare(roundCtx, view, seq, proposeValue); err != nil {
				e.logw("pre_prepare_broadcast_failed", "view", view, "seq", seq, "err", err)
			}
		}

		decided, ok := e.waitDecided(roundCtx, sess, view)
		cancel()
		if ok {
			e.bumpSuccesses()
			if e.WAL != nil {
				e.WAL.Append(fmt.Sprintf("decided seq=%d view=%d", seq, view))
			}
			e.setView(view)
			e.logw("decided", "seq", seq, "view", view)
			return decided, nil
		}

		if ctx.Err() != nil {
			e.bumpFailures()
			return nil, fmt.Errorf("consensus: %w", rqerr.ErrTimeout)
		}

		// Round timed out without reaching DECIDED: drive a view change.
		e.bumpViewChanges()
		nextView := view + 1
		vcValue := proposeValue
		if prep, ok := e.Safety.HighestPrepared(seq); ok {
			vcValue = prep.Value
		}
		if err := e.broadcastViewChange(ctx, nextView, seq, vcValue); err != nil {
			e.logw("view_change_broadcast_failed", "view", nextView, "seq", seq, "err", err)
		}

		vcCtx, vcCancel := context.WithTimeout(ctx, e.Budget.Total())
		newVal, ready := e.waitViewReady(vcCtx, sess, nextView)
		vcCancel()
		if !ready {
			if ctx.Err() != nil {
				e.bumpFailures()
				return nil, fmt.Errorf("consensus: %w", rqerr.ErrConsensusFailed)
			}
			view = nextView
			continue
		}
		if newVal != nil {
			proposeValue = newVal
		}
		view = nextView
		e.setView(view)
	}
}

func (e *Engine) broadcastPrePrepare(ctx context.Context, view View, seq Sequence, value []byte) error {
	msg := e.sign(ConsensusMessage{
		Type:      MsgPrePrepare,
		View:      view,
		Sequence:  seq,
		SenderID:  e.ID,
		Timestamp: e.now(),
		Payload:   value,
	})
	return e.Net.Broadcast(ctx, msg)
}

func (e *Engine) broadcastViewChange(ctx context.Context, targetView View, seq Sequence, carried []byte) error {
	msg := e.sign(ConsensusMessage{
		Type:      MsgViewChange,
		View:      targetView,
		Sequence:  seq,
		SenderID:  e.ID,
		Timestamp: e.now(),
		Payload:   carried,
	})
	return e.Net.Broadcast(ctx, msg)
}

// triggerEquivocationViewChange immediately votes for view+1 on detecting a
// second, distinct PRE_PREPARE for (view, seq), rather than waiting on the
// Decide loop's own phase-timeout view change. Any highest-prepared value
// this engine already knows about for seq is carried forward, same as a
// timeout-triggered view change.
func (e *Engine) triggerEquivocationViewChange(ctx context.Context, view View, seq Sequence) {
	carried := []byte(nil)
	if prep, ok := e.Safety.HighestPrepared(seq); ok {
		carried = prep.Value
	}
	e.bumpViewChanges()
	if err := e.broadcastViewChange(ctx, view+1, seq, carried); err != nil {
		e.logw("view_change_broadcast_failed", "view", view+1, "seq", seq, "err", err)
	}
}

func (e *Engine) sign(m ConsensusMessage) ConsensusMessage {
	m = WithDigest(m)
	m.Signature = e.Signer.Sign(e.ID, m.Digest)
	return m
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now()
}

// onMessage is the Network's inbound callback: verify, dedup, and fold the
// message into the owning session's state.
func (e *Engine) onMessage(ctx context.Context, msg ConsensusMessage) {
	// PRE_PREPARE/VIEW_CHANGE/NEW_VIEW carry a self-digest over their own
	// fields; PREPARE/COMMIT instead carry the value digest they're voting
	// on, which ComputeDigest would not reproduce.
	switch msg.Type {
	case MsgPrePrepare, MsgViewChange, MsgNewView:
		if ComputeDigest(msg) != msg.Digest {
			return
		}
	}
	if !e.Signer.Verify(msg.SenderID, msg.Digest, msg.Signature) {
		return
	}

	sess := e.sessionFor(msg.Sequence, nil)

	sess.mu.Lock()
	k := keyOf(msg)
	if sess.seen[k] {
		sess.mu.Unlock()
		return
	}
	sess.seen[k] = true

	switch msg.Type {
	case MsgPrePrepare, MsgNewView:
		r := sess.roundFor(msg.View, msg.Sequence)
		var respond, equivocation bool
		if r.prePrepare == nil {
			r.prePrepare = &msg
			respond = true
		} else if r.prePrepare.Digest != msg.Digest {
			equivocation = true
		}
		if msg.Type == MsgPrePrepare && e.Safety.AcceptPrePrepare(msg) {
			equivocation = true
		}
		if msg.Type == MsgNewView {
			sess.newView[msg.View] = msg
		}
		sess.mu.Unlock()
		if equivocation {
			// §4.2: "a second distinct [PRE_PREPARE] is evidence of leader
			// equivocation and triggers a view-change vote", immediately
			// rather than waiting out the phase timeout.
			e.logw("equivocation_detected", "view", msg.View, "seq", msg.Sequence, "sender", msg.SenderID)
			if msg.Type == MsgPrePrepare {
				e.triggerEquivocationViewChange(ctx, msg.View, msg.Sequence)
			}
			return
		}
		if respond {
			e.respondPrepare(ctx, msg.View, msg.Sequence, msg.Digest)
		}
		return

	case MsgPrepare:
		r := sess.roundFor(msg.View, msg.Sequence)
		r.prepareSet[msg.SenderID] = msg
		ready := !r.prepared && r.prePrepare != nil && r.prePrepare.Digest == msg.Digest && len(matchingDigest(r.prepareSet, msg.Digest)) >= e.Q.Size()
		if ready {
			r.prepared = true
		}
		sess.mu.Unlock()
		if ready {
			e.Safety.NotePrepared(msg.Sequence, msg.View, msg.Digest, r.prePrepare.Payload)
			e.respondCommit(ctx, msg.View, msg.Sequence, msg.Digest)
		}
		return

	case MsgCommit:
		r := sess.roundFor(msg.View, msg.Sequence)
		r.commitSet[msg.SenderID] = msg
		var decide bool
		if !r.decided && r.prePrepare != nil && r.prePrepare.Digest == msg.Digest && len(matchingDigest(r.commitSet, msg.Digest)) >= e.Q.Size() {
			r.decided = true
			decide = true
		}
		value := []byte(nil)
		if r.prePrepare != nil {
			value = r.prePrepare.Payload
		}
		sess.mu.Unlock()
		if decide {
			if err := e.Safety.CheckDecide(msg.Sequence, msg.View, msg.Digest, value); err != nil {
				e.logw("safety_violation", "err", err)
			}
		}
		return

	case MsgViewChange:
		vcset, ok := sess.viewChangeSet[msg.View]
		if !ok {
			vcset = make(map[NodeID]ConsensusMessage)
			sess.viewChangeSet[msg.View] = vcset
		}
		vcset[msg.SenderID] = msg
		_, already := sess.newView[msg.View]
		becomeLeader := !already && len(vcset) >= e.Q.Size() && e.Elector.LeaderOf(msg.View) == e.ID
		var carried []byte
		if becomeLeader {
			carried = bestCarriedValue(vcset, sess.fallbackValue)
		}
		sess.mu.Unlock()
		if becomeLeader {
			newViewMsg := e.sign(ConsensusMessage{
				Type:      MsgNewView,
				View:      msg.View,
				Sequence:  msg.Sequence,
				SenderID:  e.ID,
				Timestamp: e.now(),
				Payload:   carried,
			})
			_ = e.Net.Broadcast(ctx, newViewMsg)
		}
		return

	default:
		sess.mu.Unlock()
	}
}

// respondPrepare and respondCommit carry the pre-prepared value's digest
// directly in ConsensusMessage.Digest, rather than one computed by
// ComputeDigest over the PREPARE/COMMIT's own fields: §4.2's quorum check
// matches PREPARE and COMMIT votes to a PRE_PREPARE by that shared digest.
func (e *Engine) respondPrepare(ctx context.Context, view View, seq Sequence, digest Digest) {
	msg := ConsensusMessage{Type: MsgPrepare, View: view, Sequence: seq, SenderID: e.ID, Timestamp: e.now(), Digest: digest}
	msg.Signature = e.Signer.Sign(e.ID, digest)
	_ = e.Net.Broadcast(ctx, msg)
}

func (e *Engine) respondCommit(ctx context.Context, view View, seq Sequence, digest Digest) {
	msg := ConsensusMessage{Type: MsgCommit, View: view, Sequence: seq, SenderID: e.ID, Timestamp: e.now(), Digest: digest}
	msg.Signature = e.Signer.Sign(e.ID, digest)
	_ = e.Net.Broadcast(ctx, msg)
}

func matchingDigest(set map[NodeID]ConsensusMessage, digest Digest) map[NodeID]ConsensusMessage {
	out := make(map[NodeID]ConsensusMessage, len(set))
	for k, v := range set {
		if v.Digest == digest {
			out[k] = v
		}
	}
	return out
}

func bestCarriedValue(vcset map[NodeID]ConsensusMessage, fallback []byte) []byte {
	var best []byte
	var bestLen int
	for _, m := range vcset {
		if len(m.Payload) > 0 {
			best = m.Payload
			bestLen = len(m.Payload)
		}
	}
	if bestLen == 0 {
		return fallback
	}
	return best
}

const pollInterval = 2 * time.Millisecond

func (e *Engine) waitDecided(ctx context.Context, sess *session, view View) ([]byte, bool) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		sess.mu.Lock()
		r, ok := sess.rounds[view]
		if ok && r.decided {
			val := r.prePrepare.Payload
			sess.mu.Unlock()
			return val, true
		}
		sess.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// waitViewReady blocks until either this engine observes a NEW_VIEW for
// targetView (returning its carried value) or itself becomes the new
// leader and emits one, whichever happens first.
func (e *Engine) waitViewReady(ctx context.Context, sess *session, targetView View) ([]byte, bool) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		sess.mu.Lock()
		if nv, ok := sess.newView[targetView]; ok {
			sess.mu.Unlock()
			return nv.Payload, true
		}
		sess.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

func (e *Engine) bumpRounds() {
	e.metricsLock.Lock()
	e.metrics.Rounds++
	e.metricsLock.Unlock()
}
func (e *Engine) bumpSuccesses() {
	e.metricsLock.Lock()
	e.metrics.Successes++
	e.metricsLock.Unlock()
}
func (e *Engine) bumpFailures() {
	e.metricsLock.Lock()
	e.metrics.Failures++
	e.metricsLock.Unlock()
}
func (e *Engine) bumpViewChanges() {
	e.metricsLock.Lock()
	e.metrics.ViewChanges++
	e.metricsLock.Unlock()
}

// Metrics returns a snapshot per §4.2's metrics() operation.
func (e *Engine) Metrics() Metrics {
	e.metricsLock.Lock()
	defer e.metricsLock.Unlock()
	m := e.metrics
	total := m.Successes + m.Failures
	if total > 0 {
		m.SuccessRate = float64(m.Successes) / float64(total)
	}
	return m
}

// Snapshot returns §3's ConsensusState for a sequence this engine is
// tracking (or has already decided), read without disturbing the live
// Decide goroutine for that sequence.
func (e *Engine) Snapshot(seq Sequence) State {
	e.mu.Lock()
	view := e.view
	sess, active := e.sessions[seq]
	e.mu.Unlock()

	st := State{
		CurrentView:     view,
		CurrentSequence: seq,
		CurrentPhase:    PhasePrePrepare,
		LeaderID:        e.Elector.LeaderOf(view),
	}

	if _, ok := e.Safety.Decided(seq); ok {
		st.CurrentPhase = PhaseDecided
		st.LastCheckpoint = seq
		return st
	}

	if active {
		sess.mu.Lock()
		if r, ok := sess.rounds[view]; ok {
			switch {
			case r.decided:
				st.CurrentPhase = PhaseDecided
			case r.prepared:
				st.CurrentPhase = PhaseCommit
			case r.prePrepare != nil:
				st.CurrentPhase = PhasePrepare
			}
		}
		sess.mu.Unlock()
	}
	return st
}

func (e *Engine) logw(msg string, kv ...interface{}) {
	if e.Logger == nil {
		return
	}
	if !e.VerboseLogging && msg != "decided" && msg != "safety_violation" && msg != "equivocation_detected" {
		return
	}
	e.Logger.Infow(msg, kv...)
}
