package consensus

// round holds the per-(view, sequence) bookkeeping a single consensus round
// accumulates: the accepted PRE_PREPARE, and the PREPARE/COMMIT
// certificates collected toward a 2f+1 quorum. Exactly one round is active
// per sequence at a time; a view change starts a fresh round for the same
// sequence under the next view.
type round struct {
	view       View
	seq        Sequence
	prePrepare *ConsensusMessage
	prepareSet map[NodeID]ConsensusMessage
	commitSet  map[NodeID]ConsensusMessage
	prepared   bool
	decided    bool
}

func newRound(view View, seq Sequence) *round {
	return &round{
		view:       view,
		seq:        seq,
		prepareSet: make(map[NodeID]ConsensusMessage),
		commitSet:  make(map[NodeID]ConsensusMessage),
	}
}

// State is the consensus driver's state, described in §3, as a point-in-time
// copy: Engine.Snapshot builds a fresh value on each call, and changing it
// does not affect the engine.
type State struct {
	CurrentView     View
	CurrentSequence Sequence
	CurrentPhase    Phase
	LeaderID        NodeID
	LastCheckpoint  Sequence
}

// Metrics is the accessor payload for §4.2's metrics() operation, extended
// with the original source's rounds/successes/failures counters
// (agents/consensus.py ByzantineConsensus.get_consensus_metrics).
type Metrics struct {
	Rounds       int64
	Successes    int64
	Failures     int64
	ViewChanges  int64
	SuccessRate  float64
	Tolerance    int
	N            int
}
