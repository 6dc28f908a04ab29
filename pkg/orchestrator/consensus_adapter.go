package orchestrator

import (
	"context"

	"github.com/reliquary/core/pkg/consensus"
)

// engineDriver adapts *consensus.Engine to ConsensusDriver so the
// orchestrator depends on a narrow interface rather than the whole
// consensus package surface.
type engineDriver struct {
	engine *consensus.Engine
}

// NewConsensusDriver wraps a committee member's consensus engine for use as
// the orchestrator's CONSENSUS phase.
func NewConsensusDriver(engine *consensus.Engine) ConsensusDriver {
	return engineDriver{engine: engine}
}

func (d engineDriver) Decide(ctx context.Context, seq uint64, value []byte) ([]byte, error) {
	return d.engine.Decide(ctx, consensus.Sequence(seq), value)
}

func (d engineDriver) Metrics() map[string]any {
	m := d.engine.Metrics()
	return map[string]any{
		"rounds":       m.Rounds,
		"successes":    m.Successes,
		"failures":     m.Failures,
		"view_changes": m.ViewChanges,
		"success_rate": m.SuccessRate,
		"tolerance":    m.Tolerance,
		"n":            m.N,
	}
}

// State reports §3's ConsensusState for seq, for operators inspecting a
// decision in flight.
func (d engineDriver) State(seq uint64) map[string]any {
	s := d.engine.Snapshot(consensus.Sequence(seq))
	return map[string]any{
		"current_view":     s.CurrentView,
		"current_sequence": s.CurrentSequence,
		"current_phase":    s.CurrentPhase.String(),
		"leader_id":        s.LeaderID,
		"last_checkpoint":  s.LastCheckpoint,
	}
}
