package engine

import (
	"time"

	"quorum/internal/types"
)

// Delta is the state change returned by a node. The executor merges it
// into the orchestration state; fields left at their zero value are
// ignored.
type Delta struct {
	Participants    []types.Participant
	MemoryDigests   map[string]string
	Contributions   []types.Contribution
	Recommendations []types.Recommendation
	Decision        *types.FacilitatorDecision
	Convergence     *float64
	Novelty         *float64
	Synthesis       string
	Result          *types.SubProblemResult
	Memories        []types.MemoryEntry

	Clarification      *types.PendingClarification
	ClearClarification bool
	ClarifiedNote      string

	// AdvanceRound increments the bounded round counter.
	AdvanceRound bool

	// AdvanceSubProblem resets all round-scoped state and moves to the
	// next sub-problem. Cross-sub-problem state is preserved.
	AdvanceSubProblem bool

	FinalSynthesis string
	Status         types.SessionStatus
	StopReason     types.StopReason
	StopDetail     string
}

// apply merges a delta into the state.
func apply(st *types.OrchestrationState, d *Delta, now time.Time) {
	if d == nil {
		return
	}

	if len(d.Participants) > 0 {
		st.Participants = d.Participants
	}
	if len(d.MemoryDigests) > 0 {
		if st.MemoryDigests == nil {
			st.MemoryDigests = make(map[string]string, len(d.MemoryDigests))
		}
		for k, v := range d.MemoryDigests {
			st.MemoryDigests[k] = v
		}
	}
	st.Contributions = append(st.Contributions, d.Contributions...)
	st.Recommendations = append(st.Recommendations, d.Recommendations...)
	if d.Decision != nil {
		st.Decision = d.Decision
	}
	if d.Convergence != nil {
		st.Convergence = d.Convergence
	}
	if d.Novelty != nil {
		st.Novelty = d.Novelty
	}
	if d.Synthesis != "" {
		st.Synthesis = d.Synthesis
	}
	if d.Result != nil {
		st.Results = append(st.Results, *d.Result)
	}
	st.Memories = append(st.Memories, d.Memories...)

	if d.Clarification != nil {
		st.Clarification = d.Clarification
	}
	if d.ClearClarification {
		st.Clarification = nil
	}
	if d.ClarifiedNote != "" {
		st.ClarifiedNotes = append(st.ClarifiedNotes, d.ClarifiedNote)
	}

	if d.AdvanceRound {
		st.Round++
	}
	if d.AdvanceSubProblem {
		resetRoundScope(st, now)
		st.SubProblemIndex++
	}

	if d.FinalSynthesis != "" {
		st.FinalSynthesis = d.FinalSynthesis
	}
	if d.Status != "" {
		st.Status = d.Status
	}
	if d.StopReason != "" {
		st.ShouldStop = true
		st.StopReason = d.StopReason
		st.StopDetail = d.StopDetail
	}
}

// resetRoundScope clears round-scoped state when moving to the next
// sub-problem. Ledger totals, results, and memories survive.
func resetRoundScope(st *types.OrchestrationState, now time.Time) {
	st.Round = 0
	st.Steps = 0
	st.SubProblemStart = now
	st.Participants = nil
	st.MemoryDigests = nil
	st.Contributions = nil
	st.Recommendations = nil
	st.Decision = nil
	st.Convergence = nil
	st.Novelty = nil
	st.Synthesis = ""
	st.ClarifiedNotes = nil
}
