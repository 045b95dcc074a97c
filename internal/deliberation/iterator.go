package deliberation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"quorum/internal/engine"
	"quorum/internal/logging"
	"quorum/internal/types"
)

// Iterator drives a whole session through the deliberation graph:
// sub-problems run strictly sequentially (the advance node resets round
// scope between them), and the outcome is folded into a FinalSynthesis.
type Iterator struct {
	executor *engine.Executor
	nodes    *Nodes
}

// NewIterator wires an iterator over a prepared node set.
func NewIterator(executor *engine.Executor, nodes *Nodes) *Iterator {
	return &Iterator{executor: executor, nodes: nodes}
}

// NewSessionState builds the initial orchestration state for a validated
// problem. Sub-problems are reordered so dependencies come first.
func NewSessionState(ownerID string, problem types.Problem, now time.Time) *types.OrchestrationState {
	problem.SubProblems = orderByDependency(problem.SubProblems)
	return &types.OrchestrationState{
		SessionID: uuid.NewString(),
		OwnerID:   ownerID,
		Status:    types.StatusActive,
		Problem:   problem,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Run executes the session until it completes, pauses, or halts. The
// returned synthesis is nil unless the session completed; callers
// inspect the state for every other outcome. Run never turns a halt or
// pause into an error.
func (it *Iterator) Run(ctx context.Context, st *types.OrchestrationState) (*types.FinalSynthesis, *types.OrchestrationState, error) {
	st, err := it.executor.Run(ctx, st)
	if err != nil {
		return nil, nil, err
	}

	if st.Status != types.StatusCompleted {
		logging.Session("session %s ended without completion: status=%s reason=%s",
			st.SessionID, st.Status, st.StopReason)
		return nil, st, nil
	}

	return &types.FinalSynthesis{
		SessionID: st.SessionID,
		Text:      st.FinalSynthesis,
		Results:   st.Results,
		Cost:      st.Ledger.Total,
	}, st, nil
}

// RequestStop forwards a cooperative stop to the executor.
func (it *Iterator) RequestStop(i engine.Interrupt) {
	it.executor.RequestStop(i)
}

// orderByDependency topologically sorts sub-problems so every dependency
// precedes its dependents, preserving the decomposer's order among
// independent sub-problems. Dependency cycles are rejected upstream by
// validation; an unexpected one here keeps the input order.
func orderByDependency(subs []types.SubProblem) []types.SubProblem {
	byID := make(map[string]types.SubProblem, len(subs))
	for _, sp := range subs {
		byID[sp.ID] = sp
	}

	placed := make(map[string]bool, len(subs))
	visiting := make(map[string]bool, len(subs))
	out := make([]types.SubProblem, 0, len(subs))

	var place func(sp types.SubProblem) bool
	place = func(sp types.SubProblem) bool {
		if placed[sp.ID] {
			return true
		}
		if visiting[sp.ID] {
			return false
		}
		visiting[sp.ID] = true
		for _, dep := range sp.DependsOn {
			d, ok := byID[dep]
			if !ok {
				continue
			}
			if !place(d) {
				return false
			}
		}
		visiting[sp.ID] = false
		placed[sp.ID] = true
		out = append(out, sp)
		return true
	}

	for _, sp := range subs {
		if !place(sp) {
			return subs
		}
	}
	return out
}

// Progress is the external status view of a session, assembled from its
// latest checkpoint.
type Progress struct {
	SessionID       string              `json:"session_id"`
	Status          types.SessionStatus `json:"status"`
	SubProblemIndex int                 `json:"sub_problem_index"`
	SubProblems     int                 `json:"sub_problems"`
	Round           int                 `json:"round"`
	Convergence     *float64            `json:"convergence,omitempty"`
	CostUSD         float64             `json:"cost_usd"`
	StopReason      types.StopReason    `json:"stop_reason,omitempty"`
	StopDetail      string              `json:"stop_detail,omitempty"`
	PendingQuestion string              `json:"pending_question,omitempty"`
	Node            string              `json:"node,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// ProgressOf summarizes a checkpointed state.
func ProgressOf(st *types.OrchestrationState, node string) Progress {
	p := Progress{
		SessionID:       st.SessionID,
		Status:          st.Status,
		SubProblemIndex: st.SubProblemIndex,
		SubProblems:     len(st.Problem.SubProblems),
		Round:           st.Round,
		Convergence:     st.Convergence,
		CostUSD:         st.Ledger.Total.USD,
		StopReason:      st.StopReason,
		StopDetail:      st.StopDetail,
		Node:            node,
		UpdatedAt:       st.UpdatedAt,
	}
	if st.Clarification != nil && !st.Clarification.Answered() {
		p.PendingQuestion = st.Clarification.Question
	}
	return p
}

// String renders a one-line status summary for CLI output.
func (p Progress) String() string {
	return fmt.Sprintf("session=%s status=%s sub_problem=%d/%d round=%d cost=$%.4f",
		p.SessionID, p.Status, p.SubProblemIndex+1, p.SubProblems, p.Round, p.CostUSD)
}
