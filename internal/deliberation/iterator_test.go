package deliberation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/convergence"
	"quorum/internal/types"
)

func evaluatorForTest() *convergence.Evaluator {
	return convergence.NewEvaluator(fakeEmbedder{})
}

func TestNewSessionState(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	problem := types.Problem{
		ID:        "prob-1",
		Statement: "s",
		SubProblems: []types.SubProblem{
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "a"},
		},
	}

	st := NewSessionState("owner-1", problem, now)

	require.NotEmpty(t, st.SessionID)
	assert.Equal(t, "owner-1", st.OwnerID)
	assert.Equal(t, types.StatusActive, st.Status)
	assert.Equal(t, now, st.CreatedAt)

	// Dependencies come first regardless of decomposer order.
	require.Len(t, st.Problem.SubProblems, 2)
	assert.Equal(t, "a", st.Problem.SubProblems[0].ID)
	assert.Equal(t, "b", st.Problem.SubProblems[1].ID)

	// Distinct sessions get distinct ids.
	other := NewSessionState("owner-1", problem, now)
	assert.NotEqual(t, st.SessionID, other.SessionID)
}

func TestProgressOf(t *testing.T) {
	conv := 0.65
	st := &types.OrchestrationState{
		SessionID:       "sess-1",
		Status:          types.StatusPaused,
		SubProblemIndex: 1,
		Round:           3,
		Convergence:     &conv,
		Problem: types.Problem{SubProblems: []types.SubProblem{
			{ID: "sub-1"}, {ID: "sub-2"}, {ID: "sub-3"},
		}},
		Ledger:        types.LedgerSnapshot{Total: types.CostRecord{USD: 0.42}},
		StopReason:    types.StopClarification,
		Clarification: &types.PendingClarification{Question: "which region?", Paused: true},
	}

	p := ProgressOf(st, "pause")

	assert.Equal(t, "sess-1", p.SessionID)
	assert.Equal(t, types.StatusPaused, p.Status)
	assert.Equal(t, 1, p.SubProblemIndex)
	assert.Equal(t, 3, p.SubProblems)
	assert.Equal(t, 0.42, p.CostUSD)
	assert.Equal(t, "which region?", p.PendingQuestion)
	assert.Equal(t, "pause", p.Node)
	assert.Contains(t, p.String(), "sub_problem=2/3")

	// An answered question is no longer pending.
	st.Clarification.Answer = "eu-west"
	assert.Empty(t, ProgressOf(st, "pause").PendingQuestion)
}

func TestNodesGraphValidates(t *testing.T) {
	f := newFakeCollab(nil, nil)
	nodes, err := NewNodes(NodesConfig{
		Collaborators: f.set(),
		Evaluator:     evaluatorForTest(),
	})
	require.NoError(t, err)

	// The production graph wiring must satisfy every structural rule,
	// including the bounded-cycle requirement.
	require.NoError(t, nodes.Graph().Validate())
}

func TestNewNodesRequiresCollaborators(t *testing.T) {
	f := newFakeCollab(nil, nil)
	incomplete := f.set()
	incomplete.Facilitator = nil

	_, err := NewNodes(NodesConfig{Collaborators: incomplete, Evaluator: evaluatorForTest()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "facilitator")
}
