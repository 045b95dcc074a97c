package deliberation

import (
	"quorum/internal/types"
)

// Graph node names. The wiring in Nodes.Graph is the authoritative shape;
// these constants exist so routing, resume, and tests agree on spelling.
const (
	NodeSelectParticipants     = "select_participants"
	NodePersonaContribute      = "persona_contribute"
	NodeCheckConvergence       = "check_convergence"
	NodeFacilitate             = "facilitate"
	NodeModeratorIntervene     = "moderator_intervene"
	NodeCollectRecommendations = "collect_recommendations"
	NodePause                  = "pause"
	NodeSynthesize             = "synthesize"
	NodeAdvanceSubProblem      = "advance_subproblem"
	NodeMetaSynthesize         = "meta_synthesize"
	NodeComplete               = "complete"
)

// routeAfterFacilitate maps the facilitator decision to the next node.
//
//	/continue            -> another contribution round
//	/vote                -> collect recommendations
//	/moderator           -> moderation note, then another round
//	/research            -> collect recommendations (research is not
//	                        modeled; treating it as a vote keeps the
//	                        session moving instead of stalling)
//	/clarify, answered   -> contribution round; the answer is merged
//	                        into the deliberation context there
//	/clarify, unanswered -> pause
//
// A nil or unrecognized decision falls back to another round; the round
// counter still bounds that path.
func routeAfterFacilitate(st *types.OrchestrationState) string {
	d := st.Decision
	if d == nil {
		return NodePersonaContribute
	}
	switch d.Action {
	case types.ActionVote, types.ActionResearch:
		return NodeCollectRecommendations
	case types.ActionModerator:
		return NodeModeratorIntervene
	case types.ActionClarify:
		if st.Clarification.Answered() {
			return NodePersonaContribute
		}
		return NodePause
	default:
		return NodePersonaContribute
	}
}

// routeAfterSynthesize decides what follows a sub-problem synthesis:
// advance when sub-problems remain, finish directly when the problem had
// a single sub-problem (its synthesis is final, no meta pass), otherwise
// run the meta-synthesis.
func routeAfterSynthesize(st *types.OrchestrationState) string {
	if st.RemainingSubProblems() > 0 {
		return NodeAdvanceSubProblem
	}
	if len(st.Problem.SubProblems) == 1 {
		return NodeComplete
	}
	return NodeMetaSynthesize
}
