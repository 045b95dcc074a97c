package types

import (
	"fmt"
)

// Decomposition invariants. Collaborator output is re-validated here
// defensively; a violating decomposition is rejected outright, never
// partially accepted.
const (
	MinSubProblems = 1
	MaxSubProblems = 5

	MinComplexity = 1
	MaxComplexity = 10
)

// ValidateDecomposition checks the invariants on a decomposition result:
// 1-5 sub-problems, unique non-empty ids, complexity within range, and
// dependencies that reference known ids, contain no self-reference, and
// form no cycle.
func ValidateDecomposition(subs []SubProblem) error {
	if len(subs) < MinSubProblems {
		return fmt.Errorf("decomposition produced no sub-problems")
	}
	if len(subs) > MaxSubProblems {
		return fmt.Errorf("decomposition produced %d sub-problems, maximum is %d", len(subs), MaxSubProblems)
	}

	byID := make(map[string]*SubProblem, len(subs))
	for i := range subs {
		sp := &subs[i]
		if sp.ID == "" {
			return fmt.Errorf("sub-problem %d has an empty id", i)
		}
		if _, dup := byID[sp.ID]; dup {
			return fmt.Errorf("duplicate sub-problem id %q", sp.ID)
		}
		if sp.Complexity < MinComplexity || sp.Complexity > MaxComplexity {
			return fmt.Errorf("sub-problem %q has complexity %d outside [%d,%d]", sp.ID, sp.Complexity, MinComplexity, MaxComplexity)
		}
		byID[sp.ID] = sp
	}

	for _, sp := range subs {
		for _, dep := range sp.DependsOn {
			if dep == sp.ID {
				return fmt.Errorf("sub-problem %q depends on itself", sp.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("sub-problem %q depends on unknown id %q", sp.ID, dep)
			}
		}
	}

	if cycle := findDependencyCycle(subs, byID); cycle != "" {
		return fmt.Errorf("cyclic sub-problem dependency involving %q", cycle)
	}

	return nil
}

// findDependencyCycle runs a three-color DFS over the dependency edges and
// returns the id of a node on a cycle, or "" if the graph is acyclic.
func findDependencyCycle(subs []SubProblem, byID map[string]*SubProblem) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(subs))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, sp := range subs {
		if color[sp.ID] == white {
			if hit := visit(sp.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// ValidateDecision rejects malformed facilitator decisions at the boundary.
func ValidateDecision(d FacilitatorDecision) error {
	if !d.Action.Valid() {
		return fmt.Errorf("unknown facilitator action %q", d.Action)
	}
	if d.Action == ActionClarify && d.Question == "" {
		return fmt.Errorf("clarify decision carries no question")
	}
	return nil
}

// ValidateRecommendation checks the structural contract on a
// recommendation returned by a collaborator.
func ValidateRecommendation(r Recommendation) error {
	if r.ParticipantID == "" {
		return fmt.Errorf("recommendation has no participant id")
	}
	if r.Stance == "" {
		return fmt.Errorf("recommendation from %q has no stance", r.ParticipantID)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("recommendation from %q has confidence %.2f outside [0,1]", r.ParticipantID, r.Confidence)
	}
	return nil
}
