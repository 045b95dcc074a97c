package types

import (
	"strings"
	"testing"
)

func validSubProblems() []SubProblem {
	return []SubProblem{
		{ID: "sub-1", Goal: "define the schema", Complexity: 3},
		{ID: "sub-2", Goal: "pick the storage layer", Complexity: 5, DependsOn: []string{"sub-1"}},
		{ID: "sub-3", Goal: "design the migration", Complexity: 7, DependsOn: []string{"sub-1", "sub-2"}},
	}
}

func TestValidateDecomposition(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]SubProblem) []SubProblem
		wantErr string
	}{
		{
			name:   "valid chain",
			mutate: func(s []SubProblem) []SubProblem { return s },
		},
		{
			name:   "single sub-problem",
			mutate: func(s []SubProblem) []SubProblem { return s[:1] },
		},
		{
			name:    "empty",
			mutate:  func(s []SubProblem) []SubProblem { return nil },
			wantErr: "no sub-problems",
		},
		{
			name: "too many",
			mutate: func(s []SubProblem) []SubProblem {
				for i := 0; i < 6; i++ {
					s = append(s, SubProblem{ID: string(rune('a' + i)), Goal: "x", Complexity: 1})
				}
				return s
			},
			wantErr: "maximum is 5",
		},
		{
			name: "empty id",
			mutate: func(s []SubProblem) []SubProblem {
				s[1].ID = ""
				return s
			},
			wantErr: "empty id",
		},
		{
			name: "duplicate id",
			mutate: func(s []SubProblem) []SubProblem {
				s[2].ID = "sub-1"
				return s
			},
			wantErr: "duplicate",
		},
		{
			name: "complexity too low",
			mutate: func(s []SubProblem) []SubProblem {
				s[0].Complexity = 0
				return s
			},
			wantErr: "complexity",
		},
		{
			name: "complexity too high",
			mutate: func(s []SubProblem) []SubProblem {
				s[0].Complexity = 11
				return s
			},
			wantErr: "complexity",
		},
		{
			name: "unknown dependency",
			mutate: func(s []SubProblem) []SubProblem {
				s[1].DependsOn = []string{"sub-9"}
				return s
			},
			wantErr: "unknown id",
		},
		{
			name: "self dependency",
			mutate: func(s []SubProblem) []SubProblem {
				s[1].DependsOn = []string{"sub-2"}
				return s
			},
			wantErr: "depends on itself",
		},
		{
			name: "dependency cycle",
			mutate: func(s []SubProblem) []SubProblem {
				s[0].DependsOn = []string{"sub-3"}
				return s
			},
			wantErr: "cyclic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDecomposition(tt.mutate(validSubProblems()))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDecision(t *testing.T) {
	tests := []struct {
		name    string
		d       FacilitatorDecision
		wantErr bool
	}{
		{name: "continue", d: FacilitatorDecision{Action: ActionContinue}},
		{name: "vote", d: FacilitatorDecision{Action: ActionVote}},
		{name: "clarify with question", d: FacilitatorDecision{Action: ActionClarify, Question: "which region?"}},
		{name: "clarify without question", d: FacilitatorDecision{Action: ActionClarify}, wantErr: true},
		{name: "unknown action", d: FacilitatorDecision{Action: "/restart"}, wantErr: true},
		{name: "bare word", d: FacilitatorDecision{Action: "vote"}, wantErr: true},
		{name: "empty action", d: FacilitatorDecision{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDecision(tt.d)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDecision(%+v) error = %v, wantErr %v", tt.d, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRecommendation(t *testing.T) {
	valid := Recommendation{ParticipantID: "p1", Stance: "adopt postgres", Confidence: 0.8}
	if err := ValidateRecommendation(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(Recommendation) Recommendation
	}{
		{"missing participant", func(r Recommendation) Recommendation { r.ParticipantID = ""; return r }},
		{"missing stance", func(r Recommendation) Recommendation { r.Stance = ""; return r }},
		{"confidence below zero", func(r Recommendation) Recommendation { r.Confidence = -0.1; return r }},
		{"confidence above one", func(r Recommendation) Recommendation { r.Confidence = 1.1; return r }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateRecommendation(tt.mutate(valid)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestActiveSubProblem(t *testing.T) {
	st := &OrchestrationState{Problem: Problem{SubProblems: validSubProblems()}}

	if sp := st.ActiveSubProblem(); sp == nil || sp.ID != "sub-1" {
		t.Fatalf("expected sub-1, got %+v", sp)
	}
	if got := st.RemainingSubProblems(); got != 2 {
		t.Errorf("RemainingSubProblems() = %d, want 2", got)
	}

	st.SubProblemIndex = 2
	if sp := st.ActiveSubProblem(); sp == nil || sp.ID != "sub-3" {
		t.Fatalf("expected sub-3, got %+v", sp)
	}
	if got := st.RemainingSubProblems(); got != 0 {
		t.Errorf("RemainingSubProblems() = %d, want 0", got)
	}

	st.SubProblemIndex = 3
	if sp := st.ActiveSubProblem(); sp != nil {
		t.Errorf("expected nil past the end, got %+v", sp)
	}
}

func TestPendingClarificationAnswered(t *testing.T) {
	var nilClar *PendingClarification
	if nilClar.Answered() {
		t.Error("nil clarification must not report answered")
	}
	c := &PendingClarification{Question: "which cloud?"}
	if c.Answered() {
		t.Error("unanswered clarification reported answered")
	}
	c.Answer = "aws"
	if !c.Answered() {
		t.Error("answered clarification not reported")
	}
}
