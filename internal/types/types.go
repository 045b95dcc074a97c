// Package types defines the deliberation data model shared by the
// orchestration engine, the checkpoint store, and the collaborator
// boundary. All records are JSON-serializable so the full orchestration
// state can be snapshotted into a single checkpoint row.
package types

import (
	"time"
)

// FacilitatorAction is the closed set of actions a facilitator decision
// may carry. Anything outside this set is rejected at the boundary.
type FacilitatorAction string

const (
	ActionContinue  FacilitatorAction = "/continue"  // Run another contribution round
	ActionVote      FacilitatorAction = "/vote"      // Collect recommendations
	ActionModerator FacilitatorAction = "/moderator" // Inject a moderation note
	ActionResearch  FacilitatorAction = "/research"  // Not modeled; falls back to vote
	ActionClarify   FacilitatorAction = "/clarify"   // Ask the user a question
)

// Valid reports whether the action belongs to the closed enumeration.
func (a FacilitatorAction) Valid() bool {
	switch a {
	case ActionContinue, ActionVote, ActionModerator, ActionResearch, ActionClarify:
		return true
	}
	return false
}

// StopReason is the terminal reason code carried by a halted session.
type StopReason string

const (
	StopNone          StopReason = ""
	StopStepLimit     StopReason = "/step_limit"
	StopRoundLimit    StopReason = "/round_limit"
	StopTimeout       StopReason = "/timeout"
	StopCostCap       StopReason = "/cost_cap"
	StopKilled        StopReason = "/killed"
	StopPaused        StopReason = "/paused"
	StopNodeError     StopReason = "/node_error"
	StopClarification StopReason = "/awaiting_clarification"
	StopCompleted     StopReason = "/completed"
)

// SafetyReasons lists the stop reasons produced by the safety guard.
var SafetyReasons = []StopReason{StopStepLimit, StopRoundLimit, StopTimeout, StopCostCap}

// SessionStatus represents the lifecycle status of a deliberation session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "/active"
	StatusPaused    SessionStatus = "/paused"
	StatusHalted    SessionStatus = "/halted" // Safety guard stop, partial result kept
	StatusCompleted SessionStatus = "/completed"
	StatusKilled    SessionStatus = "/killed"
	StatusFailed    SessionStatus = "/failed"
)

// ContributionPhase tags what part of a round produced a contribution.
type ContributionPhase string

const (
	PhaseInitial    ContributionPhase = "/initial"
	PhaseDiscussion ContributionPhase = "/discussion"
	PhaseModeration ContributionPhase = "/moderation"
	PhaseClarified  ContributionPhase = "/clarified"
)

// Problem is the top-level statement under deliberation. SubProblems are
// produced once by decomposition and are immutable afterwards.
type Problem struct {
	ID          string       `json:"id"`
	Statement   string       `json:"statement"`
	Context     string       `json:"context,omitempty"`
	SubProblems []SubProblem `json:"sub_problems"`
}

// SubProblem is one decomposed unit, deliberated independently.
type SubProblem struct {
	ID          string   `json:"id"`
	Goal        string   `json:"goal"`
	Context     string   `json:"context,omitempty"`
	Complexity  int      `json:"complexity"` // 1-10
	DependsOn   []string `json:"depends_on,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// Participant is a synthetic expert persona selected into a panel.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// CostRecord accumulates token and dollar cost for one unit of work.
type CostRecord struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// Add merges another cost record into this one.
func (c *CostRecord) Add(other CostRecord) {
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.USD += other.USD
}

// LedgerSnapshot is the serialized form of the cost ledger, embedded in
// every checkpoint so resume never re-charges completed work.
type LedgerSnapshot struct {
	Total   CostRecord            `json:"total"`
	ByPhase map[string]CostRecord `json:"by_phase,omitempty"`
}

// Contribution is a single participant statement within a round.
// Immutable once created. The (ParticipantID, Round, SubProblemID) key
// gives consumers a canonical ordering independent of arrival time.
type Contribution struct {
	ID            string            `json:"id"`
	ParticipantID string            `json:"participant_id"`
	SubProblemID  string            `json:"sub_problem_id"`
	Round         int               `json:"round"`
	Phase         ContributionPhase `json:"phase"`
	Text          string            `json:"text"`
	Cost          CostRecord        `json:"cost"`
	CreatedAt     time.Time         `json:"created_at"`
}

// FacilitatorDecision is produced once per round by the facilitator
// collaborator and consumed by the router.
type FacilitatorDecision struct {
	Action      FacilitatorAction `json:"action"`
	Question    string            `json:"question,omitempty"` // For /clarify
	Reason      string            `json:"reason,omitempty"`
	NextSpeaker string            `json:"next_speaker,omitempty"` // Participant id hint
}

// Recommendation is a participant's final position on a sub-problem.
// Replaces a binary vote: stance plus confidence plus conditions.
type Recommendation struct {
	ParticipantID string   `json:"participant_id"`
	Stance        string   `json:"stance"`
	Confidence    float64  `json:"confidence"` // 0.0-1.0
	Rationale     string   `json:"rationale,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
}

// RecommendationSet aggregates the panel's recommendations for one
// sub-problem without collapsing them into a single boolean.
type RecommendationSet struct {
	SubProblemID    string           `json:"sub_problem_id"`
	Recommendations []Recommendation `json:"recommendations"`
}

// SubProblemResult is the immutable outcome of one sub-problem's
// deliberation loop.
type SubProblemResult struct {
	SubProblemID    string            `json:"sub_problem_id"`
	Synthesis       string            `json:"synthesis"`
	Recommendations RecommendationSet `json:"recommendations"`
	Contributions   []Contribution    `json:"contributions"`
	Cost            CostRecord        `json:"cost"`
	Duration        time.Duration     `json:"duration"`
	Memories        map[string]string `json:"memories,omitempty"` // participant id -> summary
	Failed          bool              `json:"failed,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
}

// MemoryEntry is one participant memory record, ordered by sub-problem.
type MemoryEntry struct {
	ParticipantID   string `json:"participant_id"`
	SubProblemID    string `json:"sub_problem_id"`
	SubProblemIndex int    `json:"sub_problem_index"`
	Summary         string `json:"summary"`
}

// PendingClarification records a question the session is paused on.
type PendingClarification struct {
	Question      string `json:"question"`
	Reason        string `json:"reason,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Paused        bool   `json:"paused"`
	Answer        string `json:"answer,omitempty"`
}

// Answered reports whether an answer has been injected.
func (p *PendingClarification) Answered() bool {
	return p != nil && p.Answer != ""
}

// OrchestrationState is the mutable record threaded through every node.
// Nodes return deltas; the executor merges them and snapshots the whole
// state into a checkpoint after each node.
type OrchestrationState struct {
	SessionID string        `json:"session_id"`
	OwnerID   string        `json:"owner_id"`
	Status    SessionStatus `json:"status"`

	Problem         Problem `json:"problem"`
	SubProblemIndex int     `json:"sub_problem_index"`

	// Round-scoped state for the active sub-problem.
	Round           int                   `json:"round"`
	Steps           int                   `json:"steps"` // Node executions this sub-problem
	SubProblemStart time.Time             `json:"sub_problem_start"`
	Participants    []Participant         `json:"participants,omitempty"`
	MemoryDigests   map[string]string     `json:"memory_digests,omitempty"` // participant id -> digest
	Contributions   []Contribution        `json:"contributions,omitempty"`
	Recommendations []Recommendation      `json:"recommendations,omitempty"`
	Decision        *FacilitatorDecision  `json:"decision,omitempty"`
	Convergence     *float64              `json:"convergence,omitempty"`
	Novelty         *float64              `json:"novelty,omitempty"`
	Synthesis       string                `json:"synthesis,omitempty"`
	Clarification   *PendingClarification `json:"clarification,omitempty"`
	ClarifiedNotes  []string              `json:"clarified_notes,omitempty"`

	// Cross-sub-problem state, preserved across resets.
	Results  []SubProblemResult `json:"results,omitempty"`
	Memories []MemoryEntry      `json:"memories,omitempty"`
	Ledger   LedgerSnapshot     `json:"ledger"`

	FinalSynthesis string     `json:"final_synthesis,omitempty"`
	ShouldStop     bool       `json:"should_stop"`
	StopReason     StopReason `json:"stop_reason,omitempty"`
	StopDetail     string     `json:"stop_detail,omitempty"`

	// NextNode is where execution continues on resume. Empty means the
	// graph entry node.
	NextNode string `json:"next_node,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveSubProblem returns the sub-problem currently under deliberation.
func (s *OrchestrationState) ActiveSubProblem() *SubProblem {
	if s.SubProblemIndex < 0 || s.SubProblemIndex >= len(s.Problem.SubProblems) {
		return nil
	}
	return &s.Problem.SubProblems[s.SubProblemIndex]
}

// RemainingSubProblems reports how many sub-problems follow the active one.
func (s *OrchestrationState) RemainingSubProblems() int {
	n := len(s.Problem.SubProblems) - s.SubProblemIndex - 1
	if n < 0 {
		return 0
	}
	return n
}

// Checkpoint is one durable snapshot of orchestration state.
type Checkpoint struct {
	SessionID string             `json:"session_id"`
	Node      string             `json:"node"` // Node that produced the snapshot
	State     OrchestrationState `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
}

// FinalSynthesis is the cross-sub-problem outcome returned by the iterator.
type FinalSynthesis struct {
	SessionID string             `json:"session_id"`
	Text      string             `json:"text"`
	Results   []SubProblemResult `json:"results"`
	Cost      CostRecord         `json:"cost"`
}
