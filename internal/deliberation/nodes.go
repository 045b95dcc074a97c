package deliberation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quorum/internal/convergence"
	"quorum/internal/engine"
	"quorum/internal/ledger"
	"quorum/internal/logging"
	"quorum/internal/memory"
	"quorum/internal/types"
)

// moderator is the synthetic participant used for moderation notes.
var moderator = types.Participant{ID: "moderator", Name: "Moderator", Domain: "facilitation"}

// Nodes holds the dependencies shared by every graph node. One instance
// per session; the ledger and memory store are session-scoped.
type Nodes struct {
	collab Collaborators
	retry  RetryConfig
	eval   *convergence.Evaluator
	memory *memory.Store
	costs  *ledger.Tracker
	events chan<- engine.Event
	pacing time.Duration
	now    func() time.Time
}

// NodesConfig wires a node set.
type NodesConfig struct {
	Collaborators Collaborators
	Retry         RetryConfig
	Evaluator     *convergence.Evaluator
	Memory        *memory.Store
	Ledger        *ledger.Tracker
	Events        chan<- engine.Event // optional
	Pacing        time.Duration       // min gap between contribution_ready events
}

// NewNodes validates the collaborator set and builds the node set.
func NewNodes(cfg NodesConfig) (*Nodes, error) {
	if err := cfg.Collaborators.validate(); err != nil {
		return nil, err
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("node set requires a convergence evaluator")
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewStore()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewTracker()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Nodes{
		collab: cfg.Collaborators,
		retry:  cfg.Retry,
		eval:   cfg.Evaluator,
		memory: cfg.Memory,
		costs:  cfg.Ledger,
		events: cfg.Events,
		pacing: cfg.Pacing,
		now:    time.Now,
	}, nil
}

// Ledger exposes the session cost tracker.
func (n *Nodes) Ledger() *ledger.Tracker { return n.costs }

// Memory exposes the session memory store.
func (n *Nodes) Memory() *memory.Store { return n.memory }

// Graph wires the deliberation graph. Contribution rounds and
// sub-problem advancement are the bounding nodes; every cycle passes
// through one of them, which is what lets Validate prove termination.
func (n *Nodes) Graph() *engine.Graph {
	g := engine.NewGraph(NodeSelectParticipants)

	g.Add(engine.NodeSpec{Name: NodeSelectParticipants, Run: n.selectParticipants})
	g.Add(engine.NodeSpec{Name: NodePersonaContribute, Run: n.personaContribute, BoundsRound: true})
	g.Add(engine.NodeSpec{Name: NodeCheckConvergence, Run: n.checkConvergence})
	g.Add(engine.NodeSpec{Name: NodeFacilitate, Run: n.facilitate})
	g.Add(engine.NodeSpec{Name: NodeModeratorIntervene, Run: n.moderatorIntervene})
	g.Add(engine.NodeSpec{Name: NodeCollectRecommendations, Run: n.collectRecommendations})
	g.Add(engine.NodeSpec{Name: NodePause, Run: n.pause, Terminal: true})
	g.Add(engine.NodeSpec{Name: NodeSynthesize, Run: n.synthesize})
	g.Add(engine.NodeSpec{Name: NodeAdvanceSubProblem, Run: n.advanceSubProblem, BoundsRound: true})
	g.Add(engine.NodeSpec{Name: NodeMetaSynthesize, Run: n.metaSynthesize, Terminal: true})
	g.Add(engine.NodeSpec{Name: NodeComplete, Run: n.complete, Terminal: true})

	g.Connect(NodeSelectParticipants, NodePersonaContribute)
	g.Connect(NodePersonaContribute, NodeCheckConvergence)
	g.Connect(NodeCheckConvergence, NodeFacilitate)
	g.Route(NodeFacilitate,
		[]string{NodePersonaContribute, NodeCollectRecommendations, NodeModeratorIntervene, NodePause},
		routeAfterFacilitate)
	g.Connect(NodeModeratorIntervene, NodePersonaContribute)
	g.Connect(NodeCollectRecommendations, NodeSynthesize)
	g.Route(NodeSynthesize,
		[]string{NodeAdvanceSubProblem, NodeMetaSynthesize, NodeComplete},
		routeAfterSynthesize)
	g.Connect(NodeAdvanceSubProblem, NodeSelectParticipants)

	return g
}

// selectParticipants builds the expert panel for the active sub-problem
// and attaches memory digests for participants seen in earlier
// sub-problems.
func (n *Nodes) selectParticipants(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	sp := st.ActiveSubProblem()
	if sp == nil {
		return nil, fmt.Errorf("no active sub-problem at index %d", st.SubProblemIndex)
	}

	panel, err := callWithRetry(ctx, n.retry, "participant selection", func(ctx context.Context) ([]types.Participant, error) {
		return n.collab.Selector.Select(ctx, *sp, st.Problem.Context)
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(panel))
	participants := panel[:0]
	for _, p := range panel {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		participants = append(participants, p)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("selector returned an empty panel for sub-problem %s", sp.ID)
	}

	digests := make(map[string]string)
	for _, p := range participants {
		if d := n.memory.Digest(p.ID, st.SubProblemIndex); d != "" {
			digests[p.ID] = d
			logging.MemoryDebug("digest attached: participant=%s sub_problem=%s", p.ID, sp.ID)
		}
	}

	logging.Session("panel for %s: %d participants, %d with memory", sp.ID, len(participants), len(digests))
	return &engine.Delta{Participants: participants, MemoryDigests: digests}, nil
}

// personaContribute runs one contribution round: every panel member
// contributes concurrently, and the round counter advances. A pending
// clarification answer is merged into the deliberation context here,
// before any participant speaks.
func (n *Nodes) personaContribute(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	sp := st.ActiveSubProblem()
	if sp == nil {
		return nil, fmt.Errorf("no active sub-problem at index %d", st.SubProblemIndex)
	}
	if len(st.Participants) == 0 {
		return nil, fmt.Errorf("contribution round without a panel for sub-problem %s", sp.ID)
	}

	round := st.Round + 1
	phase := types.PhaseDiscussion
	if round == 1 {
		phase = types.PhaseInitial
	}

	var clarifiedNote string
	if st.Clarification.Answered() {
		clarifiedNote = fmt.Sprintf("Q: %s\nA: %s", st.Clarification.Question, st.Clarification.Answer)
		phase = types.PhaseClarified
	}

	prompt := n.buildPrompt(st, sp, clarifiedNote)
	panel := orderPanel(st.Participants, st.Decision)

	results := make([]types.Contribution, len(panel))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range panel {
		i, p := i, p
		g.Go(func() error {
			type reply struct {
				text string
				cost types.CostRecord
			}
			r, err := callWithRetry(gctx, n.retry, fmt.Sprintf("contribution from %s", p.ID), func(ctx context.Context) (reply, error) {
				t, c, cerr := n.collab.Contributor.Contribute(ctx, p, prompt, st.MemoryDigests[p.ID])
				if cerr != nil {
					return reply{}, cerr
				}
				n.costs.Add(sp.ID, c)
				return reply{text: t, cost: c}, nil
			})
			if err != nil {
				return fmt.Errorf("participant %s: %w", p.ID, err)
			}
			results[i] = types.Contribution{
				ID:            uuid.NewString(),
				ParticipantID: p.ID,
				SubProblemID:  sp.ID,
				Round:         round,
				Phase:         phase,
				Text:          r.text,
				Cost:          r.cost,
				CreatedAt:     n.now(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n.paceContributions(ctx, st.SessionID, round, results)

	return &engine.Delta{
		Contributions:      results,
		AdvanceRound:       true,
		ClarifiedNote:      clarifiedNote,
		ClearClarification: clarifiedNote != "",
	}, nil
}

// checkConvergence scores the active sub-problem's contributions. The
// scores are a signal for the facilitator, never a hard stop.
func (n *Nodes) checkConvergence(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	scores, err := callWithRetry(ctx, n.retry, "convergence evaluation", func(ctx context.Context) (convergence.Scores, error) {
		return n.eval.Evaluate(ctx, st.Contributions)
	})
	if err != nil {
		return nil, err
	}
	return &engine.Delta{Convergence: scores.Agreement, Novelty: scores.Novelty}, nil
}

// facilitate asks the facilitator what the round does next. The decision
// is boundary-validated; an out-of-enum action is rejected outright
// rather than coerced.
func (n *Nodes) facilitate(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	sp := st.ActiveSubProblem()
	if sp == nil {
		return nil, fmt.Errorf("no active sub-problem at index %d", st.SubProblemIndex)
	}

	summary := n.buildStateSummary(st, sp)
	decision, err := callWithRetry(ctx, n.retry, "facilitator decision", func(ctx context.Context) (types.FacilitatorDecision, error) {
		d, cost, derr := n.collab.Facilitator.Decide(ctx, summary)
		if derr == nil {
			n.costs.Add(sp.ID, cost)
		}
		return d, derr
	})
	if err != nil {
		return nil, err
	}
	if err := types.ValidateDecision(decision); err != nil {
		return nil, fmt.Errorf("facilitator decision rejected: %w", err)
	}

	logging.Session("facilitator: action=%s round=%d sub_problem=%s reason=%s",
		decision.Action, st.Round, sp.ID, decision.Reason)
	return &engine.Delta{Decision: &decision}, nil
}

// moderatorIntervene injects a moderation note as a contribution tagged
// /moderation. The note does not advance the round; the next contribution
// round does.
func (n *Nodes) moderatorIntervene(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	sp := st.ActiveSubProblem()
	if sp == nil {
		return nil, fmt.Errorf("no active sub-problem at index %d", st.SubProblemIndex)
	}

	reason := "deliberation needs refocusing"
	if st.Decision != nil && st.Decision.Reason != "" {
		reason = st.Decision.Reason
	}
	prompt := fmt.Sprintf("You are moderating a deliberation on: %s\nIntervention reason: %s\nWrite a short moderation note that redirects the discussion.", sp.Goal, reason)

	type reply struct {
		text string
		cost types.CostRecord
	}
	r, err := callWithRetry(ctx, n.retry, "moderation note", func(ctx context.Context) (reply, error) {
		t, cost, cerr := n.collab.Contributor.Contribute(ctx, moderator, prompt, "")
		if cerr != nil {
			return reply{}, cerr
		}
		n.costs.Add(sp.ID, cost)
		return reply{text: t, cost: cost}, nil
	})
	if err != nil {
		return nil, err
	}

	note := types.Contribution{
		ID:            uuid.NewString(),
		ParticipantID: moderator.ID,
		SubProblemID:  sp.ID,
		Round:         st.Round,
		Phase:         types.PhaseModeration,
		Text:          r.text,
		Cost:          r.cost,
		CreatedAt:     n.now(),
	}
	return &engine.Delta{Contributions: []types.Contribution{note}}, nil
}

// collectRecommendations gathers the panel's final positions on the
// active sub-problem concurrently. Positions are kept as stance plus
// confidence plus conditions; nothing collapses them into a vote tally.
func (n *Nodes) collectRecommendations(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	sp := st.ActiveSubProblem()
	if sp == nil {
		return nil, fmt.Errorf("no active sub-problem at index %d", st.SubProblemIndex)
	}
	if len(st.Participants) == 0 {
		return nil, fmt.Errorf("recommendation collection without a panel for sub-problem %s", sp.ID)
	}

	deliberationContext := n.buildPrompt(st, sp, "")
	recs := make([]types.Recommendation, len(st.Participants))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range st.Participants {
		i, p := i, p
		g.Go(func() error {
			rec, err := callWithRetry(gctx, n.retry, fmt.Sprintf("recommendation from %s", p.ID), func(ctx context.Context) (types.Recommendation, error) {
				r, cost, rerr := n.collab.Recommender.Recommend(ctx, p, deliberationContext)
				if rerr == nil {
					n.costs.Add(sp.ID, cost)
				}
				return r, rerr
			})
			if err != nil {
				return fmt.Errorf("participant %s: %w", p.ID, err)
			}
			rec.ParticipantID = p.ID
			if err := types.ValidateRecommendation(rec); err != nil {
				return fmt.Errorf("recommendation from %s rejected: %w", p.ID, err)
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &engine.Delta{Recommendations: recs}, nil
}

// pause parks the session on the facilitator's open question. Terminal
// for this run; the controller resumes the session once an answer is
// submitted.
func (n *Nodes) pause(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	if st.Decision == nil || st.Decision.Action != types.ActionClarify {
		return nil, fmt.Errorf("pause node reached without a clarify decision")
	}

	clar := &types.PendingClarification{
		Question: st.Decision.Question,
		Reason:   st.Decision.Reason,
		Paused:   true,
	}
	logging.Session("session %s paused for clarification: %s", st.SessionID, clar.Question)
	return &engine.Delta{
		Clarification: clar,
		Status:        types.StatusPaused,
		StopReason:    types.StopClarification,
		StopDetail:    clar.Question,
	}, nil
}

// synthesize closes out the active sub-problem: synthesis text, the
// immutable result record, and one memory summary per contributing
// participant for reinjection in later sub-problems.
func (n *Nodes) synthesize(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	sp := st.ActiveSubProblem()
	if sp == nil {
		return nil, fmt.Errorf("no active sub-problem at index %d", st.SubProblemIndex)
	}

	text, err := callWithRetry(ctx, n.retry, "sub-problem synthesis", func(ctx context.Context) (string, error) {
		t, cost, serr := n.collab.Synthesizer.Synthesize(ctx, *sp, st.Contributions, st.Recommendations)
		if serr == nil {
			n.costs.Add(sp.ID, cost)
		}
		return t, serr
	})
	if err != nil {
		return nil, err
	}

	memories, entries, err := n.summarizeParticipants(ctx, st, sp)
	if err != nil {
		return nil, err
	}

	result := types.SubProblemResult{
		SubProblemID: sp.ID,
		Synthesis:    text,
		Recommendations: types.RecommendationSet{
			SubProblemID:    sp.ID,
			Recommendations: st.Recommendations,
		},
		Contributions: st.Contributions,
		Cost:          n.costs.Phase(sp.ID),
		Duration:      n.now().Sub(st.SubProblemStart),
		Memories:      memories,
	}

	logging.Session("sub-problem %s synthesized: %d contributions, %d recommendations, $%.4f",
		sp.ID, len(st.Contributions), len(st.Recommendations), result.Cost.USD)
	return &engine.Delta{Synthesis: text, Result: &result, Memories: entries}, nil
}

// summarizeParticipants produces one short memory summary per
// participant that actually contributed, and records it in the store so
// later panels can look it up.
func (n *Nodes) summarizeParticipants(ctx context.Context, st *types.OrchestrationState, sp *types.SubProblem) (map[string]string, []types.MemoryEntry, error) {
	byParticipant := make(map[string][]types.Contribution)
	for _, c := range st.Contributions {
		if c.ParticipantID == moderator.ID {
			continue
		}
		byParticipant[c.ParticipantID] = append(byParticipant[c.ParticipantID], c)
	}

	memories := make(map[string]string, len(byParticipant))
	var entries []types.MemoryEntry
	for _, p := range st.Participants {
		contribs := byParticipant[p.ID]
		if len(contribs) == 0 {
			continue
		}
		summary, err := callWithRetry(ctx, n.retry, fmt.Sprintf("memory summary for %s", p.ID), func(ctx context.Context) (string, error) {
			s, cost, serr := n.collab.Summarizer.Summarize(ctx, p, contribs)
			if serr == nil {
				n.costs.Add(sp.ID, cost)
			}
			return s, serr
		})
		if err != nil {
			return nil, nil, err
		}
		if summary == "" {
			continue
		}
		memories[p.ID] = summary
		entries = append(entries, types.MemoryEntry{
			ParticipantID:   p.ID,
			SubProblemID:    sp.ID,
			SubProblemIndex: st.SubProblemIndex,
			Summary:         summary,
		})
		n.memory.Record(p.ID, sp.ID, st.SubProblemIndex, summary)
	}
	return memories, entries, nil
}

// advanceSubProblem resets round scope and moves to the next sub-problem.
// The reset itself happens in the delta merge; this node only requests it.
func (n *Nodes) advanceSubProblem(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	logging.Session("advancing from sub-problem %d/%d", st.SubProblemIndex+1, len(st.Problem.SubProblems))
	return &engine.Delta{AdvanceSubProblem: true}, nil
}

// metaSynthesize folds all sub-problem results into the final synthesis.
// Failed sub-problems are included as inputs; the synthesizer sees what
// was and was not resolved.
func (n *Nodes) metaSynthesize(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	text, err := callWithRetry(ctx, n.retry, "meta synthesis", func(ctx context.Context) (string, error) {
		t, cost, serr := n.collab.Synthesizer.SynthesizeFinal(ctx, st.Problem, st.Results)
		if serr == nil {
			n.costs.Add("meta", cost)
		}
		return t, serr
	})
	if err != nil {
		return nil, err
	}
	return &engine.Delta{
		FinalSynthesis: text,
		Status:         types.StatusCompleted,
		StopReason:     types.StopCompleted,
	}, nil
}

// complete ends a single-sub-problem session. The sub-problem synthesis
// is the final answer; no meta pass, no extra cost.
func (n *Nodes) complete(ctx context.Context, st *types.OrchestrationState) (*engine.Delta, error) {
	final := st.Synthesis
	if final == "" && len(st.Results) > 0 {
		final = st.Results[len(st.Results)-1].Synthesis
	}
	return &engine.Delta{
		FinalSynthesis: final,
		Status:         types.StatusCompleted,
		StopReason:     types.StopCompleted,
	}, nil
}

// buildPrompt assembles the deliberation context for contributors and
// recommenders: the problem frame, the active sub-problem, clarified
// notes, and the latest round of discussion.
func (n *Nodes) buildPrompt(st *types.OrchestrationState, sp *types.SubProblem, pendingNote string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem: %s\n", st.Problem.Statement)
	if st.Problem.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", st.Problem.Context)
	}
	fmt.Fprintf(&b, "\nSub-problem: %s\n", sp.Goal)
	if sp.Context != "" {
		fmt.Fprintf(&b, "Sub-problem context: %s\n", sp.Context)
	}
	for _, c := range sp.Constraints {
		fmt.Fprintf(&b, "Constraint: %s\n", c)
	}

	notes := st.ClarifiedNotes
	if pendingNote != "" {
		notes = append(append([]string{}, notes...), pendingNote)
	}
	if len(notes) > 0 {
		b.WriteString("\nUser clarifications:\n")
		for _, note := range notes {
			fmt.Fprintf(&b, "%s\n", note)
		}
	}

	if latest := latestRound(st.Contributions); len(latest) > 0 {
		fmt.Fprintf(&b, "\nLatest round of discussion:\n")
		for _, c := range latest {
			fmt.Fprintf(&b, "[%s] %s\n", c.ParticipantID, c.Text)
		}
	}
	return b.String()
}

// buildStateSummary gives the facilitator a compact view of where the
// round stands, including the convergence signal when available.
func (n *Nodes) buildStateSummary(st *types.OrchestrationState, sp *types.SubProblem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-problem: %s (complexity %d)\n", sp.Goal, sp.Complexity)
	fmt.Fprintf(&b, "Round %d, %d contributions so far.\n", st.Round, len(st.Contributions))
	if st.Convergence != nil {
		fmt.Fprintf(&b, "Agreement score: %.2f\n", *st.Convergence)
	}
	if st.Novelty != nil {
		fmt.Fprintf(&b, "Novelty of latest contribution: %.2f\n", *st.Novelty)
	}
	if st.Convergence == nil && st.Novelty == nil {
		b.WriteString("Convergence signal not yet available.\n")
	}
	if latest := latestRound(st.Contributions); len(latest) > 0 {
		b.WriteString("\nLatest round:\n")
		for _, c := range latest {
			fmt.Fprintf(&b, "[%s] %s\n", c.ParticipantID, c.Text)
		}
	}
	return b.String()
}

// paceContributions emits contribution_ready events. With a positive
// pacing interval the emissions are spaced out on a background goroutine
// so a burst of concurrent completions does not flood the consumer.
func (n *Nodes) paceContributions(ctx context.Context, sessionID string, round int, contributions []types.Contribution) {
	if n.events == nil || len(contributions) == 0 {
		return
	}

	emit := func(c types.Contribution) {
		ev := engine.Event{
			Type:      "contribution_ready",
			Timestamp: n.now(),
			SessionID: sessionID,
			Node:      NodePersonaContribute,
			Round:     round,
			Message:   c.ParticipantID,
			Data:      c,
		}
		select {
		case n.events <- ev:
		default:
		}
	}

	if n.pacing <= 0 {
		for _, c := range contributions {
			emit(c)
		}
		return
	}

	batch := make([]types.Contribution, len(contributions))
	copy(batch, contributions)
	go func() {
		for i, c := range batch {
			if i > 0 {
				select {
				case <-time.After(n.pacing):
				case <-ctx.Done():
					return
				}
			}
			emit(c)
		}
	}()
}

// orderPanel returns the panel with the facilitator's next-speaker hint
// first. Order affects presentation pacing only; every panel member
// still contributes each round.
func orderPanel(participants []types.Participant, decision *types.FacilitatorDecision) []types.Participant {
	out := make([]types.Participant, len(participants))
	copy(out, participants)
	if decision == nil || decision.NextSpeaker == "" {
		return out
	}
	for i, p := range out {
		if p.ID == decision.NextSpeaker && i > 0 {
			hinted := out[i]
			copy(out[1:i+1], out[0:i])
			out[0] = hinted
			break
		}
	}
	return out
}

// latestRound filters contributions down to the highest round present.
func latestRound(contributions []types.Contribution) []types.Contribution {
	maxRound := 0
	for _, c := range contributions {
		if c.Round > maxRound {
			maxRound = c.Round
		}
	}
	var out []types.Contribution
	for _, c := range contributions {
		if c.Round == maxRound {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}
