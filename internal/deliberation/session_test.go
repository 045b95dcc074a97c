package deliberation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"quorum/internal/checkpoint"
	"quorum/internal/engine"
	"quorum/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// opencensus starts a background worker in package init.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// fakeEmbedder maps each distinct text to a deterministic vector.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := fnv.New32a()
	sum.Write([]byte(text))
	seed := sum.Sum32()
	v := make([]float32, 4)
	var norm float64
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%1000)/1000 - 0.5
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 4 }
func (fakeEmbedder) Name() string    { return "fake" }

// fakeCollab scripts every collaborator. Facilitator decisions pop off a
// shared queue; when it runs dry, defaultAction applies.
type fakeCollab struct {
	mu sync.Mutex

	subs          []types.SubProblem
	panels        map[string][]types.Participant
	script        []types.FacilitatorDecision
	defaultAction types.FacilitatorAction

	perCall types.CostRecord

	contributeCalls int
	callsByID       map[string]int
	digestsSeen     map[string]string
	contributeErr   error

	// When set, Contribute signals busy once per call and then blocks
	// until gate closes, so tests can act on a session mid-round.
	contributeBusy chan struct{}
	contributeGate chan struct{}
}

func newFakeCollab(subs []types.SubProblem, panels map[string][]types.Participant, script ...types.FacilitatorDecision) *fakeCollab {
	return &fakeCollab{
		subs:          subs,
		panels:        panels,
		script:        script,
		defaultAction: types.ActionVote,
		perCall:       types.CostRecord{InputTokens: 100, OutputTokens: 50, USD: 0.001},
		callsByID:     make(map[string]int),
		digestsSeen:   make(map[string]string),
	}
}

func (f *fakeCollab) Decompose(ctx context.Context, problemText, problemContext string) ([]types.SubProblem, error) {
	return f.subs, nil
}

func (f *fakeCollab) Select(ctx context.Context, sub types.SubProblem, problemContext string) ([]types.Participant, error) {
	return f.panels[sub.ID], nil
}

func (f *fakeCollab) Contribute(ctx context.Context, p types.Participant, prompt, memoryDigest string) (string, types.CostRecord, error) {
	if f.contributeBusy != nil {
		select {
		case f.contributeBusy <- struct{}{}:
		default:
		}
	}
	if f.contributeGate != nil {
		select {
		case <-f.contributeGate:
		case <-ctx.Done():
			return "", types.CostRecord{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contributeErr != nil {
		return "", types.CostRecord{}, f.contributeErr
	}
	f.contributeCalls++
	f.callsByID[p.ID]++
	if memoryDigest != "" {
		f.digestsSeen[p.ID] = memoryDigest
	}
	return fmt.Sprintf("%s position %d", p.ID, f.callsByID[p.ID]), f.perCall, nil
}

func (f *fakeCollab) Decide(ctx context.Context, stateSummary string) (types.FacilitatorDecision, types.CostRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) > 0 {
		d := f.script[0]
		f.script = f.script[1:]
		return d, f.perCall, nil
	}
	return types.FacilitatorDecision{Action: f.defaultAction}, f.perCall, nil
}

func (f *fakeCollab) Recommend(ctx context.Context, p types.Participant, deliberationContext string) (types.Recommendation, types.CostRecord, error) {
	return types.Recommendation{
		ParticipantID: p.ID,
		Stance:        fmt.Sprintf("%s recommends option A", p.ID),
		Confidence:    0.8,
	}, f.perCall, nil
}

func (f *fakeCollab) Synthesize(ctx context.Context, sub types.SubProblem, contributions []types.Contribution, recs []types.Recommendation) (string, types.CostRecord, error) {
	return "synthesis of " + sub.ID, f.perCall, nil
}

func (f *fakeCollab) SynthesizeFinal(ctx context.Context, problem types.Problem, results []types.SubProblemResult) (string, types.CostRecord, error) {
	return "final synthesis", f.perCall, nil
}

func (f *fakeCollab) Summarize(ctx context.Context, p types.Participant, contributions []types.Contribution) (string, types.CostRecord, error) {
	return fmt.Sprintf("%s concluded: option A", p.ID), f.perCall, nil
}

func (f *fakeCollab) set() Collaborators {
	return Collaborators{
		Decomposer:  f,
		Selector:    f,
		Contributor: f,
		Facilitator: f,
		Recommender: f,
		Synthesizer: f,
		Summarizer:  f,
	}
}

func testController(t *testing.T, f *fakeCollab, store checkpoint.Store) *Controller {
	t.Helper()
	c, err := NewController(ControllerConfig{
		Collaborators: f.set(),
		Retry:         RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, CallTimeout: time.Second},
		Embedder:      fakeEmbedder{},
		Checkpoints:   store,
		Guard:         engine.DefaultGuardConfig(),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

var (
	economist = types.Participant{ID: "economist", Name: "Economist", Domain: "economics"}
	engineer  = types.Participant{ID: "engineer", Name: "Engineer", Domain: "engineering"}
	planner   = types.Participant{ID: "planner", Name: "Planner", Domain: "urban planning"}
	owner     = Actor{ID: "owner-1"}
	stranger  = Actor{ID: "someone-else"}
	admin     = Actor{ID: "root", Admin: true}
)

func TestFullSessionTwoSubProblems(t *testing.T) {
	subs := []types.SubProblem{
		{ID: "sub-1", Goal: "reduce congestion", Complexity: 4},
		{ID: "sub-2", Goal: "fund transit", Complexity: 4},
	}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"sub-1": {economist, engineer},
		"sub-2": {economist, planner},
	},
		types.FacilitatorDecision{Action: types.ActionContinue}, // sub-1 round 2
		types.FacilitatorDecision{Action: types.ActionVote},     // sub-1 vote
		types.FacilitatorDecision{Action: types.ActionVote},     // sub-2 vote
	)

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)

	final, st, err := c.Start(context.Background(), owner.ID, "improve the city's transport", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if final == nil {
		t.Fatalf("expected a final synthesis, state: status=%s reason=%s", st.Status, st.StopReason)
	}
	if final.Text != "final synthesis" {
		t.Errorf("final text = %q", final.Text)
	}

	// One result per sub-problem, in order.
	if len(final.Results) != 2 || final.Results[0].SubProblemID != "sub-1" || final.Results[1].SubProblemID != "sub-2" {
		t.Fatalf("results = %+v", final.Results)
	}
	for _, r := range final.Results {
		if r.Failed {
			t.Errorf("result %s unexpectedly failed: %s", r.SubProblemID, r.FailureReason)
		}
		if r.Synthesis != "synthesis of "+r.SubProblemID {
			t.Errorf("result %s synthesis = %q", r.SubProblemID, r.Synthesis)
		}
		if len(r.Recommendations.Recommendations) != 2 {
			t.Errorf("result %s has %d recommendations, want 2", r.SubProblemID, len(r.Recommendations.Recommendations))
		}
		if r.Cost.USD <= 0 {
			t.Errorf("result %s has no cost", r.SubProblemID)
		}
	}

	// sub-1: two rounds of two participants; sub-2: one round of two.
	if f.contributeCalls != 6 {
		t.Errorf("contribute calls = %d, want 6", f.contributeCalls)
	}

	// The shared participant carries memory into sub-2; the new one has none.
	if f.digestsSeen["economist"] == "" {
		t.Error("economist reappeared without a memory digest")
	}
	if f.digestsSeen["planner"] != "" {
		t.Errorf("planner got a digest without prior history: %q", f.digestsSeen["planner"])
	}

	// The ledger total is the sum of the per-phase records.
	var sum float64
	for _, rec := range st.Ledger.ByPhase {
		sum += rec.USD
	}
	if math.Abs(sum-st.Ledger.Total.USD) > 1e-9 {
		t.Errorf("phase sum %.6f != total %.6f", sum, st.Ledger.Total.USD)
	}
	if math.Abs(final.Cost.USD-st.Ledger.Total.USD) > 1e-9 {
		t.Errorf("final cost %.6f != ledger total %.6f", final.Cost.USD, st.Ledger.Total.USD)
	}
	if _, ok := st.Ledger.ByPhase["meta"]; !ok {
		t.Error("meta synthesis cost not recorded")
	}
}

func TestSingleSubProblemSkipsMetaSynthesis(t *testing.T) {
	subs := []types.SubProblem{{ID: "solo", Goal: "pick a name", Complexity: 2}}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"solo": {economist, engineer},
	})

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)

	final, st, err := c.Start(context.Background(), owner.ID, "name the project", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if final == nil {
		t.Fatalf("expected completion, got status=%s", st.Status)
	}
	if final.Text != "synthesis of solo" {
		t.Errorf("final text = %q, want the sub-problem synthesis verbatim", final.Text)
	}
	if _, ok := st.Ledger.ByPhase["meta"]; ok {
		t.Error("single sub-problem session paid for a meta synthesis")
	}
}

func TestClarificationPauseAndResume(t *testing.T) {
	subs := []types.SubProblem{{ID: "solo", Goal: "choose a deployment region", Complexity: 3}}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"solo": {economist, engineer},
	},
		types.FacilitatorDecision{Action: types.ActionClarify, Question: "which region?"},
		types.FacilitatorDecision{Action: types.ActionVote},
	)

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)
	ctx := context.Background()

	final, st, err := c.Start(ctx, owner.ID, "pick a region", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if final != nil {
		t.Fatal("session completed instead of pausing")
	}
	if st.Status != types.StatusPaused || st.StopReason != types.StopClarification {
		t.Fatalf("status=%s reason=%s, want paused for clarification", st.Status, st.StopReason)
	}
	if st.Clarification == nil || st.Clarification.Question != "which region?" {
		t.Fatalf("clarification = %+v", st.Clarification)
	}
	sessionID := st.SessionID
	pausedCost := st.Ledger.Total.USD
	pausedContributes := f.contributeCalls

	// Resume before an answer exists is rejected.
	if _, _, err := c.Resume(ctx, sessionID, owner); !errors.Is(err, ErrUnanswered) {
		t.Fatalf("Resume without answer error = %v, want ErrUnanswered", err)
	}

	if err := c.SubmitClarification(ctx, sessionID, owner, "eu-west"); err != nil {
		t.Fatalf("SubmitClarification: %v", err)
	}

	final, st, err = c.Resume(ctx, sessionID, owner)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if final == nil {
		t.Fatalf("resume did not complete: status=%s reason=%s", st.Status, st.StopReason)
	}

	// The answer was merged into the context and the pending question cleared.
	if st.Clarification != nil {
		t.Error("clarification still pending after resume")
	}
	if len(st.ClarifiedNotes) != 1 {
		t.Fatalf("clarified notes = %v", st.ClarifiedNotes)
	}

	// The post-answer round is tagged as clarified.
	var clarified int
	for _, contrib := range st.Contributions {
		if contrib.Phase == types.PhaseClarified {
			clarified++
		}
	}
	if clarified != 2 {
		t.Errorf("clarified contributions = %d, want 2", clarified)
	}

	// Work done before the pause is not redone or recharged: exactly one
	// more round of two contributions ran after resume.
	if f.contributeCalls != pausedContributes+2 {
		t.Errorf("contribute calls after resume = %d, want %d", f.contributeCalls, pausedContributes+2)
	}
	if final.Cost.USD <= pausedCost {
		t.Error("resume did not add the post-pause cost")
	}
	wantResumed := pausedCost + 8*f.perCall.USD // 2 contribute + 1 facilitate + 2 recommend + 1 synthesis + 2 summaries
	if math.Abs(final.Cost.USD-wantResumed) > 1e-9 {
		t.Errorf("final cost = %.6f, want %.6f (no re-charge of pre-pause work)", final.Cost.USD, wantResumed)
	}
}

func TestPauseOwnedStopsRunningSession(t *testing.T) {
	subs := []types.SubProblem{{ID: "solo", Goal: "g", Complexity: 3}}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"solo": {economist, engineer},
	})
	f.defaultAction = types.ActionContinue
	f.contributeBusy = make(chan struct{}, 1)
	f.contributeGate = make(chan struct{})

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)

	type outcome struct {
		final *types.FinalSynthesis
		st    *types.OrchestrationState
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		final, st, err := c.Start(context.Background(), owner.ID, "long debate", "")
		done <- outcome{final, st, err}
	}()

	// A contribution round is in flight; the session id has not been
	// reported to the caller yet. Pausing by actor must still reach it.
	<-f.contributeBusy
	if err := c.Pause(context.Background(), "no-such-session", owner); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Pause of unknown session error = %v, want ErrNotRunning", err)
	}
	if ids := c.PauseOwned(stranger); len(ids) != 0 {
		t.Errorf("stranger paused sessions %v", ids)
	}
	ids := c.PauseOwned(owner)
	if len(ids) != 1 {
		t.Fatalf("PauseOwned paused %d sessions, want 1", len(ids))
	}
	close(f.contributeGate)

	res := <-done
	if res.err != nil {
		t.Fatalf("Start: %v", res.err)
	}
	if res.final != nil {
		t.Fatal("paused session produced a final synthesis")
	}
	if res.st.Status != types.StatusPaused || res.st.StopReason != types.StopPaused {
		t.Errorf("status=%s reason=%s, want paused", res.st.Status, res.st.StopReason)
	}

	// The in-flight round was checkpointed before the stop.
	saved, _, err := store.Load(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Load after pause: %v", err)
	}
	if len(saved.Contributions) == 0 {
		t.Error("pause dropped the in-flight round")
	}
}

func TestResumeRestartsSubProblemClock(t *testing.T) {
	subs := []types.SubProblem{{ID: "solo", Goal: "pick a region", Complexity: 3}}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"solo": {economist, engineer},
	},
		types.FacilitatorDecision{Action: types.ActionClarify, Question: "which region?"},
		types.FacilitatorDecision{Action: types.ActionVote},
	)

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)
	ctx := context.Background()

	_, st, err := c.Start(ctx, owner.ID, "pick a region", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessionID := st.SessionID

	if err := c.SubmitClarification(ctx, sessionID, owner, "eu-west"); err != nil {
		t.Fatalf("SubmitClarification: %v", err)
	}

	// The human took two hours to answer. That must not count against
	// the sub-problem's wall-clock budget.
	saved, node, err := store.Load(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	saved.SubProblemStart = time.Now().Add(-2 * time.Hour)
	if err := store.Save(ctx, sessionID, saved, node); err != nil {
		t.Fatal(err)
	}

	final, st, err := c.Resume(ctx, sessionID, owner)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.StopReason == types.StopTimeout {
		t.Fatal("paused time counted against the sub-problem timeout")
	}
	if final == nil {
		t.Fatalf("resume did not complete: status=%s reason=%s", st.Status, st.StopReason)
	}
}

func TestOwnershipEnforcedBeforeMutation(t *testing.T) {
	subs := []types.SubProblem{{ID: "solo", Goal: "g", Complexity: 3}}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"solo": {economist, engineer},
	},
		types.FacilitatorDecision{Action: types.ActionClarify, Question: "proceed how?"},
	)

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)
	ctx := context.Background()

	_, st, err := c.Start(ctx, owner.ID, "stall on a question", "")
	if err != nil {
		t.Fatal(err)
	}
	sessionID := st.SessionID

	if err := c.SubmitClarification(ctx, sessionID, stranger, "answer"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger clarify error = %v, want ErrNotOwner", err)
	}
	if err := c.Kill(ctx, sessionID, stranger, "go away"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger kill error = %v, want ErrNotOwner", err)
	}
	if _, _, err := c.Resume(ctx, sessionID, stranger); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger resume error = %v, want ErrNotOwner", err)
	}

	// The rejected operations left the session untouched.
	saved, _, err := store.Load(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != types.StatusPaused || saved.Clarification.Answered() {
		t.Errorf("rejected operations mutated the session: %+v", saved.Clarification)
	}

	// Admin may kill a session it does not own.
	if err := c.Kill(ctx, sessionID, admin, "cleanup"); err != nil {
		t.Fatalf("admin kill: %v", err)
	}
	saved, _, err = store.Load(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != types.StatusKilled {
		t.Errorf("status = %s, want killed", saved.Status)
	}

	// A finished session stays finished.
	if _, _, err := c.Resume(ctx, sessionID, owner); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("resume after kill error = %v, want ErrSessionFinished", err)
	}
}

func TestRoundLimitHaltsEndlessDeliberation(t *testing.T) {
	subs := []types.SubProblem{{ID: "solo", Goal: "g", Complexity: 2}}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"solo": {economist, engineer},
	})
	f.defaultAction = types.ActionContinue // Never votes

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)

	final, st, err := c.Start(context.Background(), owner.ID, "argue forever", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if final != nil {
		t.Fatal("endless deliberation completed")
	}
	if st.Status != types.StatusHalted || st.StopReason != types.StopRoundLimit {
		t.Errorf("status=%s reason=%s, want halted at the round limit", st.Status, st.StopReason)
	}
	// Complexity 2 caps at 5 rounds; the guard halts before a sixth
	// contribution round can start.
	if st.Round != 5 {
		t.Errorf("rounds run = %d, want 5", st.Round)
	}
}

func TestModeratorInterventionInjectsNote(t *testing.T) {
	subs := []types.SubProblem{{ID: "solo", Goal: "g", Complexity: 3}}
	f := newFakeCollab(subs, map[string][]types.Participant{
		"solo": {economist, engineer},
	},
		types.FacilitatorDecision{Action: types.ActionModerator, Reason: "circling"},
		types.FacilitatorDecision{Action: types.ActionVote},
	)

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)

	final, st, err := c.Start(context.Background(), owner.ID, "moderated debate", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if final == nil {
		t.Fatalf("session did not complete: %s", st.StopReason)
	}

	var moderations int
	for _, contrib := range final.Results[0].Contributions {
		if contrib.Phase == types.PhaseModeration {
			moderations++
			if contrib.ParticipantID != "moderator" {
				t.Errorf("moderation note from %q", contrib.ParticipantID)
			}
		}
	}
	if moderations != 1 {
		t.Errorf("moderation notes = %d, want 1", moderations)
	}
}

func TestDecompositionRejectedOutright(t *testing.T) {
	// Six sub-problems violate the decomposition bounds.
	var subs []types.SubProblem
	for i := 0; i < 6; i++ {
		subs = append(subs, types.SubProblem{ID: fmt.Sprintf("sub-%d", i), Goal: "g", Complexity: 1})
	}
	f := newFakeCollab(subs, nil)

	store := checkpoint.NewMemoryStore(time.Hour)
	c := testController(t, f, store)

	if _, _, err := c.Start(context.Background(), owner.ID, "too big", ""); err == nil {
		t.Fatal("oversized decomposition must be rejected")
	}
}
