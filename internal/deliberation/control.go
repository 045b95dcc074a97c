package deliberation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorum/internal/checkpoint"
	"quorum/internal/convergence"
	"quorum/internal/embedding"
	"quorum/internal/engine"
	"quorum/internal/ledger"
	"quorum/internal/logging"
	"quorum/internal/memory"
	"quorum/internal/types"
)

// Control errors, surfaced to the CLI as user-facing failures.
var (
	ErrNotOwner        = errors.New("actor does not own this session")
	ErrNotRunning      = errors.New("session is not running in this process")
	ErrSessionFinished = errors.New("session already finished")
	ErrNoClarification = errors.New("session has no pending clarification")
	ErrUnanswered      = errors.New("pending clarification has no answer yet")
)

// Actor identifies who is issuing a control operation. Admin actors may
// control sessions they do not own.
type Actor struct {
	ID    string
	Admin bool
}

// ControllerConfig wires a controller.
type ControllerConfig struct {
	Collaborators Collaborators
	Retry         RetryConfig
	Embedder      embedding.Engine
	Checkpoints   checkpoint.Store
	Guard         engine.GuardConfig
	Events        chan<- engine.Event // optional
	Pacing        time.Duration
}

// Controller is the session lifecycle surface: start, resume, pause,
// kill, clarification, status. Ownership is enforced before any state
// mutation; a rejected operation leaves the session untouched.
type Controller struct {
	cfg ControllerConfig
	now func() time.Time

	mu      sync.Mutex
	running map[string]*runningSession
}

type runningSession struct {
	iterator *Iterator
	ownerID  string
}

// NewController validates the wiring and builds a controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.Collaborators.validate(); err != nil {
		return nil, err
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("controller requires an embedding engine")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("controller requires a checkpoint store")
	}
	return &Controller{
		cfg:     cfg,
		now:     time.Now,
		running: make(map[string]*runningSession),
	}, nil
}

// Start decomposes the problem, validates the decomposition, and runs
// the session to its first stopping point. Blocks until the session
// completes, pauses, or halts.
func (c *Controller) Start(ctx context.Context, ownerID, statement, problemContext string) (*types.FinalSynthesis, *types.OrchestrationState, error) {
	if statement == "" {
		return nil, nil, fmt.Errorf("empty problem statement")
	}

	subs, err := callWithRetry(ctx, c.cfg.Retry, "decomposition", func(ctx context.Context) ([]types.SubProblem, error) {
		return c.cfg.Collaborators.Decomposer.Decompose(ctx, statement, problemContext)
	})
	if err != nil {
		return nil, nil, err
	}
	if err := types.ValidateDecomposition(subs); err != nil {
		return nil, nil, fmt.Errorf("decomposition rejected: %w", err)
	}

	problem := types.Problem{
		ID:          uuid.NewString(),
		Statement:   statement,
		Context:     problemContext,
		SubProblems: subs,
	}
	st := NewSessionState(ownerID, problem, c.now())
	logging.Session("session %s started: %d sub-problems, owner=%s", st.SessionID, len(subs), ownerID)

	it, err := c.buildSession(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.run(ctx, it, st)
}

// Resume loads a session from its checkpoint and continues at the exact
// node recorded there. A paused clarification session resumes only once
// its answer has been submitted; the answer is merged into the
// deliberation context before anyone speaks again.
func (c *Controller) Resume(ctx context.Context, sessionID string, actor Actor) (*types.FinalSynthesis, *types.OrchestrationState, error) {
	st, _, err := c.cfg.Checkpoints.Load(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("resume failed: %w", err)
	}
	if err := c.authorize(st, actor); err != nil {
		return nil, nil, err
	}

	switch st.Status {
	case types.StatusCompleted, types.StatusKilled, types.StatusFailed:
		return nil, nil, fmt.Errorf("%w: status %s", ErrSessionFinished, st.Status)
	}

	if st.Status == types.StatusPaused && st.StopReason == types.StopClarification {
		if !st.Clarification.Answered() {
			return nil, nil, ErrUnanswered
		}
		st.NextNode = NodePersonaContribute
	}

	// The wall-clock budget covers execution time. Time spent paused,
	// waiting on a human answer, does not count against it.
	if !st.SubProblemStart.IsZero() {
		st.SubProblemStart = c.now()
	}

	it, err := c.buildSession(&st.Ledger, st.Memories)
	if err != nil {
		return nil, nil, err
	}
	logging.Session("session %s resuming at node %q", sessionID, st.NextNode)
	return c.run(ctx, it, st)
}

// Pause asks a running session to stop cooperatively after its current
// node. The checkpoint written on stop is the resume point.
func (c *Controller) Pause(ctx context.Context, sessionID string, actor Actor) error {
	rs, err := c.authorizedRunning(sessionID, actor)
	if err != nil {
		return err
	}
	rs.iterator.RequestStop(engine.Interrupt{
		Status: types.StatusPaused,
		Reason: types.StopPaused,
		Detail: fmt.Sprintf("paused by %s", actor.ID),
	})
	return nil
}

// PauseOwned requests a cooperative pause of every in-process session
// the actor is allowed to control. Used by the CLI's signal handler,
// which knows who is acting but not which session id is live. Returns
// the ids of the sessions asked to pause.
func (c *Controller) PauseOwned(actor Actor) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for id, rs := range c.running {
		if !actor.Admin && actor.ID != rs.ownerID {
			continue
		}
		rs.iterator.RequestStop(engine.Interrupt{
			Status: types.StatusPaused,
			Reason: types.StopPaused,
			Detail: fmt.Sprintf("paused by %s", actor.ID),
		})
		ids = append(ids, id)
	}
	return ids
}

// Kill terminates a session. A running session stops after its in-flight
// node; a checkpointed one is marked killed in place. Ownership is
// checked before anything is touched.
func (c *Controller) Kill(ctx context.Context, sessionID string, actor Actor, reason string) error {
	c.mu.Lock()
	rs, ok := c.running[sessionID]
	c.mu.Unlock()

	if ok {
		if !actor.Admin && actor.ID != rs.ownerID {
			return ErrNotOwner
		}
		rs.iterator.RequestStop(engine.Interrupt{
			Status: types.StatusKilled,
			Reason: types.StopKilled,
			Detail: reason,
		})
		logging.Session("session %s kill requested by %s: %s", sessionID, actor.ID, reason)
		return nil
	}

	st, node, err := c.cfg.Checkpoints.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("kill failed: %w", err)
	}
	if err := c.authorize(st, actor); err != nil {
		return err
	}
	switch st.Status {
	case types.StatusCompleted, types.StatusKilled, types.StatusFailed:
		return fmt.Errorf("%w: status %s", ErrSessionFinished, st.Status)
	}

	st.Status = types.StatusKilled
	st.ShouldStop = true
	st.StopReason = types.StopKilled
	st.StopDetail = reason
	st.UpdatedAt = c.now()
	if err := c.cfg.Checkpoints.Save(ctx, sessionID, st, node); err != nil {
		return fmt.Errorf("kill failed: %w", err)
	}
	logging.Session("session %s killed by %s: %s", sessionID, actor.ID, reason)
	return nil
}

// SubmitClarification records the user's answer on a paused session. The
// session stays paused; Resume picks it up.
func (c *Controller) SubmitClarification(ctx context.Context, sessionID string, actor Actor, answer string) error {
	if answer == "" {
		return fmt.Errorf("empty clarification answer")
	}

	st, node, err := c.cfg.Checkpoints.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("clarification failed: %w", err)
	}
	if err := c.authorize(st, actor); err != nil {
		return err
	}
	if st.Clarification == nil || !st.Clarification.Paused {
		return ErrNoClarification
	}

	st.Clarification.Answer = answer
	st.UpdatedAt = c.now()
	if err := c.cfg.Checkpoints.Save(ctx, sessionID, st, node); err != nil {
		return fmt.Errorf("clarification failed: %w", err)
	}
	logging.Session("session %s clarification answered by %s", sessionID, actor.ID)
	return nil
}

// Status reports a session's progress from its latest checkpoint.
// Read-only, so no ownership check.
func (c *Controller) Status(ctx context.Context, sessionID string) (Progress, error) {
	st, node, err := c.cfg.Checkpoints.Load(ctx, sessionID)
	if err != nil {
		return Progress{}, fmt.Errorf("status failed: %w", err)
	}
	return ProgressOf(st, node), nil
}

// buildSession assembles the per-session stack: ledger, memory store,
// node set, executor. Restored snapshots keep resume from re-charging or
// forgetting completed work.
func (c *Controller) buildSession(restoredLedger *types.LedgerSnapshot, restoredMemories []types.MemoryEntry) (*Iterator, error) {
	costs := ledger.NewTracker()
	if restoredLedger != nil {
		costs.Restore(*restoredLedger)
	}
	mem := memory.NewStore()
	if len(restoredMemories) > 0 {
		mem.Restore(restoredMemories)
	}

	nodes, err := NewNodes(NodesConfig{
		Collaborators: c.cfg.Collaborators,
		Retry:         c.cfg.Retry,
		Evaluator:     convergence.NewEvaluator(c.cfg.Embedder),
		Memory:        mem,
		Ledger:        costs,
		Events:        c.cfg.Events,
		Pacing:        c.cfg.Pacing,
	})
	if err != nil {
		return nil, err
	}

	executor, err := engine.NewExecutor(engine.Config{
		Graph:       nodes.Graph(),
		Guard:       engine.NewGuard(c.cfg.Guard),
		Checkpoints: c.cfg.Checkpoints,
		Ledger:      costs,
		Events:      c.cfg.Events,
	})
	if err != nil {
		return nil, err
	}
	return NewIterator(executor, nodes), nil
}

// run registers the session as running for the duration of the blocking
// executor loop, so Pause and Kill can reach it.
func (c *Controller) run(ctx context.Context, it *Iterator, st *types.OrchestrationState) (*types.FinalSynthesis, *types.OrchestrationState, error) {
	c.mu.Lock()
	c.running[st.SessionID] = &runningSession{iterator: it, ownerID: st.OwnerID}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, st.SessionID)
		c.mu.Unlock()
	}()

	return it.Run(ctx, st)
}

func (c *Controller) authorize(st *types.OrchestrationState, actor Actor) error {
	if actor.Admin || actor.ID == st.OwnerID {
		return nil
	}
	return ErrNotOwner
}

func (c *Controller) authorizedRunning(sessionID string, actor Actor) (*runningSession, error) {
	c.mu.Lock()
	rs, ok := c.running[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}
	if !actor.Admin && actor.ID != rs.ownerID {
		return nil, ErrNotOwner
	}
	return rs, nil
}
