package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"quorum/internal/checkpoint"
	"quorum/internal/ledger"
	"quorum/internal/logging"
	"quorum/internal/types"
)

// Event is a structured execution event for the excluded UI/API layer.
// Emission is best-effort and never blocks the executor.
type Event struct {
	Type      string    `json:"type"` // node_started, node_completed, contribution_ready, safety_stop, session_completed, ...
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Node      string    `json:"node,omitempty"`
	Round     int       `json:"round,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Interrupt requests a stop after the in-flight node finishes. Used for
// user/admin kill and cooperative pause; the executor never cancels a
// node mid-flight.
type Interrupt struct {
	Status types.SessionStatus
	Reason types.StopReason
	Detail string
}

// Config wires an executor.
type Config struct {
	Graph       *Graph
	Guard       *Guard
	Checkpoints checkpoint.Store
	Ledger      *ledger.Tracker
	Events      chan<- Event // optional
}

// Executor drives the node graph: guard, execute, merge, checkpoint,
// route. One checkpoint write per node; no direct external I/O.
type Executor struct {
	graph       *Graph
	guard       *Guard
	checkpoints checkpoint.Store
	ledger      *ledger.Tracker
	events      chan<- Event

	mu        sync.Mutex
	running   bool
	interrupt atomic.Pointer[Interrupt]
	now       func() time.Time
}

// NewExecutor validates the graph and builds an executor. A validation
// failure is a misconfiguration and fails construction.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("executor requires a graph")
	}
	if err := cfg.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}
	if cfg.Guard == nil {
		cfg.Guard = NewGuard(DefaultGuardConfig())
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("executor requires a checkpoint store")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewTracker()
	}
	return &Executor{
		graph:       cfg.Graph,
		guard:       cfg.Guard,
		checkpoints: cfg.Checkpoints,
		ledger:      cfg.Ledger,
		events:      cfg.Events,
		now:         time.Now,
	}, nil
}

// Ledger exposes the shared cost tracker for nodes.
func (e *Executor) Ledger() *ledger.Tracker {
	return e.ledger
}

// RequestStop asks the executor to stop after the current node. The
// final checkpoint is tagged with the given status and reason.
func (e *Executor) RequestStop(i Interrupt) {
	e.interrupt.Store(&i)
}

// Run executes the graph from the state's NextNode (or the graph entry)
// until a terminal node, a safety halt, a pause, or an interrupt. The
// returned state is always accompanied by a valid checkpoint; Run only
// returns an error for misconfiguration or checkpoint-store failure.
func (e *Executor) Run(ctx context.Context, st *types.OrchestrationState) (*types.OrchestrationState, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %s already running", st.SessionID)
	}
	e.running = true
	e.interrupt.Store(nil)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	current := st.NextNode
	if current == "" {
		current = e.graph.Entry()
	}
	st.Status = types.StatusActive
	st.ShouldStop = false
	st.StopReason = types.StopNone
	st.StopDetail = ""
	if st.SubProblemStart.IsZero() {
		st.SubProblemStart = e.now()
	}

	for {
		// Cancellation token, checked before each node transition.
		if itr := e.interrupt.Load(); itr != nil {
			return e.finish(ctx, st, current, itr.Status, itr.Reason, itr.Detail)
		}
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, st, current, types.StatusKilled, types.StopKilled, err.Error())
		}

		// Safety guard, applied before each node.
		if reason, detail, halt := e.guard.Check(st); halt {
			e.emit(Event{Type: "safety_stop", SessionID: st.SessionID, Node: current, Round: st.Round, Message: detail})
			return e.finish(ctx, st, current, types.StatusHalted, reason, detail)
		}

		node := e.graph.Node(current)
		if node == nil {
			return nil, fmt.Errorf("unknown node %q", current)
		}

		logging.GraphDebug("executing node=%s session=%s round=%d step=%d", current, st.SessionID, st.Round, st.Steps)
		e.emit(Event{Type: "node_started", SessionID: st.SessionID, Node: current, Round: st.Round})

		delta, err := node.Run(ctx, st)
		now := e.now()
		if err != nil {
			next, done := e.failSubProblem(st, current, err, now)
			if done {
				return e.finish(ctx, st, current, types.StatusFailed, types.StopNodeError, err.Error())
			}
			st.Ledger = e.ledger.Snapshot()
			st.UpdatedAt = now
			st.NextNode = next
			if serr := e.checkpoints.Save(ctx, st.SessionID, st, current); serr != nil {
				return nil, fmt.Errorf("checkpoint after node failure: %w", serr)
			}
			current = next
			continue
		}

		apply(st, delta, now)
		st.Steps++
		st.Ledger = e.ledger.Snapshot()
		st.UpdatedAt = now

		e.emit(Event{Type: "node_completed", SessionID: st.SessionID, Node: current, Round: st.Round})

		if node.Terminal || st.ShouldStop {
			st.NextNode = ""
			if err := e.checkpoints.Save(ctx, st.SessionID, st, current); err != nil {
				return nil, fmt.Errorf("checkpoint save: %w", err)
			}
			e.emit(Event{Type: "session_stopped", SessionID: st.SessionID, Node: current, Message: string(st.StopReason)})
			return st, nil
		}

		next, err := e.graph.next(current, st)
		if err != nil {
			return nil, err
		}
		if next == "" {
			// No matching edge: treated as completion.
			st.NextNode = ""
			if err := e.checkpoints.Save(ctx, st.SessionID, st, current); err != nil {
				return nil, fmt.Errorf("checkpoint save: %w", err)
			}
			return st, nil
		}

		st.NextNode = next
		if err := e.checkpoints.Save(ctx, st.SessionID, st, current); err != nil {
			return nil, fmt.Errorf("checkpoint save: %w", err)
		}
		current = next
	}
}

// finish marks the state terminal, writes the final checkpoint, and
// returns the state. Safety halts and kills are expected terminal
// states, not errors; the checkpoint remains valid for inspection.
func (e *Executor) finish(ctx context.Context, st *types.OrchestrationState, node string, status types.SessionStatus, reason types.StopReason, detail string) (*types.OrchestrationState, error) {
	st.Status = status
	st.ShouldStop = true
	st.StopReason = reason
	st.StopDetail = detail
	st.Ledger = e.ledger.Snapshot()
	st.UpdatedAt = e.now()

	if err := e.checkpoints.Save(ctx, st.SessionID, st, node); err != nil {
		return nil, fmt.Errorf("final checkpoint save: %w", err)
	}
	logging.Session("session %s stopped: status=%s reason=%s detail=%s", st.SessionID, status, reason, detail)
	return st, nil
}

// failSubProblem records a failed result for the active sub-problem
// after a node exhausted its retries. If later sub-problems remain, the
// round scope is reset and execution continues at the graph entry, so
// completed sub-problems stay valid and later ones still run. Returns
// done=true when there is nothing left to execute.
func (e *Executor) failSubProblem(st *types.OrchestrationState, node string, nodeErr error, now time.Time) (next string, done bool) {
	sp := st.ActiveSubProblem()
	if sp == nil {
		return "", true
	}

	logging.Get(logging.CategoryGraph).Error("node %s failed for sub-problem %s: %v", node, sp.ID, nodeErr)
	e.emit(Event{Type: "node_failed", SessionID: st.SessionID, Node: node, Round: st.Round, Message: nodeErr.Error()})

	st.Results = append(st.Results, types.SubProblemResult{
		SubProblemID:  sp.ID,
		Contributions: st.Contributions,
		Cost:          e.ledger.Phase(sp.ID),
		Duration:      now.Sub(st.SubProblemStart),
		Failed:        true,
		FailureReason: nodeErr.Error(),
	})

	if st.RemainingSubProblems() == 0 {
		return "", true
	}

	resetRoundScope(st, now)
	st.SubProblemIndex++
	return e.graph.Entry(), false
}

func (e *Executor) emit(event Event) {
	if e.events == nil {
		return
	}
	event.Timestamp = e.now()
	select {
	case e.events <- event:
	default:
		// Channel full, skip
	}
}
