package engine

import (
	"fmt"
	"time"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// GuardConfig configures the safety guard's runtime checks. The fifth
// check, the structural cycle bound, runs once at graph construction
// (Graph.Validate), not here.
type GuardConfig struct {
	// MaxSteps caps node executions per sub-problem.
	// Default 55: max rounds x nodes per round plus fixed overhead.
	MaxSteps int

	// MaxRoundsCap is the absolute round ceiling regardless of the
	// complexity-derived limit. Default 15.
	MaxRoundsCap int

	// SubProblemTimeout caps wall-clock time per sub-problem, measured
	// from sub-problem start. Default 1 hour.
	SubProblemTimeout time.Duration

	// CostCapUSD caps cumulative ledger cost per sub-problem. Default $1.
	CostCapUSD float64

	// Per-check disable switches exist solely so tests can prove that
	// any single surviving check still bounds execution. Production
	// code never sets them.
	DisableStepCheck    bool
	DisableRoundCheck   bool
	DisableTimeoutCheck bool
	DisableCostCheck    bool
}

// DefaultGuardConfig returns the production limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxSteps:          55,
		MaxRoundsCap:      15,
		SubProblemTimeout: time.Hour,
		CostCapUSD:        1.00,
	}
}

// RoundLimit derives the deliberation round cap from sub-problem
// complexity: simple (1-3) -> 5, moderate (4-6) -> 7, complex (7-10)
// -> 10, hard-capped at cap.
func RoundLimit(complexity, cap int) int {
	if cap <= 0 {
		cap = 15
	}
	var limit int
	switch {
	case complexity <= 3:
		limit = 5
	case complexity <= 6:
		limit = 7
	default:
		limit = 10
	}
	if limit > cap {
		limit = cap
	}
	return limit
}

// Guard applies the runtime safety checks before every node execution.
// Each check is independent and sufficient alone to halt execution.
type Guard struct {
	cfg GuardConfig
	now func() time.Time
}

// NewGuard creates a guard with the given configuration.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 55
	}
	if cfg.MaxRoundsCap <= 0 {
		cfg.MaxRoundsCap = 15
	}
	if cfg.SubProblemTimeout <= 0 {
		cfg.SubProblemTimeout = time.Hour
	}
	if cfg.CostCapUSD <= 0 {
		cfg.CostCapUSD = 1.00
	}
	return &Guard{cfg: cfg, now: time.Now}
}

// SetClock overrides the time source, for timeout tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Check runs every enabled check against the current state. It returns
// the first tripped reason; halt is true if any check fired.
func (g *Guard) Check(st *types.OrchestrationState) (reason types.StopReason, detail string, halt bool) {
	if !g.cfg.DisableStepCheck && st.Steps >= g.cfg.MaxSteps {
		detail = fmt.Sprintf("step counter reached %d (cap %d)", st.Steps, g.cfg.MaxSteps)
		logging.Safety("halt: %s session=%s", detail, st.SessionID)
		return types.StopStepLimit, detail, true
	}

	if !g.cfg.DisableRoundCheck {
		complexity := types.MaxComplexity
		if sp := st.ActiveSubProblem(); sp != nil {
			complexity = sp.Complexity
		}
		limit := RoundLimit(complexity, g.cfg.MaxRoundsCap)
		if st.Round >= limit {
			detail = fmt.Sprintf("round counter reached %d (limit %d for complexity %d)", st.Round, limit, complexity)
			logging.Safety("halt: %s session=%s", detail, st.SessionID)
			return types.StopRoundLimit, detail, true
		}
	}

	if !g.cfg.DisableTimeoutCheck && !st.SubProblemStart.IsZero() {
		elapsed := g.now().Sub(st.SubProblemStart)
		if elapsed > g.cfg.SubProblemTimeout {
			detail = fmt.Sprintf("sub-problem running %v (cap %v)", elapsed.Round(time.Second), g.cfg.SubProblemTimeout)
			logging.Safety("halt: %s session=%s", detail, st.SessionID)
			return types.StopTimeout, detail, true
		}
	}

	if !g.cfg.DisableCostCheck {
		phase := "meta"
		if sp := st.ActiveSubProblem(); sp != nil {
			phase = sp.ID
		}
		cost := st.Ledger.ByPhase[phase].USD
		if cost >= g.cfg.CostCapUSD {
			detail = fmt.Sprintf("phase %s cost $%.4f reached cap $%.2f", phase, cost, g.cfg.CostCapUSD)
			logging.Safety("halt: %s session=%s", detail, st.SessionID)
			return types.StopCostCap, detail, true
		}
	}

	return types.StopNone, "", false
}
