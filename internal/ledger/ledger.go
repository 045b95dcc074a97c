// Package ledger tracks token and dollar cost per phase and in total.
// Pure bookkeeping: no external calls. The tracker is shared across the
// concurrent collaborator calls issued within a node, so every mutation
// is a single atomic add under the lock.
package ledger

import (
	"sync"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// Tracker accumulates cost records keyed by phase. Phase keys are
// sub-problem ids, plus "meta" for the cross-sub-problem synthesis.
type Tracker struct {
	mu      sync.Mutex
	total   types.CostRecord
	byPhase map[string]types.CostRecord
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{byPhase: make(map[string]types.CostRecord)}
}

// Add records cost against a phase. Safe for concurrent use.
func (t *Tracker) Add(phase string, cost types.CostRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Add(cost)
	entry := t.byPhase[phase]
	entry.Add(cost)
	t.byPhase[phase] = entry

	logging.LedgerDebug("cost added: phase=%s in=%d out=%d usd=%.6f (total usd=%.6f)",
		phase, cost.InputTokens, cost.OutputTokens, cost.USD, t.total.USD)
}

// PhaseCost returns the accumulated dollar cost for one phase.
func (t *Tracker) PhaseCost(phase string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPhase[phase].USD
}

// Phase returns the accumulated cost record for one phase.
func (t *Tracker) Phase(phase string) types.CostRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPhase[phase]
}

// Total returns the accumulated total cost record.
func (t *Tracker) Total() types.CostRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Snapshot returns a deep copy of the ledger for checkpoint embedding.
func (t *Tracker) Snapshot() types.LedgerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	byPhase := make(map[string]types.CostRecord, len(t.byPhase))
	for k, v := range t.byPhase {
		byPhase[k] = v
	}
	return types.LedgerSnapshot{Total: t.total, ByPhase: byPhase}
}

// Restore replaces the tracker contents with a checkpointed snapshot.
// Used on resume so completed work is never re-charged.
func (t *Tracker) Restore(snap types.LedgerSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = snap.Total
	t.byPhase = make(map[string]types.CostRecord, len(snap.ByPhase))
	for k, v := range snap.ByPhase {
		t.byPhase[k] = v
	}
}
