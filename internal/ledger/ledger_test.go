package ledger

import (
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"quorum/internal/types"
)

func TestTrackerAccumulates(t *testing.T) {
	tr := NewTracker()

	tr.Add("sub-1", types.CostRecord{InputTokens: 100, OutputTokens: 50, USD: 0.01})
	tr.Add("sub-1", types.CostRecord{InputTokens: 200, OutputTokens: 80, USD: 0.02})
	tr.Add("sub-2", types.CostRecord{InputTokens: 10, OutputTokens: 5, USD: 0.001})
	tr.Add("meta", types.CostRecord{InputTokens: 30, OutputTokens: 20, USD: 0.004})

	phase := tr.Phase("sub-1")
	if phase.InputTokens != 300 || phase.OutputTokens != 130 {
		t.Errorf("sub-1 tokens = %d/%d, want 300/130", phase.InputTokens, phase.OutputTokens)
	}
	if math.Abs(phase.USD-0.03) > 1e-9 {
		t.Errorf("sub-1 usd = %f, want 0.03", phase.USD)
	}

	total := tr.Total()
	if total.InputTokens != 340 || total.OutputTokens != 155 {
		t.Errorf("total tokens = %d/%d, want 340/155", total.InputTokens, total.OutputTokens)
	}
	if math.Abs(total.USD-0.035) > 1e-9 {
		t.Errorf("total usd = %f, want 0.035", total.USD)
	}

	if got := tr.PhaseCost("missing"); got != 0 {
		t.Errorf("PhaseCost(missing) = %f, want 0", got)
	}
}

func TestTrackerConcurrentAdds(t *testing.T) {
	tr := NewTracker()

	const workers = 16
	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tr.Add("sub-1", types.CostRecord{InputTokens: 1, OutputTokens: 1, USD: 0.001})
			}
		}()
	}
	wg.Wait()

	total := tr.Total()
	want := workers * perWorker
	if total.InputTokens != want || total.OutputTokens != want {
		t.Errorf("total tokens = %d/%d, want %d", total.InputTokens, total.OutputTokens, want)
	}
	if math.Abs(total.USD-float64(want)*0.001) > 1e-6 {
		t.Errorf("total usd = %f, want %f", total.USD, float64(want)*0.001)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tr := NewTracker()
	tr.Add("sub-1", types.CostRecord{InputTokens: 100, OutputTokens: 40, USD: 0.012})
	tr.Add("meta", types.CostRecord{InputTokens: 20, OutputTokens: 10, USD: 0.002})

	snap := tr.Snapshot()

	// Snapshot is a copy: later adds must not leak into it.
	tr.Add("sub-1", types.CostRecord{USD: 1.0})
	if math.Abs(snap.ByPhase["sub-1"].USD-0.012) > 1e-9 {
		t.Fatal("snapshot mutated by later Add")
	}

	restored := NewTracker()
	restored.Restore(snap)
	if diff := cmp.Diff(snap, restored.Snapshot()); diff != "" {
		t.Errorf("restore mismatch (-want +got):\n%s", diff)
	}
}
