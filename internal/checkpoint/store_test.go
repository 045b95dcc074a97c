package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"quorum/internal/types"
)

func sampleState(sessionID string) *types.OrchestrationState {
	conv := 0.72
	return &types.OrchestrationState{
		SessionID: sessionID,
		OwnerID:   "owner-1",
		Status:    types.StatusActive,
		Problem: types.Problem{
			ID:        "prob-1",
			Statement: "should we shard the database",
			SubProblems: []types.SubProblem{
				{ID: "sub-1", Goal: "estimate growth", Complexity: 4},
				{ID: "sub-2", Goal: "evaluate sharding keys", Complexity: 7, DependsOn: []string{"sub-1"}},
			},
		},
		SubProblemIndex: 1,
		Round:           2,
		Steps:           9,
		Participants:    []types.Participant{{ID: "dba", Name: "DBA", Domain: "databases"}},
		Contributions: []types.Contribution{
			{ID: "c1", ParticipantID: "dba", SubProblemID: "sub-2", Round: 1, Phase: types.PhaseInitial, Text: "shard by tenant"},
		},
		Convergence: &conv,
		Ledger: types.LedgerSnapshot{
			Total:   types.CostRecord{InputTokens: 500, OutputTokens: 200, USD: 0.04},
			ByPhase: map[string]types.CostRecord{"sub-1": {USD: 0.02}, "sub-2": {USD: 0.02}},
		},
		Memories: []types.MemoryEntry{
			{ParticipantID: "dba", SubProblemID: "sub-1", Summary: "growth is 3x yearly"},
		},
		NextNode: "facilitate",
	}
}

// storeUnderTest runs the same contract tests against both backends.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore(time.Hour)
	case "sqlite":
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"), time.Hour)
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	default:
		t.Fatalf("unknown store %q", name)
		return nil
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			store := storeUnderTest(t, backend)
			ctx := context.Background()
			want := sampleState("sess-1")

			if err := store.Save(ctx, "sess-1", want, "facilitate"); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, node, err := store.Load(ctx, "sess-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if node != "facilitate" {
				t.Errorf("node = %q, want facilitate", node)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("state mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreOverwriteKeepsLatest(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			store := storeUnderTest(t, backend)
			ctx := context.Background()

			first := sampleState("sess-1")
			if err := store.Save(ctx, "sess-1", first, "facilitate"); err != nil {
				t.Fatal(err)
			}

			second := sampleState("sess-1")
			second.Steps = 20
			second.NextNode = "synthesize"
			if err := store.Save(ctx, "sess-1", second, "collect_recommendations"); err != nil {
				t.Fatal(err)
			}

			got, node, err := store.Load(ctx, "sess-1")
			if err != nil {
				t.Fatal(err)
			}
			if node != "collect_recommendations" || got.Steps != 20 || got.NextNode != "synthesize" {
				t.Errorf("latest snapshot not returned: node=%q steps=%d next=%q", node, got.Steps, got.NextNode)
			}
		})
	}
}

func TestStoreMissingSession(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			store := storeUnderTest(t, backend)
			if _, _, err := store.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			store := storeUnderTest(t, backend)
			ctx := context.Background()

			if err := store.Save(ctx, "sess-1", sampleState("sess-1"), "pause"); err != nil {
				t.Fatal(err)
			}
			if err := store.Delete(ctx, "sess-1"); err != nil {
				t.Fatal(err)
			}
			if _, _, err := store.Load(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load after delete error = %v, want ErrNotFound", err)
			}
			// Deleting a missing checkpoint is not an error.
			if err := store.Delete(ctx, "sess-1"); err != nil {
				t.Errorf("second delete: %v", err)
			}
		})
	}
}

func TestStoreIsolationFromCallerMutation(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	st := sampleState("sess-1")
	if err := store.Save(ctx, "sess-1", st, "facilitate"); err != nil {
		t.Fatal(err)
	}
	st.Steps = 999
	st.Contributions[0].Text = "mutated"

	got, _, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Steps == 999 || got.Contributions[0].Text == "mutated" {
		t.Error("stored snapshot shares memory with the caller's state")
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	if err := store.Save(ctx, "sess-1", sampleState("sess-1"), "facilitate"); err != nil {
		t.Fatal(err)
	}

	store.SetClock(func() time.Time { return base.Add(59 * time.Minute) })
	if _, _, err := store.Load(ctx, "sess-1"); err != nil {
		t.Fatalf("load before expiry: %v", err)
	}

	store.SetClock(func() time.Time { return base.Add(61 * time.Minute) })
	if _, _, err := store.Load(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after expiry error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreTTLRefreshOnSave(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	if err := store.Save(ctx, "sess-1", sampleState("sess-1"), "facilitate"); err != nil {
		t.Fatal(err)
	}

	// A save near the end of the window restarts the clock.
	store.SetClock(func() time.Time { return base.Add(50 * time.Minute) })
	if err := store.Save(ctx, "sess-1", sampleState("sess-1"), "synthesize"); err != nil {
		t.Fatal(err)
	}

	store.SetClock(func() time.Time { return base.Add(100 * time.Minute) })
	if _, _, err := store.Load(ctx, "sess-1"); err != nil {
		t.Errorf("load within refreshed window: %v", err)
	}
}
