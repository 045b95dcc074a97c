// Package memory holds short per-participant summaries keyed by
// (participant, sub-problem). When a participant reappears in a later
// sub-problem, its prior summaries are reinjected as a memory digest.
// The store lives only for the session; durability comes from the
// checkpoint, which carries a snapshot of these entries.
package memory

import (
	"strings"
	"sync"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// Store records and looks up participant memories.
type Store struct {
	mu      sync.RWMutex
	entries []types.MemoryEntry
}

// NewStore creates an empty memory store.
func NewStore() *Store {
	return &Store{}
}

// Record stores a summary for a participant's role in a sub-problem.
func (s *Store) Record(participantID, subProblemID string, subProblemIndex int, summary string) {
	if summary == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, types.MemoryEntry{
		ParticipantID:   participantID,
		SubProblemID:    subProblemID,
		SubProblemIndex: subProblemIndex,
		Summary:         summary,
	})
	logging.MemoryDebug("recorded: participant=%s sub_problem=%s len=%d", participantID, subProblemID, len(summary))
}

// Lookup returns all summaries for a participant from sub-problems
// before the given index, in sub-problem order.
func (s *Store) Lookup(participantID string, uptoSubProblemIndex int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, e := range s.entries {
		if e.ParticipantID == participantID && e.SubProblemIndex < uptoSubProblemIndex {
			out = append(out, e.Summary)
		}
	}
	return out
}

// Digest joins a participant's prior summaries into a single digest
// string, or "" when the participant has no history.
func (s *Store) Digest(participantID string, uptoSubProblemIndex int) string {
	summaries := s.Lookup(participantID, uptoSubProblemIndex)
	if len(summaries) == 0 {
		return ""
	}
	return strings.Join(summaries, "\n")
}

// Snapshot returns a copy of all entries for checkpoint embedding.
func (s *Store) Snapshot() []types.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.MemoryEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Restore replaces the store contents from a checkpointed snapshot.
func (s *Store) Restore(entries []types.MemoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]types.MemoryEntry, len(entries))
	copy(s.entries, entries)
}
