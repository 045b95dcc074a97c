package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"quorum/internal/types"
)

// MemoryStore is an in-memory Store used in tests. It serializes state
// through JSON so stored snapshots are isolated from later mutation,
// matching the SQLite backend's semantics.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	rows map[string]memoryRow
}

type memoryRow struct {
	node      string
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory checkpoint store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, rows: make(map[string]memoryRow)}
}

// SetClock overrides the time source, for TTL expiry tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Save stores a serialized snapshot under the session id.
func (s *MemoryStore) Save(ctx context.Context, sessionID string, state *types.OrchestrationState, node string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sessionID] = memoryRow{node: node, data: data, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Load returns the stored snapshot or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*types.OrchestrationState, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[sessionID]
	if !ok {
		return nil, "", ErrNotFound
	}
	if row.expiresAt.Before(s.now()) {
		delete(s.rows, sessionID)
		return nil, "", ErrNotFound
	}

	var state types.OrchestrationState
	if err := json.Unmarshal(row.data, &state); err != nil {
		return nil, "", err
	}
	return &state, row.node, nil
}

// Delete removes the stored snapshot.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, sessionID)
	return nil
}
