package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"quorum/internal/logging"
	"quorum/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	node       TEXT NOT NULL,
	state      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_expires ON checkpoints(expires_at);
`

// SQLiteStore persists checkpoints in a single SQLite table. Each save
// is one upsert statement, so a reader sees either the previous snapshot
// or the new one, never a mix.
type SQLiteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// DefaultTTL is the checkpoint retention window.
const DefaultTTL = 7 * 24 * time.Hour

// NewSQLiteStore opens (or creates) the checkpoint database at path.
// A non-positive ttl falls back to DefaultTTL.
func NewSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}

	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Save upserts the checkpoint row for the session and refreshes its TTL.
func (s *SQLiteStore) Save(ctx context.Context, sessionID string, state *types.OrchestrationState, node string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, node, state, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			node = excluded.node,
			state = excluded.state,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		sessionID, node, data, now.Unix(), now.Add(s.ttl).Unix(),
	)
	if err != nil {
		logging.Get(logging.CategoryCheckpoint).Error("save failed: session=%s node=%s: %v", sessionID, node, err)
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	logging.CheckpointDebug("saved: session=%s node=%s bytes=%d", sessionID, node, len(data))

	// Lazy reap: expired rows are purged on write rather than by a
	// background sweeper.
	s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE expires_at < ?`, now.Unix())

	return nil
}

// Load returns the stored state and producing node, or ErrNotFound for
// a missing or expired checkpoint.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*types.OrchestrationState, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		node      string
		data      []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT node, state, expires_at FROM checkpoints WHERE session_id = ?`,
		sessionID,
	).Scan(&node, &data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if expiresAt < s.now().Unix() {
		logging.CheckpointDebug("load hit expired checkpoint: session=%s", sessionID)
		s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
		return nil, "", ErrNotFound
	}

	var state types.OrchestrationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, "", fmt.Errorf("failed to parse checkpoint state: %w", err)
	}

	logging.CheckpointDebug("loaded: session=%s node=%s", sessionID, node)
	return &state, node, nil
}

// Delete removes the checkpoint row for a session.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
