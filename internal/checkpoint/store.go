// Package checkpoint provides durable snapshots of orchestration state
// keyed by session id, with TTL expiry. Writes are atomic single-key
// overwrites: a partially-written checkpoint is never readable.
package checkpoint

import (
	"context"
	"errors"

	"quorum/internal/types"
)

// ErrNotFound is returned when no checkpoint exists for a session, or
// the stored checkpoint has expired. Callers surface this as "resume
// failed: checkpoint missing/expired", not as a crash.
var ErrNotFound = errors.New("checkpoint not found")

// Store is the checkpoint persistence contract.
type Store interface {
	// Save snapshots state under the session id, refreshing the TTL.
	Save(ctx context.Context, sessionID string, state *types.OrchestrationState, node string) error

	// Load returns the latest state and the node that produced it.
	// Returns ErrNotFound for absent or expired checkpoints.
	Load(ctx context.Context, sessionID string) (*types.OrchestrationState, string, error)

	// Delete removes the checkpoint for a session. Deleting a missing
	// checkpoint is not an error.
	Delete(ctx context.Context, sessionID string) error
}
