// Package deliberation implements the deliberation domain on top of the
// engine: collaborator contracts, graph nodes, the sub-problem iterator,
// and the session control surface.
package deliberation

import (
	"context"
	"fmt"
	"time"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// Decomposer breaks a problem statement into sub-problems. Output is
// re-validated defensively by the orchestrator; a decomposition that
// violates the 1-5 count or acyclic-dependency invariants is rejected,
// never partially accepted.
type Decomposer interface {
	Decompose(ctx context.Context, problemText, problemContext string) ([]types.SubProblem, error)
}

// Selector picks the expert panel for one sub-problem. The orchestrator
// treats the output as an ordered list.
type Selector interface {
	Select(ctx context.Context, sub types.SubProblem, problemContext string) ([]types.Participant, error)
}

// Contributor produces one participant's text for a round. The memory
// digest is non-empty only when the participant appeared in an earlier
// sub-problem.
type Contributor interface {
	Contribute(ctx context.Context, p types.Participant, prompt, memoryDigest string) (text string, cost types.CostRecord, err error)
}

// Facilitator decides what the round does next.
type Facilitator interface {
	Decide(ctx context.Context, stateSummary string) (types.FacilitatorDecision, types.CostRecord, error)
}

// Recommender collects one participant's final recommendation.
type Recommender interface {
	Recommend(ctx context.Context, p types.Participant, deliberationContext string) (types.Recommendation, types.CostRecord, error)
}

// Synthesizer produces the per-sub-problem synthesis and the final
// cross-sub-problem synthesis.
type Synthesizer interface {
	Synthesize(ctx context.Context, sub types.SubProblem, contributions []types.Contribution, recs []types.Recommendation) (string, types.CostRecord, error)
	SynthesizeFinal(ctx context.Context, problem types.Problem, results []types.SubProblemResult) (string, types.CostRecord, error)
}

// Summarizer condenses one participant's contributions into a short
// memory summary (50-100 token equivalent) for reinjection when the
// participant reappears in a later sub-problem.
type Summarizer interface {
	Summarize(ctx context.Context, p types.Participant, contributions []types.Contribution) (string, types.CostRecord, error)
}

// Collaborators bundles every external contract the nodes consume.
// Constructed once and injected; no process-wide singletons.
type Collaborators struct {
	Decomposer  Decomposer
	Selector    Selector
	Contributor Contributor
	Facilitator Facilitator
	Recommender Recommender
	Synthesizer Synthesizer
	Summarizer  Summarizer
}

func (c Collaborators) validate() error {
	switch {
	case c.Decomposer == nil:
		return fmt.Errorf("missing decomposer collaborator")
	case c.Selector == nil:
		return fmt.Errorf("missing selector collaborator")
	case c.Contributor == nil:
		return fmt.Errorf("missing contributor collaborator")
	case c.Facilitator == nil:
		return fmt.Errorf("missing facilitator collaborator")
	case c.Recommender == nil:
		return fmt.Errorf("missing recommender collaborator")
	case c.Synthesizer == nil:
		return fmt.Errorf("missing synthesizer collaborator")
	case c.Summarizer == nil:
		return fmt.Errorf("missing summarizer collaborator")
	}
	return nil
}

// RetryConfig bounds transient-failure retries around collaborator
// calls. Every call carries its own timeout, independent of the safety
// guard's wall-clock cap.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	CallTimeout    time.Duration
}

// DefaultRetryConfig allows three attempts with exponential backoff
// from two seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		CallTimeout:    90 * time.Second,
	}
}

// callWithRetry runs fn with a per-call timeout and bounded exponential
// backoff. After the attempts are exhausted the last error surfaces as a
// node-level failure.
func callWithRetry[T any](ctx context.Context, rc RetryConfig, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 1
	}

	backoff := rc.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if rc.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, rc.CallTimeout)
		}
		result, err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
		logging.LLMDebug("%s attempt %d/%d failed: %v", op, attempt, rc.MaxAttempts, err)

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt < rc.MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			backoff *= 2
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, rc.MaxAttempts, lastErr)
}
