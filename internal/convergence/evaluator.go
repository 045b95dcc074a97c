// Package convergence scores agreement and novelty across the
// contributions of a deliberation round. It delegates text similarity to
// the embedding engine and only aggregates; deciding whether to stop a
// round is the facilitator's job, not this package's.
package convergence

import (
	"context"
	"fmt"

	"quorum/internal/embedding"
	"quorum/internal/logging"
	"quorum/internal/types"
)

// Scores holds one evaluation. Agreement and Novelty are nil when fewer
// than two contributions exist - nil is distinct from 0.0 and consumers
// must never compare a nil score against a threshold.
type Scores struct {
	Agreement *float64
	Novelty   *float64
}

// Evaluator computes agreement and novelty scores over contributions.
type Evaluator struct {
	engine embedding.Engine
}

// NewEvaluator creates an evaluator backed by the given embedding engine.
func NewEvaluator(engine embedding.Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// Evaluate computes the agreement score (mean pairwise similarity across
// all contributions) and the novelty score (1 minus the similarity of
// the newest contribution to the centroid of the prior ones). Both are
// clamped to [0,1]. With fewer than two contributions both scores are
// nil. Deterministic for a fixed embedding engine.
func (e *Evaluator) Evaluate(ctx context.Context, contributions []types.Contribution) (Scores, error) {
	if len(contributions) < 2 {
		logging.ConvergenceDebug("evaluate skipped: %d contribution(s), need at least 2", len(contributions))
		return Scores{}, nil
	}

	texts := make([]string, len(contributions))
	for i, c := range contributions {
		texts[i] = c.Text
	}

	vectors, err := e.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return Scores{}, fmt.Errorf("embedding contributions: %w", err)
	}
	if len(vectors) != len(texts) {
		return Scores{}, fmt.Errorf("embedding engine returned %d vectors for %d texts", len(vectors), len(texts))
	}

	agreement, err := meanPairwiseSimilarity(vectors)
	if err != nil {
		return Scores{}, err
	}

	novelty, err := noveltyOfNewest(vectors)
	if err != nil {
		return Scores{}, err
	}

	logging.Convergence("scored %d contributions: agreement=%.4f novelty=%.4f",
		len(contributions), agreement, novelty)

	return Scores{Agreement: &agreement, Novelty: &novelty}, nil
}

func meanPairwiseSimilarity(vectors [][]float32) (float64, error) {
	var sum float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim, err := embedding.CosineSimilarity(vectors[i], vectors[j])
			if err != nil {
				return 0, fmt.Errorf("pairwise similarity: %w", err)
			}
			sum += sim
			pairs++
		}
	}
	return clamp01(sum / float64(pairs)), nil
}

func noveltyOfNewest(vectors [][]float32) (float64, error) {
	newest := vectors[len(vectors)-1]
	prior := vectors[:len(vectors)-1]

	centroid, err := embedding.Centroid(prior)
	if err != nil {
		return 0, fmt.Errorf("centroid of prior contributions: %w", err)
	}
	sim, err := embedding.CosineSimilarity(newest, centroid)
	if err != nil {
		return 0, fmt.Errorf("similarity to centroid: %w", err)
	}
	return clamp01(1 - clamp01(sim)), nil
}

// clamp01 bounds cosine output into [0,1]; negative similarity counts as
// complete disagreement.
func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
