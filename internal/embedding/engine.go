// Package embedding provides the similarity collaborator: vector
// embedding generation with cosine-similarity utilities. Supports two
// backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
	"math"

	"quorum/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama" or "genai"
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model"`    // Default: "embeddinggemma"

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"` // Default: "gemini-embedding-001"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.EmbeddingDebug("creating embedding engine: provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		logging.Get(logging.CategoryEmbedding).Warn("CosineSimilarity: zero magnitude vector")
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// Centroid computes the mean vector of a set of equal-length vectors.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("centroid of empty vector set")
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector dimension mismatch: %d != %d", len(v), dim)
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i, s := range sum {
		out[i] = float32(s / n)
	}
	return out, nil
}
