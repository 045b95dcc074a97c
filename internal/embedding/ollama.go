package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "embeddinggemma"

	// embeddinggemma vector width; other models may differ.
	ollamaDimensions = 768

	ollamaMaxResponseBytes = 4 << 20
)

// OllamaEngine embeds text through a local Ollama server. Ollama has no
// batch endpoint, so batches degrade to sequential calls.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewOllamaEngine creates an engine for the given endpoint and model,
// defaulting both when empty.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Embed requests one embedding vector.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, ollamaMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}

	var parsed ollamaResponse
	if uerr := json.Unmarshal(raw, &parsed); uerr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, clipBody(raw))
		}
		return nil, fmt.Errorf("failed to decode embed response: %w", uerr)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		msg := parsed.Error
		if msg == "" {
			msg = clipBody(raw)
		}
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", e.model)
	}
	return parsed.Embedding, nil
}

// EmbedBatch embeds each text in order, stopping at the first failure.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d of %d: %w", i+1, len(texts), err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector width of the configured model.
func (e *OllamaEngine) Dimensions() int {
	return ollamaDimensions
}

// Name identifies the engine and model for logs.
func (e *OllamaEngine) Name() string {
	return "ollama:" + e.model
}

func clipBody(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
