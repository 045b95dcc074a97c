// Package config loads quorum configuration from quorum.yaml with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all quorum configuration.
type Config struct {
	// LLM collaborator settings
	LLM LLMConfig `yaml:"llm"`

	// Embedding/similarity collaborator settings
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Safety guard limits
	Safety SafetyConfig `yaml:"safety"`

	// Checkpoint store
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Session behavior
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the language-model collaborator.
type LLMConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Timeout      string `yaml:"timeout"`       // Per-call timeout, e.g. "90s"
	MaxRetries   int    `yaml:"max_retries"`   // Bounded retry on transient failure
	RetryBackoff string `yaml:"retry_backoff"` // Initial backoff, e.g. "2s"
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama" or "genai"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// SafetyConfig configures the five-check safety guard.
type SafetyConfig struct {
	MaxSteps          int     `yaml:"max_steps"`           // Node executions per sub-problem
	MaxRoundsCap      int     `yaml:"max_rounds_cap"`      // Absolute round ceiling
	SubProblemTimeout string  `yaml:"sub_problem_timeout"` // e.g. "1h"
	CostCapUSD        float64 `yaml:"cost_cap_usd"`        // Per sub-problem
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	Path string `yaml:"path"` // SQLite file path
	TTL  string `yaml:"ttl"`  // Retention window, e.g. "168h"
}

// SessionConfig configures session-level behavior.
type SessionConfig struct {
	StateDir       string `yaml:"state_dir"`       // Logs and default checkpoint location
	PacingInterval string `yaml:"pacing_interval"` // Min spacing of contribution events
	ShutdownGrace  string `yaml:"shutdown_grace"`  // Grace period on SIGINT/SIGTERM
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:      "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:        "gemini-2.0-flash",
			Timeout:      "90s",
			MaxRetries:   3,
			RetryBackoff: "2s",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Safety: SafetyConfig{
			MaxSteps:          55,
			MaxRoundsCap:      15,
			SubProblemTimeout: "1h",
			CostCapUSD:        1.00,
		},
		Checkpoint: CheckpointConfig{
			Path: ".quorum/checkpoints.db",
			TTL:  "168h", // 7 days
		},
		Session: SessionConfig{
			StateDir:       ".quorum",
			PacingInterval: "3s",
			ShutdownGrace:  "5s",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from the given path, falling back to defaults
// for anything unset. Environment variables override file values for
// secrets: QUORUM_API_KEY, QUORUM_GENAI_API_KEY.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QUORUM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("QUORUM_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
}

// ParseDuration parses a duration string with a fallback default.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// DefaultPath returns the conventional config location under the
// workspace directory.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, "quorum.yaml")
}
