package config

import (
	"fmt"
	"os"
)

// EmbeddingConfig configures the embedding provider.
//
// Example YAML:
//
//	embedding:
//	  provider: openai
//	  model: text-embedding-3-small
//	  dimension: 1536
//	  api_key: ${OPENAI_API_KEY}
type EmbeddingConfig struct {
	// Provider is the embedding backend: "openai" or "ollama".
	Provider string `yaml:"provider"`

	// Model is the embedding model identifier.
	Model string `yaml:"model"`

	// Dimension is the embedding vector dimension. Must match the model.
	Dimension int `yaml:"dimension"`

	// Host overrides the provider base URL.
	Host string `yaml:"host,omitempty"`

	// APIKey for authenticated providers.
	APIKey string `yaml:"api_key,omitempty"`

	// TimeoutSeconds bounds a single embedding HTTP call.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// MaxRetries for a single embedding call before the error is surfaced.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// BatchSize caps how many texts go into one provider request.
	BatchSize int `yaml:"batch_size,omitempty"`

	// MaxTokens is the model context window in tokens. Texts exceeding it
	// are rejected before dispatch and the service is marked unindexable.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		switch c.Provider {
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "text-embedding-3-small"
		}
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-small", "text-embedding-ada-002":
			c.Dimension = 1536
		case "text-embedding-3-large":
			c.Dimension = 3072
		case "nomic-embed-text":
			c.Dimension = 768
		default:
			c.Dimension = 1536
		}
	}
	if c.APIKey == "" && c.Provider == "openai" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8191
	}
}

func (c *EmbeddingConfig) Validate() error {
	switch c.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("invalid embedding provider %q (valid: openai, ollama)", c.Provider)
	}
	if c.Provider == "openai" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for openai embedding provider")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	return nil
}
