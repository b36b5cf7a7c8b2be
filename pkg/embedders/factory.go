package embedders

import (
	"fmt"

	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
)

// New builds the embedder selected by config.
func New(cfg *config.EmbeddingConfig) (embedder.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
