package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
)

// OllamaEmbedder calls a local Ollama server.
type OllamaEmbedder struct {
	client     *http.Client
	baseURL    string
	model      string
	dimension  int
	maxRetries int
	maxTokens  int
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// NewOllamaEmbedder creates an embedder from config.
func NewOllamaEmbedder(cfg *config.EmbeddingConfig) (*OllamaEmbedder, error) {
	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		baseURL:    baseURL,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		maxTokens:  cfg.MaxTokens,
	}, nil
}

func (e *OllamaEmbedder) checkLength(text string) error {
	if e.maxTokens <= 0 {
		return nil
	}
	// Ollama has no local tokenizer; use the byte heuristic.
	if tokens := len(text) / 3; tokens > e.maxTokens {
		return fmt.Errorf("%w: ~%d tokens exceed limit %d", embedder.ErrInputTooLarge, tokens, e.maxTokens)
	}
	return nil
}

// Embed implements embedder.Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embedder.Embedder.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if err := e.checkLength(t); err != nil {
			return nil, err
		}
	}

	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", embedder.ErrUnavailable, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%w: failed to read response: %v", embedder.ErrUnavailable, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var errResp ollamaErrorResponse
			if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
				lastErr = fmt.Errorf("%w: Ollama API error: %s", embedder.ErrUnavailable, errResp.Error)
			} else {
				lastErr = fmt.Errorf("%w: Ollama API returned status %d", embedder.ErrUnavailable, resp.StatusCode)
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, lastErr
			}
			continue
		}

		var response ollamaEmbedResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if len(response.Embeddings) != len(texts) {
			return nil, fmt.Errorf("%w: received %d embeddings for %d inputs", embedder.ErrUnavailable, len(response.Embeddings), len(texts))
		}

		out := make([][]float32, len(response.Embeddings))
		for i, v := range response.Embeddings {
			out[i] = embedder.Normalize(v)
		}
		return out, nil
	}
	return nil, lastErr
}

// Dimension implements embedder.Embedder.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// Model implements embedder.Embedder.
func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Close implements embedder.Embedder.
func (e *OllamaEmbedder) Close() error {
	return nil
}

var _ embedder.Embedder = (*OllamaEmbedder)(nil)
