// Package embedders contains the production Embedder implementations.
package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
)

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	model      string
	dimension  int
	batchSize  int
	maxRetries int
	maxTokens  int
	encoder    *tiktoken.Tiktoken
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewOpenAIEmbedder creates an embedder from config.
func NewOpenAIEmbedder(cfg *config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI embedder")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	// Token counting is advisory; fall back to a byte heuristic when the
	// model has no registered encoding.
	encoder, err := tiktoken.EncodingForModel(cfg.Model)
	if err != nil {
		encoder = nil
	}

	return &OpenAIEmbedder{
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		maxTokens:  cfg.MaxTokens,
		encoder:    encoder,
	}, nil
}

// checkLength rejects texts that exceed the model context window.
func (e *OpenAIEmbedder) checkLength(text string) error {
	if e.maxTokens <= 0 {
		return nil
	}
	var tokens int
	if e.encoder != nil {
		tokens = len(e.encoder.Encode(text, nil, nil))
	} else {
		// Rough upper bound: one token per 3 bytes.
		tokens = len(text) / 3
	}
	if tokens > e.maxTokens {
		return fmt.Errorf("%w: %d tokens exceed limit %d", embedder.ErrInputTooLarge, tokens, e.maxTokens)
	}
	return nil
}

// Embed implements embedder.Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embedder.Embedder.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if err := e.checkLength(t); err != nil {
			return nil, err
		}
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embeddings, err := e.embedChunk(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, embeddings...)
	}
	return results, nil
}

func (e *OpenAIEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

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
			var errResp openAIErrorResponse
			if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
				if errResp.Error.Code == "context_length_exceeded" {
					return nil, fmt.Errorf("%w: %s", embedder.ErrInputTooLarge, errResp.Error.Message)
				}
				lastErr = fmt.Errorf("%w: OpenAI API error: %s", embedder.ErrUnavailable, errResp.Error.Message)
			} else {
				lastErr = fmt.Errorf("%w: OpenAI API returned status %d", embedder.ErrUnavailable, resp.StatusCode)
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, lastErr
			}
			continue
		}

		var response openAIEmbedResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if len(response.Data) != len(texts) {
			return nil, fmt.Errorf("%w: received %d embeddings for %d inputs", embedder.ErrUnavailable, len(response.Data), len(texts))
		}

		// Order by index to match input order.
		embeddings := make([][]float32, len(texts))
		for _, item := range response.Data {
			if item.Index < 0 || item.Index >= len(embeddings) {
				return nil, fmt.Errorf("embedding index %d out of range", item.Index)
			}
			embeddings[item.Index] = embedder.Normalize(item.Embedding)
		}
		return embeddings, nil
	}
	return nil, lastErr
}

// Dimension implements embedder.Embedder.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// Model implements embedder.Embedder.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// Close implements embedder.Embedder.
func (e *OpenAIEmbedder) Close() error {
	return nil
}

var _ embedder.Embedder = (*OpenAIEmbedder)(nil)
