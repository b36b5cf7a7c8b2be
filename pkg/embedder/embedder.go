// Package embedder provides text embedding services for semantic search.
//
// Embeddings are unit-norm vectors of a fixed dimension produced by a
// fixed model. The dimension and model identifier together define index
// compatibility: vectors from different models never share an index.
package embedder

import (
	"context"
	"math"
)

// Embedder produces vector embeddings from text.
//
// Implementations must be safe for concurrent use. Batching is performed
// by the caller; EmbedBatch may be implemented more efficiently than
// repeated Embed calls but must be equivalent.
type Embedder interface {
	// Embed converts text to an L2-normalized vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to vector embeddings.
	// The result has one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model identifier being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// Normalize scales v to unit L2 norm in place and returns it.
// A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
