package vector

import (
	"fmt"
	"log/slog"

	"github.com/kpath-ai/kpath/pkg/config"
)

// New creates an index of the configured kind.
func New(cfg *config.IndexConfig, dimension int) (Index, error) {
	switch cfg.Kind {
	case "exact":
		return NewExact(dimension), nil
	case "hnsw":
		return NewHNSW(dimension, HNSWOptions{
			M:              cfg.HNSW.M,
			EfConstruction: cfg.HNSW.EfConstruction,
			EfSearch:       cfg.HNSW.EfSearch,
		}), nil
	case "ivf":
		slog.Warn("Index kind ivf is served by the hnsw implementation")
		return NewHNSW(dimension, HNSWOptions{
			M:              cfg.HNSW.M,
			EfConstruction: cfg.HNSW.EfConstruction,
			EfSearch:       cfg.HNSW.EfSearch,
		}), nil
	default:
		return nil, fmt.Errorf("unknown index kind %q", cfg.Kind)
	}
}
