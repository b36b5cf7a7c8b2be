package config

import "fmt"

// IndexConfig configures the vector index and its lifecycle manager.
type IndexConfig struct {
	// Kind selects the index implementation: "exact", "hnsw" or "ivf".
	// "ivf" currently maps to hnsw.
	Kind string `yaml:"kind"`

	// HNSW holds parameters for the hnsw index kind.
	HNSW HNSWParams `yaml:"hnsw,omitempty"`

	// SnapshotDir is where index snapshots are written.
	SnapshotDir string `yaml:"snapshot_dir"`

	// SnapshotEveryChanges triggers a snapshot after this many applied
	// index changes.
	SnapshotEveryChanges int `yaml:"snapshot_every_changes,omitempty"`

	// SnapshotQuiescenceSeconds triggers a snapshot after this many
	// seconds without index changes.
	SnapshotQuiescenceSeconds int `yaml:"snapshot_quiescence_seconds,omitempty"`

	// QueueSize bounds the change event queue.
	QueueSize int `yaml:"queue_size,omitempty"`

	// CoalesceWindowMS is the window within which repeated events for the
	// same service are collapsed into one.
	CoalesceWindowMS int `yaml:"coalesce_window_ms,omitempty"`

	// SnapshotKeep is how many snapshot generations to retain.
	SnapshotKeep int `yaml:"snapshot_keep,omitempty"`
}

// HNSWParams tunes the hnsw graph.
type HNSWParams struct {
	M              int `yaml:"m,omitempty"`
	EfConstruction int `yaml:"ef_construction,omitempty"`
	EfSearch       int `yaml:"ef_search,omitempty"`
}

func (c *IndexConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "exact"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = ".kpath/snapshots"
	}
	if c.SnapshotEveryChanges == 0 {
		c.SnapshotEveryChanges = 500
	}
	if c.SnapshotQuiescenceSeconds == 0 {
		c.SnapshotQuiescenceSeconds = 60
	}
	if c.QueueSize == 0 {
		c.QueueSize = 10000
	}
	if c.CoalesceWindowMS == 0 {
		c.CoalesceWindowMS = 200
	}
	if c.SnapshotKeep == 0 {
		c.SnapshotKeep = 3
	}
	if c.HNSW.M == 0 {
		c.HNSW.M = 16
	}
	if c.HNSW.EfConstruction == 0 {
		c.HNSW.EfConstruction = 200
	}
	if c.HNSW.EfSearch == 0 {
		c.HNSW.EfSearch = 100
	}
}

func (c *IndexConfig) Validate() error {
	switch c.Kind {
	case "exact", "hnsw", "ivf":
	default:
		return fmt.Errorf("invalid index kind %q (valid: exact, hnsw, ivf)", c.Kind)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	return nil
}
