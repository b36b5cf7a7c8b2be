package indexer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
	"github.com/kpath-ai/kpath/pkg/registry"
)

const stubDim = 8

// stubEmbedder derives a deterministic unit vector from the text hash.
type stubEmbedder struct {
	embeds  atomic.Int64
	batches atomic.Int64
}

func textVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, stubDim)
	var norm float64
	for i := range v {
		v[i] = float32(sum[i]) + 1
		norm += float64(v[i]) * float64(v[i])
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "HUGE") {
		return nil, fmt.Errorf("%w: stub limit", embedder.ErrInputTooLarge)
	}
	s.embeds.Add(1)
	return textVector(text), nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.batches.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return stubDim }
func (s *stubEmbedder) Model() string  { return "stub-model" }
func (s *stubEmbedder) Close() error   { return nil }

var _ embedder.Embedder = (*stubEmbedder)(nil)

func testIndexConfig(t *testing.T) *config.IndexConfig {
	t.Helper()
	cfg := &config.IndexConfig{
		Kind:                      "exact",
		SnapshotDir:               t.TempDir(),
		CoalesceWindowMS:          10,
		SnapshotQuiescenceSeconds: 3600,
	}
	cfg.SetDefaults()
	cfg.CoalesceWindowMS = 10
	cfg.SnapshotQuiescenceSeconds = 3600
	return cfg
}

func startManager(t *testing.T, cfg *config.IndexConfig, emb embedder.Embedder, reg registry.Registry) *Manager {
	t.Helper()
	m, err := NewManager(cfg, emb, reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-m.Done():
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})

	require.Eventually(t, m.Ready, 5*time.Second, 10*time.Millisecond)
	return m
}

func createService(t *testing.T, reg *registry.InMemory, name string) *registry.Service {
	t.Helper()
	svc := &registry.Service{Name: name, Description: "description of " + name}
	require.NoError(t, reg.Create(context.Background(), svc))
	return svc
}

func TestManagerColdBuild(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "alpha")
	createService(t, reg, "beta")

	cfg := testIndexConfig(t)
	m := startManager(t, cfg, &stubEmbedder{}, reg)

	assert.Equal(t, 2, m.Index().Size())
	st := m.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 2, st.Indexed)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, "stub-model", st.Model)

	// Cold build persists a snapshot and the pointer file.
	entries, err := os.ReadDir(cfg.SnapshotDir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	assert.Contains(t, names, "snapshot-1.kpvx")
	assert.Contains(t, names, "current")
}

func TestManagerColdBuildEmbedsInBatches(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "alpha")
	createService(t, reg, "beta")
	createService(t, reg, "gamma")

	cfg := testIndexConfig(t)
	emb := &stubEmbedder{}
	m := startManager(t, cfg, emb, reg)

	// The cold build submits all pending services as one batch rather
	// than one request per service.
	assert.Equal(t, 3, m.Index().Size())
	assert.Equal(t, int64(1), emb.batches.Load())
	assert.Equal(t, int64(3), emb.embeds.Load())
}

func TestManagerAppliesChangeEvents(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewInMemory()
	defer reg.Close()

	cfg := testIndexConfig(t)
	m := startManager(t, cfg, &stubEmbedder{}, reg)
	require.Equal(t, 0, m.Index().Size())

	svc := createService(t, reg, "gamma")
	require.Eventually(t, func() bool {
		tag, ok := m.Index().Contains(svc.ID)
		return ok && tag == 1
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("update re-embeds with the new version tag", func(t *testing.T) {
		svc.Description = "updated description"
		require.NoError(t, reg.Update(ctx, svc))
		require.Eventually(t, func() bool {
			tag, ok := m.Index().Contains(svc.ID)
			return ok && tag == 2
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("inactive status removes from the index", func(t *testing.T) {
		require.NoError(t, reg.SetStatus(ctx, svc.ID, registry.StatusInactive))
		require.Eventually(t, func() bool {
			_, ok := m.Index().Contains(svc.ID)
			return !ok
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("deprecated status keeps the service indexed", func(t *testing.T) {
		require.NoError(t, reg.SetStatus(ctx, svc.ID, registry.StatusDeprecated))
		require.Eventually(t, func() bool {
			_, ok := m.Index().Contains(svc.ID)
			return ok
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("delete removes", func(t *testing.T) {
		require.NoError(t, reg.Delete(ctx, svc.ID))
		require.Eventually(t, func() bool {
			_, ok := m.Index().Contains(svc.ID)
			return !ok
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestManagerRestoresFromSnapshot(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "alpha")
	createService(t, reg, "beta")

	cfg := testIndexConfig(t)

	first := &stubEmbedder{}
	m1, err := NewManager(cfg, first, reg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go m1.Run(ctx)
	require.Eventually(t, m1.Ready, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-m1.Done()
	require.Equal(t, int64(2), first.embeds.Load())

	// Second start restores the snapshot and embeds nothing.
	second := &stubEmbedder{}
	m2 := startManager(t, cfg, second, reg)
	assert.Equal(t, 2, m2.Index().Size())
	assert.Zero(t, second.embeds.Load())
}

func TestManagerIgnoresIncompatibleSnapshot(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "alpha")

	cfg := testIndexConfig(t)
	m1, err := NewManager(cfg, &stubEmbedder{}, reg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go m1.Run(ctx)
	require.Eventually(t, m1.Ready, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-m1.Done()

	// A different model invalidates the snapshot; the service re-embeds.
	other := &otherModelEmbedder{}
	m2 := startManager(t, cfg, other, reg)
	assert.Equal(t, 1, m2.Index().Size())
	assert.Equal(t, int64(1), other.inner.embeds.Load())
}

type otherModelEmbedder struct {
	inner stubEmbedder
}

func (o *otherModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return o.inner.Embed(ctx, text)
}

func (o *otherModelEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return o.inner.EmbedBatch(ctx, texts)
}

func (o *otherModelEmbedder) Dimension() int { return stubDim }
func (o *otherModelEmbedder) Model() string  { return "different-model" }
func (o *otherModelEmbedder) Close() error   { return nil }

func TestManagerMarksUnindexable(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "normal")
	huge := &registry.Service{Name: "big", Description: "HUGE " + strings.Repeat("x", 100)}
	require.NoError(t, reg.Create(context.Background(), huge))

	cfg := testIndexConfig(t)
	m := startManager(t, cfg, &stubEmbedder{}, reg)

	assert.Equal(t, 1, m.Index().Size())
	st := m.Status()
	assert.Equal(t, 1, st.Indexed)
	assert.Equal(t, 1, st.Unindexable)

	_, ok := m.Index().Contains(huge.ID)
	assert.False(t, ok)
}

// downEmbedder fails with a transient error for texts naming an outage.
type downEmbedder struct {
	inner stubEmbedder
}

func (d *downEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "OUTAGE") {
		return nil, fmt.Errorf("%w: stub backend down", embedder.ErrUnavailable)
	}
	return d.inner.Embed(ctx, text)
}

func (d *downEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := d.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *downEmbedder) Dimension() int { return stubDim }
func (d *downEmbedder) Model() string  { return "stub-model" }
func (d *downEmbedder) Close() error   { return nil }

func TestManagerReportsUnreachableServicePending(t *testing.T) {
	retries, base := embedMaxRetries, embedBackoffBase
	embedMaxRetries, embedBackoffBase = 1, time.Millisecond
	t.Cleanup(func() { embedMaxRetries, embedBackoffBase = retries, base })

	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "alpha")
	down := &registry.Service{Name: "beta", Description: "OUTAGE backend offline"}
	require.NoError(t, reg.Create(context.Background(), down))

	cfg := testIndexConfig(t)
	m := startManager(t, cfg, &downEmbedder{}, reg)

	// A transient embed failure leaves the service pending rather than
	// stale; the quiescence reconcile retries it.
	assert.Equal(t, 1, m.Index().Size())
	st := m.Status()
	assert.Equal(t, StateDegraded, st.State)
	assert.Equal(t, 1, st.Indexed)
	assert.Equal(t, 1, st.Pending)
	assert.Zero(t, st.Stale)
}

func TestManagerRebuild(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "alpha")

	cfg := testIndexConfig(t)
	m := startManager(t, cfg, &stubEmbedder{}, reg)
	before := m.Status().Generation

	require.True(t, m.RequestRebuild())
	require.Eventually(t, func() bool {
		st := m.Status()
		return st.State == StateReady && st.Generation > before
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, m.Index().Size())
}

func TestManagerSnapshotPruning(t *testing.T) {
	reg := registry.NewInMemory()
	defer reg.Close()
	createService(t, reg, "alpha")

	cfg := testIndexConfig(t)
	cfg.SnapshotKeep = 2
	m := startManager(t, cfg, &stubEmbedder{}, reg)

	for i := 0; i < 3; i++ {
		before := m.Status().Generation
		require.True(t, m.RequestRebuild())
		require.Eventually(t, func() bool {
			return m.Status().Generation > before
		}, 5*time.Second, 10*time.Millisecond)
	}

	entries, err := os.ReadDir(cfg.SnapshotDir)
	require.NoError(t, err)
	var snapshots int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "snapshot-") {
			snapshots++
		}
	}
	assert.Equal(t, 2, snapshots)
}
