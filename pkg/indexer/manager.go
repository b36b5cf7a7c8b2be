// Package indexer keeps the vector index consistent with the service
// registry.
//
// A single worker goroutine owns all index mutations. It cold-starts
// from the newest compatible snapshot, reconciles against the registry,
// then drains the registry change stream with a short coalescing window
// so bursts of updates to the same service embed once. Snapshots are
// written after a configured number of changes or after a quiescent
// period, and old generations are pruned.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
	"github.com/kpath-ai/kpath/pkg/registry"
	"github.com/kpath-ai/kpath/pkg/vector"
)

var (
	embedBackoffBase        = 100 * time.Millisecond
	embedBackoffCap         = 30 * time.Second
	embedMaxRetries  uint64 = 8
)

// Manager owns the index lifecycle.
type Manager struct {
	cfg *config.IndexConfig
	emb embedder.Embedder
	reg registry.Registry

	mu             sync.RWMutex
	index          vector.Index
	states         map[int64]ServiceState
	unindexable    map[int64]int64
	state          State
	lastError      string
	generation     uint64
	lastSnapshotAt time.Time

	// Owned by the worker goroutine.
	changesSinceSnapshot int
	dirty                bool

	rebuildCh chan struct{}
	done      chan struct{}

	snapshotHook func()
}

// NewManager creates a manager. Run must be called before searches.
func NewManager(cfg *config.IndexConfig, emb embedder.Embedder, reg registry.Registry) (*Manager, error) {
	if cfg == nil || emb == nil || reg == nil {
		return nil, fmt.Errorf("config, embedder and registry are required")
	}
	idx, err := vector.New(cfg, emb.Dimension())
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		emb:         emb,
		reg:         reg,
		index:       idx,
		states:      make(map[int64]ServiceState),
		unindexable: make(map[int64]int64),
		state:       StateInitializing,
		rebuildCh:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

// Index returns the current index for searching. The returned index is
// safe for concurrent reads; after a rebuild swap, callers pick up the
// new index on their next call.
func (m *Manager) Index() vector.Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index
}

// Ready reports whether searches can be served.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady || m.state == StateDegraded || m.state == StateRebuilding
}

// Status returns a point-in-time view of the manager.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:          m.state,
		Generation:     m.generation,
		Model:          m.emb.Model(),
		Dimension:      m.emb.Dimension(),
		LastSnapshotAt: m.lastSnapshotAt,
		LastError:      m.lastError,
	}
	for _, s := range m.states {
		switch s {
		case ServiceIndexed:
			st.Indexed++
		case ServicePending:
			st.Pending++
		case ServiceStale:
			st.Stale++
		case ServiceUnindexable:
			st.Unindexable++
		}
	}
	return st
}

// RequestRebuild schedules an asynchronous shadow rebuild. Returns false
// when one is already queued.
func (m *Manager) RequestRebuild() bool {
	select {
	case m.rebuildCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// OnSnapshot registers a callback invoked after each snapshot write.
// Must be set before Run.
func (m *Manager) OnSnapshot(fn func()) {
	m.snapshotHook = fn
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run performs the cold start and then processes change events until
// the context is canceled. It is meant to be started in its own
// goroutine.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	if err := m.coldStart(ctx); err != nil {
		m.setState(StateDegraded, err.Error())
		return fmt.Errorf("index cold start failed: %w", err)
	}

	events := m.reg.Events()
	coalesce := time.Duration(m.cfg.CoalesceWindowMS) * time.Millisecond
	quiescence := time.Duration(m.cfg.SnapshotQuiescenceSeconds) * time.Second

	// The flush timer only runs while a batch is pending.
	flush := time.NewTimer(coalesce)
	if !flush.Stop() {
		<-flush.C
	}
	quiet := time.NewTicker(quiescence)
	defer quiet.Stop()

	pending := make(map[int64]registry.ChangeEvent)

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				m.applyBatch(context.WithoutCancel(ctx), pending)
			}
			m.snapshotIfDirty()
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if len(pending) == 0 {
				flush.Reset(coalesce)
			}
			pending[ev.ServiceID] = ev
			m.markStale(ev)

		case <-flush.C:
			m.applyBatch(ctx, pending)
			pending = make(map[int64]registry.ChangeEvent)

		case <-quiet.C:
			if len(pending) > 0 {
				continue
			}
			// Quiescence reconcile also recovers from events dropped
			// under queue pressure.
			if n, err := m.reconcile(ctx); err != nil {
				slog.Warn("Index reconcile failed", "error", err)
			} else if n > 0 {
				slog.Info("Index reconcile applied changes", "changes", n)
			}
			m.snapshotIfDirty()

		case <-m.rebuildCh:
			if err := m.rebuild(ctx); err != nil {
				slog.Error("Index rebuild failed", "error", err)
				m.setState(StateDegraded, err.Error())
			}
		}
	}
}

func (m *Manager) setState(s State, lastError string) {
	m.mu.Lock()
	m.state = s
	m.lastError = lastError
	m.mu.Unlock()
}

func (m *Manager) markStale(ev registry.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Kind == registry.ChangeDeleted {
		return
	}
	if m.states[ev.ServiceID] != ServiceUnindexable {
		m.states[ev.ServiceID] = ServiceStale
	}
}

// applyBatch embeds and applies one coalesced batch of changes.
func (m *Manager) applyBatch(ctx context.Context, batch map[int64]registry.ChangeEvent) {
	if len(batch) == 0 {
		return
	}
	var failed int
	for id, ev := range batch {
		if err := m.applyChange(ctx, id, ev); err != nil {
			failed++
			slog.Warn("Failed to apply index change", "service_id", id, "kind", ev.Kind, "error", err)
		}
	}

	m.changesSinceSnapshot += len(batch)
	m.dirty = true
	if failed > 0 {
		m.setState(StateDegraded, fmt.Sprintf("%d of %d changes failed", failed, len(batch)))
	} else {
		m.setState(StateReady, "")
	}
	if m.changesSinceSnapshot >= m.cfg.SnapshotEveryChanges {
		m.snapshotIfDirty()
	}
}

// applyChange brings one service in sync with the registry.
func (m *Manager) applyChange(ctx context.Context, id int64, ev registry.ChangeEvent) error {
	if ev.Kind == registry.ChangeDeleted {
		m.removeService(id, ServiceRemoved)
		return nil
	}

	svc, err := m.reg.Get(ctx, id)
	if err != nil {
		m.setServiceState(id, ServiceStale)
		return err
	}
	if svc == nil || !svc.Status.Discoverable() {
		m.removeService(id, ServiceRemoved)
		return nil
	}

	// Already indexed at this version: nothing to do. Keeps replayed
	// events idempotent.
	m.mu.RLock()
	idx := m.index
	m.mu.RUnlock()
	if tag, ok := idx.Contains(id); ok && tag == svc.VersionTag {
		m.setServiceState(id, ServiceIndexed)
		return nil
	}
	return m.indexService(ctx, svc)
}

// indexService embeds and upserts one active service.
func (m *Manager) indexService(ctx context.Context, svc *registry.Service) error {
	m.setServiceState(svc.ID, ServicePending)

	vec, err := m.embedWithRetry(ctx, svc.EmbeddableText())
	if err != nil {
		if errors.Is(err, embedder.ErrInputTooLarge) {
			// Keep any previous vector out of the index rather than
			// serve a stale description.
			m.markUnindexable(svc.ID, svc.VersionTag)
			slog.Warn("Service text exceeds embedding limits", "service_id", svc.ID, "name", svc.Name)
			return nil
		}
		if embedder.IsRetryable(err) {
			// Backoff exhausted on a transient fault. The service stays
			// pending; the quiescence reconcile picks it up again.
			m.setServiceState(svc.ID, ServicePending)
			return err
		}
		m.setServiceState(svc.ID, ServiceStale)
		return err
	}

	m.mu.RLock()
	idx := m.index
	m.mu.RUnlock()
	if err := idx.Upsert(svc.ID, vec, svc.VersionTag); err != nil {
		m.setServiceState(svc.ID, ServiceStale)
		return err
	}
	m.setServiceState(svc.ID, ServiceIndexed)
	return nil
}

func (m *Manager) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	b := retry.WithMaxRetries(embedMaxRetries,
		retry.WithCappedDuration(embedBackoffCap, retry.NewExponential(embedBackoffBase)))

	var vec []float32
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		v, err := m.emb.Embed(ctx, text)
		if err != nil {
			if embedder.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		vec = v
		return nil
	})
	return vec, err
}

func (m *Manager) removeService(id int64, state ServiceState) {
	m.mu.Lock()
	idx := m.index
	m.states[id] = state
	delete(m.unindexable, id)
	m.mu.Unlock()
	idx.Remove(id)
}

// markUnindexable removes the service and records the version tag that
// failed, so reconciliation skips it until the service changes again.
func (m *Manager) markUnindexable(id, versionTag int64) {
	m.mu.Lock()
	idx := m.index
	m.states[id] = ServiceUnindexable
	m.unindexable[id] = versionTag
	m.mu.Unlock()
	idx.Remove(id)
}

func (m *Manager) unindexableAt(id int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tag, ok := m.unindexable[id]
	return tag, ok
}

func (m *Manager) setServiceState(id int64, state ServiceState) {
	m.mu.Lock()
	m.states[id] = state
	m.mu.Unlock()
}
