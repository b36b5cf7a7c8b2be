package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kpath-ai/kpath/pkg/embedder"
	"github.com/kpath-ai/kpath/pkg/registry"
	"github.com/kpath-ai/kpath/pkg/vector"
)

// coldStart restores the newest compatible snapshot and reconciles it
// against the registry. With no usable snapshot it builds from scratch.
func (m *Manager) coldStart(ctx context.Context) error {
	start := time.Now()

	if gen, path, ok := m.latestSnapshot(); ok {
		meta, entries, err := vector.ReadSnapshot(path)
		switch {
		case err != nil:
			slog.Warn("Ignoring unreadable index snapshot", "path", path, "error", err)
		case meta.Model != m.emb.Model() || meta.Dimension != m.emb.Dimension():
			slog.Info("Index snapshot incompatible with configured model, rebuilding",
				"snapshot_model", meta.Model, "model", m.emb.Model(),
				"snapshot_dimension", meta.Dimension, "dimension", m.emb.Dimension())
		default:
			idx := m.Index()
			for _, e := range entries {
				if err := idx.Upsert(e.ServiceID, e.Vector, e.VersionTag); err != nil {
					return fmt.Errorf("failed to restore snapshot entry %d: %w", e.ServiceID, err)
				}
				m.setServiceState(e.ServiceID, ServiceIndexed)
			}
			m.mu.Lock()
			m.generation = gen
			m.mu.Unlock()
			slog.Info("Restored index snapshot", "generation", gen, "entries", len(entries))
		}
	}

	changed, err := m.reconcile(ctx)
	if err != nil {
		return err
	}
	m.setState(StateReady, "")

	if changed > 0 || m.generationNow() == 0 {
		m.dirty = true
		m.snapshotIfDirty()
	}
	slog.Info("Index cold start complete",
		"services", m.Index().Size(),
		"changed", changed,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// embedBatch embeds every service's canonical text in one provider
// call. The embedders chunk internally per their batch size.
func (m *Manager) embedBatch(ctx context.Context, svcs []*registry.Service) ([][]float32, error) {
	if len(svcs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(svcs))
	for i, svc := range svcs {
		texts[i] = svc.EmbeddableText()
	}
	return m.emb.EmbedBatch(ctx, texts)
}

// indexServices embeds a set of services batched and upserts them into
// the live index. When the batch fails, each service falls back to the
// per-service retry path, so one oversized text cannot sink the rest.
func (m *Manager) indexServices(ctx context.Context, svcs []*registry.Service) error {
	if len(svcs) == 0 {
		return nil
	}

	vecs, err := m.embedBatch(ctx, svcs)
	if err != nil {
		var firstErr error
		for _, svc := range svcs {
			if err := m.indexService(ctx, svc); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	m.mu.RLock()
	idx := m.index
	m.mu.RUnlock()
	var firstErr error
	for i, svc := range svcs {
		if err := idx.Upsert(svc.ID, vecs[i], svc.VersionTag); err != nil {
			m.setServiceState(svc.ID, ServiceStale)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.setServiceState(svc.ID, ServiceIndexed)
	}
	return firstErr
}

// reconcile brings the index in line with the registry: services whose
// version tag differs are re-embedded in one batch, services no longer
// active are removed. Returns the number of applied changes and the
// first embedding error, if any.
func (m *Manager) reconcile(ctx context.Context) (int, error) {
	services, err := m.reg.DiscoverableServices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list discoverable services: %w", err)
	}

	idx := m.Index()
	active := make(map[int64]bool, len(services))
	changed := 0
	var firstErr error

	var toEmbed []*registry.Service
	for _, svc := range services {
		active[svc.ID] = true
		if tag, ok := idx.Contains(svc.ID); ok && tag == svc.VersionTag {
			m.setServiceState(svc.ID, ServiceIndexed)
			continue
		}
		if tag, ok := m.unindexableAt(svc.ID); ok && tag == svc.VersionTag {
			continue
		}
		m.setServiceState(svc.ID, ServicePending)
		toEmbed = append(toEmbed, svc)
	}
	changed += len(toEmbed)
	if err := m.indexServices(ctx, toEmbed); err != nil {
		firstErr = err
	}

	for _, e := range idx.Entries() {
		if !active[e.ServiceID] {
			m.removeService(e.ServiceID, ServiceRemoved)
			changed++
		}
	}

	if changed > 0 {
		m.changesSinceSnapshot += changed
		m.dirty = true
	}
	return changed, firstErr
}

// rebuild constructs a fresh index off to the side and swaps it in
// atomically, so searches keep serving the old index until the new one
// is complete.
func (m *Manager) rebuild(ctx context.Context) error {
	m.setState(StateRebuilding, "")
	start := time.Now()
	slog.Info("Starting index rebuild")

	fresh, err := vector.New(m.cfg, m.emb.Dimension())
	if err != nil {
		return err
	}
	services, err := m.reg.DiscoverableServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list discoverable services: %w", err)
	}

	states := make(map[int64]ServiceState, len(services))
	unindexable := make(map[int64]int64)
	var failed int

	if vecs, err := m.embedBatch(ctx, services); err == nil {
		for i, svc := range services {
			if err := fresh.Upsert(svc.ID, vecs[i], svc.VersionTag); err != nil {
				return err
			}
			states[svc.ID] = ServiceIndexed
		}
	} else {
		// Mixed batches fail as a whole, so retry service by service to
		// isolate oversized texts from the rest.
		for _, svc := range services {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			vec, err := m.embedWithRetry(ctx, svc.EmbeddableText())
			if errors.Is(err, embedder.ErrInputTooLarge) {
				states[svc.ID] = ServiceUnindexable
				unindexable[svc.ID] = svc.VersionTag
				continue
			}
			if err != nil {
				failed++
				states[svc.ID] = ServiceStale
				slog.Warn("Failed to embed service during rebuild", "service_id", svc.ID, "error", err)
				continue
			}
			if err := fresh.Upsert(svc.ID, vec, svc.VersionTag); err != nil {
				return err
			}
			states[svc.ID] = ServiceIndexed
		}
	}

	m.mu.Lock()
	m.index = fresh
	m.states = states
	m.unindexable = unindexable
	m.mu.Unlock()

	m.dirty = true
	m.changesSinceSnapshot = 0
	m.snapshotIfDirty()

	if failed > 0 {
		m.setState(StateDegraded, fmt.Sprintf("%d services failed to embed during rebuild", failed))
	} else {
		m.setState(StateReady, "")
	}
	slog.Info("Index rebuild complete",
		"services", fresh.Size(),
		"failed", failed,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (m *Manager) generationNow() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}
