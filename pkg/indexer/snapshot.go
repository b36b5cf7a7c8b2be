package indexer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kpath-ai/kpath/pkg/vector"
)

const (
	snapshotPrefix  = "snapshot-"
	snapshotSuffix  = ".kpvx"
	currentFileName = "current"
)

func snapshotName(generation uint64) string {
	return fmt.Sprintf("%s%d%s", snapshotPrefix, generation, snapshotSuffix)
}

func parseGeneration(name string) (uint64, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// snapshotIfDirty writes a new snapshot generation, updates the current
// pointer and prunes old generations. Failures are logged, not fatal:
// the next trigger retries.
func (m *Manager) snapshotIfDirty() {
	if !m.dirty {
		return
	}
	idx := m.Index()
	gen := m.generationNow() + 1
	name := snapshotName(gen)
	path := filepath.Join(m.cfg.SnapshotDir, name)

	meta, err := vector.WriteSnapshot(path, m.emb.Model(), m.emb.Dimension(), idx.Entries())
	if err != nil {
		slog.Error("Failed to write index snapshot", "path", path, "error", err)
		return
	}
	if err := m.writeCurrentPointer(name); err != nil {
		slog.Warn("Failed to update snapshot pointer", "error", err)
	}

	m.mu.Lock()
	m.generation = gen
	m.lastSnapshotAt = time.Now().UTC()
	m.mu.Unlock()
	m.dirty = false
	m.changesSinceSnapshot = 0

	m.pruneSnapshots()
	if m.snapshotHook != nil {
		m.snapshotHook()
	}
	slog.Info("Wrote index snapshot", "generation", gen, "entries", meta.Count)
}

// writeCurrentPointer atomically updates the pointer file naming the
// newest snapshot.
func (m *Manager) writeCurrentPointer(name string) error {
	dir := m.cfg.SnapshotDir
	tmp, err := os.CreateTemp(dir, currentFileName+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(name + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, currentFileName))
}

// latestSnapshot resolves the newest snapshot: via the current pointer
// when valid, otherwise by scanning the directory.
func (m *Manager) latestSnapshot() (uint64, string, bool) {
	dir := m.cfg.SnapshotDir

	if data, err := os.ReadFile(filepath.Join(dir, currentFileName)); err == nil {
		name := strings.TrimSpace(string(data))
		if gen, ok := parseGeneration(name); ok {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return gen, path, true
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, "", false
	}
	var best uint64
	var bestName string
	for _, e := range entries {
		if gen, ok := parseGeneration(e.Name()); ok && gen > best {
			best = gen
			bestName = e.Name()
		}
	}
	if bestName == "" {
		return 0, "", false
	}
	return best, filepath.Join(dir, bestName), true
}

// pruneSnapshots deletes all but the newest configured number of
// generations.
func (m *Manager) pruneSnapshots() {
	entries, err := os.ReadDir(m.cfg.SnapshotDir)
	if err != nil {
		return
	}
	var gens []uint64
	for _, e := range entries {
		if gen, ok := parseGeneration(e.Name()); ok {
			gens = append(gens, gen)
		}
	}
	if len(gens) <= m.cfg.SnapshotKeep {
		return
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	for _, gen := range gens[m.cfg.SnapshotKeep:] {
		path := filepath.Join(m.cfg.SnapshotDir, snapshotName(gen))
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to prune snapshot", "path", path, "error", err)
		}
	}
}
