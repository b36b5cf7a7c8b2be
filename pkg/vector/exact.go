package vector

import (
	"fmt"
	"sync"
)

// Exact is the brute-force index. Every search scans all entries, which
// keeps recall at 1.0 and is fast enough below roughly ten thousand
// vectors.
type Exact struct {
	mu        sync.RWMutex
	dimension int
	entries   map[int64]Entry
}

// NewExact creates an empty exact index for the given dimension.
func NewExact(dimension int) *Exact {
	return &Exact{
		dimension: dimension,
		entries:   make(map[int64]Entry),
	}
}

// Upsert implements Index.
func (e *Exact) Upsert(serviceID int64, vec []float32, versionTag int64) error {
	if len(vec) != e.dimension {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), e.dimension)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[serviceID] = Entry{
		ServiceID:  serviceID,
		VersionTag: versionTag,
		Vector:     append([]float32(nil), vec...),
	}
	return nil
}

// Remove implements Index.
func (e *Exact) Remove(serviceID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, serviceID)
}

// TopK implements Index.
func (e *Exact) TopK(query []float32, limit int) []Candidate {
	if limit <= 0 || len(query) != e.dimension {
		return nil
	}

	e.mu.RLock()
	cands := make([]Candidate, 0, len(e.entries))
	for id, entry := range e.entries {
		cands = append(cands, Candidate{
			ServiceID: id,
			Score:     NormalizedScore(Cosine(query, entry.Vector)),
		})
	}
	e.mu.RUnlock()

	sortCandidates(cands)
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

// Contains implements Index.
func (e *Exact) Contains(serviceID int64) (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[serviceID]
	return entry.VersionTag, ok
}

// Size implements Index.
func (e *Exact) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Entries implements Index.
func (e *Exact) Entries() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Entry, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, Entry{
			ServiceID:  entry.ServiceID,
			VersionTag: entry.VersionTag,
			Vector:     append([]float32(nil), entry.Vector...),
		})
	}
	return out
}

// Dimension implements Index.
func (e *Exact) Dimension() int {
	return e.dimension
}

var _ Index = (*Exact)(nil)
