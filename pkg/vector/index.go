// Package vector provides the in-process vector index used for
// approximate nearest neighbor search over service embeddings.
//
// Two implementations exist: Exact (brute force, the default) and HNSW
// (graph-based ANN for large registries). Both score candidates with the
// normalized cosine (1+cos)/2 in [0,1] and break score ties toward the
// larger service id so results are deterministic.
package vector

import (
	"sort"
)

// Entry is one indexed service vector.
type Entry struct {
	ServiceID  int64
	VersionTag int64
	Vector     []float32
}

// Candidate is a scored search result.
type Candidate struct {
	ServiceID int64
	Score     float64
}

// Index holds service vectors and serves top-k cosine search.
//
// Implementations are safe for concurrent use: searches take a read
// lock, mutations a write lock.
type Index interface {
	// Upsert replaces any existing entry for the service.
	Upsert(serviceID int64, vec []float32, versionTag int64) error

	// Remove deletes the entry for the service. Idempotent.
	Remove(serviceID int64)

	// TopK returns up to limit candidates ordered by descending score.
	TopK(query []float32, limit int) []Candidate

	// Contains reports whether the service is indexed and returns its
	// version tag.
	Contains(serviceID int64) (int64, bool)

	// Size returns the number of indexed entries.
	Size() int

	// Entries returns a copy of all entries, for snapshotting and
	// reconciliation.
	Entries() []Entry

	// Dimension returns the vector dimension.
	Dimension() int
}

// Cosine returns the cosine similarity of two equal-length vectors.
// Inputs are assumed unit-norm, so this is the dot product.
func Cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// NormalizedScore maps a cosine in [-1,1] to [0,1].
func NormalizedScore(cos float64) float64 {
	return (1 + cos) / 2
}

// sortCandidates orders by descending score, ties toward the larger
// service id.
func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ServiceID > cands[j].ServiceID
	})
}
