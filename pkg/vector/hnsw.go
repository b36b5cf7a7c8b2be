package vector

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// HNSW is a hierarchical navigable small world graph index.
//
// It trades exactness for sub-linear search; with the default parameters
// recall@k stays above 0.95 against brute force. Deletions tombstone the
// node and the graph is compacted on the next full rebuild.
//
// The random level generator is seeded deterministically so that the same
// insertion sequence always yields the same graph and therefore the same
// results.
type HNSW struct {
	mu sync.RWMutex

	dimension      int
	m              int
	maxM0          int
	efConstruction int
	efSearch       int
	levelMult      float64

	nodes      []*hnswNode
	byService  map[int64]int
	entryPoint int
	maxLevel   int
	live       int

	rng *rand.Rand
}

type hnswNode struct {
	serviceID  int64
	versionTag int64
	vector     []float32
	level      int
	// neighbors[l] holds node indices linked at layer l.
	neighbors [][]int
	deleted   bool
}

// HNSWOptions tunes the graph.
type HNSWOptions struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// NewHNSW creates an empty hnsw index for the given dimension.
func NewHNSW(dimension int, opts HNSWOptions) *HNSW {
	if opts.M <= 0 {
		opts.M = 16
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = 200
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = 100
	}
	return &HNSW{
		dimension:      dimension,
		m:              opts.M,
		maxM0:          opts.M * 2,
		efConstruction: opts.EfConstruction,
		efSearch:       opts.EfSearch,
		levelMult:      1 / math.Log(float64(opts.M)),
		byService:      make(map[int64]int),
		entryPoint:     -1,
		rng:            rand.New(rand.NewSource(1)),
	}
}

// Upsert implements Index.
func (h *HNSW) Upsert(serviceID int64, vec []float32, versionTag int64) error {
	if len(vec) != h.dimension {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), h.dimension)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if idx, ok := h.byService[serviceID]; ok {
		h.tombstone(idx)
	}

	level := h.randomLevel()
	node := &hnswNode{
		serviceID:  serviceID,
		versionTag: versionTag,
		vector:     append([]float32(nil), vec...),
		level:      level,
		neighbors:  make([][]int, level+1),
	}
	idx := len(h.nodes)
	h.nodes = append(h.nodes, node)
	h.byService[serviceID] = idx
	h.live++

	if h.entryPoint < 0 {
		h.entryPoint = idx
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	// Greedy descent through the layers above the new node's level.
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyClosest(vec, ep, l)
	}

	// Connect at each layer from min(level, maxLevel) down to 0.
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, ep, h.efConstruction, l)
		maxConn := h.m
		if l == 0 {
			maxConn = h.maxM0
		}

		selected := h.selectNeighbors(candidates, h.m)
		node.neighbors[l] = selected
		for _, nb := range selected {
			nbNode := h.nodes[nb]
			nbNode.neighbors[l] = append(nbNode.neighbors[l], idx)
			if len(nbNode.neighbors[l]) > maxConn {
				nbNode.neighbors[l] = h.pruneNeighbors(nbNode.vector, nbNode.neighbors[l], maxConn)
			}
		}
		if len(candidates) > 0 {
			ep = candidates[0].idx
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = idx
	}
	return nil
}

// Remove implements Index.
func (h *HNSW) Remove(serviceID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx, ok := h.byService[serviceID]; ok {
		h.tombstone(idx)
	}
}

func (h *HNSW) tombstone(idx int) {
	node := h.nodes[idx]
	if node.deleted {
		return
	}
	node.deleted = true
	delete(h.byService, node.serviceID)
	h.live--

	// Tombstoned nodes stay navigable so the graph remains connected;
	// they are only excluded from results.
	if h.entryPoint == idx && h.live > 0 {
		for i, n := range h.nodes {
			if !n.deleted {
				h.entryPoint = i
				h.maxLevel = n.level
				break
			}
		}
	} else if h.live == 0 {
		h.entryPoint = -1
		h.maxLevel = 0
	}
}

// TopK implements Index.
func (h *HNSW) TopK(query []float32, limit int) []Candidate {
	if limit <= 0 || len(query) != h.dimension {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint < 0 {
		return nil
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(query, ep, l)
	}

	ef := h.efSearch
	if ef < limit {
		ef = limit
	}
	found := h.searchLayer(query, ep, ef, 0)

	cands := make([]Candidate, 0, len(found))
	for _, f := range found {
		node := h.nodes[f.idx]
		if node.deleted {
			continue
		}
		cands = append(cands, Candidate{
			ServiceID: node.serviceID,
			Score:     NormalizedScore(Cosine(query, node.vector)),
		})
	}
	sortCandidates(cands)
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

// Contains implements Index.
func (h *HNSW) Contains(serviceID int64) (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if idx, ok := h.byService[serviceID]; ok {
		return h.nodes[idx].versionTag, true
	}
	return 0, false
}

// Size implements Index.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Entries implements Index.
func (h *HNSW) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, 0, h.live)
	for _, node := range h.nodes {
		if node.deleted {
			continue
		}
		out = append(out, Entry{
			ServiceID:  node.serviceID,
			VersionTag: node.versionTag,
			Vector:     append([]float32(nil), node.vector...),
		})
	}
	return out
}

// Dimension implements Index.
func (h *HNSW) Dimension() int {
	return h.dimension
}

func (h *HNSW) randomLevel() int {
	level := int(-math.Log(h.rng.Float64()) * h.levelMult)
	const maxLevelCap = 16
	if level > maxLevelCap {
		level = maxLevelCap
	}
	return level
}

// greedyClosest walks layer l toward the query, one best neighbor at a
// time, and returns the local minimum.
func (h *HNSW) greedyClosest(query []float32, start, layer int) int {
	cur := start
	curDist := -Cosine(query, h.nodes[cur].vector)
	for {
		improved := false
		node := h.nodes[cur]
		if layer < len(node.neighbors) {
			for _, nb := range node.neighbors[layer] {
				d := -Cosine(query, h.nodes[nb].vector)
				if d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type scoredIdx struct {
	idx  int
	dist float64
}

type minDistHeap []scoredIdx

func (q minDistHeap) Len() int            { return len(q) }
func (q minDistHeap) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q minDistHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *minDistHeap) Push(x interface{}) { *q = append(*q, x.(scoredIdx)) }
func (q *minDistHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type maxDistHeap []scoredIdx

func (q maxDistHeap) Len() int            { return len(q) }
func (q maxDistHeap) Less(i, j int) bool  { return q[i].dist > q[j].dist }
func (q maxDistHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *maxDistHeap) Push(x interface{}) { *q = append(*q, x.(scoredIdx)) }
func (q *maxDistHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// searchLayer is the standard best-first beam search over one layer.
// Results are returned closest first.
func (h *HNSW) searchLayer(query []float32, entry, ef, layer int) []scoredIdx {
	visited := map[int]bool{entry: true}
	entryDist := -Cosine(query, h.nodes[entry].vector)

	candidates := &minDistHeap{{entry, entryDist}}
	results := &maxDistHeap{{entry, entryDist}}
	heap.Init(candidates)
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scoredIdx)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		node := h.nodes[c.idx]
		if layer >= len(node.neighbors) {
			continue
		}
		for _, nb := range node.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := -Cosine(query, h.nodes[nb].vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, scoredIdx{nb, d})
				heap.Push(results, scoredIdx{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]scoredIdx, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scoredIdx)
	}
	return out
}

// selectNeighbors keeps the m closest candidates.
func (h *HNSW) selectNeighbors(candidates []scoredIdx, m int) []int {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}
	return out
}

// pruneNeighbors trims a neighbor list back to maxConn, keeping the
// closest links.
func (h *HNSW) pruneNeighbors(from []float32, neighbors []int, maxConn int) []int {
	scored := make([]scoredIdx, len(neighbors))
	for i, nb := range neighbors {
		scored[i] = scoredIdx{nb, -Cosine(from, h.nodes[nb].vector)}
	}
	hp := minDistHeap(scored)
	heap.Init(&hp)
	out := make([]int, 0, maxConn)
	for len(out) < maxConn && hp.Len() > 0 {
		out = append(out, heap.Pop(&hp).(scoredIdx).idx)
	}
	return out
}

var _ Index = (*HNSW)(nil)
