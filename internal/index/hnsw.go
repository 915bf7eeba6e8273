package index

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// HNSWOptions tunes the graph. Zero values fall back to defaults.
type HNSWOptions struct {
	M              int // max bidirectional links per node above layer 0
	EfConstruction int // candidate list size during insert
	EfSearch       int // candidate list size during query
}

const (
	defaultM              = 16
	defaultEfConstruction = 128
	defaultEfSearch       = 64
	maxLevel              = 16

	// Segments at or below this many live nodes are scanned exactly.
	// Small firms get exact recall for free; the graph only earns its
	// approximation error once a linear scan would actually cost something.
	flatScanLimit = 256

	// Compact a segment once tombstones exceed this fraction of its nodes.
	compactTombstoneRatio = 0.3
)

// HNSW is an in-memory small-world graph index over party embeddings,
// segmented by firm. Firm scoping is structural: each firm owns its own
// graph, so a query can never cross firms and writes to different firms
// never contend on a lock.
type HNSW struct {
	opts   HNSWOptions
	logger *slog.Logger

	mu       sync.RWMutex // guards the segments map only
	segments map[uuid.UUID]*segment
}

type segment struct {
	mu         sync.RWMutex
	nodes      map[string]*hnswNode    // keyed by entity ID + generation
	live       map[uuid.UUID]*hnswNode // current node per entity
	entryPoint string
	rng        *rand.Rand
	tombstones int
	nextGen    int // monotonic key generation, never reset by compaction
}

type hnswNode struct {
	key       string
	entityID  uuid.UUID
	vector    []float32
	level     int
	neighbors [][]string
	deleted   bool // tombstoned, awaiting compaction
	active    bool // party active flag; inactive nodes stay searchable-through but never surface
}

// NewHNSW creates an empty index.
func NewHNSW(opts HNSWOptions, logger *slog.Logger) *HNSW {
	if opts.M <= 0 {
		opts.M = defaultM
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = defaultEfConstruction
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = defaultEfSearch
	}
	return &HNSW{
		opts:     opts,
		logger:   logger,
		segments: make(map[uuid.UUID]*segment),
	}
}

func (h *HNSW) segmentFor(firmID uuid.UUID, create bool) *segment {
	h.mu.RLock()
	seg := h.segments[firmID]
	h.mu.RUnlock()
	if seg != nil || !create {
		return seg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if seg = h.segments[firmID]; seg == nil {
		seg = &segment{
			nodes: make(map[string]*hnswNode),
			live:  make(map[uuid.UUID]*hnswNode),
			rng:   rand.New(rand.NewSource(int64(firmID.ID()))), //nolint:gosec // level assignment, not security
		}
		h.segments[firmID] = seg
	}
	return seg
}

// Upsert inserts or replaces the entity's vector. Replacement tombstones the
// previous node and inserts a fresh one, so the graph never holds two live
// vectors for one entity.
func (h *HNSW) Upsert(_ context.Context, e Entry) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("index: empty vector for entity %s", e.EntityID)
	}
	seg := h.segmentFor(e.FirmID, true)

	seg.mu.Lock()
	defer seg.mu.Unlock()

	if prev, ok := seg.live[e.EntityID]; ok {
		prev.deleted = true
		seg.tombstones++
		if seg.entryPoint == prev.key {
			seg.electEntryPointLocked()
		}
	}

	gen := seg.nextGen
	seg.nextGen++
	node := &hnswNode{
		key:      fmt.Sprintf("%s#%d", e.EntityID, gen),
		entityID: e.EntityID,
		vector:   e.Vector,
		active:   e.Active,
	}
	seg.insertLocked(node, h.opts)
	seg.live[e.EntityID] = node
	return nil
}

// Remove tombstones the entity's vector in whichever firm segment holds it.
// Removing an unknown entity is a no-op.
func (h *HNSW) Remove(_ context.Context, entityID uuid.UUID) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, seg := range h.segments {
		seg.mu.Lock()
		if node, ok := seg.live[entityID]; ok {
			node.deleted = true
			seg.tombstones++
			delete(seg.live, entityID)
			if seg.entryPoint == node.key {
				seg.electEntryPointLocked()
			}
			seg.mu.Unlock()
			return nil
		}
		seg.mu.Unlock()
	}
	return nil
}

// QueryTopK returns up to k active neighbors in the firm's segment, highest
// similarity first. An empty or missing segment yields an empty result,
// never an error.
func (h *HNSW) QueryTopK(_ context.Context, vector []float32, k int, firmID uuid.UUID) ([]Result, error) {
	if k <= 0 {
		k = 20
	}
	seg := h.segmentFor(firmID, false)
	if seg == nil {
		return nil, nil
	}

	seg.mu.RLock()
	defer seg.mu.RUnlock()

	if len(seg.live) <= flatScanLimit {
		return seg.flatScanLocked(vector, k), nil
	}
	return seg.graphSearchLocked(vector, k, h.opts.EfSearch), nil
}

// Count returns the number of live active vectors in the firm's segment.
func (h *HNSW) Count(_ context.Context, firmID uuid.UUID) (int, error) {
	seg := h.segmentFor(firmID, false)
	if seg == nil {
		return 0, nil
	}
	seg.mu.RLock()
	defer seg.mu.RUnlock()
	n := 0
	for _, node := range seg.live {
		if node.active {
			n++
		}
	}
	return n, nil
}

// Close releases nothing for the in-memory index; it satisfies Index.
func (h *HNSW) Close() error { return nil }

// CompactAll rebuilds any segment whose tombstone fraction exceeds the
// threshold. Called periodically; rebuilding holds only that segment's
// write lock, so other firms keep serving.
func (h *HNSW) CompactAll(ctx context.Context) {
	h.mu.RLock()
	firms := make([]uuid.UUID, 0, len(h.segments))
	for id := range h.segments {
		firms = append(firms, id)
	}
	h.mu.RUnlock()

	for _, firmID := range firms {
		select {
		case <-ctx.Done():
			return
		default:
		}
		seg := h.segmentFor(firmID, false)
		if seg == nil {
			continue
		}
		seg.mu.Lock()
		total := len(seg.nodes)
		if total == 0 || float64(seg.tombstones)/float64(total) < compactTombstoneRatio {
			seg.mu.Unlock()
			continue
		}
		survivors := make([]*hnswNode, 0, len(seg.live))
		for _, node := range seg.live {
			survivors = append(survivors, node)
		}
		seg.nodes = make(map[string]*hnswNode, len(survivors))
		seg.live = make(map[uuid.UUID]*hnswNode, len(survivors))
		seg.entryPoint = ""
		seg.tombstones = 0
		for _, old := range survivors {
			node := &hnswNode{
				key:      old.key,
				entityID: old.entityID,
				vector:   old.vector,
				active:   old.active,
			}
			seg.insertLocked(node, h.opts)
			seg.live[node.entityID] = node
		}
		removed := total - len(survivors)
		seg.mu.Unlock()
		h.logger.Info("index: compacted segment", "firm_id", firmID, "removed", removed, "remaining", len(survivors))
	}
}

// electEntryPointLocked picks any non-tombstoned node as the new entry point.
func (s *segment) electEntryPointLocked() {
	s.entryPoint = ""
	for _, node := range s.nodes {
		if !node.deleted {
			s.entryPoint = node.key
			return
		}
	}
}

// insertLocked wires a node into the layered graph. Caller holds the write lock.
func (s *segment) insertLocked(node *hnswNode, opts HNSWOptions) {
	node.level = s.selectLevel()
	node.neighbors = make([][]string, node.level+1)
	s.nodes[node.key] = node

	if s.entryPoint == "" {
		s.entryPoint = node.key
		return
	}

	entry := s.nodes[s.entryPoint]
	currNearest := []string{s.entryPoint}
	for lc := entry.level; lc > node.level; lc-- {
		currNearest = s.searchLayerLocked(node.vector, currNearest, 1, lc)
	}

	maxM0 := opts.M * 2
	for lc := min(node.level, entry.level); lc >= 0; lc-- {
		m := opts.M
		if lc == 0 {
			m = maxM0
		}
		candidates := s.searchLayerLocked(node.vector, currNearest, opts.EfConstruction, lc)
		neighbors := s.selectNeighborsLocked(node.vector, candidates, m)

		node.neighbors[lc] = append([]string(nil), neighbors...)
		for _, nk := range neighbors {
			s.addConnectionLocked(nk, node.key, lc)
			nb := s.nodes[nk]
			limit := opts.M
			if lc == 0 {
				limit = maxM0
			}
			if lc < len(nb.neighbors) && len(nb.neighbors[lc]) > limit {
				nb.neighbors[lc] = s.selectNeighborsLocked(nb.vector, nb.neighbors[lc], limit)
			}
		}
		currNearest = neighbors
	}

	if node.level > s.nodes[s.entryPoint].level {
		s.entryPoint = node.key
	}
}

// selectLevel assigns a layer with exponential decay, capped.
func (s *segment) selectLevel() int {
	level := 0
	for s.rng.Float64() < 0.5 && level < maxLevel {
		level++
	}
	return level
}

func (s *segment) addConnectionLocked(from, to string, layer int) {
	node, ok := s.nodes[from]
	if !ok || layer >= len(node.neighbors) {
		return
	}
	for _, nk := range node.neighbors[layer] {
		if nk == to {
			return
		}
	}
	node.neighbors[layer] = append(node.neighbors[layer], to)
}

// searchLayerLocked is the greedy beam search within one layer.
// Tombstoned nodes are traversed (their links keep the graph connected)
// but callers filter them from results.
func (s *segment) searchLayerLocked(query []float32, entryPoints []string, ef, layer int) []string {
	visited := make(map[string]bool, ef*4)
	candidates := &distHeap{}
	nearest := &distHeap{} // max-heap via negated distances

	for _, key := range entryPoints {
		node, ok := s.nodes[key]
		if !ok {
			continue
		}
		d := cosineDistance(query, node.vector)
		heap.Push(candidates, heapItem{key: key, dist: d})
		heap.Push(nearest, heapItem{key: key, dist: -d})
		visited[key] = true
	}

	for candidates.Len() > 0 {
		if nearest.Len() >= ef && (*candidates)[0].dist > -(*nearest)[0].dist {
			break
		}
		current := heap.Pop(candidates).(heapItem)
		node := s.nodes[current.key]
		if layer >= len(node.neighbors) {
			continue
		}
		for _, nk := range node.neighbors[layer] {
			if visited[nk] {
				continue
			}
			visited[nk] = true
			nb, ok := s.nodes[nk]
			if !ok {
				continue
			}
			d := cosineDistance(query, nb.vector)
			if nearest.Len() < ef || d < -(*nearest)[0].dist {
				heap.Push(candidates, heapItem{key: nk, dist: d})
				heap.Push(nearest, heapItem{key: nk, dist: -d})
				if nearest.Len() > ef {
					heap.Pop(nearest)
				}
			}
		}
	}

	out := make([]string, nearest.Len())
	for i := nearest.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(nearest).(heapItem).key
	}
	return out
}

func (s *segment) selectNeighborsLocked(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	type pair struct {
		key  string
		dist float32
	}
	pairs := make([]pair, 0, len(candidates))
	for _, key := range candidates {
		node, ok := s.nodes[key]
		if !ok {
			continue
		}
		pairs = append(pairs, pair{key: key, dist: cosineDistance(query, node.vector)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })
	if len(pairs) > m {
		pairs = pairs[:m]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.key
	}
	return out
}

// graphSearchLocked runs the full layered search and assembles results.
// ef is widened past k so that filtering tombstoned and inactive nodes
// rarely starves the result set.
func (s *segment) graphSearchLocked(query []float32, k, ef int) []Result {
	if s.entryPoint == "" {
		return nil
	}
	if ef < k*4 {
		ef = k * 4
	}

	entry := s.nodes[s.entryPoint]
	currNearest := []string{s.entryPoint}
	for layer := entry.level; layer > 0; layer-- {
		currNearest = s.searchLayerLocked(query, currNearest, 1, layer)
	}
	candidateKeys := s.searchLayerLocked(query, currNearest, ef, 0)

	results := make([]Result, 0, k)
	for _, key := range candidateKeys {
		node := s.nodes[key]
		if node == nil || node.deleted || !node.active {
			continue
		}
		results = append(results, Result{
			EntityID:   node.entityID,
			Similarity: similarityFromDistance(cosineDistance(query, node.vector)),
		})
		if len(results) == k {
			break
		}
	}
	sortResults(results)
	return results
}

// flatScanLocked is the exact path for small segments.
func (s *segment) flatScanLocked(query []float32, k int) []Result {
	results := make([]Result, 0, len(s.live))
	for _, node := range s.live {
		if !node.active {
			continue
		}
		results = append(results, Result{
			EntityID:   node.entityID,
			Similarity: similarityFromDistance(cosineDistance(query, node.vector)),
		})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// sortResults orders by similarity descending, entity ID ascending on ties,
// so identical index state always yields identical candidate ordering.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].EntityID.String() < results[j].EntityID.String()
	})
}

func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
	return 1.0 - sim
}

// similarityFromDistance maps cosine distance back to [0, 1] similarity.
// Negative similarities (angle > 90°) clamp to zero; name embeddings that
// far apart carry no conflict signal.
func similarityFromDistance(dist float32) float64 {
	sim := 1.0 - float64(dist)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

type heapItem struct {
	key  string
	dist float32
}

type distHeap []heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
