package clipmap

import (
	"container/heap"

	"voxelstream.ai/internal/sim/units"
)

// LoadCandidate is one node a near-phase search wants loaded.
type LoadCandidate struct {
	Key NodeKey
	// NearestAncestor is the closest coarser node holding data, if any.
	NearestAncestor NodeKey
	HasAncestor     bool
}

// LoadSearch yields pending nodes near a position, closest first. It is only
// valid until the clipmap is next mutated by anything other than Next.
type LoadSearch struct {
	m     *ChunkClipMap
	queue candidateHeap
}

// NearPhaseLoadSearch starts a search for pending nodes in range of pos that
// no earlier search has handed out. Each call starts over.
func (m *ChunkClipMap) NearPhaseLoadSearch(pos units.VoxelUnits) *LoadSearch {
	s := &LoadSearch{m: m}
	for l := 0; l < m.cfg.Levels; l++ {
		level := uint8(l)
		lo, hi := m.levelBox(level, pos)
		forEachRow(lo, hi, func(x, y int32) {
			m.nodes.Ascend(&node{key: Key(level, x, y, lo.Coords.Z)}, func(n *node) bool {
				k := n.key
				if k.Level != level || k.Coords.X != x || k.Coords.Y != y || k.Coords.Z > hi.Coords.Z {
					return false
				}
				if n.state != Pending || n.requested || !m.inRange(k, pos) {
					return true
				}
				s.queue = append(s.queue, candidate{key: k, dist2: k.DistanceSquared(pos)})
				return true
			})
		})
	}
	heap.Init(&s.queue)
	return s
}

// Next returns the next closest candidate and marks it requested.
func (s *LoadSearch) Next() (LoadCandidate, bool) {
	for s.queue.Len() > 0 {
		c := heap.Pop(&s.queue).(candidate)
		n, ok := s.m.get(c.key)
		if !ok || n.state != Pending || n.requested {
			continue
		}
		n.requested = true
		s.m.stats.CandidatesGiven++
		out := LoadCandidate{Key: c.key}
		out.NearestAncestor, out.HasAncestor = s.m.nearestLoadedAncestor(c.key)
		return out, true
	}
	return LoadCandidate{}, false
}

func (m *ChunkClipMap) nearestLoadedAncestor(k NodeKey) (NodeKey, bool) {
	for p := k.Parent(); int(p.Level) < m.cfg.Levels; p = p.Parent() {
		if n, ok := m.get(p); ok && n.state == Loaded {
			return p, true
		}
	}
	return NodeKey{}, false
}

type candidate struct {
	key   NodeKey
	dist2 float64
}

// candidateHeap orders by distance, then coarser level, then key.
type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.dist2 != b.dist2 {
		return a.dist2 < b.dist2
	}
	if a.key.Level != b.key.Level {
		return a.key.Level > b.key.Level
	}
	return a.key.Less(b.key)
}
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
