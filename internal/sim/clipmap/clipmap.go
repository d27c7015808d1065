// Package clipmap is the in-memory chunk index. It tracks, per node, whether
// the node's chunk is unknown, waiting for a load, loaded, or known empty.
//
// A ChunkClipMap is not safe for concurrent use; the streaming tick owns it.
package clipmap

import (
	"fmt"
	"math"

	"github.com/tidwall/btree"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/units"
)

type NodeState uint8

const (
	Unloaded NodeState = iota
	Pending
	Loaded
	Empty
)

func (s NodeState) String() string {
	switch s {
	case Unloaded:
		return "UNLOADED"
	case Pending:
		return "PENDING"
	case Loaded:
		return "LOADED"
	case Empty:
		return "EMPTY"
	default:
		return fmt.Sprintf("NodeState(%d)", uint8(s))
	}
}

type Config struct {
	// Levels is the number of hierarchy levels (level 0 = chunks).
	Levels int `yaml:"levels" json:"levels" split_words:"true"`
	// ClipRadius is the level 0 load radius in voxels; level l uses ClipRadius*2^l.
	ClipRadius float64 `yaml:"clip_radius" json:"clip_radius" split_words:"true"`
}

// MaxClipRadius bounds ClipRadius so the per-level box stays small enough to
// walk every tick.
const MaxClipRadius = 1024

func DefaultConfig() Config {
	return Config{Levels: 3, ClipRadius: 128}
}

type node struct {
	key   NodeKey
	state NodeState
	// requested is set once a near-phase search handed the node to a loader.
	requested bool
	chunk     *chunk.Chunk
}

// Stats counts index mutations since creation.
type Stats struct {
	Marked          uint64
	Fulfilled       uint64
	DuplicateLoads  uint64
	UntrackedLoads  uint64
	CandidatesGiven uint64
}

type ChunkClipMap struct {
	cfg   Config
	nodes *btree.BTreeG[*node]
	stats Stats
}

func New(cfg Config) *ChunkClipMap {
	if cfg.Levels <= 0 {
		cfg.Levels = 1
	}
	if cfg.Levels > 16 {
		cfg.Levels = 16
	}
	switch {
	case !(cfg.ClipRadius >= 0):
		cfg.ClipRadius = 0
	case cfg.ClipRadius > MaxClipRadius:
		cfg.ClipRadius = MaxClipRadius
	}
	return &ChunkClipMap{
		cfg: cfg,
		nodes: btree.NewBTreeGOptions(func(a, b *node) bool {
			return a.key.Less(b.key)
		}, btree.Options{NoLocks: true}),
	}
}

func (m *ChunkClipMap) Config() Config { return m.cfg }

func (m *ChunkClipMap) levelRadius(level uint8) float64 {
	return m.cfg.ClipRadius * math.Exp2(float64(level))
}

func (m *ChunkClipMap) inRange(k NodeKey, p units.VoxelUnits) bool {
	r := m.levelRadius(k.Level)
	return k.DistanceSquared(p) <= r*r
}

func (m *ChunkClipMap) get(k NodeKey) (*node, bool) {
	return m.nodes.Get(&node{key: k})
}

func (m *ChunkClipMap) getOrInsert(k NodeKey) *node {
	if n, ok := m.get(k); ok {
		return n
	}
	n := &node{key: k}
	m.nodes.Set(n)
	return n
}

// levelBox is the range of level keys whose boxes may intersect the clip
// sphere around p. Coordinates are clamped to int32.
func (m *ChunkClipMap) levelBox(level uint8, p units.VoxelUnits) (lo, hi NodeKey) {
	r := m.levelRadius(level)
	lo = keyAt(level, p.V.Sub(units.Vec3{X: r, Y: r, Z: r}))
	hi = keyAt(level, p.V.Add(units.Vec3{X: r, Y: r, Z: r}))
	return lo, hi
}

// forEachRow calls fn for every (x, y) row of the box. Counters are int64 so
// a box touching math.MaxInt32 terminates.
func forEachRow(lo, hi NodeKey, fn func(x, y int32)) {
	for x := int64(lo.Coords.X); x <= int64(hi.Coords.X); x++ {
		for y := int64(lo.Coords.Y); y <= int64(hi.Coords.Y); y++ {
			fn(int32(x), int32(y))
		}
	}
}

// forEachInBox calls fn for every level key whose box may intersect the clip
// sphere around p.
func (m *ChunkClipMap) forEachInBox(level uint8, p units.VoxelUnits, fn func(NodeKey)) {
	lo, hi := m.levelBox(level, p)
	forEachRow(lo, hi, func(x, y int32) {
		for z := int64(lo.Coords.Z); z <= int64(hi.Coords.Z); z++ {
			fn(Key(level, x, y, int32(z)))
		}
	})
}

// BroadPhaseStats describes one broad-phase pass.
type BroadPhaseStats struct {
	// Entered counts nodes in range of the new position but not the old one.
	Entered int
	// Marked counts nodes that moved from Unloaded to Pending.
	Marked int
}

// BroadPhaseLoadSearch marks every unloaded node within range of newPos as
// Pending. It performs no I/O.
func (m *ChunkClipMap) BroadPhaseLoadSearch(oldPos, newPos units.VoxelUnits) BroadPhaseStats {
	var st BroadPhaseStats
	for l := m.cfg.Levels - 1; l >= 0; l-- {
		level := uint8(l)
		m.forEachInBox(level, newPos, func(k NodeKey) {
			if !m.inRange(k, newPos) {
				return
			}
			if !m.inRange(k, oldPos) {
				st.Entered++
			}
			n := m.getOrInsert(k)
			if n.state != Unloaded {
				return
			}
			n.state = Pending
			n.requested = false
			st.Marked++
		})
	}
	m.stats.Marked += uint64(st.Marked)
	return st
}

// FulfillPendingLoad stores the result of a load. A nil chunk means storage
// has no data and the node becomes Empty. Repeating the call for the same key
// overwrites the earlier result.
func (m *ChunkClipMap) FulfillPendingLoad(k NodeKey, ch *chunk.Chunk) {
	n, ok := m.get(k)
	switch {
	case !ok:
		n = m.getOrInsert(k)
		m.stats.UntrackedLoads++
	case n.state == Loaded || n.state == Empty:
		m.stats.DuplicateLoads++
	}
	n.requested = false
	n.chunk = ch
	if ch == nil {
		n.state = Empty
	} else {
		n.state = Loaded
	}
	m.stats.Fulfilled++
}

func (m *ChunkClipMap) State(k NodeKey) NodeState {
	if n, ok := m.get(k); ok {
		return n.state
	}
	return Unloaded
}

// Chunk returns the loaded chunk for k, or nil.
func (m *ChunkClipMap) Chunk(k NodeKey) *chunk.Chunk {
	if n, ok := m.get(k); ok {
		return n.chunk
	}
	return nil
}

// Requested reports whether a search already handed k to a loader.
func (m *ChunkClipMap) Requested(k NodeKey) bool {
	n, ok := m.get(k)
	return ok && n.requested
}

func (m *ChunkClipMap) Len() int { return m.nodes.Len() }

// Keys returns all tracked keys in key order.
func (m *ChunkClipMap) Keys() []NodeKey {
	keys := make([]NodeKey, 0, m.nodes.Len())
	m.nodes.Scan(func(n *node) bool {
		keys = append(keys, n.key)
		return true
	})
	return keys
}

// CountByState returns how many tracked nodes are in each state.
func (m *ChunkClipMap) CountByState() map[NodeState]int {
	out := map[NodeState]int{}
	m.nodes.Scan(func(n *node) bool {
		out[n.state]++
		return true
	})
	return out
}

func (m *ChunkClipMap) Stats() Stats { return m.stats }
