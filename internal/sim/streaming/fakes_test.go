package streaming

import (
	"context"
	"errors"
	"sync"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/clipmap"
	"voxelstream.ai/internal/sim/units"
)

type broadCall struct {
	old, new units.VoxelUnits
}

type fulfillCall struct {
	key   clipmap.NodeKey
	chunk *chunk.Chunk
}

// fakeIndex hands out fresh keys L0(n,0,0) on every near-phase pull unless
// next is set.
type fakeIndex struct {
	broad     []broadCall
	nearCalls int
	pulled    int
	fulfilled []fulfillCall
	nextKey   int32
	next      func(pos units.VoxelUnits) LoadSearch
}

func (f *fakeIndex) BroadPhaseLoadSearch(oldPos, newPos units.VoxelUnits) clipmap.BroadPhaseStats {
	f.broad = append(f.broad, broadCall{old: oldPos, new: newPos})
	return clipmap.BroadPhaseStats{Marked: 1}
}

func (f *fakeIndex) NearPhaseLoadSearch(pos units.VoxelUnits) LoadSearch {
	f.nearCalls++
	if f.next != nil {
		return f.next(pos)
	}
	return &endlessSearch{f: f}
}

func (f *fakeIndex) FulfillPendingLoad(key clipmap.NodeKey, ch *chunk.Chunk) {
	f.fulfilled = append(f.fulfilled, fulfillCall{key: key, chunk: ch})
}

func (f *fakeIndex) fulfilledKeys() []clipmap.NodeKey {
	out := make([]clipmap.NodeKey, len(f.fulfilled))
	for i, c := range f.fulfilled {
		out[i] = c.key
	}
	return out
}

type endlessSearch struct{ f *fakeIndex }

func (s *endlessSearch) Next() (clipmap.LoadCandidate, bool) {
	k := clipmap.Key(0, s.f.nextKey, 0, 0)
	s.f.nextKey++
	s.f.pulled++
	return clipmap.LoadCandidate{Key: k}, true
}

type sliceSearch struct {
	keys []clipmap.NodeKey
	i    int
}

func (s *sliceSearch) Next() (clipmap.LoadCandidate, bool) {
	if s.i >= len(s.keys) {
		return clipmap.LoadCandidate{}, false
	}
	k := s.keys[s.i]
	s.i++
	return clipmap.LoadCandidate{Key: k}, true
}

// manualHandle finishes only when the test says so.
type manualHandle struct {
	fn    func(ctx context.Context) LoadedBatch
	done  chan struct{}
	batch LoadedBatch
	err   error
}

func (h *manualHandle) complete() {
	h.batch = h.fn(context.Background())
	close(h.done)
}

func (h *manualHandle) fail(err error) {
	h.err = err
	close(h.done)
}

func (h *manualHandle) Poll() (LoadedBatch, bool) {
	select {
	case <-h.done:
		return h.batch, true
	default:
		return LoadedBatch{}, false
	}
}

func (h *manualHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *manualHandle) Done() <-chan struct{} { return h.done }

type manualExecutor struct {
	mu      sync.Mutex
	handles []*manualHandle
}

func (e *manualExecutor) Spawn(fn func(ctx context.Context) LoadedBatch) BatchHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := &manualHandle{fn: fn, done: make(chan struct{})}
	e.handles = append(e.handles, h)
	return h
}

func (e *manualExecutor) handle(i int) *manualHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[i]
}

func (e *manualExecutor) spawned() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

// mapReader serves chunks from memory; keys in errs fail.
type mapReader struct {
	mu     sync.Mutex
	chunks map[clipmap.NodeKey]*chunk.Chunk
	errs   map[clipmap.NodeKey]error
	reads  []clipmap.NodeKey
}

func newMapReader() *mapReader {
	return &mapReader{
		chunks: map[clipmap.NodeKey]*chunk.Chunk{},
		errs:   map[clipmap.NodeKey]error{},
	}
}

func (r *mapReader) ReadChunk(ctx context.Context, key clipmap.NodeKey) (*chunk.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, key)
	if err := r.errs[key]; err != nil {
		return nil, err
	}
	return r.chunks[key], nil
}

var errDisk = errors.New("disk I/O error")

func filledChunk(v uint16) *chunk.Chunk {
	ch := chunk.New()
	for i := range ch.Voxels {
		ch.Voxels[i] = v
	}
	_ = ch.Digest()
	return ch
}

func moved(id string, from, to units.VoxelUnits) Witness {
	w := NewWitness(id, from)
	w.Observe(to)
	return w
}
