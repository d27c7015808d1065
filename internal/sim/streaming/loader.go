// Package streaming keeps chunks near moving witnesses resident. Each tick it
// applies finished loads to the index in submission order, then asks the
// index which nodes each moved witness needs and starts one bounded
// background batch per witness.
package streaming

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/clipmap"
	"voxelstream.ai/internal/sim/iopool"
	"voxelstream.ai/internal/sim/units"
)

// Index is the chunk index the loader drives. It is only touched from the
// goroutine calling Tick.
type Index interface {
	// BroadPhaseLoadSearch marks nodes newly in range as pending.
	BroadPhaseLoadSearch(oldPos, newPos units.VoxelUnits) clipmap.BroadPhaseStats
	// NearPhaseLoadSearch yields pending nodes near pos, closest first.
	NearPhaseLoadSearch(pos units.VoxelUnits) LoadSearch
	// FulfillPendingLoad resolves a node; nil means storage has no data.
	FulfillPendingLoad(key clipmap.NodeKey, ch *chunk.Chunk)
}

// LoadSearch produces load candidates until it reports false. It may never
// end; the loader only pulls a bounded prefix.
type LoadSearch interface {
	Next() (clipmap.LoadCandidate, bool)
}

// ChunkReader reads a node's chunk from storage. A nil chunk with a nil error
// means there is no data. Must be safe for concurrent use.
type ChunkReader interface {
	ReadChunk(ctx context.Context, key clipmap.NodeKey) (*chunk.Chunk, error)
}

// Executor runs batches in the background. Spawn must not block.
type Executor interface {
	Spawn(fn func(ctx context.Context) LoadedBatch) BatchHandle
}

// BatchHandle is polled by the tick without blocking.
type BatchHandle interface {
	Poll() (LoadedBatch, bool)
	// Err is non-nil when the unit failed as a whole (e.g. panicked).
	Err() error
	Done() <-chan struct{}
}

// Read is one node's load result.
type Read struct {
	Key   clipmap.NodeKey
	Chunk *chunk.Chunk
	Err   error
}

// LoadedBatch holds reads in candidate order.
type LoadedBatch struct {
	Reads []Read
}

type clipMapIndex struct {
	*clipmap.ChunkClipMap
}

func (c clipMapIndex) NearPhaseLoadSearch(pos units.VoxelUnits) LoadSearch {
	return c.ChunkClipMap.NearPhaseLoadSearch(pos)
}

// ClipMapIndex adapts a ChunkClipMap to Index.
func ClipMapIndex(m *clipmap.ChunkClipMap) Index {
	return clipMapIndex{ChunkClipMap: m}
}

type poolExecutor struct {
	pool *iopool.Pool
}

func (e poolExecutor) Spawn(fn func(ctx context.Context) LoadedBatch) BatchHandle {
	return iopool.Spawn(e.pool, fn)
}

// PoolExecutor runs batches on an iopool.Pool.
func PoolExecutor(p *iopool.Pool) Executor {
	return poolExecutor{pool: p}
}

type Loader struct {
	cfg    Config
	index  Index
	reader ChunkReader
	exec   Executor
	log    logrus.FieldLogger

	queue  pendingLoadTasks
	tick   uint64
	closed bool
	now    func() time.Time
}

func NewLoader(cfg Config, index Index, reader ChunkReader, exec Executor, logger logrus.FieldLogger) *Loader {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	if !cfg.active() {
		logger.WithFields(logrus.Fields{
			"load_batch_size":        cfg.LoadBatchSize,
			"max_pending_load_tasks": cfg.MaxPendingLoadTasks,
		}).Warn("streaming loader is inert")
	}
	return &Loader{
		cfg:    cfg,
		index:  index,
		reader: reader,
		exec:   exec,
		log:    logger,
		now:    time.Now,
	}
}

func (l *Loader) Config() Config { return l.cfg }

// PendingLoadTasks is the number of outstanding batches.
func (l *Loader) PendingLoadTasks() int { return l.queue.Len() }

// Tick applies every finished batch at the head of the queue, then expands
// the load frontier of each witness that has a previous position. Witnesses
// are visited in ID order. Tick must not be called concurrently.
func (l *Loader) Tick(witnesses []Witness) TickReport {
	start := l.now()
	l.tick++
	r := TickReport{Tick: l.tick}
	if l.closed {
		return r
	}

	l.drain(&r)

	order := make([]int, len(witnesses))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return witnesses[order[a]].ID < witnesses[order[b]].ID
	})
	for _, i := range order {
		l.expand(&witnesses[i], &r)
	}

	r.Pending = l.queue.Len()
	metrics.StreamPendingLoadTasks.Set(float64(r.Pending))
	metrics.StreamTickDurationSeconds.Observe(l.now().Sub(start).Seconds())
	return r
}

// drain applies ready batches in queue order and stops at the first batch
// that is still running.
func (l *Loader) drain(r *TickReport) {
	for {
		t, ok := l.queue.PopFront()
		if !ok {
			return
		}
		batch, ready := t.handle.Poll()
		if !ready {
			l.queue.PushFront(t)
			return
		}
		r.Applied = append(r.Applied, l.apply(t, batch))
	}
}

// apply fulfills every key of t, in candidate order. Keys without a usable
// read are fulfilled as empty so no node is left pending.
func (l *Loader) apply(t *pendingLoad, batch LoadedBatch) BatchReport {
	br := BatchReport{
		ID:            t.id.String(),
		Witness:       t.witness,
		Size:          len(t.keys),
		SubmittedTick: t.submittedTick,
		AppliedTick:   l.tick,
	}
	log := l.log.WithFields(logrus.Fields{
		"tick":     l.tick,
		"batch_id": br.ID,
		"witness":  t.witness,
	})

	unitErr := t.handle.Err()
	if unitErr != nil {
		br.Failed = len(t.keys)
		br.UnitFailed = true
		metrics.StreamBatchPanicsTotal.Inc()
		log.WithError(unitErr).Error("load batch failed; clearing its pending nodes")
	}

	for i, k := range t.keys {
		if unitErr != nil {
			l.index.FulfillPendingLoad(k, nil)
			metrics.StreamLoadsTotal.WithLabelValues("failed").Inc()
			continue
		}
		if i >= len(batch.Reads) || batch.Reads[i].Key != k {
			br.Failed++
			metrics.StreamLoadsTotal.WithLabelValues("failed").Inc()
			log.WithField("key", k.String()).Warn("load batch returned no read for node; treating as empty")
			l.index.FulfillPendingLoad(k, nil)
			continue
		}
		rd := batch.Reads[i]
		switch {
		case rd.Err != nil:
			br.Failed++
			metrics.StreamLoadsTotal.WithLabelValues("failed").Inc()
			log.WithField("key", k.String()).WithError(rd.Err).Warn("chunk read failed; treating as empty")
			l.index.FulfillPendingLoad(k, nil)
		case rd.Chunk == nil:
			br.Empty++
			metrics.StreamLoadsTotal.WithLabelValues("empty").Inc()
			l.index.FulfillPendingLoad(k, nil)
		default:
			br.Loaded++
			metrics.StreamLoadsTotal.WithLabelValues("loaded").Inc()
			l.index.FulfillPendingLoad(k, rd.Chunk)
		}
	}

	metrics.StreamBatchesAppliedTotal.Inc()
	metrics.StreamBatchLatencySeconds.Observe(l.now().Sub(t.submittedAt).Seconds())
	log.WithFields(logrus.Fields{
		"loaded": br.Loaded,
		"empty":  br.Empty,
		"failed": br.Failed,
	}).Debug("applied load batch")
	return br
}

// expand runs the broad phase for w and, when the pending cap allows, submits
// one batch of the closest candidates.
func (l *Loader) expand(w *Witness, r *TickReport) {
	if w.Previous == nil {
		return
	}
	st := l.index.BroadPhaseLoadSearch(*w.Previous, w.Position)
	r.Marked += st.Marked

	if !l.cfg.active() {
		return
	}
	if l.queue.Len() >= l.cfg.MaxPendingLoadTasks {
		r.BackpressureSkips++
		metrics.StreamBackpressureSkipsTotal.Inc()
		return
	}

	keys := takeCandidates(l.index.NearPhaseLoadSearch(w.Position), l.cfg.LoadBatchSize)
	if len(keys) == 0 {
		return
	}

	reader := l.reader
	t := &pendingLoad{
		id:            uuid.New(),
		witness:       w.ID,
		keys:          keys,
		submittedTick: l.tick,
		submittedAt:   l.now(),
	}
	t.handle = l.exec.Spawn(func(ctx context.Context) LoadedBatch {
		return readBatch(ctx, reader, keys)
	})
	l.queue.Push(t)

	r.Submitted = append(r.Submitted, BatchReport{
		ID:            t.id.String(),
		Witness:       w.ID,
		Size:          len(keys),
		SubmittedTick: l.tick,
	})
	metrics.StreamBatchesSubmittedTotal.Inc()
	metrics.StreamBatchSize.Observe(float64(len(keys)))
	l.log.WithFields(logrus.Fields{
		"tick":     l.tick,
		"batch_id": t.id.String(),
		"witness":  w.ID,
		"size":     len(keys),
		"marked":   st.Marked,
	}).Debug("submitted load batch")
}

// takeCandidates copies at most n keys out of s so the search is not held
// across the async boundary.
func takeCandidates(s LoadSearch, n int) []clipmap.NodeKey {
	var keys []clipmap.NodeKey
	for len(keys) < n {
		c, ok := s.Next()
		if !ok {
			break
		}
		keys = append(keys, c.Key)
	}
	return keys
}

func readBatch(ctx context.Context, reader ChunkReader, keys []clipmap.NodeKey) LoadedBatch {
	reads := make([]Read, len(keys))
	for i, k := range keys {
		ch, err := reader.ReadChunk(ctx, k)
		reads[i] = Read{Key: k, Chunk: ch, Err: err}
	}
	return LoadedBatch{Reads: reads}
}

// Close waits for every outstanding batch and applies it, so no node stays
// pending. The drain is reported as one final tick. Later ticks do nothing.
// It returns ctx.Err() if ctx ends first; the unfinished batches stay queued.
func (l *Loader) Close(ctx context.Context) (TickReport, error) {
	l.tick++
	r := TickReport{Tick: l.tick}
	l.closed = true
	for {
		l.drain(&r)
		t, ok := l.queue.front()
		if !ok {
			break
		}
		select {
		case <-t.handle.Done():
		case <-ctx.Done():
			r.Pending = l.queue.Len()
			return r, ctx.Err()
		}
	}
	metrics.StreamPendingLoadTasks.Set(0)
	l.log.WithField("applied_batches", len(r.Applied)).Info("streaming loader closed")
	return r, nil
}
