package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"voxelstream.ai/internal/observerproto"
	"voxelstream.ai/internal/sim/clipmap"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/tuning"
)

// tickSink receives every tick report, in tick order.
type tickSink interface {
	RecordTick(streaming.TickReport)
}

// stateSink receives the bootstrap snapshot after each tick.
type stateSink interface {
	SetState(observerproto.BootstrapResponse)
}

// streamer owns the tick goroutine: it moves the scripted witnesses, ticks the
// loader and fans the report out.
type streamer struct {
	tune   tuning.Tuning
	loader *streaming.Loader
	clip   *clipmap.ChunkClipMap
	log    logrus.FieldLogger

	scripts   []tuning.ScriptedWitness
	witnesses []streaming.Witness
	sinks     []tickSink
	state     stateSink

	tick uint64
}

func newStreamer(tune tuning.Tuning, loader *streaming.Loader, clip *clipmap.ChunkClipMap, logger logrus.FieldLogger) *streamer {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	s := &streamer{
		tune:    tune,
		loader:  loader,
		clip:    clip,
		log:     logger,
		scripts: tune.Witnesses,
	}
	for _, w := range tune.Witnesses {
		s.witnesses = append(s.witnesses, streaming.NewWitness(w.ID, w.PositionAt(0)))
	}
	return s
}

func (s *streamer) addSink(k tickSink) {
	if k != nil {
		s.sinks = append(s.sinks, k)
	}
}

func (s *streamer) step() streaming.TickReport {
	s.tick++
	for i := range s.witnesses {
		s.witnesses[i].Observe(s.scripts[i].PositionAt(s.tick))
	}
	r := s.loader.Tick(s.witnesses)
	s.publish(r)
	return r
}

func (s *streamer) publish(r streaming.TickReport) {
	for _, k := range s.sinks {
		k.RecordTick(r)
	}
	if s.state != nil {
		s.state.SetState(s.bootstrap(r))
	}
}

func (s *streamer) bootstrap(r streaming.TickReport) observerproto.BootstrapResponse {
	cfg := s.loader.Config()
	cc := s.clip.Config()
	nodes := map[string]int{}
	for st, n := range s.clip.CountByState() {
		nodes[st.String()] = n
	}
	ws := make([]observerproto.WitnessState, 0, len(s.witnesses))
	for _, w := range s.witnesses {
		ws = append(ws, observerproto.WitnessState{ID: w.ID, Pos: [3]float64{w.Position.V.X, w.Position.V.Y, w.Position.V.Z}})
	}
	return observerproto.BootstrapResponse{
		Tick:       r.Tick,
		TickRateHz: s.tune.TickRateHz,
		Loader: observerproto.LoaderParams{
			LoadBatchSize:       cfg.LoadBatchSize,
			MaxPendingLoadTasks: cfg.MaxPendingLoadTasks,
		},
		Clipmap:   observerproto.ClipmapParams{Levels: cc.Levels, ClipRadius: cc.ClipRadius},
		Witnesses: ws,
		Nodes:     nodes,
		Pending:   r.Pending,
	}
}

// run ticks at the configured rate until ctx ends.
func (s *streamer) run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.tune.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			r := s.step()
			if d := time.Since(start); d > interval {
				s.log.WithFields(logrus.Fields{"tick": r.Tick, "took": d}).Warn("tick overran its interval")
			}
		}
	}
}

// close drains the loader and publishes the final report.
func (s *streamer) close(ctx context.Context) error {
	r, err := s.loader.Close(ctx)
	s.publish(r)
	if err != nil {
		s.log.WithError(err).WithField("pending", r.Pending).Error("loader did not drain before shutdown")
		return err
	}
	return nil
}
