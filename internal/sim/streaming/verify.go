package streaming

import "fmt"

// Verifier checks a stream of tick reports against the loader's guarantees:
// batches are applied in submission order, no batch exceeds the batch size,
// the pending count never exceeds the cap, and every key of an applied batch
// is accounted for. Feed it reports in tick order; idle ticks may be missing.
type Verifier struct {
	cfg Config

	started     bool
	lastTick    uint64
	outstanding []string
	seen        map[string]bool
	// partial is set when batches were already outstanding before the first
	// report, e.g. a log that starts mid-run.
	partial bool

	Ticks   int
	Batches int
	Unknown int
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg, seen: map[string]bool{}}
}

// Partial reports whether the history began with batches already in flight.
func (v *Verifier) Partial() bool { return v.partial }

func (v *Verifier) Check(r TickReport) error {
	if v.started && r.Tick <= v.lastTick {
		return fmt.Errorf("tick %d after tick %d", r.Tick, v.lastTick)
	}
	if !v.started {
		v.partial = r.Pending-len(r.Submitted)+len(r.Applied) > 0
		v.started = true
	}
	v.lastTick = r.Tick
	v.Ticks++

	for _, b := range r.Applied {
		if !v.seen[b.ID] {
			if !v.partial {
				return fmt.Errorf("tick %d: batch %s applied but never submitted", r.Tick, b.ID)
			}
			v.Unknown++
			continue
		}
		if len(v.outstanding) == 0 || v.outstanding[0] != b.ID {
			return fmt.Errorf("tick %d: batch %s applied out of submission order", r.Tick, b.ID)
		}
		v.outstanding = v.outstanding[1:]
		if b.UnitFailed && b.Failed != b.Size {
			return fmt.Errorf("tick %d: failed batch %s cleared %d of %d nodes", r.Tick, b.ID, b.Failed, b.Size)
		}
		if got := b.Loaded + b.Empty + b.Failed; got != b.Size {
			return fmt.Errorf("tick %d: batch %s resolved %d of %d nodes", r.Tick, b.ID, got, b.Size)
		}
	}

	for _, b := range r.Submitted {
		if v.seen[b.ID] {
			return fmt.Errorf("tick %d: batch %s submitted twice", r.Tick, b.ID)
		}
		if b.Size == 0 {
			return fmt.Errorf("tick %d: empty batch %s", r.Tick, b.ID)
		}
		if v.cfg.LoadBatchSize > 0 && b.Size > v.cfg.LoadBatchSize {
			return fmt.Errorf("tick %d: batch %s has %d nodes, limit %d", r.Tick, b.ID, b.Size, v.cfg.LoadBatchSize)
		}
		v.seen[b.ID] = true
		v.outstanding = append(v.outstanding, b.ID)
		v.Batches++
	}

	if v.cfg.MaxPendingLoadTasks > 0 && r.Pending > v.cfg.MaxPendingLoadTasks {
		return fmt.Errorf("tick %d: %d pending batches, cap %d", r.Tick, r.Pending, v.cfg.MaxPendingLoadTasks)
	}
	if !v.partial && r.Pending != len(v.outstanding) {
		return fmt.Errorf("tick %d: report says %d pending, history says %d", r.Tick, r.Pending, len(v.outstanding))
	}
	return nil
}
