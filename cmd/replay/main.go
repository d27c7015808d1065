package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/tuning"
)

func main() {
	var (
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning.yaml (loader limits and tick log dir)")
		ticksDir   = flag.String("ticks", "", "tick log dir containing ticks-*.jsonl.zst (default: tick_log.dir from tuning)")
		fromTick   = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick     = flag.Uint64("to_tick", 0, "skip ticks after this one, in every run (inclusive, optional)")
	)
	flag.Parse()

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	dir := strings.TrimSpace(*ticksDir)
	if dir == "" {
		dir = tune.TickLog.Dir
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "missing -ticks")
		os.Exit(2)
	}

	sum, err := verifyDir(dir, tune.Loader, *fromTick, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: files=%d runs=%d ticks=%d batches=%d unknown=%d partial=%v\n",
		sum.Files, sum.Runs, sum.Ticks, sum.Batches, sum.Unknown, sum.Partial)
}

type summary struct {
	Files   int
	Runs    int
	Ticks   int
	Batches int
	Unknown int
	Partial bool
}

// verifyDir checks every tick log in dir. A tick number that does not
// increase starts a new run, as after a server restart. The tick window
// applies to each run; restarts are detected on the unfiltered ticks.
func verifyDir(dir string, cfg streaming.Config, fromTick, toTick uint64) (summary, error) {
	var sum summary
	files, err := persistlog.ListTickFiles(dir)
	if err != nil {
		return sum, err
	}
	if len(files) == 0 {
		return sum, fmt.Errorf("no tick files found in %s", dir)
	}

	var (
		v         *streaming.Verifier
		prev      uint64
		seen      bool
		restarted bool
	)
	finish := func() {
		if v == nil {
			return
		}
		sum.Ticks += v.Ticks
		sum.Batches += v.Batches
		sum.Unknown += v.Unknown
		sum.Partial = sum.Partial || v.Partial()
	}

	for _, path := range files {
		sum.Files++
		err := persistlog.ReadTicks(path, func(r streaming.TickReport) error {
			if seen && r.Tick <= prev {
				restarted = true
			}
			prev, seen = r.Tick, true
			if r.Tick < fromTick || (toTick != 0 && r.Tick > toTick) {
				return nil
			}
			if v == nil || restarted {
				finish()
				v = streaming.NewVerifier(cfg)
				sum.Runs++
				restarted = false
			}
			if err := v.Check(r); err != nil {
				return fmt.Errorf("run %d: %w", sum.Runs, err)
			}
			return nil
		})
		if err != nil {
			return sum, err
		}
	}
	finish()
	return sum, nil
}
