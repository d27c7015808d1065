package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"voxelstream.ai/internal/persistence/mapdb"
	"voxelstream.ai/internal/sim/clipmap"
	"voxelstream.ai/internal/sim/logic/mathx"
	"voxelstream.ai/internal/sim/terrain"
	"voxelstream.ai/internal/sim/tuning"
)

const writeChunkSize = 256

type seedOptions struct {
	Levels  int
	Radius  int // chunks around the origin on x and z
	Height  int // chunk layers from y=0 up
	Version uint64
}

type seedStats struct {
	Nodes   int
	Written int
	Air     int
}

func seedCmd(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "tuning.yaml (db path and clipmap levels)")
	dbPath := fs.String("db", "", "map db path (default: storage.path from tuning)")
	seed := fs.Int64("seed", 1337, "terrain seed")
	radius := fs.Int("radius", 8, "chunk radius around the origin (x/z)")
	height := fs.Int("height", 6, "chunk layers from y=0")
	version := fs.Uint64("version", 0, "version to write (default: working version + 1)")
	_ = fs.Parse(args)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = tune.Storage.Path
	}
	if *radius <= 0 || *height <= 0 {
		fmt.Fprintln(os.Stderr, "-radius and -height must be > 0")
		os.Exit(2)
	}

	db, err := mapdb.Open(path, 1)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	v := *version
	if v == 0 {
		v = db.WorkingVersion() + 1
	}

	start := time.Now()
	gen := terrain.New(terrain.DefaultConfig(*seed))
	st, err := seedNodes(context.Background(), db, gen, seedOptions{
		Levels:  tune.Clipmap.Levels,
		Radius:  *radius,
		Height:  *height,
		Version: v,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
	fmt.Printf("seed ok: db=%s seed=%d version=%d nodes=%d written=%d air=%d took=%s\n",
		path, *seed, v, st.Nodes, st.Written, st.Air, time.Since(start).Round(time.Millisecond))
}

// seedNodes writes every node of every level covering the seeded box and
// commits opt.Version. All-air nodes are not stored so they load as empty.
func seedNodes(ctx context.Context, db *mapdb.MapDb, gen *terrain.Generator, opt seedOptions) (seedStats, error) {
	var st seedStats
	air := gen.Config().Palette.Air
	batch := make([]mapdb.Change, 0, writeChunkSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := db.WriteChanges(ctx, opt.Version, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for l := 0; l < opt.Levels; l++ {
		span := 1 << l
		lo := mathx.FloorDiv(-opt.Radius, span)
		hi := mathx.FloorDiv(opt.Radius-1, span)
		top := mathx.FloorDiv(opt.Height-1, span)
		for x := lo; x <= hi; x++ {
			for y := 0; y <= top; y++ {
				for z := lo; z <= hi; z++ {
					k := clipmap.Key(uint8(l), int32(x), int32(y), int32(z))
					st.Nodes++
					ch := gen.Generate(k)
					if ch.IsEmpty(air) {
						st.Air++
						continue
					}
					c := ch.Compress()
					batch = append(batch, mapdb.Change{Key: k, Chunk: &c})
					st.Written++
					if len(batch) == writeChunkSize {
						if err := flush(); err != nil {
							return st, err
						}
					}
				}
			}
		}
	}
	if err := flush(); err != nil {
		return st, err
	}
	if err := db.CommitVersion(ctx, opt.Version); err != nil {
		return st, err
	}
	return st, nil
}

func tombstoneCmd(args []string) {
	fs := flag.NewFlagSet("tombstone", flag.ExitOnError)
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "tuning.yaml (db path)")
	dbPath := fs.String("db", "", "map db path (default: storage.path from tuning)")
	version := fs.Uint64("version", 0, "version to write (default: working version + 1)")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin tombstone [flags] level,x,y,z ...")
		os.Exit(2)
	}
	var changes []mapdb.Change
	for _, a := range fs.Args() {
		k, err := parseKey(a)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad key:", err)
			os.Exit(2)
		}
		changes = append(changes, mapdb.Change{Key: k})
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		tune, err := tuning.Load(*tuningPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		path = tune.Storage.Path
	}
	db, err := mapdb.Open(path, 1)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	v := *version
	if v == 0 {
		v = db.WorkingVersion() + 1
	}
	ctx := context.Background()
	if err := db.WriteChanges(ctx, v, changes); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	if err := db.CommitVersion(ctx, v); err != nil {
		fmt.Fprintln(os.Stderr, "commit:", err)
		os.Exit(1)
	}
	fmt.Printf("tombstone ok: version=%d nodes=%d\n", v, len(changes))
}

// parseKey parses "level,x,y,z".
func parseKey(s string) (clipmap.NodeKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 4 {
		return clipmap.NodeKey{}, fmt.Errorf("expected level,x,y,z: %q", s)
	}
	level, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 8)
	if err != nil {
		return clipmap.NodeKey{}, fmt.Errorf("level: %w", err)
	}
	var c [3]int32
	for i := range c {
		n, err := strconv.ParseInt(strings.TrimSpace(parts[i+1]), 10, 32)
		if err != nil {
			return clipmap.NodeKey{}, fmt.Errorf("coord %d: %w", i, err)
		}
		c[i] = int32(n)
	}
	return clipmap.Key(uint8(level), c[0], c[1], c[2]), nil
}
