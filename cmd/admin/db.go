package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"voxelstream.ai/internal/persistence/indexdb"
)

func openIndex(path string) *indexdb.SQLiteIndex {
	idx, err := indexdb.OpenSQLite(path, 1, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return idx
}

func ticksCmd(args []string) {
	fs := flag.NewFlagSet("ticks", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index.sqlite", "index db path")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	idx := openIndex(*dbPath)
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rows, err := idx.RecentTicks(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range rows {
		_ = enc.Encode(r)
	}
}

func batchCmd(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index.sqlite", "index db path")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin batch [-db path] <batch-id>")
		os.Exit(2)
	}
	idx := openIndex(*dbPath)
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	row, ok, err := idx.Batch(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "batch not found")
		os.Exit(1)
	}
	_ = json.NewEncoder(os.Stdout).Encode(row)
}
