package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "seed":
		seedCmd(args)
	case "tombstone":
		tombstoneCmd(args)
	case "ticks":
		ticksCmd(args)
	case "batch":
		batchCmd(args)
	case "state":
		stateCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

commands:
  seed       generate terrain into a map database and commit it
  tombstone  record removals for nodes at a new version
  ticks      print recent tick history from the index database
  batch      print one batch from the index database
  state      fetch the loader bootstrap state from a running server`)
}
