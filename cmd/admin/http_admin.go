package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"voxelstream.ai/internal/observerproto"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	raw := fs.Bool("json", false, "print the raw bootstrap document")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/v1/observe/bootstrap"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		fmt.Fprintf(os.Stderr, "status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(b)))
		os.Exit(1)
	}
	if *raw {
		fmt.Println(string(b))
		return
	}

	var st observerproto.BootstrapResponse
	if err := json.Unmarshal(b, &st); err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	fmt.Print(formatState(st))
}

func formatState(st observerproto.BootstrapResponse) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tick=%d rate=%dHz pending=%d/%d batch_size=%d levels=%d clip_radius=%g\n",
		st.Tick, st.TickRateHz, st.Pending, st.Loader.MaxPendingLoadTasks,
		st.Loader.LoadBatchSize, st.Clipmap.Levels, st.Clipmap.ClipRadius)

	states := make([]string, 0, len(st.Nodes))
	for s := range st.Nodes {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(&sb, "nodes %-8s %d\n", s, st.Nodes[s])
	}
	for _, w := range st.Witnesses {
		fmt.Fprintf(&sb, "witness %s at (%.1f, %.1f, %.1f)\n", w.ID, w.Pos[0], w.Pos[1], w.Pos[2])
	}
	return sb.String()
}
