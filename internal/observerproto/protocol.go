// Package observerproto defines the JSON messages of the loader observer
// endpoint: a bootstrap document over HTTP and a tick stream over websocket.
package observerproto

// Version is the observer protocol version.
const Version = "0.2"

// Client -> Server. First message on the websocket; may be re-sent to change
// the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Witnesses limits batch entries to these witness ids; empty means all.
	Witnesses []string `json:"witnesses,omitempty"`
	// IncludeIdle also delivers ticks without batch activity.
	IncludeIdle bool `json:"include_idle,omitempty"`
}

// HTTP response for GET /v1/observe/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	TickRateHz      int            `json:"tick_rate_hz"`
	Loader          LoaderParams   `json:"loader"`
	Clipmap         ClipmapParams  `json:"clipmap"`
	Witnesses       []WitnessState `json:"witnesses"`
	Nodes           map[string]int `json:"nodes"`
	Pending         int            `json:"pending"`
}

type LoaderParams struct {
	LoadBatchSize       int `json:"load_batch_size"`
	MaxPendingLoadTasks int `json:"max_pending_load_tasks"`
}

type ClipmapParams struct {
	Levels     int     `json:"levels"`
	ClipRadius float64 `json:"clip_radius"`
}

type WitnessState struct {
	ID  string     `json:"id"`
	Pos [3]float64 `json:"pos"`
}

// Server -> Client. One per tick.
type TickMsg struct {
	Type              string     `json:"type"`
	ProtocolVersion   string     `json:"protocol_version"`
	Tick              uint64     `json:"tick"`
	Applied           []BatchMsg `json:"applied,omitempty"`
	Submitted         []BatchMsg `json:"submitted,omitempty"`
	Marked            int        `json:"marked"`
	BackpressureSkips int        `json:"backpressure_skips"`
	Pending           int        `json:"pending"`
}

type BatchMsg struct {
	ID            string `json:"id"`
	Witness       string `json:"witness"`
	Size          int    `json:"size"`
	SubmittedTick uint64 `json:"submitted_tick"`
	AppliedTick   uint64 `json:"applied_tick,omitempty"`
	Loaded        int    `json:"loaded,omitempty"`
	Empty         int    `json:"empty,omitempty"`
	Failed        int    `json:"failed,omitempty"`
	UnitFailed    bool   `json:"unit_failed,omitempty"`
}
