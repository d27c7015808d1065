package streaming

// BatchReport describes one batch at submission or application.
type BatchReport struct {
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

// TickReport summarizes one loader tick.
type TickReport struct {
	Tick              uint64        `json:"tick"`
	Applied           []BatchReport `json:"applied,omitempty"`
	Submitted         []BatchReport `json:"submitted,omitempty"`
	Marked            int           `json:"marked"`
	BackpressureSkips int           `json:"backpressure_skips"`
	Pending           int           `json:"pending"`
}

// Loads sums outcomes over the applied batches.
func (r TickReport) Loads() (loaded, empty, failed int) {
	for _, b := range r.Applied {
		loaded += b.Loaded
		empty += b.Empty
		failed += b.Failed
	}
	return loaded, empty, failed
}
