package streaming

// Config bounds the work the loader starts. A zero or negative field makes
// the loader inert: broad-phase bookkeeping still runs but nothing is loaded.
type Config struct {
	// LoadBatchSize is the number of nodes requested by one batch.
	LoadBatchSize int `yaml:"load_batch_size" json:"load_batch_size" split_words:"true"`
	// MaxPendingLoadTasks caps the number of outstanding batches.
	MaxPendingLoadTasks int `yaml:"max_pending_load_tasks" json:"max_pending_load_tasks" split_words:"true"`
}

func DefaultConfig() Config {
	return Config{
		LoadBatchSize:       256,
		MaxPendingLoadTasks: 16,
	}
}

func (c Config) active() bool {
	return c.LoadBatchSize > 0 && c.MaxPendingLoadTasks > 0
}
