// Package tuning loads the runtime knobs of the streaming server: a YAML file
// checked against an embedded JSON schema, then overridden from VOXELSTREAM_*
// environment variables.
package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/sim/clipmap"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/units"
)

// EnvPrefix prefixes every environment override, e.g.
// VOXELSTREAM_LOADER_LOAD_BATCH_SIZE.
const EnvPrefix = "VOXELSTREAM"

var ErrInvalid = errors.New("invalid tuning")

//go:embed tuning.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("tuning.schema.json", schemaJSON)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz" split_words:"true"`

	Loader   streaming.Config `yaml:"loader"`
	Clipmap  clipmap.Config   `yaml:"clipmap"`
	Storage  Storage          `yaml:"storage"`
	Pool     Pool             `yaml:"pool"`
	Observer Observer         `yaml:"observer"`
	TickLog  TickLog          `yaml:"tick_log" split_words:"true"`
	Archive  Archive          `yaml:"archive"`

	Witnesses []ScriptedWitness `yaml:"witnesses" ignored:"true"`
}

type Storage struct {
	Path          string        `yaml:"path" split_words:"true"`
	Readers       int           `yaml:"readers" split_words:"true"`
	ReadRetries   int           `yaml:"read_retries" split_words:"true"`
	RetryInterval time.Duration `yaml:"retry_interval" split_words:"true"`
}

type Pool struct {
	Workers int `yaml:"workers" split_words:"true"`
}

type Observer struct {
	// MaxClients caps websocket subscribers; 0 disables the endpoint.
	MaxClients int `yaml:"max_clients" split_words:"true"`
	SendBuffer int `yaml:"send_buffer" split_words:"true"`
}

type TickLog struct {
	// Dir receives hourly ticks/*.jsonl.zst files; empty disables the log.
	Dir string `yaml:"dir" split_words:"true"`
}

// Archive mirrors closed tick log files to an S3-compatible bucket.
type Archive struct {
	// Endpoint is host[:port] or a URL; empty disables the mirror.
	Endpoint        string `yaml:"endpoint" split_words:"true"`
	Bucket          string `yaml:"bucket" split_words:"true"`
	Prefix          string `yaml:"prefix" split_words:"true"`
	AccessKeyID     string `yaml:"access_key_id" split_words:"true"`
	SecretAccessKey string `yaml:"secret_access_key" split_words:"true"`
	Workers         int    `yaml:"workers" split_words:"true"`
	Queue           int    `yaml:"queue" split_words:"true"`
}

// ScriptedWitness moves in a straight line from Start at Velocity voxels per
// tick. It stands in for real player tracking in the demo server.
type ScriptedWitness struct {
	ID       string     `yaml:"id"`
	Start    [3]float64 `yaml:"start"`
	Velocity [3]float64 `yaml:"velocity"`
}

// PositionAt is the witness position after tick ticks.
func (w ScriptedWitness) PositionAt(tick uint64) units.VoxelUnits {
	t := float64(tick)
	return units.Voxels(
		w.Start[0]+w.Velocity[0]*t,
		w.Start[1]+w.Velocity[1]*t,
		w.Start[2]+w.Velocity[2]*t,
	)
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz: 20,
		Loader:     streaming.DefaultConfig(),
		Clipmap:    clipmap.DefaultConfig(),
		Storage: Storage{
			Path:          "./data/map.sqlite",
			Readers:       4,
			ReadRetries:   3,
			RetryInterval: 50 * time.Millisecond,
		},
		Pool:     Pool{Workers: 4},
		Observer: Observer{MaxClients: 16, SendBuffer: 64},
		TickLog:  TickLog{Dir: "./data/ticks"},
		Archive:  Archive{Prefix: "voxelstream", Workers: 1, Queue: 256},
		Witnesses: []ScriptedWitness{
			{ID: "w1", Start: [3]float64{8, 40, 8}, Velocity: [3]float64{0.5, 0, 0.25}},
		},
	}
}

// Load reads path over Defaults() and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := validateSchema(raw); err != nil {
			return t, fmt.Errorf("tuning.yaml: %w", err)
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("tuning.yaml: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &t); err != nil {
		return t, fmt.Errorf("tuning env: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so numbers reach the validator as json.Number.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Validate checks the values the schema cannot see, including env overrides.
// Zero loader limits are allowed and make the loader inert.
func (t Tuning) Validate() error {
	var problems []string
	if t.TickRateHz <= 0 {
		problems = append(problems, "tick_rate_hz must be > 0")
	}
	if t.Loader.LoadBatchSize < 0 || t.Loader.MaxPendingLoadTasks < 0 {
		problems = append(problems, "loader limits must be >= 0")
	}
	if t.Clipmap.Levels < 1 || t.Clipmap.Levels > 16 {
		problems = append(problems, "clipmap.levels must be in [1,16]")
	}
	if r := t.Clipmap.ClipRadius; !(r > 0 && r <= clipmap.MaxClipRadius) {
		problems = append(problems, fmt.Sprintf("clipmap.clip_radius must be in (0,%d]", clipmap.MaxClipRadius))
	}
	if strings.TrimSpace(t.Storage.Path) == "" {
		problems = append(problems, "storage.path is required")
	}
	if t.Storage.Readers < 1 {
		problems = append(problems, "storage.readers must be >= 1")
	}
	if t.Storage.ReadRetries < 0 || t.Storage.RetryInterval < 0 {
		problems = append(problems, "storage retry settings must be >= 0")
	}
	if t.Pool.Workers < 1 {
		problems = append(problems, "pool.workers must be >= 1")
	}
	if strings.TrimSpace(t.Archive.Endpoint) != "" {
		a := t.Archive
		if strings.TrimSpace(a.Bucket) == "" || strings.TrimSpace(a.AccessKeyID) == "" || strings.TrimSpace(a.SecretAccessKey) == "" {
			problems = append(problems, "archive needs bucket and credentials when endpoint is set")
		}
		if strings.TrimSpace(t.TickLog.Dir) == "" {
			problems = append(problems, "archive needs tick_log.dir")
		}
	}
	seen := map[string]bool{}
	for _, w := range t.Witnesses {
		id := strings.TrimSpace(w.ID)
		if id == "" {
			problems = append(problems, "witness id is required")
			continue
		}
		if seen[id] {
			problems = append(problems, "duplicate witness id "+id)
		}
		seen[id] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
