package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	d := Defaults()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if d.Loader.LoadBatchSize != 256 || d.Loader.MaxPendingLoadTasks != 16 {
		t.Fatalf("loader defaults: %+v", d.Loader)
	}
	if d.Clipmap.Levels != 3 || d.Clipmap.ClipRadius != 128 {
		t.Fatalf("clipmap defaults: %+v", d.Clipmap)
	}
}

func TestLoad_RepoTuningYAML(t *testing.T) {
	tune, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if tune.TickRateHz != 20 {
		t.Fatalf("tick_rate_hz: got %d", tune.TickRateHz)
	}
	if tune.Storage.RetryInterval != 50*time.Millisecond {
		t.Fatalf("retry_interval: got %v", tune.Storage.RetryInterval)
	}
	if len(tune.Witnesses) != 2 {
		t.Fatalf("witnesses: got %d want 2", len(tune.Witnesses))
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := writeYAML(t, "loader:\n  load_batch_size: 8\n")
	tune, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.Loader.LoadBatchSize != 8 {
		t.Fatalf("load_batch_size: got %d", tune.Loader.LoadBatchSize)
	}
	if tune.Loader.MaxPendingLoadTasks != 16 || tune.Pool.Workers != 4 {
		t.Fatalf("defaults lost: %+v", tune)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	tune, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.TickRateHz != Defaults().TickRateHz {
		t.Fatalf("tick_rate_hz: got %d", tune.TickRateHz)
	}
}

func TestLoad_ZeroLoaderLimitsAreAllowed(t *testing.T) {
	p := writeYAML(t, "loader:\n  load_batch_size: 0\n  max_pending_load_tasks: 0\n")
	tune, err := Load(p)
	if err != nil {
		t.Fatalf("inert loader should load: %v", err)
	}
	if tune.Loader.LoadBatchSize != 0 || tune.Loader.MaxPendingLoadTasks != 0 {
		t.Fatalf("loader: %+v", tune.Loader)
	}
}

func TestLoad_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "tick_rate_hz: 20\nbogus: 1\n",
		"negative batch":   "loader:\n  load_batch_size: -1\n",
		"zero levels":      "clipmap:\n  levels: 0\n",
		"huge clip radius": "clipmap:\n  clip_radius: 1000000000000\n",
		"short vector":     "witnesses:\n  - id: a\n    start: [1, 2]\n",
		"bad duration":     "storage:\n  retry_interval: soon\n",
		"string tick rate": "tick_rate_hz: fast\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VOXELSTREAM_LOADER_LOAD_BATCH_SIZE", "32")
	t.Setenv("VOXELSTREAM_CLIPMAP_CLIP_RADIUS", "64.5")
	t.Setenv("VOXELSTREAM_STORAGE_RETRY_INTERVAL", "2s")
	t.Setenv("VOXELSTREAM_TICK_LOG_DIR", "/tmp/ticks")

	tune, err := Load(writeYAML(t, "loader:\n  load_batch_size: 8\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.Loader.LoadBatchSize != 32 {
		t.Fatalf("env should win over file: got %d", tune.Loader.LoadBatchSize)
	}
	if tune.Clipmap.ClipRadius != 64.5 {
		t.Fatalf("clip_radius: got %v", tune.Clipmap.ClipRadius)
	}
	if tune.Storage.RetryInterval != 2*time.Second {
		t.Fatalf("retry_interval: got %v", tune.Storage.RetryInterval)
	}
	if tune.TickLog.Dir != "/tmp/ticks" {
		t.Fatalf("tick_log.dir: got %q", tune.TickLog.Dir)
	}
}

func TestLoad_EnvOverrideIsValidated(t *testing.T) {
	t.Setenv("VOXELSTREAM_POOL_WORKERS", "0")
	_, err := Load("")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoad_ClipRadiusOverrideIsBounded(t *testing.T) {
	for _, v := range []string{"1e12", "+Inf", "NaN", "1024.5"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("VOXELSTREAM_CLIPMAP_CLIP_RADIUS", v)
			if _, err := Load(""); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
	t.Setenv("VOXELSTREAM_CLIPMAP_CLIP_RADIUS", "1024")
	if _, err := Load(""); err != nil {
		t.Fatalf("max radius should load: %v", err)
	}
}

func TestValidate_DuplicateWitness(t *testing.T) {
	tune := Defaults()
	tune.Witnesses = []ScriptedWitness{{ID: "a"}, {ID: "a"}}
	if err := tune.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestScriptedWitnessPositionAt(t *testing.T) {
	w := ScriptedWitness{ID: "a", Start: [3]float64{1, 2, 3}, Velocity: [3]float64{0.5, 0, -1}}
	p := w.PositionAt(4)
	if p.V.X != 3 || p.V.Y != 2 || p.V.Z != -1 {
		t.Fatalf("position: got %+v", p.V)
	}
}

func TestLoad_ArchiveCredentialsFromEnv(t *testing.T) {
	t.Setenv("VOXELSTREAM_ARCHIVE_ENDPOINT", "127.0.0.1:9000")
	t.Setenv("VOXELSTREAM_ARCHIVE_ACCESS_KEY_ID", "AKID")
	t.Setenv("VOXELSTREAM_ARCHIVE_SECRET_ACCESS_KEY", "secret")

	tune, err := Load(writeYAML(t, "archive:\n  bucket: ticks\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := tune.Archive
	if a.Endpoint != "127.0.0.1:9000" || a.Bucket != "ticks" || a.AccessKeyID != "AKID" || a.SecretAccessKey != "secret" {
		t.Fatalf("archive: %+v", a)
	}
	if a.Workers != 1 || a.Prefix != "voxelstream" {
		t.Fatalf("archive defaults lost: %+v", a)
	}
}

func TestValidate_ArchiveNeedsCredentials(t *testing.T) {
	tune := Defaults()
	tune.Archive.Endpoint = "s3.example.com"
	tune.Archive.Bucket = "ticks"
	if err := tune.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
