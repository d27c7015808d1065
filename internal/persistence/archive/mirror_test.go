package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
	block    chan struct{}
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("503 slow down")
	}
	f.keys = append(f.keys, key)
	return nil
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestMirrorUploadsWithPrefixedKeys(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	m := NewMirror(up, Config{BaseDir: dir, Prefix: "/runs/a/", RetryWait: time.Millisecond}, nil)
	m.Enqueue(touch(t, dir, "ticks-2026-01-02T03.jsonl.zst"))
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "runs/a/ticks-2026-01-02T03.jsonl.zst" {
		t.Fatalf("keys=%v", up.keys)
	}
	if s := m.Stats(); s.Uploaded != 1 || s.Enqueued != 1 || s.Failed != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestMirrorRetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{failures: 2}
	m := NewMirror(up, Config{BaseDir: dir, Retries: 3, RetryWait: time.Millisecond}, nil)
	m.Enqueue(touch(t, dir, "a.jsonl.zst"))
	m.Close()

	if up.calls != 3 || len(up.keys) != 1 {
		t.Fatalf("calls=%d keys=%v", up.calls, up.keys)
	}
}

func TestMirrorGivesUpAfterRetries(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{failures: 10}
	m := NewMirror(up, Config{BaseDir: dir, Retries: 1, RetryWait: time.Millisecond}, nil)
	m.Enqueue(touch(t, dir, "a.jsonl.zst"))
	m.Close()

	if up.calls != 2 {
		t.Fatalf("calls=%d want 2", up.calls)
	}
	if s := m.Stats(); s.Failed != 1 || s.Uploaded != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestMirrorSkipsFilesOutsideBaseDir(t *testing.T) {
	up := &fakeUploader{}
	m := NewMirror(up, Config{BaseDir: t.TempDir()}, nil)
	m.Enqueue(touch(t, t.TempDir(), "elsewhere.jsonl.zst"))
	m.Enqueue(filepath.Join(t.TempDir(), "missing.jsonl.zst"))
	m.Close()

	if up.calls != 0 {
		t.Fatalf("calls=%d", up.calls)
	}
	if s := m.Stats(); s.Failed != 2 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestMirrorDropsWhenQueueStaysFull(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{block: make(chan struct{})}
	m := NewMirror(up, Config{BaseDir: dir, Queue: 1, EnqueueWait: time.Millisecond}, nil)

	p := touch(t, dir, "a.jsonl.zst")
	m.Enqueue(p) // taken by the worker, which blocks
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().QueueDepth != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never picked up the first file")
		}
		time.Sleep(time.Millisecond)
	}
	m.Enqueue(p) // fills the queue
	m.Enqueue(p) // dropped
	close(up.block)
	m.Close()

	if s := m.Stats(); s.Dropped != 1 || s.Uploaded != 2 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestMirrorIgnoresEnqueueAfterClose(t *testing.T) {
	m := NewMirror(&fakeUploader{}, Config{BaseDir: t.TempDir()}, nil)
	m.Close()
	m.Close()
	m.Enqueue("whatever")
	if s := m.Stats(); s.Enqueued != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"a/b.zst":   "a/b.zst",
		"/a//b.zst": "a/b.zst",
		`a\b.zst`:   "a/b.zst",
		"../etc":    "etc",
		"  ":        "",
		"a/../../b": "b",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Errorf("normalizeObjectKey(%q)=%q want %q", in, got, want)
		}
	}
}
