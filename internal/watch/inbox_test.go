package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"skydiff/internal/logging"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) submit(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInboxSubmitsManifests(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	in := NewInbox(dir, rec.submit, logging.Discard())
	in.Settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	manifest := filepath.Join(dir, "night-1.yaml")
	if err := os.WriteFile(manifest, []byte("batch: night-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(rec.get()) == 1 })
	if got := rec.get()[0]; got != manifest {
		t.Fatalf("submitted %q, want %q", got, manifest)
	}

	// A settle period with no change must not resubmit.
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.get()); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}
}

func TestInboxScansExisting(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.yml")
	if err := os.WriteFile(existing, []byte("batch: old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	in := NewInbox(dir, rec.submit, logging.Discard())
	in.Settle = 10 * time.Millisecond
	in.ScanExisting = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, func() bool { return len(rec.get()) == 1 })
	if rec.get()[0] != existing {
		t.Fatalf("unexpected submission %v", rec.get())
	}
}

func TestIsManifest(t *testing.T) {
	cases := map[string]bool{
		"a.yaml":        true,
		"b.YML":         true,
		".hidden.yaml":  false,
		"c.yaml.swp":    false,
		"dir/d.json":    false,
		"/inbox/e.yaml": true,
	}
	for path, want := range cases {
		if got := isManifest(path); got != want {
			t.Errorf("isManifest(%q) = %v, want %v", path, got, want)
		}
	}
}
