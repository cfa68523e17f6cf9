// Package watch submits batch manifests dropped into an inbox directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SubmitFunc queues the manifest at path.
type SubmitFunc func(path string) error

// Inbox watches one directory for *.yaml and *.yml manifests. A manifest
// is submitted once it has stopped changing for Settle, and again only if
// its modification time changes later.
type Inbox struct {
	Dir          string
	Settle       time.Duration
	ScanExisting bool

	submit  SubmitFunc
	log     *slog.Logger
	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]time.Time
}

// NewInbox returns an Inbox for dir.
func NewInbox(dir string, submit SubmitFunc, log *slog.Logger) *Inbox {
	if log == nil {
		log = slog.Default()
	}
	return &Inbox{
		Dir:     dir,
		Settle:  500 * time.Millisecond,
		submit:  submit,
		log:     log,
		pending: make(map[string]*time.Timer),
		seen:    make(map[string]time.Time),
	}
}

// Run watches until ctx is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.Dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(in.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.Dir, err)
	}
	in.log.Info("watching inbox", "dir", in.Dir)

	if in.ScanExisting {
		entries, err := os.ReadDir(in.Dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() && isManifest(e.Name()) {
				in.schedule(filepath.Join(in.Dir, e.Name()))
			}
		}
	}

	defer in.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isManifest(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				in.schedule(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				in.forget(event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Warn("inbox watcher error", "error", err)
		}
	}
}

// schedule (re)arms the settle timer for path.
func (in *Inbox) schedule(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Reset(in.Settle)
		return
	}
	in.pending[path] = time.AfterFunc(in.Settle, func() { in.fire(path) })
}

func (in *Inbox) forget(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Stop()
		delete(in.pending, path)
	}
	delete(in.seen, path)
}

func (in *Inbox) fire(path string) {
	info, err := os.Stat(path)
	in.mu.Lock()
	delete(in.pending, path)
	if err != nil {
		in.mu.Unlock()
		return
	}
	if last, ok := in.seen[path]; ok && last.Equal(info.ModTime()) {
		in.mu.Unlock()
		return
	}
	in.seen[path] = info.ModTime()
	in.mu.Unlock()

	if err := in.submit(path); err != nil {
		in.log.Error("failed to submit manifest", "path", path, "error", err)
		in.mu.Lock()
		delete(in.seen, path)
		in.mu.Unlock()
		return
	}
	in.log.Info("manifest submitted", "path", path)
}

func (in *Inbox) stopTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for p, t := range in.pending {
		t.Stop()
		delete(in.pending, p)
	}
}

func isManifest(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
