// Package watcher discovers input movie files for live sessions. It polls a
// directory with a glob and emits a file as settled once two successive
// polls observe identical size and modification time, so half-written files
// from the microscope's transfer pipeline are never imported.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// fileState is one poll's observation of a candidate file.
type fileState struct {
	size    int64
	modTime time.Time
}

// Watcher tracks one session's watch directory. The settled set only grows;
// a settled file is never re-emitted.
type Watcher struct {
	dir         string
	glob        string
	interval    time.Duration
	scanTimeout time.Duration

	mu         sync.Mutex
	candidates map[string]fileState
	settled    map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for dir matching glob. interval is the settle poll
// cadence; scanTimeout bounds one directory scan.
func New(dir, glob string, interval, scanTimeout time.Duration) *Watcher {
	return &Watcher{
		dir:         dir,
		glob:        glob,
		interval:    interval,
		scanTimeout: scanTimeout,
		candidates:  make(map[string]fileState),
		settled:     make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the poll loop. Scan errors are logged and retried on the
// next tick; a transient NFS hiccup must not kill the session.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				if _, err := w.Scan(ctx); err != nil {
					slog.Warn("Watch directory scan failed", "dir", w.dir, "error", err)
				}
			}
		}
	}()
}

// Stop halts the poll loop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Scan performs one poll and returns the files that settled in this poll.
// Exported so tests and the existing-mode snapshot can drive polling
// directly.
func (w *Watcher) Scan(ctx context.Context) ([]string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, w.scanTimeout)
	defer cancel()

	observed, err := w.observe(scanCtx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var newlySettled []string
	for path, cur := range observed {
		if w.settled[path] {
			continue
		}
		if prev, seen := w.candidates[path]; seen && prev == cur {
			w.settled[path] = true
			delete(w.candidates, path)
			newlySettled = append(newlySettled, path)
		} else {
			w.candidates[path] = cur
		}
	}

	// A candidate that vanished between polls starts over if it returns.
	for path := range w.candidates {
		if _, still := observed[path]; !still {
			delete(w.candidates, path)
		}
	}

	sort.Strings(newlySettled)
	return newlySettled, nil
}

// SnapshotExisting marks every currently matching file settled immediately.
// Used by input mode "existing", which trusts that the data collection has
// already finished.
func (w *Watcher) SnapshotExisting(ctx context.Context) ([]string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, w.scanTimeout)
	defer cancel()

	observed, err := w.observe(scanCtx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var snapshot []string
	for path := range observed {
		if !w.settled[path] {
			w.settled[path] = true
			snapshot = append(snapshot, path)
		}
	}
	sort.Strings(snapshot)
	return snapshot, nil
}

// Settled returns the full settled set, sorted.
func (w *Watcher) Settled() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.settled))
	for path := range w.settled {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// SettledCount returns the size of the settled set.
func (w *Watcher) SettledCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.settled)
}

// observe globs the watch directory and stats every match.
func (w *Watcher) observe(ctx context.Context) (map[string]fileState, error) {
	matches, err := doublestar.Glob(os.DirFS(w.dir), w.glob)
	if err != nil {
		return nil, fmt.Errorf("bad watch glob %q: %w", w.glob, err)
	}

	observed := make(map[string]fileState, len(matches))
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("watch scan timed out: %w", err)
		}
		abs := filepath.Join(w.dir, rel)
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		observed[abs] = fileState{size: info.Size(), modTime: info.ModTime()}
	}
	return observed, nil
}
