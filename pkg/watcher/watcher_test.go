package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(dir, glob string) *Watcher {
	return New(dir, glob, 10*time.Millisecond, 5*time.Second)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScan_TwoPollSettle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "movie_001.tiff"), "data")
	w := newTestWatcher(dir, "*.tiff")
	ctx := context.Background()

	// First poll: candidate only.
	settled, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)

	// Second poll with unchanged size+mtime: settled.
	settled, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "movie_001.tiff")}, settled)

	// Never re-emitted.
	settled, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)
	assert.Equal(t, 1, w.SettledCount())
}

func TestScan_GrowingFileWaits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie_001.tiff")
	writeFile(t, path, "partial")
	w := newTestWatcher(dir, "*.tiff")
	ctx := context.Background()

	_, err := w.Scan(ctx)
	require.NoError(t, err)

	// Still being written: size changed between polls.
	writeFile(t, path, "partial-plus-more")
	settled, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled, "a growing file must not settle")

	// Stable across the next two polls.
	settled, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, settled)
}

func TestScan_GlobFiltersAndSubdirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "movie_001.tiff"), "a")
	writeFile(t, filepath.Join(dir, "notes.txt"), "b")
	writeFile(t, filepath.Join(dir, "grid1", "movie_002.tiff"), "c")
	w := newTestWatcher(dir, "**/*.tiff")
	ctx := context.Background()

	_, err := w.Scan(ctx)
	require.NoError(t, err)
	settled, err := w.Scan(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "grid1", "movie_002.tiff"),
		filepath.Join(dir, "movie_001.tiff"),
	}, settled)
}

func TestScan_VanishedCandidateStartsOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie_001.tiff")
	writeFile(t, path, "data")
	w := newTestWatcher(dir, "*.tiff")
	ctx := context.Background()

	_, err := w.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	settled, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)

	// Back again: needs two fresh polls.
	writeFile(t, path, "data")
	settled, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, settled)
	settled, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, settled)
}

func TestSnapshotExisting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "movie_001.tiff"), "a")
	writeFile(t, filepath.Join(dir, "movie_002.tiff"), "b")
	w := newTestWatcher(dir, "*.tiff")

	snapshot, err := w.SnapshotExisting(context.Background())
	require.NoError(t, err)
	assert.Len(t, snapshot, 2, "existing mode settles the snapshot immediately")
	assert.Equal(t, snapshot, w.Settled())

	// Idempotent.
	again, err := w.SnapshotExisting(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestScan_BadGlob(t *testing.T) {
	w := newTestWatcher(t.TempDir(), "[")
	_, err := w.Scan(context.Background())
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "movie_001.tiff"), "data")
	w := newTestWatcher(dir, "*.tiff")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.SettledCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()
	assert.Equal(t, 1, w.SettledCount())
}
