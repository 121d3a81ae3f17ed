package downloads

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insomnia/internal/failure"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestEnumerator_Search(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "movie.mkv.part"))
	touch(t, filepath.Join(dir, "ISO.CRDOWNLOAD"))
	touch(t, filepath.Join(dir, "done.zip"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.part"), 0o755))

	e := NewEnumerator(dir, nil)
	items, err := e.Search(context.Background(), Query{State: InProgress})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	all, err := e.Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := e.InProgress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnumerator_MissingDir(t *testing.T) {
	e := NewEnumerator(filepath.Join(t.TempDir(), "nope"), nil)
	_, err := e.Search(context.Background(), Query{State: InProgress})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Query))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatcher_StopsWhenDirRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Downloads")
	require.NoError(t, os.Mkdir(dir, 0o755))
	w := NewWatcher(NewEnumerator(dir, nil), 20*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(Event) {}) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.Remove(dir))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDirGone)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher kept running after its directory was removed")
	}
}

func TestWatcher_CreatedThenSettled(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(NewEnumerator(dir, nil), 20*time.Millisecond, slog.Default())

	var mu sync.Mutex
	var events []Event
	last := func() (Event, int) {
		mu.Lock()
		defer mu.Unlock()
		if len(events) == 0 {
			return Event{}, 0
		}
		return events[len(events)-1], len(events)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		w.Run(ctx, func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		})
	}()
	<-started
	// fsnotify registration happens inside Run.
	time.Sleep(50 * time.Millisecond)

	partial := filepath.Join(dir, "file.bin.crdownload")
	touch(t, partial)
	require.Eventually(t, func() bool {
		e, n := last()
		return n >= 1 && e.Kind == Created && e.InProgress == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Rename(partial, filepath.Join(dir, "file.bin")))
	require.Eventually(t, func() bool {
		e, _ := last()
		return e.Kind == Settled && e.InProgress == 0
	}, 2*time.Second, 10*time.Millisecond)
}
