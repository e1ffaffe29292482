package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bookshelf/internal/events"
	"github.com/fruitsalade/bookshelf/internal/library"
	"github.com/fruitsalade/bookshelf/internal/storage"
)

func startWatcher(t *testing.T, root string, handler Handler) *Watcher {
	t.Helper()
	w, err := New(root, handler)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	// Give the backend a moment to register the watches.
	time.Sleep(50 * time.Millisecond)
	return w
}

func collector() (Handler, <-chan events.Event) {
	ch := make(chan events.Event, 256)
	return func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	}, ch
}

// waitFor reads events until one matches type and path.
func waitFor(t *testing.T, ch <-chan events.Event, typ, path string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ && e.Path == path {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s %s", typ, path)
		}
	}
}

func TestWatcherReportsCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	handler, ch := collector()
	startWatcher(t, dir, handler)

	file := filepath.Join(dir, "book.pdf")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	waitFor(t, ch, events.EventCreate, "book.pdf")

	require.NoError(t, os.Remove(file))
	waitFor(t, ch, events.EventDelete, "book.pdf")
}

func TestWatcherReportsRename(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.pdf"), []byte("x"), 0644))
	handler, ch := collector()
	startWatcher(t, dir, handler)

	require.NoError(t, os.Rename(filepath.Join(dir, "old.pdf"), filepath.Join(dir, "new.pdf")))
	waitFor(t, ch, events.EventRename, "old.pdf")
	waitFor(t, ch, events.EventCreate, "new.pdf")
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	handler, ch := collector()
	startWatcher(t, dir, handler)

	sub := filepath.Join(dir, "series")
	require.NoError(t, os.Mkdir(sub, 0755))
	waitFor(t, ch, events.EventCreate, "series")

	require.NoError(t, os.WriteFile(filepath.Join(sub, "vol1.epub"), []byte("x"), 0644))
	waitFor(t, ch, events.EventCreate, "series/vol1.epub")
}

func TestWatcherWatchesExistingSubdirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	handler, ch := collector()
	startWatcher(t, dir, handler)

	require.NoError(t, os.WriteFile(filepath.Join(nested, "deep.html"), []byte("x"), 0644))
	waitFor(t, ch, events.EventCreate, "a/b/deep.html")
}

func TestWatcherIgnoresWrites(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "book.pdf")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	handler, ch := collector()
	startWatcher(t, dir, handler)

	require.NoError(t, os.WriteFile(file, []byte("more"), 0644))
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()

	select {
	case <-w.Done():
	default:
		t.Fatal("event loop still running after Stop")
	}
	assert.Error(t, w.Start(context.Background()))
}

func TestWatcherStopsWithContext(t *testing.T) {
	w, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("event loop did not exit on cancel")
	}
}

func TestWatcherStartMissingRoot(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	require.NoError(t, err)
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))
}

func TestWatcherInvalidatesLibrary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "first.pdf"), []byte("x"), 0644))
	root, err := storage.NewRoot(dir, false)
	require.NoError(t, err)
	lib, err := library.New(root, library.Options{TTL: time.Hour})
	require.NoError(t, err)

	ctx := context.Background()
	require.Equal(t, []string{"first.pdf"}, lib.List(ctx))

	startWatcher(t, dir, func(events.Event) { lib.Invalidate() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "second.epub"), []byte("x"), 0644))
	assert.Eventually(t, func() bool {
		return len(lib.List(ctx)) == 2
	}, 3*time.Second, 20*time.Millisecond, "created file becomes visible before the TTL")

	require.NoError(t, os.Remove(filepath.Join(dir, "first.pdf")))
	assert.Eventually(t, func() bool {
		got := lib.List(ctx)
		return len(got) == 1 && got[0] == "second.epub"
	}, 3*time.Second, 20*time.Millisecond, "deleted file disappears")
}
