package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bookshelf/internal/storage"
)

// fakeSource serves a fixed, mutable list of names and counts walks.
type fakeSource struct {
	mu    sync.Mutex
	names []string
	walks atomic.Int32
	gate  chan struct{} // when set, walks block until it is closed
}

func (f *fakeSource) set(names ...string) {
	f.mu.Lock()
	f.names = names
	f.mu.Unlock()
}

func (f *fakeSource) WalkFiles(fn func(string)) error {
	f.walks.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	names := append([]string(nil), f.names...)
	f.mu.Unlock()
	for _, n := range names {
		fn(n)
	}
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLibrary(t *testing.T, src Source, opts Options) *Library {
	t.Helper()
	lib, err := New(src, opts)
	require.NoError(t, err)
	return lib
}

func TestListFiltersAndSorts(t *testing.T) {
	src := &fakeSource{}
	src.set("z.pdf", "notes.txt", "b/Book.EPUB", "a/page.HTM", "index.html", "image.png", "pdf")
	lib := newLibrary(t, src, Options{TTL: time.Minute})

	got := lib.List(context.Background())
	assert.Equal(t, []string{"a/page.HTM", "b/Book.EPUB", "index.html", "z.pdf"}, got)
	assert.Equal(t, 4, lib.Count(context.Background()))
}

func TestListCustomPatterns(t *testing.T) {
	src := &fakeSource{}
	src.set("a.pdf", "b.djvu", "c.epub")
	lib := newLibrary(t, src, Options{Patterns: []string{"*.DJVU", "*.pdf"}})

	assert.Equal(t, []string{"a.pdf", "b.djvu"}, lib.List(context.Background()))
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(&fakeSource{}, Options{Patterns: []string{"[unterminated"}})
	assert.Error(t, err)
}

func TestListCachesWithinTTL(t *testing.T) {
	src := &fakeSource{}
	src.set("a.pdf")
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	lib := newLibrary(t, src, Options{TTL: 10 * time.Minute, Now: clk.Now})

	ctx := context.Background()
	lib.List(ctx)
	src.set("a.pdf", "b.pdf")
	clk.Advance(5 * time.Minute)

	assert.Equal(t, []string{"a.pdf"}, lib.List(ctx), "served from cache")
	assert.Equal(t, int32(1), src.walks.Load())

	clk.Advance(6 * time.Minute)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, lib.List(ctx), "rescanned after TTL")
	assert.Equal(t, int32(2), src.walks.Load())
}

func TestListZeroTTLAlwaysRescans(t *testing.T) {
	src := &fakeSource{}
	src.set("a.pdf")
	lib := newLibrary(t, src, Options{TTL: 0})

	ctx := context.Background()
	lib.List(ctx)
	lib.List(ctx)
	assert.Equal(t, int32(2), src.walks.Load())
}

func TestInvalidateForcesRescan(t *testing.T) {
	src := &fakeSource{}
	src.set("a.pdf")
	lib := newLibrary(t, src, Options{TTL: time.Hour})

	ctx := context.Background()
	lib.List(ctx)
	src.set("a.pdf", "new.epub")
	assert.Equal(t, []string{"a.pdf"}, lib.List(ctx))

	lib.Invalidate()
	assert.Equal(t, []string{"a.pdf", "new.epub"}, lib.List(ctx))

	src.set()
	lib.Invalidate()
	assert.Empty(t, lib.List(ctx))
}

func TestInvalidateDuringRebuildIsNotLost(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	src.set("a.pdf")
	lib := newLibrary(t, src, Options{TTL: time.Hour})

	done := make(chan []string)
	go func() { done <- lib.List(context.Background()) }()

	// Wait for the walk to start, then invalidate before it finishes.
	require.Eventually(t, func() bool { return src.walks.Load() == 1 }, time.Second, time.Millisecond)
	lib.Invalidate()
	close(src.gate)
	<-done

	src.set("a.pdf", "b.pdf")
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, lib.List(context.Background()))
	assert.Equal(t, int32(2), src.walks.Load())
}

func TestConcurrentListsShareOneWalk(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	src.set("a.pdf")
	lib := newLibrary(t, src, Options{TTL: time.Hour})

	var wg sync.WaitGroup
	results := make([][]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = lib.List(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return src.walks.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.walks.Load())
	for _, r := range results {
		assert.Equal(t, []string{"a.pdf"}, r)
	}
}

func TestListReturnsCachedOnCancel(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	defer close(src.gate)
	src.set("a.pdf")
	lib := newLibrary(t, src, Options{TTL: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, lib.List(ctx))
}

func TestTouchOrdersRecentFirst(t *testing.T) {
	src := &fakeSource{}
	src.set("a.pdf", "b.pdf", "c.pdf", "d.pdf")
	lib := newLibrary(t, src, Options{TTL: time.Hour})

	lib.Touch("c.pdf")
	lib.Touch("a.pdf")
	assert.Equal(t, []string{"a.pdf", "c.pdf", "b.pdf", "d.pdf"}, lib.List(context.Background()))

	lib.Touch("c.pdf")
	assert.Equal(t, []string{"c.pdf", "a.pdf"}, lib.Recent())
}

func TestTouchKeepsCapacity(t *testing.T) {
	lib := newLibrary(t, &fakeSource{}, Options{})
	for i := 1; i <= 7; i++ {
		lib.Touch(fmt.Sprintf("%d.pdf", i))
	}
	lib.Touch("5.pdf")

	assert.Equal(t, []string{"5.pdf", "7.pdf", "6.pdf", "4.pdf", "3.pdf"}, lib.Recent())
}

func TestRecentEntryMissingOnDiskStillListed(t *testing.T) {
	src := &fakeSource{}
	src.set("a.pdf", "gone.pdf")
	lib := newLibrary(t, src, Options{TTL: time.Hour})

	lib.Touch("gone.pdf")
	src.set("a.pdf")
	lib.Invalidate()

	assert.Equal(t, []string{"gone.pdf", "a.pdf"}, lib.List(context.Background()))
}

func TestListOverStorageRoot(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.pdf", "sub/a.epub", "sub/deeper/c.html", "skip.txt"} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	root, err := storage.NewRoot(dir, false)
	require.NoError(t, err)

	lib := newLibrary(t, root, Options{TTL: time.Hour})
	assert.Equal(t, []string{"b.pdf", "sub/a.epub", "sub/deeper/c.html"}, lib.List(context.Background()))
}
