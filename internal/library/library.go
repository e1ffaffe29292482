// Package library maintains the cached document list and the recent-views list.
package library

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"
	"go.uber.org/zap"

	"github.com/fruitsalade/bookshelf/internal/logging"
	"github.com/fruitsalade/bookshelf/internal/metrics"
)

// DefaultRecentCap is the recent list length used when none is configured.
const DefaultRecentCap = 5

// Source enumerates candidate files under the storage root.
type Source interface {
	WalkFiles(fn func(name string)) error
}

// Options configures a Library.
type Options struct {
	TTL       time.Duration // <= 0 disables caching
	RecentCap int
	Patterns  []string // glob patterns matched against the lowercase base name
	Now       func() time.Time
}

// Library is a TTL-bounded cache of document names plus a recent-views list.
type Library struct {
	src       Source
	ttl       time.Duration
	recentCap int
	matchers  []glob.Glob
	now       func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	files     []string // sorted; nil means no scan yet
	scannedAt time.Time
	gen       uint64 // bumped by Invalidate
	cleanGen  uint64 // generation the current files reflect
	recent    []string
}

// New builds a Library over src. It fails if a pattern does not compile.
func New(src Source, opts Options) (*Library, error) {
	if opts.RecentCap <= 0 {
		opts.RecentCap = DefaultRecentCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	patterns := opts.Patterns
	if len(patterns) == 0 {
		patterns = []string{"*.pdf", "*.epub", "*.html", "*.htm"}
	}

	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		matchers = append(matchers, g)
	}

	return &Library{
		src:       src,
		ttl:       opts.TTL,
		recentCap: opts.RecentCap,
		matchers:  matchers,
		now:       opts.Now,
	}, nil
}

// List returns every matching document, recent views first and the rest in
// lexicographic order. The walk is repeated when the cache is missing, older
// than the TTL, or invalidated since the last scan.
func (l *Library) List(ctx context.Context) []string {
	files := l.snapshot(ctx)

	l.mu.Lock()
	recent := append([]string(nil), l.recent...)
	l.mu.Unlock()

	seen := make(map[string]struct{}, len(recent))
	out := make([]string, 0, len(files)+len(recent))
	for _, name := range recent {
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, name := range files {
		if _, ok := seen[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Count returns the number of documents in the current scan.
func (l *Library) Count(ctx context.Context) int {
	return len(l.snapshot(ctx))
}

// Invalidate marks the cached list stale. The next List rescans.
func (l *Library) Invalidate() {
	l.mu.Lock()
	l.gen++
	l.mu.Unlock()
	metrics.RecordInvalidation()
}

// Touch records a view of name, moving it to the front of the recent list.
func (l *Library) Touch(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]string, 0, l.recentCap)
	next = append(next, name)
	for _, r := range l.recent {
		if len(next) == l.recentCap {
			break
		}
		if r != name {
			next = append(next, r)
		}
	}
	l.recent = next
}

// Recent returns a copy of the recent list, most recent first.
func (l *Library) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.recent...)
}

// snapshot returns the sorted cached list, rebuilding it if needed. If ctx is
// done before a rebuild finishes, whatever is cached is returned.
func (l *Library) snapshot(ctx context.Context) []string {
	l.mu.Lock()
	if l.fresh() {
		files := l.files
		l.mu.Unlock()
		metrics.RecordCacheLookup(true)
		return files
	}
	stale := l.files
	l.mu.Unlock()
	metrics.RecordCacheLookup(false)

	ch := l.group.DoChan("scan", func() (any, error) {
		return l.rebuild(), nil
	})
	select {
	case res := <-ch:
		return res.Val.([]string)
	case <-ctx.Done():
		return stale
	}
}

// fresh reports whether the cached list can be served. Callers hold mu.
func (l *Library) fresh() bool {
	if l.files == nil || l.cleanGen != l.gen || l.ttl <= 0 {
		return false
	}
	return l.now().Sub(l.scannedAt) <= l.ttl
}

func (l *Library) rebuild() []string {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()

	start := time.Now()
	files := make([]string, 0)
	err := l.src.WalkFiles(func(name string) {
		if l.matches(name) {
			files = append(files, name)
		}
	})
	if err != nil {
		logging.Warn("library scan incomplete", zap.Error(err))
	}
	sort.Strings(files)
	metrics.RecordLibraryRebuild(time.Since(start), len(files))
	logging.Debug("library rescanned",
		zap.Int("files", len(files)),
		zap.Duration("duration", time.Since(start)))

	l.mu.Lock()
	l.files = files
	l.scannedAt = l.now()
	l.cleanGen = gen
	l.mu.Unlock()
	return files
}

func (l *Library) matches(name string) bool {
	base := strings.ToLower(path.Base(name))
	for _, g := range l.matchers {
		if g.Match(base) {
			return true
		}
	}
	return false
}
