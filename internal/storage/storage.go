// Package storage scopes file access to a single storage root directory.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrForbidden is returned for paths that resolve outside the root.
	ErrForbidden = errors.New("path escapes storage root")
	// ErrNotFound is returned when a path is missing or not a regular file.
	ErrNotFound = errors.New("file not found")
)

// Root is a storage directory resolved once at startup.
type Root struct {
	path string // absolute path as configured
	real string // path with symlinks evaluated
}

// Object is a regular file inside the root.
type Object struct {
	Name string // relative, forward-slash name as requested
	Path string // canonical absolute path
	Size int64
	Info fs.FileInfo
}

// NewRoot resolves dir to an absolute canonical directory. When create is
// set, a missing directory is created.
func NewRoot(dir string, create bool) (*Root, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if !os.IsNotExist(err) || !create {
			return nil, fmt.Errorf("stat root path %s: %w", absPath, err)
		}
		if mkErr := os.MkdirAll(absPath, 0755); mkErr != nil {
			return nil, fmt.Errorf("create root path %s: %w", absPath, mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", absPath)
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", absPath, err)
	}
	return &Root{path: absPath, real: resolved}, nil
}

// Path returns the absolute root directory.
func (r *Root) Path() string { return r.path }

// Resolve maps a relative name to its canonical absolute path. It returns
// ErrForbidden if the result is not the root itself or beneath it. The file
// does not need to exist.
func (r *Root) Resolve(name string) (string, error) {
	full := filepath.Join(r.path, filepath.FromSlash(name))
	canonical, err := canonicalize(full)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrNotFound, name, err)
	}
	if !within(r.real, canonical) {
		return "", fmt.Errorf("%w: %q", ErrForbidden, name)
	}
	return canonical, nil
}

// Stat resolves name and checks that it is a regular file.
func (r *Root) Stat(name string) (*Object, error) {
	canonical, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrNotFound, name, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrNotFound, name)
	}
	return &Object{Name: name, Path: canonical, Size: info.Size(), Info: info}, nil
}

// Open opens the whole object for reading.
func (r *Root) Open(obj *Object) (*os.File, error) {
	f, err := os.Open(obj.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", obj.Name, err)
	}
	return f, nil
}

// OpenRange opens obj positioned at offset and limited to length bytes.
// The caller must close the returned reader.
func (r *Root) OpenRange(obj *Object, offset, length int64) (io.ReadCloser, error) {
	f, err := r.Open(obj)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s: %w", obj.Name, err)
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(f, length),
		Closer: f,
	}, nil
}

// ReadFile returns the whole content of obj.
func (r *Root) ReadFile(obj *Object) ([]byte, error) {
	data, err := os.ReadFile(obj.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", obj.Name, err)
	}
	return data, nil
}

// WalkFiles calls fn with the forward-slash relative name of every
// non-directory entry under the root. Unreadable directories are skipped.
func (r *Root) WalkFiles(fn func(name string)) error {
	return filepath.WalkDir(r.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != r.path {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.path, path)
		if err != nil {
			return nil
		}
		fn(filepath.ToSlash(rel))
		return nil
	})
}

// canonicalize evaluates symlinks on the longest existing prefix of path and
// appends the remaining elements unchanged.
func canonicalize(path string) (string, error) {
	path = filepath.Clean(path)
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Join(append([]string{path}, rest...)...), nil
		}
		rest = append([]string{filepath.Base(path)}, rest...)
		path = parent
	}
}

// within reports whether target is root or lies beneath it.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
