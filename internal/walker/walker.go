// Package walker enumerates source paths for a backup, producing a
// lazy sequence of file descriptors with glob-based exclusions applied.
package walker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileInfo describes one walked filesystem entry.
type FileInfo struct {
	// Path is the absolute, slash-separated source path.
	Path     string
	Size     int64
	Mode     fs.FileMode
	ModTime  time.Time
	Symlink  bool
	LinkDest string
}

// Warning records an entry that was skipped without aborting the walk.
type Warning struct {
	Path string
	Err  error
}

// Walker walks configured roots exactly once. The output channel is a
// lazy, finite, non-restartable sequence; create a new Walker per
// backup.
type Walker struct {
	roots          []string
	excludes       []string
	followSymlinks bool
	logger         zerolog.Logger

	mu       sync.Mutex
	warnings []Warning
	started  bool
}

// New creates a Walker over the given roots.
func New(roots, excludes []string, followSymlinks bool, logger zerolog.Logger) *Walker {
	return &Walker{
		roots:          roots,
		excludes:       excludes,
		followSymlinks: followSymlinks,
		logger:         logger.With().Str("component", "walker").Logger(),
	}
}

// Walk starts the walk and returns the output channel. Unreadable
// entries are recorded as warnings and skipped; they never abort the
// walk. The channel is closed when all roots are exhausted or ctx is
// cancelled.
func (w *Walker) Walk(ctx context.Context) <-chan FileInfo {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		panic("walker: Walk called twice")
	}
	w.started = true
	w.mu.Unlock()

	out := make(chan FileInfo, 64)
	go func() {
		defer close(out)
		for _, root := range w.roots {
			if ctx.Err() != nil {
				return
			}
			w.walkRoot(ctx, root, out)
		}
	}()
	return out
}

// Warnings returns the entries skipped so far. Stable once the output
// channel has closed.
func (w *Walker) Warnings() []Warning {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Warning{}, w.warnings...)
}

func (w *Walker) warn(path string, err error) {
	w.mu.Lock()
	w.warnings = append(w.warnings, Warning{Path: path, Err: err})
	w.mu.Unlock()
	w.logger.Warn().Str("path", path).Err(err).Msg("skipping unreadable entry")
}

func (w *Walker) walkRoot(ctx context.Context, root string, out chan<- FileInfo) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.warn(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if w.excluded(path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return w.emitSymlink(ctx, path, out)
		}

		if !d.Type().IsRegular() {
			// Sockets, devices, fifos have no capturable content.
			return nil
		}

		info, err := d.Info()
		if err != nil {
			w.warn(path, err)
			return nil
		}

		select {
		case out <- FileInfo{
			Path:    filepath.ToSlash(path),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	if err != nil && err != context.Canceled && ctx.Err() == nil {
		w.warn(root, err)
	}
}

// emitSymlink either records the link itself or, when following is
// enabled, emits the target as a regular file.
func (w *Walker) emitSymlink(ctx context.Context, path string, out chan<- FileInfo) error {
	dest, err := os.Readlink(path)
	if err != nil {
		w.warn(path, err)
		return nil
	}

	if w.followSymlinks {
		info, err := os.Stat(path)
		if err != nil {
			w.warn(path, err)
			return nil
		}
		if info.IsDir() {
			// Following directory symlinks risks cycles; record and skip.
			w.warn(path, errSymlinkDir)
			return nil
		}
		select {
		case out <- FileInfo{
			Path:    filepath.ToSlash(path),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	linfo, err := os.Lstat(path)
	if err != nil {
		w.warn(path, err)
		return nil
	}
	select {
	case out <- FileInfo{
		Path:     filepath.ToSlash(path),
		Mode:     linfo.Mode(),
		ModTime:  linfo.ModTime(),
		Symlink:  true,
		LinkDest: dest,
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// excluded reports whether the path matches any exclude pattern.
// Patterns without a separator match the base name; patterns with
// separators match against the slash path, with ** matching any number
// of segments.
func (w *Walker) excluded(path string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, pattern := range w.excludes {
		if Match(pattern, slashed, base) {
			return true
		}
	}
	return false
}

// Match reports whether a single exclude pattern matches a path.
func Match(pattern, slashed, base string) bool {
	if !strings.Contains(pattern, "/") {
		ok, err := filepath.Match(pattern, base)
		return err == nil && ok
	}
	return matchSegments(strings.Split(strings.TrimPrefix(pattern, "/"), "/"),
		strings.Split(strings.TrimPrefix(slashed, "/"), "/"))
}

// matchSegments matches pattern segments against path segments, where a
// "**" segment matches zero or more path segments.
func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(path); i++ {
			if matchSegments(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], path[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

var errSymlinkDir = errors.New("refusing to follow directory symlink")
