// Package differ classifies a fresh walk against the latest ancestor
// manifest to select the minimal incremental delta.
package differ

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snapvault/snapvault/internal/manifest"
	"github.com/snapvault/snapvault/internal/walker"
)

// Selected is one file chosen for capture, carrying its classification.
type Selected struct {
	Info   walker.FileInfo
	Change manifest.ChangeKind
	// Hash is set when the differ already computed the content hash to
	// disambiguate an mtime-only change; the pipeline reuses it.
	Hash string
}

// Differ streams walk output into a delta. A nil base means a full
// backup: every file is classified as added.
type Differ struct {
	base   map[string]manifest.ResolvedEntry
	logger zerolog.Logger

	mu        sync.Mutex
	seen      map[string]bool
	unchanged int
}

// New creates a Differ against the flattened ancestor state. Pass nil
// for a full backup.
func New(base map[string]manifest.ResolvedEntry, logger zerolog.Logger) *Differ {
	return &Differ{
		base:   base,
		seen:   make(map[string]bool),
		logger: logger.With().Str("component", "differ").Logger(),
	}
}

// Run consumes walked files and emits the selected delta. Unchanged
// files are counted but never re-emitted; they stay referenced through
// the ancestor chain. The output channel is closed when the input is
// exhausted; call Tombstones afterwards.
func (d *Differ) Run(ctx context.Context, in <-chan walker.FileInfo) <-chan Selected {
	out := make(chan Selected, 64)
	go func() {
		defer close(out)
		for info := range in {
			sel, emit, err := d.classify(info)
			if err != nil {
				d.logger.Warn().Str("path", info.Path).Err(err).Msg("skipping file during diff")
				continue
			}
			if !emit {
				continue
			}
			select {
			case out <- sel:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// classify decides what to do with one walked file. The fast path
// compares size and modification time; a matching size with a changed
// mtime is never trusted on its own, the content hash disambiguates.
// A size change is always a modification regardless of mtime.
func (d *Differ) classify(info walker.FileInfo) (Selected, bool, error) {
	d.mu.Lock()
	d.seen[info.Path] = true
	prev, ok := d.base[info.Path]
	d.mu.Unlock()

	if d.base == nil || !ok {
		return Selected{Info: info, Change: manifest.ChangeAdded}, true, nil
	}

	if info.Symlink {
		if prev.Symlink && prev.LinkDest == info.LinkDest {
			d.markUnchanged()
			return Selected{}, false, nil
		}
		return Selected{Info: info, Change: manifest.ChangeModified}, true, nil
	}

	if info.Size != prev.Size {
		return Selected{Info: info, Change: manifest.ChangeModified}, true, nil
	}

	if info.ModTime.Equal(prev.ModTime) {
		d.markUnchanged()
		return Selected{}, false, nil
	}

	// Same size, different mtime: hash to disambiguate.
	hash, err := HashFile(info.Path)
	if err != nil {
		return Selected{}, false, fmt.Errorf("hash file: %w", err)
	}
	if hash == prev.Hash {
		d.markUnchanged()
		return Selected{}, false, nil
	}
	return Selected{Info: info, Change: manifest.ChangeModified, Hash: hash}, true, nil
}

func (d *Differ) markUnchanged() {
	d.mu.Lock()
	d.unchanged++
	d.mu.Unlock()
}

// UnchangedCount returns the number of files left referenced through
// the ancestor chain.
func (d *Differ) UnchangedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unchanged
}

// Tombstones returns deletion entries for every base path the walk did
// not see, in sorted order. Valid only after the Run output channel has
// closed.
func (d *Differ) Tombstones() []manifest.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var paths []string
	for path := range d.base {
		if !d.seen[path] {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	entries := make([]manifest.Entry, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, manifest.Entry{
			Path:   path,
			Change: manifest.ChangeDeleted,
		})
	}
	return entries
}

// HashFile computes the hex SHA-256 of a file's plaintext content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
