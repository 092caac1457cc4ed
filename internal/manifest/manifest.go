// Package manifest defines the per-backup file manifest: an append-only
// record of captured files, their hashes, and chunk references, linked
// into a parent chain for incremental backups.
package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ChangeKind classifies a manifest entry relative to the parent backup.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	// ChangeDeleted is a tombstone: the file existed in the ancestor
	// chain and was removed before this backup.
	ChangeDeleted ChangeKind = "deleted"
)

// BackupType distinguishes full captures from incremental deltas.
type BackupType string

const (
	TypeFull        BackupType = "full"
	TypeIncremental BackupType = "incremental"
)

var (
	// ErrBrokenChain indicates a parent link points at a missing manifest.
	ErrBrokenChain = errors.New("manifest chain is broken")
	// ErrChainCycle indicates the parent links form a cycle.
	ErrChainCycle = errors.New("manifest chain contains a cycle")
	// ErrNotTerminated indicates a chain that never reaches a full backup.
	ErrNotTerminated = errors.New("manifest chain does not terminate in a full backup")
)

// ChunkRef locates one stored chunk of a file's content stream.
type ChunkRef struct {
	Index      int    `json:"index"`
	Offset     int64  `json:"offset"`
	PlainSize  int64  `json:"plain_size"`
	StoredSize int64  `json:"stored_size"`
	PlainSHA   string `json:"plain_sha256"`
	StoredSHA  string `json:"stored_sha256"`
	// StoredName is the object name under the backup's chunk directory.
	StoredName string `json:"stored_name"`
}

// Entry is one file record in a manifest. Content hashes are always
// computed over the plaintext, pre-transform, so incremental comparison
// and restore verification use the same value.
type Entry struct {
	Path     string     `json:"path"`
	Size     int64      `json:"size"`
	Mode     uint32     `json:"mode"`
	ModTime  time.Time  `json:"mod_time"`
	Hash     string     `json:"hash,omitempty"`
	Change   ChangeKind `json:"change"`
	Symlink  bool       `json:"symlink,omitempty"`
	LinkDest string     `json:"link_dest,omitempty"`
	Chunks   []ChunkRef `json:"chunks,omitempty"`
}

// Header is the first line of a manifest file. Compression and
// Encrypted record the transform settings the chunks were written
// with, so a chain remains restorable after the configuration changes.
type Header struct {
	BackupID    uuid.UUID  `json:"backup_id"`
	Type        BackupType `json:"type"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Compression int        `json:"compression"`
	Encrypted   bool       `json:"encrypted"`
}

// Manifest is a fully loaded manifest file.
type Manifest struct {
	Header  Header
	Entries []Entry
}

// StoredBytes returns the total stored (post-transform) size of all
// chunks in the manifest, which is what the backup occupies at the
// destination.
func (m *Manifest) StoredBytes() int64 {
	var total int64
	for _, e := range m.Entries {
		for _, c := range e.Chunks {
			total += c.StoredSize
		}
	}
	return total
}

// FileCount returns the number of non-tombstone entries.
func (m *Manifest) FileCount() int {
	n := 0
	for _, e := range m.Entries {
		if e.Change != ChangeDeleted {
			n++
		}
	}
	return n
}

// Writer appends entries to a manifest file. Each entry is one JSON
// line; the file is synced on Close so a crash never truncates a
// committed entry mid-line.
type Writer struct {
	f   *os.File
	buf *bufio.Writer
}

// NewWriter creates the manifest file and writes its header line.
func NewWriter(path string, header Header) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create manifest file: %w", err)
	}
	w := &Writer{f: f, buf: bufio.NewWriter(f)}
	if err := w.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Append writes one entry to the manifest.
func (w *Writer) Append(e Entry) error {
	return w.writeLine(e)
}

func (w *Writer) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal manifest line: %w", err)
	}
	if _, err := w.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write manifest line: %w", err)
	}
	return nil
}

// Close flushes and syncs the manifest file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush manifest: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}
	return w.f.Close()
}

// Load reads a manifest file written by Writer.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read manifest header: %w", err)
		}
		return nil, errors.New("manifest is empty")
	}

	var m Manifest
	if err := json.Unmarshal(scanner.Bytes(), &m.Header); err != nil {
		return nil, fmt.Errorf("parse manifest header: %w", err)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse manifest entry: %w", err)
		}
		m.Entries = append(m.Entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return &m, nil
}

// Store resolves manifests by backup id. Implemented by the catalog's
// on-disk manifest directory.
type Store interface {
	LoadManifest(id uuid.UUID) (*Manifest, error)
}

// Chain returns the manifests from the root full backup down to the
// given backup, in apply order. It rejects cycles, dangling parents,
// and chains that do not terminate in exactly one full backup.
func Chain(store Store, id uuid.UUID) ([]*Manifest, error) {
	var reversed []*Manifest
	seen := make(map[uuid.UUID]bool)

	cur := &id
	for cur != nil {
		if seen[*cur] {
			return nil, fmt.Errorf("%w: backup %s", ErrChainCycle, cur)
		}
		seen[*cur] = true

		m, err := store.LoadManifest(*cur)
		if err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", ErrBrokenChain, cur, err)
		}
		reversed = append(reversed, m)

		if m.Header.Type == TypeFull {
			if m.Header.ParentID != nil {
				return nil, fmt.Errorf("full backup %s must not have a parent", m.Header.BackupID)
			}
			// Reverse into apply order: root full first.
			chain := make([]*Manifest, len(reversed))
			for i, mm := range reversed {
				chain[len(reversed)-1-i] = mm
			}
			return chain, nil
		}
		if m.Header.ParentID == nil {
			return nil, fmt.Errorf("%w: incremental %s has no parent", ErrNotTerminated, m.Header.BackupID)
		}
		cur = m.Header.ParentID
	}
	return nil, ErrNotTerminated
}

// ResolvedEntry is a live file entry plus the backup that owns its
// chunk data.
type ResolvedEntry struct {
	Entry
	BackupID uuid.UUID
}

// Flatten replays a chain in apply order and returns the effective file
// set at the time of the last backup: adds and modifies replace earlier
// entries, tombstones remove them.
func Flatten(chain []*Manifest) map[string]ResolvedEntry {
	state := make(map[string]ResolvedEntry)
	for _, m := range chain {
		for _, e := range m.Entries {
			if e.Change == ChangeDeleted {
				delete(state, e.Path)
				continue
			}
			state[e.Path] = ResolvedEntry{Entry: e, BackupID: m.Header.BackupID}
		}
	}
	return state
}
