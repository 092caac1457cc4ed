package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/snapvault/snapvault/internal/manifest"
)

// Journal is the chunk-level commit log for a backup's transfer. One
// record is appended and synced after each chunk is acknowledged by the
// destination, so a crash mid-file loses at most one incomplete chunk.
// On resume the journal tells the transport which chunks to skip.
type Journal struct {
	f *os.File
}

// JournalRecord marks one acknowledged chunk. The plaintext checksum
// identifies the chunk across runs: encryption nonces make the stored
// bytes differ on every transform, so resume matches on PlainSHA and
// carries StoredSHA/StoredSize forward to describe the staged copy.
type JournalRecord struct {
	Path       string `json:"path"`
	Index      int    `json:"index"`
	StoredName string `json:"stored_name"`
	PlainSHA   string `json:"plain_sha256"`
	StoredSHA  string `json:"stored_sha256"`
	StoredSize int64  `json:"stored_size"`
}

// OpenJournal opens (or creates) the journal file for appending.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{f: f}, nil
}

// Commit records one acknowledged chunk. The record is synced before
// Commit returns; a torn final line is ignored by LoadJournal.
func (j *Journal) Commit(path string, ref manifest.ChunkRef) error {
	rec := JournalRecord{
		Path:       path,
		Index:      ref.Index,
		StoredName: ref.StoredName,
		PlainSHA:   ref.PlainSHA,
		StoredSHA:  ref.StoredSHA,
		StoredSize: ref.StoredSize,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	if _, err := j.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.f.Close()
}

// LoadJournal reads the set of acknowledged chunks, keyed by
// JournalKey. A missing file yields an empty set; a torn trailing line
// is dropped.
func LoadJournal(path string) (map[string]JournalRecord, error) {
	acked := make(map[string]JournalRecord)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return acked, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec JournalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn write from a crash mid-append; everything before it
			// is intact.
			break
		}
		acked[JournalKey(rec.Path, rec.Index)] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return acked, nil
}

// JournalKey identifies one chunk of one file.
func JournalKey(path string, index int) string {
	return fmt.Sprintf("%s#%d", path, index)
}
