package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapvault/snapvault/internal/manifest"
)

func TestJournalCommitLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journals", "b1.jsonl")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	refs := []manifest.ChunkRef{
		{Index: 0, StoredName: "aa-000000", PlainSHA: "plain0", StoredSHA: "sha0", StoredSize: 100},
		{Index: 1, StoredName: "aa-000001", PlainSHA: "plain1", StoredSHA: "sha1", StoredSize: 140},
	}
	for _, ref := range refs {
		if err := j.Commit("/src/a", ref); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	acked, err := LoadJournal(path)
	if err != nil {
		t.Fatalf("LoadJournal: %v", err)
	}
	if len(acked) != 2 {
		t.Fatalf("acked = %d, want 2", len(acked))
	}
	rec, ok := acked[JournalKey("/src/a", 1)]
	if !ok || rec.PlainSHA != "plain1" || rec.StoredSHA != "sha1" || rec.StoredSize != 140 {
		t.Errorf("record = %+v", rec)
	}
}

func TestLoadJournalMissingFile(t *testing.T) {
	acked, err := LoadJournal(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("LoadJournal: %v", err)
	}
	if len(acked) != 0 {
		t.Errorf("acked = %d, want 0", len(acked))
	}
}

func TestLoadJournalDropsTornTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.jsonl")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.Commit("/src/a", manifest.ChunkRef{Index: 0, StoredName: "aa-000000", StoredSHA: "sha0"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	j.Close()

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"path":"/src/a","ind`); err != nil {
		t.Fatalf("append torn line: %v", err)
	}
	f.Close()

	acked, err := LoadJournal(path)
	if err != nil {
		t.Fatalf("LoadJournal: %v", err)
	}
	if len(acked) != 1 {
		t.Errorf("acked = %d, want 1 (torn line dropped)", len(acked))
	}
}
