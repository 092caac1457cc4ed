package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func writeManifest(t *testing.T, dir string, header Header, entries ...Entry) string {
	t.Helper()
	path := filepath.Join(dir, header.BackupID.String()+".jsonl")
	w, err := NewWriter(path, header)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestWriteLoadRoundTrip(t *testing.T) {
	id := uuid.New()
	header := Header{
		BackupID:    id,
		Type:        TypeFull,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Compression: 6,
		Encrypted:   true,
	}
	entry := Entry{
		Path:   "/data/a.txt",
		Size:   11,
		Hash:   "deadbeef",
		Change: ChangeAdded,
		Chunks: []ChunkRef{{Index: 0, PlainSize: 11, StoredSize: 40, StoredName: "ab12-000000"}},
	}
	tomb := Entry{Path: "/data/old.txt", Change: ChangeDeleted}

	path := writeManifest(t, t.TempDir(), header, entry, tomb)

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Header.BackupID != id || m.Header.Type != TypeFull {
		t.Errorf("header = %+v", m.Header)
	}
	if !m.Header.Encrypted || m.Header.Compression != 6 {
		t.Errorf("transform settings lost: %+v", m.Header)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(m.Entries))
	}
	if m.Entries[0].Chunks[0].StoredName != "ab12-000000" {
		t.Errorf("chunk ref lost: %+v", m.Entries[0].Chunks)
	}
	if m.FileCount() != 1 {
		t.Errorf("FileCount = %d, want 1 (tombstones excluded)", m.FileCount())
	}
	if m.StoredBytes() != 40 {
		t.Errorf("StoredBytes = %d, want 40", m.StoredBytes())
	}
}

func TestNewWriterRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	header := Header{BackupID: uuid.New(), Type: TypeFull}
	writeManifest(t, dir, header)

	if _, err := NewWriter(filepath.Join(dir, header.BackupID.String()+".jsonl"), header); err == nil {
		t.Error("NewWriter overwrote an existing manifest")
	}
}

// mapStore serves manifests from memory for chain tests.
type mapStore map[uuid.UUID]*Manifest

func (s mapStore) LoadManifest(id uuid.UUID) (*Manifest, error) {
	m, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("manifest %s not found", id)
	}
	return m, nil
}

func mk(typ BackupType, parent *uuid.UUID) *Manifest {
	return &Manifest{Header: Header{BackupID: uuid.New(), Type: typ, ParentID: parent}}
}

func TestChainResolvesFullFirst(t *testing.T) {
	full := mk(TypeFull, nil)
	inc1 := mk(TypeIncremental, &full.Header.BackupID)
	inc2 := mk(TypeIncremental, &inc1.Header.BackupID)
	store := mapStore{
		full.Header.BackupID: full,
		inc1.Header.BackupID: inc1,
		inc2.Header.BackupID: inc2,
	}

	chain, err := Chain(store, inc2.Header.BackupID)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	want := []uuid.UUID{full.Header.BackupID, inc1.Header.BackupID, inc2.Header.BackupID}
	for i, m := range chain {
		if m.Header.BackupID != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, m.Header.BackupID, want[i])
		}
	}
}

func TestChainDetectsCycle(t *testing.T) {
	a := mk(TypeIncremental, nil)
	b := mk(TypeIncremental, &a.Header.BackupID)
	a.Header.ParentID = &b.Header.BackupID
	store := mapStore{a.Header.BackupID: a, b.Header.BackupID: b}

	if _, err := Chain(store, a.Header.BackupID); !errors.Is(err, ErrChainCycle) {
		t.Errorf("Chain = %v, want ErrChainCycle", err)
	}
}

func TestChainDetectsMissingParent(t *testing.T) {
	missing := uuid.New()
	inc := mk(TypeIncremental, &missing)
	store := mapStore{inc.Header.BackupID: inc}

	if _, err := Chain(store, inc.Header.BackupID); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("Chain = %v, want ErrBrokenChain", err)
	}
}

func TestChainRejectsParentlessIncremental(t *testing.T) {
	inc := mk(TypeIncremental, nil)
	store := mapStore{inc.Header.BackupID: inc}

	if _, err := Chain(store, inc.Header.BackupID); !errors.Is(err, ErrNotTerminated) {
		t.Errorf("Chain = %v, want ErrNotTerminated", err)
	}
}

func TestChainRejectsFullWithParent(t *testing.T) {
	other := uuid.New()
	full := mk(TypeFull, &other)
	store := mapStore{full.Header.BackupID: full}

	if _, err := Chain(store, full.Header.BackupID); err == nil {
		t.Error("Chain accepted a full backup with a parent")
	}
}

func TestFlattenAppliesChainInOrder(t *testing.T) {
	full := mk(TypeFull, nil)
	full.Entries = []Entry{
		{Path: "/a", Hash: "v1", Change: ChangeAdded},
		{Path: "/b", Hash: "v1", Change: ChangeAdded},
		{Path: "/c", Hash: "v1", Change: ChangeAdded},
	}
	inc := mk(TypeIncremental, &full.Header.BackupID)
	inc.Entries = []Entry{
		{Path: "/b", Hash: "v2", Change: ChangeModified},
		{Path: "/c", Change: ChangeDeleted},
		{Path: "/d", Hash: "v1", Change: ChangeAdded},
	}

	state := Flatten([]*Manifest{full, inc})
	if len(state) != 3 {
		t.Fatalf("flattened %d paths, want 3", len(state))
	}
	if state["/a"].BackupID != full.Header.BackupID {
		t.Error("/a should still be owned by the full backup")
	}
	if state["/b"].Hash != "v2" || state["/b"].BackupID != inc.Header.BackupID {
		t.Errorf("/b = %+v, want v2 from incremental", state["/b"])
	}
	if _, ok := state["/c"]; ok {
		t.Error("/c tombstone not applied")
	}
	if _, ok := state["/d"]; !ok {
		t.Error("/d missing")
	}
}
