package differ

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snapvault/snapvault/internal/manifest"
	"github.com/snapvault/snapvault/internal/walker"
)

func writeFile(t *testing.T, path, content string) walker.FileInfo {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return walker.FileInfo{
		Path:    filepath.ToSlash(path),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
}

func baseEntry(info walker.FileInfo, hash string) manifest.ResolvedEntry {
	return manifest.ResolvedEntry{
		Entry: manifest.Entry{
			Path:    info.Path,
			Size:    info.Size,
			ModTime: info.ModTime,
			Hash:    hash,
			Change:  manifest.ChangeAdded,
		},
		BackupID: uuid.New(),
	}
}

func runDiffer(t *testing.T, d *Differ, infos []walker.FileInfo) map[string]Selected {
	t.Helper()
	in := make(chan walker.FileInfo, len(infos))
	for _, info := range infos {
		in <- info
	}
	close(in)

	got := make(map[string]Selected)
	for sel := range d.Run(context.Background(), in) {
		got[sel.Info.Path] = sel
	}
	return got
}

func TestFullBackupSelectsEverythingAsAdded(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, filepath.Join(dir, "a"), "aaa")
	b := writeFile(t, filepath.Join(dir, "b"), "bbb")

	d := New(nil, zerolog.Nop())
	got := runDiffer(t, d, []walker.FileInfo{a, b})

	if len(got) != 2 {
		t.Fatalf("selected %d files, want 2", len(got))
	}
	for path, sel := range got {
		if sel.Change != manifest.ChangeAdded {
			t.Errorf("%s change = %s, want added", path, sel.Change)
		}
	}
	if n := d.UnchangedCount(); n != 0 {
		t.Errorf("UnchangedCount = %d, want 0", n)
	}
}

func TestIncrementalClassification(t *testing.T) {
	dir := t.TempDir()

	// Unchanged: size and mtime match the base.
	unchanged := writeFile(t, filepath.Join(dir, "unchanged"), "keep me ")
	// Grown: size differs, modification without hashing.
	grown := writeFile(t, filepath.Join(dir, "grown"), "was short")
	// Touched: same size, newer mtime, same content.
	touched := writeFile(t, filepath.Join(dir, "touched"), "same 10b..")
	// Rewritten: same size, newer mtime, different content.
	rewritten := writeFile(t, filepath.Join(dir, "rewritten"), "new bytes!")
	// Fresh: not in the base at all.
	fresh := writeFile(t, filepath.Join(dir, "fresh"), "brand new")

	touchedHash, err := HashFile(filepath.Join(dir, "touched"))
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	base := map[string]manifest.ResolvedEntry{
		unchanged.Path: baseEntry(unchanged, ""),
		grown.Path: func() manifest.ResolvedEntry {
			e := baseEntry(grown, "")
			e.Size = 4
			return e
		}(),
		touched.Path: func() manifest.ResolvedEntry {
			e := baseEntry(touched, touchedHash)
			e.ModTime = touched.ModTime.Add(-time.Hour)
			return e
		}(),
		rewritten.Path: func() manifest.ResolvedEntry {
			e := baseEntry(rewritten, "0000000000000000000000000000000000000000000000000000000000000000")
			e.ModTime = rewritten.ModTime.Add(-time.Hour)
			return e
		}(),
		// Vanished: in the base, not walked.
		filepath.ToSlash(filepath.Join(dir, "vanished")): {
			Entry: manifest.Entry{Path: filepath.ToSlash(filepath.Join(dir, "vanished"))},
		},
	}

	d := New(base, zerolog.Nop())
	got := runDiffer(t, d, []walker.FileInfo{unchanged, grown, touched, rewritten, fresh})

	if _, ok := got[unchanged.Path]; ok {
		t.Error("unchanged file was selected")
	}
	if sel := got[grown.Path]; sel.Change != manifest.ChangeModified {
		t.Errorf("grown change = %s, want modified", sel.Change)
	}
	if _, ok := got[touched.Path]; ok {
		t.Error("mtime-only change was selected despite identical content")
	}
	sel, ok := got[rewritten.Path]
	if !ok || sel.Change != manifest.ChangeModified {
		t.Errorf("rewritten = %+v, want modified", sel)
	}
	if sel.Hash == "" {
		t.Error("rewritten selection does not carry the precomputed hash")
	}
	if sel := got[fresh.Path]; sel.Change != manifest.ChangeAdded {
		t.Errorf("fresh change = %s, want added", sel.Change)
	}

	if n := d.UnchangedCount(); n != 2 {
		t.Errorf("UnchangedCount = %d, want 2", n)
	}

	tombstones := d.Tombstones()
	if len(tombstones) != 1 {
		t.Fatalf("tombstones = %d, want 1", len(tombstones))
	}
	if tombstones[0].Change != manifest.ChangeDeleted {
		t.Errorf("tombstone change = %s, want deleted", tombstones[0].Change)
	}
	if tombstones[0].Path != filepath.ToSlash(filepath.Join(dir, "vanished")) {
		t.Errorf("tombstone path = %s", tombstones[0].Path)
	}
}

func TestSymlinkComparison(t *testing.T) {
	link := walker.FileInfo{Path: "/src/link", Symlink: true, LinkDest: "/target/a"}

	samePath := map[string]manifest.ResolvedEntry{
		link.Path: {Entry: manifest.Entry{Path: link.Path, Symlink: true, LinkDest: "/target/a"}},
	}
	d := New(samePath, zerolog.Nop())
	if got := runDiffer(t, d, []walker.FileInfo{link}); len(got) != 0 {
		t.Error("unchanged symlink was selected")
	}

	retargeted := map[string]manifest.ResolvedEntry{
		link.Path: {Entry: manifest.Entry{Path: link.Path, Symlink: true, LinkDest: "/target/b"}},
	}
	d = New(retargeted, zerolog.Nop())
	got := runDiffer(t, d, []walker.FileInfo{link})
	if sel := got[link.Path]; sel.Change != manifest.ChangeModified {
		t.Errorf("retargeted symlink change = %s, want modified", sel.Change)
	}
}
