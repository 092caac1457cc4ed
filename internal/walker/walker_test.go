package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func collect(t *testing.T, w *Walker) map[string]FileInfo {
	t.Helper()
	out := make(map[string]FileInfo)
	for info := range w.Walk(context.Background()) {
		out[info.Path] = info
	}
	return out
}

func TestWalkEmitsRegularFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "beta")

	w := New([]string{root}, nil, false, zerolog.Nop())
	got := collect(t, w)

	if len(got) != 2 {
		t.Fatalf("walked %d files, want 2", len(got))
	}
	a := got[filepath.ToSlash(filepath.Join(root, "a.txt"))]
	if a.Size != 5 {
		t.Errorf("a.txt size = %d, want 5", a.Size)
	}
	if a.Symlink {
		t.Error("a.txt reported as symlink")
	}
}

func TestWalkAppliesExcludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"), "keep")
	writeFile(t, filepath.Join(root, "skip.tmp"), "skip")
	writeFile(t, filepath.Join(root, "cache", "deep", "c.dat"), "cached")

	w := New([]string{root}, []string{"*.tmp", filepath.ToSlash(root) + "/cache/**"}, false, zerolog.Nop())
	got := collect(t, w)

	if len(got) != 1 {
		t.Fatalf("walked %d files, want 1: %v", len(got), got)
	}
	if _, ok := got[filepath.ToSlash(filepath.Join(root, "keep.txt"))]; !ok {
		t.Error("keep.txt missing from walk")
	}
}

func TestWalkRecordsSymlinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target.txt")
	writeFile(t, target, "pointed at")
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	w := New([]string{root}, nil, false, zerolog.Nop())
	got := collect(t, w)

	info, ok := got[filepath.ToSlash(link)]
	if !ok {
		t.Fatal("symlink not walked")
	}
	if !info.Symlink {
		t.Error("symlink not flagged")
	}
	if info.LinkDest != target {
		t.Errorf("LinkDest = %q, want %q", info.LinkDest, target)
	}
}

func TestWalkFollowSymlinksEmitsTargetContent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target.txt")
	writeFile(t, target, "pointed at")
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	w := New([]string{root}, nil, true, zerolog.Nop())
	got := collect(t, w)

	info, ok := got[filepath.ToSlash(link)]
	if !ok {
		t.Fatal("followed symlink not walked")
	}
	if info.Symlink {
		t.Error("followed symlink still flagged as symlink")
	}
	if info.Size != int64(len("pointed at")) {
		t.Errorf("Size = %d, want %d", info.Size, len("pointed at"))
	}
}

func TestWalkSkipsDirectorySymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real", "f.txt"), "x")
	link := filepath.Join(root, "dirlink")
	if err := os.Symlink(filepath.Join(root, "real"), link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	w := New([]string{root}, nil, true, zerolog.Nop())
	got := collect(t, w)

	if _, ok := got[filepath.ToSlash(link)]; ok {
		t.Error("directory symlink was emitted")
	}
	warned := false
	for _, warning := range w.Warnings() {
		if warning.Path == link {
			warned = true
		}
	}
	if !warned {
		t.Error("directory symlink skip not recorded as warning")
	}
}

func TestWalkMissingRootWarnsWithoutAborting(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), "ok")

	w := New([]string{filepath.Join(root, "missing"), root}, nil, false, zerolog.Nop())
	got := collect(t, w)

	if len(got) != 1 {
		t.Errorf("walked %d files, want 1", len(got))
	}
	if len(w.Warnings()) == 0 {
		t.Error("missing root produced no warning")
	}
}

func TestWalkIsNotRestartable(t *testing.T) {
	w := New([]string{t.TempDir()}, nil, false, zerolog.Nop())
	for range w.Walk(context.Background()) {
	}
	defer func() {
		if recover() == nil {
			t.Error("second Walk did not panic")
		}
	}()
	w.Walk(context.Background())
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.tmp", "/data/work/file.tmp", true},
		{"*.tmp", "/data/work/file.txt", false},
		{"pagefile.sys", "/c/pagefile.sys", true},
		{"/proc/**", "/proc/1/status", true},
		{"/proc/**", "/process/1", false},
		{"/data/**/logs", "/data/a/b/logs", true},
		{"/data/**/logs", "/data/logs", true},
		{"/data/*.db", "/data/app.db", true},
		{"/data/*.db", "/data/sub/app.db", false},
	}
	for _, tt := range tests {
		base := filepath.Base(tt.path)
		if got := Match(tt.pattern, tt.path, base); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
