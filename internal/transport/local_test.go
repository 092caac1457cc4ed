package transport

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalBackendStagingLifecycle(t *testing.T) {
	root := t.TempDir()
	b, err := NewLocalBackend(root)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	ctx := context.Background()

	chunk := []byte("stored chunk bytes")
	if err := b.Put(ctx, "b1", ChunkDir+"/aa-000000", chunk); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(ctx, "b1", ManifestName, []byte("{}")); err != nil {
		t.Fatalf("Put manifest: %v", err)
	}

	// Before Finalize the backup only exists as staging.
	if _, err := os.Stat(filepath.Join(root, "b1")); !os.IsNotExist(err) {
		t.Error("final directory exists before Finalize")
	}
	got, err := ReadAllStaging(ctx, b, "b1", ChunkDir+"/aa-000000")
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Error("staged chunk differs")
	}
	if _, err := b.Open(ctx, "b1", ChunkDir+"/aa-000000"); err == nil {
		t.Error("Open served an unfinalized backup")
	}

	if err := b.Finalize(ctx, "b1"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "b1"+StagingSuffix)); !os.IsNotExist(err) {
		t.Error("staging directory survived Finalize")
	}

	got, err = ReadAll(ctx, b, "b1", ChunkDir+"/aa-000000")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Error("finalized chunk differs")
	}

	if err := b.Delete(ctx, "b1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "b1")); !os.IsNotExist(err) {
		t.Error("backup directory survived Delete")
	}
}

func TestLocalBackendPutOverwritesStaged(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	ctx := context.Background()

	if err := b.Put(ctx, "b1", "chunks/x", []byte("first attempt")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(ctx, "b1", "chunks/x", []byte("retry")); err != nil {
		t.Fatalf("Put retry: %v", err)
	}

	got, err := ReadAllStaging(ctx, b, "b1", "chunks/x")
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if string(got) != "retry" {
		t.Errorf("staged object = %q, want retry", got)
	}
}
