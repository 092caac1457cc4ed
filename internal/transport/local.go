package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalBackend stores backups under a local directory. Objects are
// written to "<root>/<id>.staging/" and the whole directory is renamed
// to "<root>/<id>/" on Finalize, so a completed backup appears
// atomically.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates the backup root if needed.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

func (b *LocalBackend) stagingDir(backupID string) string {
	return filepath.Join(b.root, backupID+StagingSuffix)
}

func (b *LocalBackend) finalDir(backupID string) string {
	return filepath.Join(b.root, backupID)
}

// Put writes one object into staging and syncs it.
func (b *LocalBackend) Put(ctx context.Context, backupID, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(b.stagingDir(backupID), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create staged object: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write staged object: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync staged object: %w", err)
	}
	return f.Close()
}

// OpenStaging reads a staged object.
func (b *LocalBackend) OpenStaging(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(b.stagingDir(backupID), filepath.FromSlash(name)))
}

// Open reads an object from a finalized backup.
func (b *LocalBackend) Open(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(b.finalDir(backupID), filepath.FromSlash(name)))
}

// Finalize renames the staging directory into place.
func (b *LocalBackend) Finalize(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(b.stagingDir(backupID), b.finalDir(backupID)); err != nil {
		return fmt.Errorf("finalize backup directory: %w", err)
	}
	return nil
}

// Delete removes a finalized backup directory.
func (b *LocalBackend) Delete(ctx context.Context, backupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(b.finalDir(backupID)); err != nil {
		return fmt.Errorf("delete backup directory: %w", err)
	}
	return nil
}

// Close is a no-op for the local backend.
func (b *LocalBackend) Close() error { return nil }
