// Package transport delivers backup chunks to local or remote storage
// with staged, atomically finalized layouts and per-chunk retry.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/snapvault/snapvault/internal/config"
)

// Destination layout convention: everything for a backup is uploaded
// under <root>/<backup_id>.staging/ and moved to <root>/<backup_id>/ by
// Finalize only after every chunk has been acknowledged.
const (
	StagingSuffix = ".staging"
	ChunkDir      = "chunks"
	ManifestName  = "manifest.jsonl"
)

// ErrTransport indicates a transfer failure after retries were
// exhausted. Staged data is always retained for inspection.
var ErrTransport = errors.New("transport failure")

// Backend stores and retrieves a backup's objects. Object names are
// slash-separated and relative to the backup directory, e.g.
// "chunks/<name>" or "manifest.jsonl".
type Backend interface {
	// Put writes one object into the backup's staging area. The write
	// is durable when Put returns.
	Put(ctx context.Context, backupID, name string, data []byte) error

	// OpenStaging reads an object back from the staging area, used by
	// pre-finalize verification.
	OpenStaging(ctx context.Context, backupID, name string) (io.ReadCloser, error)

	// Open reads an object from a finalized backup.
	Open(ctx context.Context, backupID, name string) (io.ReadCloser, error)

	// Finalize atomically publishes the staging area as the completed
	// backup directory.
	Finalize(ctx context.Context, backupID string) error

	// Delete removes a finalized backup and all its objects.
	Delete(ctx context.Context, backupID string) error

	// Close releases any connections held by the backend.
	Close() error
}

// ReadAll fetches a whole object from a finalized backup.
func ReadAll(ctx context.Context, b Backend, backupID, name string) ([]byte, error) {
	rc, err := b.Open(ctx, backupID, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadAllStaging fetches a whole object from a backup's staging area.
func ReadAllStaging(ctx context.Context, b Backend, backupID, name string) ([]byte, error) {
	rc, err := b.OpenStaging(ctx, backupID, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// NewBackend constructs the backend for the configured destination.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Destination {
	case config.DestinationLocal:
		return NewLocalBackend(cfg.BackupDir)
	case config.DestinationSFTP:
		return NewSFTPBackend(cfg.Remote)
	case config.DestinationS3:
		return NewS3Backend(ctx, cfg.S3)
	default:
		return nil, errors.New("unsupported destination type: " + string(cfg.Destination))
	}
}
