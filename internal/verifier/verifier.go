// Package verifier performs post-backup integrity sweeps and
// restore-time manifest-chain replay with hash verification.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snapvault/snapvault/internal/crypto"
	"github.com/snapvault/snapvault/internal/manifest"
	"github.com/snapvault/snapvault/internal/pipeline"
	"github.com/snapvault/snapvault/internal/transport"
)

// ErrIntegrity indicates a checksum or chain failure. It is never
// silently ignored: a backup sweep failure fails the backup, a restore
// failure aborts the whole restore.
var ErrIntegrity = errors.New("integrity verification failed")

// sampleStride selects roughly 10% of entries for the default
// post-backup sweep.
const sampleStride = 10

// Verifier checks stored chunks against manifest checksums.
type Verifier struct {
	sealer *crypto.Sealer
	logger zerolog.Logger
}

// New creates a Verifier. The sealer is required only when chains
// contain encrypted backups.
func New(sealer *crypto.Sealer, logger zerolog.Logger) *Verifier {
	return &Verifier{
		sealer: sealer,
		logger: logger.With().Str("component", "verifier").Logger(),
	}
}

// decoderFor builds a chunk decoder matching the transform settings a
// manifest was written with.
func (v *Verifier) decoderFor(h manifest.Header) (*pipeline.Pipeline, error) {
	var sealer *crypto.Sealer
	if h.Encrypted {
		if v.sealer == nil {
			return nil, fmt.Errorf("%w: backup %s is encrypted but no key is available", ErrIntegrity, h.BackupID)
		}
		sealer = v.sealer
	}
	return pipeline.New(h.Compression, sealer, 1)
}

// Sweep re-reads a backup's chunks and fully decodes them against the
// manifest checksums, proving the backup is restorable. With full=false
// a sample of entries is swept; every entry otherwise. staged selects
// the pre-finalize staging area, used by the post-backup sweep before
// the backup is published.
func (v *Verifier) Sweep(ctx context.Context, backend transport.Backend, m *manifest.Manifest, full, staged bool) error {
	dec, err := v.decoderFor(m.Header)
	if err != nil {
		return err
	}

	open := backend.Open
	if staged {
		open = backend.OpenStaging
	}
	id := m.Header.BackupID.String()

	checked := 0
	for i, entry := range m.Entries {
		if entry.Change == manifest.ChangeDeleted || entry.Symlink {
			continue
		}
		if !full && i%sampleStride != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, ref := range entry.Chunks {
			rc, err := open(ctx, id, transport.ChunkDir+"/"+ref.StoredName)
			if err != nil {
				return fmt.Errorf("%w: open chunk %s: %v", ErrIntegrity, ref.StoredName, err)
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("%w: read chunk %s: %v", ErrIntegrity, ref.StoredName, err)
			}
			if _, err := dec.DecodeChunk(ref, data); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrIntegrity, entry.Path, err)
			}
		}
		checked++
	}

	v.logger.Info().
		Str("backup_id", id).
		Int("entries_checked", checked).
		Bool("full_sweep", full).
		Msg("integrity sweep passed")
	return nil
}

// Restore replays a manifest chain in apply order into target. Every
// restored file's hash is verified before anything is published: files
// are materialized under a hidden scratch directory first and moved
// into target only after the whole set verified, so a failure leaves
// no partial tree presented as success.
func (v *Verifier) Restore(ctx context.Context, backend transport.Backend, chain []*manifest.Manifest, target string) error {
	state := manifest.Flatten(chain)

	decoders := make(map[string]*pipeline.Pipeline, len(chain))
	for _, m := range chain {
		dec, err := v.decoderFor(m.Header)
		if err != nil {
			return err
		}
		decoders[m.Header.BackupID.String()] = dec
	}

	scratch, err := os.MkdirTemp(filepath.Dir(target), ".snapvault-restore-*")
	if err != nil {
		return fmt.Errorf("create restore scratch directory: %w", err)
	}

	paths := make([]string, 0, len(state))
	for p := range state {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(scratch)
			return err
		}
		entry := state[p]
		if err := v.restoreEntry(ctx, backend, decoders[entry.BackupID.String()], entry, scratch); err != nil {
			os.RemoveAll(scratch)
			return err
		}
	}

	// Everything verified; publish into the target tree.
	if err := publish(scratch, target, paths); err != nil {
		os.RemoveAll(scratch)
		return err
	}
	os.RemoveAll(scratch)

	v.logger.Info().Int("files", len(paths)).Str("target", target).Msg("restore completed")
	return nil
}

// restoreEntry fetches, decodes, and hash-verifies one file into the
// scratch tree.
func (v *Verifier) restoreEntry(ctx context.Context, backend transport.Backend, dec *pipeline.Pipeline, entry manifest.ResolvedEntry, scratch string) error {
	dest := filepath.Join(scratch, relPath(entry.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return fmt.Errorf("create restore directory: %w", err)
	}

	if entry.Symlink {
		if err := os.Symlink(entry.LinkDest, dest); err != nil {
			return fmt.Errorf("restore symlink %s: %w", entry.Path, err)
		}
		return nil
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(entry.Mode).Perm()|0600)
	if err != nil {
		return fmt.Errorf("create restored file: %w", err)
	}

	fileHash := sha256.New()
	for _, ref := range entry.Chunks {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		stored, err := transport.ReadAll(ctx, backend, entry.BackupID.String(), transport.ChunkDir+"/"+ref.StoredName)
		if err != nil {
			f.Close()
			return fmt.Errorf("%w: fetch chunk %s for %s: %v", ErrIntegrity, ref.StoredName, entry.Path, err)
		}
		plain, err := dec.DecodeChunk(ref, stored)
		if err != nil {
			f.Close()
			return fmt.Errorf("%w: %s: %v", ErrIntegrity, entry.Path, err)
		}
		fileHash.Write(plain)
		if _, err := f.Write(plain); err != nil {
			f.Close()
			return fmt.Errorf("write restored file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close restored file: %w", err)
	}

	if got := hex.EncodeToString(fileHash.Sum(nil)); got != entry.Hash {
		return fmt.Errorf("%w: restored %s hash %s does not match manifest %s", ErrIntegrity, entry.Path, got, entry.Hash)
	}
	return nil
}

// publish moves verified files from the scratch tree into the target.
func publish(scratch, target string, paths []string) error {
	for _, p := range paths {
		rel := relPath(p)
		src := filepath.Join(scratch, rel)
		dst := filepath.Join(target, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
			return fmt.Errorf("create target directory: %w", err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("publish restored file %s: %w", rel, err)
		}
	}
	return nil
}

// relPath maps an absolute manifest path into a relative tree path.
func relPath(p string) string {
	p = strings.TrimPrefix(filepath.ToSlash(p), "/")
	// Strip a Windows volume prefix like "C:".
	if len(p) > 1 && p[1] == ':' {
		p = p[2:]
		p = strings.TrimPrefix(p, "/")
	}
	return filepath.FromSlash(p)
}
