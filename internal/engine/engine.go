// Package engine orchestrates backups end to end: walk, diff,
// transform, transfer, verify, commit. It is the only writer to the
// catalog's status fields.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/snapvault/snapvault/internal/catalog"
	"github.com/snapvault/snapvault/internal/config"
	"github.com/snapvault/snapvault/internal/crypto"
	"github.com/snapvault/snapvault/internal/differ"
	"github.com/snapvault/snapvault/internal/manifest"
	"github.com/snapvault/snapvault/internal/metrics"
	"github.com/snapvault/snapvault/internal/pipeline"
	"github.com/snapvault/snapvault/internal/progress"
	"github.com/snapvault/snapvault/internal/transport"
	"github.com/snapvault/snapvault/internal/verifier"
	"github.com/snapvault/snapvault/internal/walker"
)

var (
	// ErrCapacity indicates the destination cannot hold the backup:
	// either the transfer grew past max_backup_bytes or the volume
	// lacks the free space for a ceiling-sized backup. Either way the
	// backup is aborted before commit.
	ErrCapacity = errors.New("destination capacity exceeded")
	// ErrNotRestorable indicates the backup is not in a restorable state.
	ErrNotRestorable = errors.New("backup is not completed, refusing to restore")
)

// Engine runs backups against one configured destination.
type Engine struct {
	cfg      *config.Config
	store    *catalog.Store
	tracker  *progress.Tracker
	metrics  *metrics.Metrics
	sealer   *crypto.Sealer
	verifier *verifier.Verifier
	logger   zerolog.Logger

	lockMu    sync.Mutex
	destLocks map[string]*sync.Mutex

	jobMu sync.Mutex
	jobs  map[uuid.UUID]context.CancelFunc
}

// New creates an Engine. The encryption key is loaded eagerly so a
// missing or malformed key file fails before any backup starts.
func New(cfg *config.Config, store *catalog.Store, tracker *progress.Tracker, m *metrics.Metrics, logger zerolog.Logger) (*Engine, error) {
	var sealer *crypto.Sealer
	if cfg.Encryption.Enabled {
		key, err := crypto.LoadKeyFile(cfg.Encryption.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load encryption key: %w", err)
		}
		sealer, err = crypto.NewSealer(key)
		if err != nil {
			return nil, fmt.Errorf("init sealer: %w", err)
		}
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		tracker:   tracker,
		metrics:   m,
		sealer:    sealer,
		verifier:  verifier.New(sealer, logger),
		logger:    logger.With().Str("component", "engine").Logger(),
		destLocks: make(map[string]*sync.Mutex),
		jobs:      make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Backup runs one backup synchronously and returns its final record.
// An incremental request with no completed ancestor falls back to a
// full backup.
func (e *Engine) Backup(ctx context.Context, typ manifest.BackupType) (*catalog.Record, error) {
	typ, parentID, base, err := e.resolveParent(ctx, typ)
	if err != nil {
		return nil, err
	}

	rec := catalog.NewRecord(typ, parentID, e.cfg.DestinationRef())
	if err := e.store.CreateBackup(ctx, rec); err != nil {
		return nil, err
	}

	runErr := e.run(ctx, rec, base)
	final, err := e.store.GetBackup(context.WithoutCancel(ctx), rec.ID)
	if err != nil {
		return rec, runErr
	}
	return final, runErr
}

// StartBackup creates the record and runs the backup in the background,
// returning the id immediately. Used by the query API.
func (e *Engine) StartBackup(ctx context.Context, typ manifest.BackupType) (uuid.UUID, error) {
	typ, parentID, base, err := e.resolveParent(ctx, typ)
	if err != nil {
		return uuid.Nil, err
	}

	rec := catalog.NewRecord(typ, parentID, e.cfg.DestinationRef())
	if err := e.store.CreateBackup(ctx, rec); err != nil {
		return uuid.Nil, err
	}

	go func() {
		if err := e.run(context.Background(), rec, base); err != nil {
			e.logger.Error().Str("backup_id", rec.ID.String()).Err(err).Msg("backup failed")
		}
	}()
	return rec.ID, nil
}

// Resume reopens a failed or cancelled backup and re-runs it. The walk
// and diff are repeated from scratch; chunks already acknowledged in
// the journal whose content is unchanged are not re-sent.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) (*catalog.Record, error) {
	rec, err := e.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}

	var base map[string]manifest.ResolvedEntry
	if rec.ParentID != nil {
		chain, err := manifest.Chain(e.store, *rec.ParentID)
		if err != nil {
			return nil, fmt.Errorf("resolve parent chain: %w", err)
		}
		base = manifest.Flatten(chain)
	}

	if err := e.store.MarkResumed(ctx, id); err != nil {
		return nil, err
	}

	runErr := e.run(ctx, rec, base)
	final, err := e.store.GetBackup(context.WithoutCancel(ctx), id)
	if err != nil {
		return rec, runErr
	}
	return final, runErr
}

// Cancel stops an in-flight backup. The record transitions to
// cancelled; staged data and the journal are retained for resume.
func (e *Engine) Cancel(id uuid.UUID) error {
	e.jobMu.Lock()
	cancel, ok := e.jobs[id]
	e.jobMu.Unlock()
	if !ok {
		return catalog.ErrNotFound
	}
	cancel()
	return nil
}

// resolveParent picks the incremental base. When the catalog has no
// completed backup to build on, the request is downgraded to full.
func (e *Engine) resolveParent(ctx context.Context, typ manifest.BackupType) (manifest.BackupType, *uuid.UUID, map[string]manifest.ResolvedEntry, error) {
	if typ != manifest.TypeIncremental {
		return manifest.TypeFull, nil, nil, nil
	}

	latest, err := e.store.LatestCompleted(ctx)
	if err != nil {
		return typ, nil, nil, err
	}
	if latest == nil {
		e.logger.Warn().Msg("no completed backup to build on, running full backup instead")
		return manifest.TypeFull, nil, nil, nil
	}

	chain, err := manifest.Chain(e.store, latest.ID)
	if err != nil {
		return typ, nil, nil, fmt.Errorf("resolve parent chain: %w", err)
	}
	return manifest.TypeIncremental, &latest.ID, manifest.Flatten(chain), nil
}

// lockDestination serializes backups against one destination. Two
// concurrent backups to the same destination would race the staging
// layout.
func (e *Engine) lockDestination(ref string) func() {
	e.lockMu.Lock()
	mu, ok := e.destLocks[ref]
	if !ok {
		mu = &sync.Mutex{}
		e.destLocks[ref] = mu
	}
	e.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (e *Engine) journalPath(id uuid.UUID) string {
	return filepath.Join(e.cfg.DataDir, "journals", id.String()+".jsonl")
}

// run executes the backup phases for an already-registered record.
func (e *Engine) run(ctx context.Context, rec *catalog.Record, base map[string]manifest.ResolvedEntry) error {
	unlock := e.lockDestination(rec.Destination)
	defer unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.jobMu.Lock()
	e.jobs[rec.ID] = cancel
	e.jobMu.Unlock()
	defer func() {
		e.jobMu.Lock()
		delete(e.jobs, rec.ID)
		e.jobMu.Unlock()
	}()

	e.metrics.ActiveBackups.Inc()
	defer e.metrics.ActiveBackups.Dec()
	started := time.Now()

	logger := e.logger.With().Str("backup_id", rec.ID.String()).Str("type", string(rec.Type)).Logger()
	logger.Info().Str("destination", rec.Destination).Msg("backup starting")

	err := e.execute(runCtx, rec, base, logger)
	if err != nil {
		return e.finish(ctx, rec, started, err, logger)
	}
	return e.finish(ctx, rec, started, nil, logger)
}

// finish records the terminal status. The parent context may already be
// cancelled, so catalog writes use a detached context.
func (e *Engine) finish(ctx context.Context, rec *catalog.Record, started time.Time, runErr error, logger zerolog.Logger) error {
	bg := context.WithoutCancel(ctx)
	elapsed := time.Since(started)

	switch {
	case runErr == nil:
		if err := e.store.UpdateStatus(bg, rec.ID, catalog.StatusCompleted, ""); err != nil {
			return err
		}
		e.metrics.BackupsTotal.WithLabelValues(string(catalog.StatusCompleted)).Inc()
		e.metrics.BackupSeconds.Observe(elapsed.Seconds())
		e.tracker.Publish(progress.Update{BackupID: rec.ID, Phase: progress.PhaseDone})
		logger.Info().Dur("elapsed", elapsed).Msg("backup completed")
		return nil

	case errors.Is(runErr, context.Canceled):
		if err := e.store.UpdateStatus(bg, rec.ID, catalog.StatusCancelled, "cancelled by operator"); err != nil {
			logger.Error().Err(err).Msg("failed to record cancellation")
		}
		e.metrics.BackupsTotal.WithLabelValues(string(catalog.StatusCancelled)).Inc()
		logger.Warn().Msg("backup cancelled, staged data retained")
		return runErr

	default:
		if err := e.store.UpdateStatus(bg, rec.ID, catalog.StatusFailed, runErr.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to record failure")
		}
		e.metrics.BackupsTotal.WithLabelValues(string(catalog.StatusFailed)).Inc()
		logger.Error().Err(runErr).Msg("backup failed, staged data retained")
		return runErr
	}
}

// execute runs the capture phases. Any error aborts before Finalize, so
// a failed backup never becomes visible as completed.
func (e *Engine) execute(ctx context.Context, rec *catalog.Record, base map[string]manifest.ResolvedEntry, logger zerolog.Logger) error {
	if err := e.checkCapacity(); err != nil {
		return err
	}

	backend, err := transport.NewBackend(ctx, e.cfg)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer backend.Close()

	retrier := transport.NewRetrier(backend, e.cfg.ChunkRetries, e.cfg.ChunkTimeout, logger)
	retrier.OnRetry = e.metrics.ChunkRetries.Inc

	if err := e.store.UpdateStatus(ctx, rec.ID, catalog.StatusRunning, ""); err != nil {
		return err
	}
	e.tracker.Publish(progress.Update{BackupID: rec.ID, Phase: progress.PhaseWalking})

	acked, err := pipeline.LoadJournal(e.journalPath(rec.ID))
	if err != nil {
		return err
	}
	journal, err := pipeline.OpenJournal(e.journalPath(rec.ID))
	if err != nil {
		return err
	}
	defer journal.Close()

	pipe, err := pipeline.New(e.cfg.CompressionLevel, e.sealer, e.cfg.ChunkSize)
	if err != nil {
		return err
	}

	entries, storedBytes, err := e.transfer(ctx, rec, base, pipe, retrier, journal, acked)
	if err != nil {
		return err
	}

	manifestPath, err := e.writeManifest(rec, entries)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest for upload: %w", err)
	}
	if err := retrier.Put(ctx, rec.ID.String(), transport.ManifestName, data); err != nil {
		return err
	}

	if err := e.store.UpdateStatus(ctx, rec.ID, catalog.StatusVerifying, ""); err != nil {
		return err
	}
	e.tracker.Publish(progress.Update{BackupID: rec.ID, Phase: progress.PhaseVerifying})

	m, err := e.store.LoadManifest(rec.ID)
	if err != nil {
		return err
	}
	if err := e.verifier.Sweep(ctx, backend, m, e.cfg.VerifyFull, true); err != nil {
		e.metrics.VerifyFailures.Inc()
		return err
	}

	if err := backend.Finalize(ctx, rec.ID.String()); err != nil {
		return fmt.Errorf("finalize backup: %w", err)
	}

	if err := e.store.SetResult(ctx, rec.ID, storedBytes, m.FileCount()); err != nil {
		return err
	}
	if err := os.Remove(e.journalPath(rec.ID)); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to remove journal")
	}
	return nil
}

// transfer streams the walk through the diff and the transform workers
// into the destination staging area. Chunks already journaled with the
// same plaintext checksum are skipped; their refs keep the journaled
// stored checksum and size so the manifest matches the staged bytes.
func (e *Engine) transfer(ctx context.Context, rec *catalog.Record, base map[string]manifest.ResolvedEntry,
	pipe *pipeline.Pipeline, retrier *transport.Retrier, journal *pipeline.Journal,
	acked map[string]pipeline.JournalRecord) ([]manifest.Entry, int64, error) {

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := walker.New(e.cfg.Sources, e.cfg.Excludes, e.cfg.FollowSymlinks, e.logger)
	d := differ.New(base, e.logger)
	selected := d.Run(workCtx, w.Walk(workCtx))

	var (
		entriesMu sync.Mutex
		entries   []manifest.Entry

		journalMu sync.Mutex
		stored    atomic.Int64
		selTotal  atomic.Int64

		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.PipelineWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sel := range selected {
				path := sel.Info.Path
				if !sel.Info.Symlink {
					// The running sum over selected files becomes the
					// denominator for progress reporting.
					e.tracker.Publish(progress.Update{BackupID: rec.ID, BytesTotal: selTotal.Add(sel.Info.Size)})
				}
				emit := func(c *pipeline.Chunk) error {
					key := pipeline.JournalKey(path, c.Ref.Index)
					if prev, ok := acked[key]; ok && prev.PlainSHA == c.Ref.PlainSHA {
						// Already staged by a previous attempt. The ref
						// must describe the staged bytes; re-running the
						// transform yields different ones under
						// encryption.
						c.Ref.StoredSHA = prev.StoredSHA
						c.Ref.StoredSize = prev.StoredSize
					} else {
						if err := retrier.Put(workCtx, rec.ID.String(), transport.ChunkDir+"/"+c.Ref.StoredName, c.Data); err != nil {
							return err
						}
						journalMu.Lock()
						err := journal.Commit(path, c.Ref)
						journalMu.Unlock()
						if err != nil {
							return err
						}
					}

					total := stored.Add(c.Ref.StoredSize)
					if e.cfg.MaxBackupBytes > 0 && total > e.cfg.MaxBackupBytes {
						return fmt.Errorf("%w: %d bytes stored, ceiling %d", ErrCapacity, total, e.cfg.MaxBackupBytes)
					}

					e.metrics.BytesProcessed.Add(float64(c.Ref.PlainSize))
					e.metrics.BytesStored.Add(float64(c.Ref.StoredSize))
					e.tracker.Publish(progress.Update{
						BackupID:   rec.ID,
						Phase:      progress.PhaseTransferring,
						BytesDelta: c.Ref.PlainSize,
						File:       path,
					})
					return nil
				}

				entry, err := pipe.ProcessFile(workCtx, pipeline.SelectedFile{
					Info:   sel.Info,
					Change: sel.Change,
					Hash:   sel.Hash,
				}, emit)
				if err != nil {
					fail(err)
					return
				}

				entriesMu.Lock()
				entries = append(entries, entry)
				entriesMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	// Worker completion order is nondeterministic; manifests are kept
	// in path order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	if base != nil {
		entries = append(entries, d.Tombstones()...)
	}

	e.logger.Info().
		Str("backup_id", rec.ID.String()).
		Int("captured", len(entries)).
		Int("unchanged", d.UnchangedCount()).
		Int("walk_warnings", len(w.Warnings())).
		Msg("transfer finished")
	return entries, stored.Load(), nil
}

// writeManifest persists the manifest into the catalog's manifest
// directory. A leftover from a previous resume attempt is replaced.
func (e *Engine) writeManifest(rec *catalog.Record, entries []manifest.Entry) (string, error) {
	path := e.store.ManifestPath(rec.ID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale manifest: %w", err)
	}

	w, err := manifest.NewWriter(path, manifest.Header{
		BackupID:    rec.ID,
		Type:        rec.Type,
		ParentID:    rec.ParentID,
		CreatedAt:   time.Now().UTC(),
		Compression: e.cfg.CompressionLevel,
		Encrypted:   e.sealer != nil,
	})
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if err := w.Append(entry); err != nil {
			w.Close()
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// checkCapacity rejects a backup upfront when the local destination
// volume cannot hold a ceiling-sized backup.
func (e *Engine) checkCapacity() error {
	if e.cfg.Destination != config.DestinationLocal || e.cfg.MaxBackupBytes <= 0 {
		return nil
	}
	du, err := disk.Usage(e.cfg.BackupDir)
	if err != nil {
		// Capacity is advisory; the running ceiling still applies.
		e.logger.Warn().Err(err).Msg("destination capacity unavailable")
		return nil
	}
	if du.Free < uint64(e.cfg.MaxBackupBytes) {
		return fmt.Errorf("%w: destination has %d bytes free, ceiling is %d", ErrCapacity, du.Free, e.cfg.MaxBackupBytes)
	}
	return nil
}

// Restore replays the backup's manifest chain into target with full
// hash verification.
func (e *Engine) Restore(ctx context.Context, id uuid.UUID, target string) error {
	rec, err := e.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != catalog.StatusCompleted {
		return fmt.Errorf("%w: status is %s", ErrNotRestorable, rec.Status)
	}

	chain, err := manifest.Chain(e.store, id)
	if err != nil {
		return err
	}

	backend, err := transport.NewBackend(ctx, e.cfg)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer backend.Close()

	e.tracker.Publish(progress.Update{BackupID: id, Phase: progress.PhaseRestoring})
	if err := e.verifier.Restore(ctx, backend, chain, target); err != nil {
		e.metrics.VerifyFailures.Inc()
		return err
	}
	e.tracker.Publish(progress.Update{BackupID: id, Phase: progress.PhaseDone})
	return nil
}

// Verify re-reads a finalized backup's chunks against its manifest.
func (e *Engine) Verify(ctx context.Context, id uuid.UUID, full bool) error {
	m, err := e.store.LoadManifest(id)
	if err != nil {
		return err
	}

	backend, err := transport.NewBackend(ctx, e.cfg)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer backend.Close()

	if err := e.verifier.Sweep(ctx, backend, m, full, false); err != nil {
		e.metrics.VerifyFailures.Inc()
		return err
	}
	return nil
}

// RemoveBackup deletes catalog records and destination data. Without
// force, a backup that is another backup's parent is refused.
func (e *Engine) RemoveBackup(ctx context.Context, id uuid.UUID, force bool) ([]uuid.UUID, error) {
	deleted, err := e.store.Delete(ctx, id, force)
	if err != nil {
		return nil, err
	}

	backend, err := transport.NewBackend(ctx, e.cfg)
	if err != nil {
		return deleted, fmt.Errorf("open destination: %w", err)
	}
	defer backend.Close()

	for _, del := range deleted {
		if err := backend.Delete(ctx, del.String()); err != nil {
			e.logger.Warn().Str("backup_id", del.String()).Err(err).Msg("failed to remove destination data")
		}
	}
	return deleted, nil
}
