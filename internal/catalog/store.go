package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	_ "modernc.org/sqlite"

	"github.com/snapvault/snapvault/internal/manifest"
)

// Store is the sqlite-backed catalog. It owns the index database and
// the per-backup manifest files under <dataDir>/manifests.
type Store struct {
	db          *sql.DB
	manifestDir string
	logger      zerolog.Logger
}

// NewStore opens (or creates) the catalog under dataDir.
func NewStore(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	manifestDir := filepath.Join(dataDir, "manifests")
	if err := os.MkdirAll(manifestDir, 0700); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "catalog.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	s := &Store{
		db:          db,
		manifestDir: manifestDir,
		logger:      logger.With().Str("component", "catalog").Logger(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog database: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("catalog initialized")
	return s, nil
}

// migrate creates the necessary tables and query indexes.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			parent_id TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			file_count INTEGER NOT NULL DEFAULT 0,
			destination TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_backups_started_at ON backups(started_at);
		CREATE INDEX IF NOT EXISTS idx_backups_size ON backups(size_bytes);
		CREATE INDEX IF NOT EXISTS idx_backups_status ON backups(status);
		CREATE INDEX IF NOT EXISTS idx_backups_parent ON backups(parent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ManifestPath returns the on-disk manifest file for a backup id.
func (s *Store) ManifestPath(id uuid.UUID) string {
	return filepath.Join(s.manifestDir, id.String()+".jsonl")
}

// LoadManifest implements manifest.Store.
func (s *Store) LoadManifest(id uuid.UUID) (*manifest.Manifest, error) {
	return manifest.Load(s.ManifestPath(id))
}

// CreateBackup inserts a new record transactionally. The record is
// visible to list/details as soon as the transaction commits.
func (s *Store) CreateBackup(ctx context.Context, rec *Record) error {
	var parentID sql.NullString
	if rec.ParentID != nil {
		parentID = sql.NullString{String: rec.ParentID.String(), Valid: true}
	}

	query := `
		INSERT INTO backups (id, type, parent_id, started_at, completed_at, status, size_bytes, file_count, destination, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID.String(),
		string(rec.Type),
		parentID,
		rec.StartedAt.Format(time.RFC3339Nano),
		nullTime(rec.CompletedAt),
		string(rec.Status),
		rec.SizeBytes,
		rec.FileCount,
		rec.Destination,
		nullString(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("insert backup record: %w", err)
	}
	return nil
}

// GetBackup retrieves one record by id.
func (s *Store) GetBackup(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM backups WHERE id = ?`, id.String())
	return scanRecord(row)
}

// UpdateStatus transitions a record, enforcing monotonic ordering
// inside a transaction so concurrent writers cannot race a regression
// past the check.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM backups WHERE id = ?`, id.String()).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if err := checkTransition(Status(current), to); err != nil {
		return err
	}

	var completedAt sql.NullString
	if to.IsTerminal() {
		completedAt = sql.NullString{String: time.Now().UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE backups SET status = ?, error = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(to), nullString(errMsg), completedAt, id.String())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// MarkResumed reopens a failed or cancelled record for a resume
// attempt. This is the one sanctioned rewind: an explicit operator
// action, not a status update, so the monotonic transition check does
// not apply. Completed records are never reopened.
func (s *Store) MarkResumed(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM backups WHERE id = ?`, id.String()).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}
	if st := Status(current); st != StatusFailed && st != StatusCancelled {
		return fmt.Errorf("cannot resume backup in status %q", st)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE backups SET status = ?, error = NULL, completed_at = NULL WHERE id = ?`,
		string(StatusRunning), id.String())
	if err != nil {
		return fmt.Errorf("reopen backup record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resume: %w", err)
	}
	s.logger.Info().Str("backup_id", id.String()).Msg("backup reopened for resume")
	return nil
}

// SetResult records the final size and file count of a backup.
func (s *Store) SetResult(ctx context.Context, id uuid.UUID, sizeBytes int64, fileCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backups SET size_bytes = ?, file_count = ? WHERE id = ?`,
		sizeBytes, fileCount, id.String())
	if err != nil {
		return fmt.Errorf("update backup result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns records matching the filter, ordered as requested.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	query := selectColumns + ` FROM backups`
	var args []any

	if filter.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, string(filter.Type))
	}

	order := "DESC"
	if filter.Reverse {
		order = "ASC"
	}
	switch filter.SortBy {
	case "size":
		query += ` ORDER BY size_bytes ` + order
	default:
		query += ` ORDER BY started_at ` + order
	}

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryRecords(ctx, query, args...)
}

// LatestCompleted returns the most recent completed backup, or nil when
// the catalog has none. Used to pick the incremental parent.
func (s *Store) LatestCompleted(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM backups WHERE status = ? ORDER BY started_at DESC LIMIT 1`,
		string(StatusCompleted))
	rec, err := scanRecord(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return rec, err
}

// Dependents returns the ids of backups whose parent_id references the
// given backup.
func (s *Store) Dependents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM backups WHERE parent_id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan dependent id: %w", err)
		}
		dep, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse dependent id: %w", err)
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

// Delete removes a record, its manifest, and (with force) every
// dependent, depth-first so no orphan manifests remain. It returns the
// deleted ids so the caller can remove the chunk data at the
// destination. Without force, a record that is another backup's parent
// is refused.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, force bool) ([]uuid.UUID, error) {
	if _, err := s.GetBackup(ctx, id); err != nil {
		return nil, err
	}

	deps, err := s.Dependents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(deps) > 0 && !force {
		return nil, fmt.Errorf("%w: %s has %d dependent backup(s)", ErrHasDependents, id, len(deps))
	}

	// Collect the cascade set, children before parents.
	var order []uuid.UUID
	var collect func(uuid.UUID) error
	collect = func(cur uuid.UUID) error {
		children, err := s.Dependents(ctx, cur)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := collect(child); err != nil {
				return err
			}
		}
		order = append(order, cur)
		return nil
	}
	if err := collect(id); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, del := range order {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, del.String()); err != nil {
			return nil, fmt.Errorf("delete backup record %s: %w", del, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}

	// Records are gone; now drop the manifests. Chunk removal at the
	// destination is the caller's job.
	for _, del := range order {
		if err := os.Remove(s.ManifestPath(del)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Str("backup_id", del.String()).Err(err).Msg("failed to remove manifest file")
		}
	}

	s.logger.Info().Str("backup_id", id.String()).Int("cascade", len(order)-1).Msg("backup deleted")
	return order, nil
}

// Details returns the inspection view for one backup, including its
// full parent chain.
func (s *Store) Details(ctx context.Context, id uuid.UUID) (*Details, error) {
	rec, err := s.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}

	d := &Details{
		Record:    *rec,
		FileCount: rec.FileCount,
		SizeBytes: rec.SizeBytes,
	}

	m, err := s.LoadManifest(id)
	if err == nil {
		d.Entries = len(m.Entries)
		d.FileCount = m.FileCount()
	}

	chain, err := manifest.Chain(s, id)
	if err != nil {
		// An in-flight or failed backup may not have a manifest yet;
		// details still returns the record.
		s.logger.Debug().Str("backup_id", id.String()).Err(err).Msg("chain not resolvable")
		return d, nil
	}
	for _, m := range chain {
		d.Chain = append(d.Chain, m.Header.BackupID)
	}
	return d, nil
}

// Usage aggregates stored sizes. Per-backup lines include the tombstone
// count from the manifest; a backup without a manifest yet reports
// zero. diskPath, when non-empty, adds volume statistics for the
// destination filesystem.
func (s *Store) Usage(ctx context.Context, diskPath string) (*UsageReport, error) {
	report := &UsageReport{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, size_bytes FROM backups ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	byType := make(map[manifest.BackupType]*TypeUsage)
	for rows.Next() {
		var idStr, typStr string
		var size int64
		if err := rows.Scan(&idStr, &typStr, &size); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse backup id: %w", err)
		}

		typ := manifest.BackupType(typStr)
		report.TotalBytes += size

		bu := BackupUsage{ID: id, Type: typ, SizeBytes: size}
		if m, err := s.LoadManifest(id); err == nil {
			for _, entry := range m.Entries {
				if entry.Change == manifest.ChangeDeleted {
					bu.Tombstones++
				}
			}
		}
		report.PerBackup = append(report.PerBackup, bu)

		tu := byType[typ]
		if tu == nil {
			tu = &TypeUsage{Type: typ}
			byType[typ] = tu
		}
		tu.Count++
		tu.SizeBytes += size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}

	for _, typ := range []manifest.BackupType{manifest.TypeFull, manifest.TypeIncremental} {
		if tu, ok := byType[typ]; ok {
			report.ByType = append(report.ByType, *tu)
		}
	}

	if diskPath != "" {
		if du, err := disk.Usage(diskPath); err == nil {
			report.Disk = &DiskUsage{
				TotalBytes:  du.Total,
				UsedBytes:   du.Used,
				FreeBytes:   du.Free,
				UsedPercent: du.UsedPercent,
			}
		} else {
			s.logger.Warn().Str("path", diskPath).Err(err).Msg("disk usage unavailable")
		}
	}

	return report, nil
}

// Reconcile marks records left non-terminal by a previous process as
// failed. Only an entry point that owns the write path may call it,
// once, before accepting new work; a read-only caller must not, since
// another process may hold those backups legitimately in flight.
// Staged data at the destination is retained for inspection.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backups
		SET status = ?, error = ?, completed_at = datetime('now')
		WHERE status IN (?, ?, ?)
	`, string(StatusFailed), "interrupted: process exited mid-backup",
		string(StatusPending), string(StatusRunning), string(StatusVerifying))
	if err != nil {
		return 0, fmt.Errorf("reconcile catalog: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Warn().Int64("records", affected).Msg("reconciled interrupted backups")
	}
	return int(affected), nil
}

// Compact reclaims space in the index database.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum catalog: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, type, parent_id, started_at, completed_at, status, size_bytes, file_count, destination, error`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one row into a Record.
func scanRecord(row rowScanner) (*Record, error) {
	var (
		idStr, typStr, startedStr, statusStr, destination string
		parentStr, completedStr, errMsg                   sql.NullString
		sizeBytes                                         int64
		fileCount                                         int
	)

	err := row.Scan(&idStr, &typStr, &parentStr, &startedStr, &completedStr, &statusStr, &sizeBytes, &fileCount, &destination, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan backup row: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse backup id: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, startedStr)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}

	rec := &Record{
		ID:          id,
		Type:        manifest.BackupType(typStr),
		StartedAt:   startedAt,
		Status:      Status(statusStr),
		SizeBytes:   sizeBytes,
		FileCount:   fileCount,
		Destination: destination,
	}

	if parentStr.Valid {
		parent, err := uuid.Parse(parentStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent id: %w", err)
		}
		rec.ParentID = &parent
	}
	if completedStr.Valid {
		// completed_at is written both by Go (RFC3339Nano) and by
		// sqlite's datetime() during reconcile.
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, completedStr.String); err == nil {
				rec.CompletedAt = &t
				break
			}
		}
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return rec, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query backups: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
