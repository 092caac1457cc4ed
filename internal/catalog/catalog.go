// Package catalog maintains the durable index of backups: one sqlite
// record per backup plus one append-only manifest file per backup id.
// Mutations are transactional; reads are safe while a backup writes.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/snapvault/snapvault/internal/manifest"
)

// Status is the lifecycle state of a backup record. Transitions are
// monotonic: pending → running → verifying → terminal. A record never
// regresses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusVerifying Status = "verifying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// statusRank orders statuses for monotonicity checks. Terminal states
// share a rank; once terminal, a record is frozen.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusVerifying: 2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrNotFound indicates the backup id has no record.
	ErrNotFound = errors.New("backup not found")
	// ErrStatusRegression indicates an attempted backwards transition.
	ErrStatusRegression = errors.New("backup status may not regress")
	// ErrHasDependents indicates the record is another backup's parent.
	ErrHasDependents = errors.New("backup is referenced as a parent")
)

// Record is one backup in the catalog.
type Record struct {
	ID          uuid.UUID           `json:"id"`
	Type        manifest.BackupType `json:"type"`
	ParentID    *uuid.UUID          `json:"parent_id,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Status      Status              `json:"status"`
	SizeBytes   int64               `json:"size_bytes"`
	FileCount   int                 `json:"file_count"`
	Destination string              `json:"destination"`
	Error       string              `json:"error,omitempty"`
}

// NewRecord creates a pending record for a backup about to start.
func NewRecord(typ manifest.BackupType, parentID *uuid.UUID, destination string) *Record {
	return &Record{
		ID:          uuid.New(),
		Type:        typ,
		ParentID:    parentID,
		StartedAt:   time.Now().UTC(),
		Status:      StatusPending,
		Destination: destination,
	}
}

// Duration returns how long the backup ran, or 0 if still in flight.
func (r *Record) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// checkTransition enforces monotonic status ordering.
func checkTransition(from, to Status) error {
	fromRank, ok := statusRank[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("unknown status %q", to)
	}
	if from.IsTerminal() || toRank < fromRank {
		return fmt.Errorf("%w: %s → %s", ErrStatusRegression, from, to)
	}
	return nil
}

// ListFilter selects and orders catalog records.
type ListFilter struct {
	// Type filters by backup type when non-empty.
	Type manifest.BackupType
	// SortBy is "date" (default) or "size".
	SortBy string
	// Reverse flips the default descending order to ascending.
	Reverse bool
	// Limit caps the result count; 0 means no limit.
	Limit int
}

// Details is the full inspection view of one backup.
type Details struct {
	Record    Record      `json:"record"`
	FileCount int         `json:"file_count"`
	SizeBytes int64       `json:"size_bytes"`
	Chain     []uuid.UUID `json:"chain"`
	Entries   int         `json:"manifest_entries"`
}

// TypeUsage aggregates stored size per backup type.
type TypeUsage struct {
	Type      manifest.BackupType `json:"type"`
	Count     int                 `json:"count"`
	SizeBytes int64               `json:"size_bytes"`
}

// BackupUsage is the per-backup line of a usage report. SizeBytes is
// the new content the backup stored; Tombstones counts the deletions
// its manifest records, which occupy no chunk space.
type BackupUsage struct {
	ID         uuid.UUID           `json:"id"`
	Type       manifest.BackupType `json:"type"`
	SizeBytes  int64               `json:"size_bytes"`
	Tombstones int                 `json:"tombstones,omitempty"`
}

// DiskUsage describes the destination volume, mirroring what operators
// see from the filesystem.
type DiskUsage struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// UsageReport aggregates stored sizes across the catalog.
type UsageReport struct {
	TotalBytes int64         `json:"total_bytes"`
	ByType     []TypeUsage   `json:"by_type"`
	PerBackup  []BackupUsage `json:"per_backup"`
	Disk       *DiskUsage    `json:"disk,omitempty"`
}
