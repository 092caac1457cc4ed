// Package maintenance runs the background housekeeping jobs: retention
// sweeps of expired backups and periodic catalog compaction.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/snapvault/snapvault/internal/catalog"
	"github.com/snapvault/snapvault/internal/config"
	"github.com/snapvault/snapvault/internal/engine"
)

const (
	// retentionSchedule runs the sweep nightly, off peak.
	retentionSchedule = "0 3 * * *"
	// compactSchedule vacuums the catalog weekly.
	compactSchedule = "0 4 * * 0"
)

// Runner owns the cron scheduler for housekeeping jobs.
type Runner struct {
	cfg    *config.Config
	store  *catalog.Store
	engine *engine.Engine
	logger zerolog.Logger
	cron   *cron.Cron
}

// New creates a Runner; call Start to schedule the jobs.
func New(cfg *config.Config, store *catalog.Store, eng *engine.Engine, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  store,
		engine: eng,
		logger: logger.With().Str("component", "maintenance").Logger(),
		cron:   cron.New(),
	}
}

// Start schedules the retention sweep and catalog compaction.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(retentionSchedule, func() {
		if _, err := r.SweepExpired(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(compactSchedule, func() {
		if err := r.store.Compact(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("catalog compaction failed")
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info().Int("retention_days", r.cfg.RetentionDays).Msg("maintenance scheduled")
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// SweepExpired deletes terminal backups older than the retention
// window. A parent is never deleted ahead of a live dependent: expired
// parents are skipped while referenced and picked up on a later pass
// once their children age out, so the sweep loops until a pass makes no
// progress.
func (r *Runner) SweepExpired(ctx context.Context) (int, error) {
	if r.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.RetentionDays)

	total := 0
	for {
		records, err := r.store.List(ctx, catalog.ListFilter{})
		if err != nil {
			return total, err
		}

		deletedThisPass := 0
		for _, rec := range records {
			if !rec.Status.IsTerminal() || rec.CompletedAt == nil || !rec.CompletedAt.Before(cutoff) {
				continue
			}
			deleted, err := r.engine.RemoveBackup(ctx, rec.ID, false)
			if errors.Is(err, catalog.ErrHasDependents) {
				continue
			}
			if errors.Is(err, catalog.ErrNotFound) {
				// Removed by an earlier cascade in this pass.
				continue
			}
			if err != nil {
				return total, err
			}
			deletedThisPass += len(deleted)
			r.logger.Info().
				Str("backup_id", rec.ID.String()).
				Time("completed_at", *rec.CompletedAt).
				Msg("expired backup removed")
		}

		total += deletedThisPass
		if deletedThisPass == 0 {
			return total, nil
		}
	}
}
