// Package main is the entrypoint for the SnapVault CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snapvault/snapvault/internal/api"
	"github.com/snapvault/snapvault/internal/catalog"
	"github.com/snapvault/snapvault/internal/config"
	"github.com/snapvault/snapvault/internal/crypto"
	"github.com/snapvault/snapvault/internal/engine"
	"github.com/snapvault/snapvault/internal/maintenance"
	"github.com/snapvault/snapvault/internal/manifest"
	"github.com/snapvault/snapvault/internal/metrics"
	"github.com/snapvault/snapvault/internal/progress"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "snapvault",
		Short: "SnapVault incremental backup engine",
		Long: `SnapVault captures full and incremental backups of configured
source directories to local, SFTP, or S3 destinations, with chunked
compression, optional encryption, and verified restores.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default ~/.snapvault/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newKeygenCmd(),
		newBackupCmd(),
		newResumeCmd(),
		newRestoreCmd(),
		newVerifyCmd(),
		newListCmd(),
		newDetailsCmd(),
		newUsageCmd(),
		newDeleteCmd(),
		newSweepCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// env bundles the long-lived components a command needs.
type env struct {
	cfg     *config.Config
	store   *catalog.Store
	tracker *progress.Tracker
	metrics *metrics.Metrics
	engine  *engine.Engine
	logger  zerolog.Logger

	stopTracker context.CancelFunc
}

// openEnv wires the components for read-only commands. Commands that
// run backups use openWriteEnv instead.
func openEnv() (*env, error) {
	return newEnv(false)
}

// openWriteEnv additionally reconciles records abandoned by a previous
// process. Read-only commands never reconcile: another process may
// have a backup legitimately in flight.
func openWriteEnv() (*env, error) {
	return newEnv(true)
}

func newEnv(reconcile bool) (*env, error) {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := catalog.NewStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	if reconcile {
		if _, err := store.Reconcile(context.Background()); err != nil {
			store.Close()
			return nil, err
		}
	}

	tracker := progress.NewTracker()
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	go tracker.Run(trackerCtx)

	m := metrics.New()
	eng, err := engine.New(cfg, store, tracker, m, logger)
	if err != nil {
		stopTracker()
		store.Close()
		return nil, err
	}

	return &env{
		cfg:         cfg,
		store:       store,
		tracker:     tracker,
		metrics:     m,
		engine:      eng,
		logger:      logger,
		stopTracker: stopTracker,
	}, nil
}

func (e *env) Close() {
	e.stopTracker()
	e.store.Close()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("SnapVault %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flagConfig
			if path == "" {
				var err error
				path, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}

			cfg := config.Default()
			cfg.Sources = []string{"/home"}
			cfg.BackupDir = "/var/backups/snapvault"
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("Wrote starter config to %s\n", path)
			fmt.Println("Edit sources and backup_dir before the first backup.")
			return nil
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an encryption key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("refusing to overwrite existing key file %s", out)
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveKeyFile(out, key); err != nil {
				return err
			}
			fmt.Printf("Wrote key to %s\n", out)
			fmt.Println("Losing this file makes encrypted backups unrecoverable. Back it up separately.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "snapvault.key", "output key file")
	return cmd
}

func newBackupCmd() *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ != string(manifest.TypeFull) && typ != string(manifest.TypeIncremental) {
				return fmt.Errorf("type must be full or incremental, got %q", typ)
			}

			e, err := openWriteEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			rec, err := e.engine.Backup(ctx, manifest.BackupType(typ))
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		},
	}

	cmd.Flags().StringVarP(&typ, "type", "t", string(manifest.TypeIncremental), "backup type: full or incremental")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <backup-id>",
		Short: "Resume a failed or cancelled backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid backup id: %w", err)
			}

			e, err := openWriteEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			rec, err := e.engine.Resume(ctx, id)
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-id> <target-dir>",
		Short: "Restore a backup into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid backup id: %w", err)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := e.engine.Restore(ctx, id, args[1]); err != nil {
				return err
			}
			fmt.Printf("Restored %s into %s\n", id, args[1])
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Verify a backup's stored chunks against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid backup id: %w", err)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := e.engine.Verify(ctx, id, full); err != nil {
				return err
			}
			fmt.Printf("Backup %s verified\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "verify every chunk instead of a sample")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		typ     string
		sortBy  string
		reverse bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			records, err := e.store.List(context.Background(), catalog.ListFilter{
				Type:    manifest.BackupType(typ),
				SortBy:  sortBy,
				Reverse: reverse,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Println("No backups in catalog.")
				return nil
			}
			fmt.Printf("%-36s  %-11s  %-20s  %-10s  %12s  %8s\n",
				"ID", "TYPE", "STARTED", "STATUS", "SIZE", "FILES")
			for _, rec := range records {
				fmt.Printf("%-36s  %-11s  %-20s  %-10s  %12s  %8d\n",
					rec.ID, rec.Type,
					rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Status, formatBytes(rec.SizeBytes), rec.FileCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&typ, "type", "t", "", "filter by type: full or incremental")
	cmd.Flags().StringVar(&sortBy, "sort", "date", "sort by: date or size")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "oldest or smallest first")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n backups")
	return cmd
}

func newDetailsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "details <backup-id>",
		Short: "Show one backup's details and parent chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid backup id: %w", err)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			d, err := e.store.Details(context.Background(), id)
			if err != nil {
				return err
			}

			printRecord(&d.Record)
			fmt.Printf("Files:       %d\n", d.FileCount)
			fmt.Printf("Size:        %s\n", formatBytes(d.SizeBytes))
			if len(d.Chain) > 0 {
				fmt.Println("Chain (full first):")
				for _, link := range d.Chain {
					marker := "  "
					if link == d.Record.ID {
						marker = "* "
					}
					fmt.Printf("  %s%s\n", marker, link)
				}
			}
			return nil
		},
	}
}

func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show storage usage by backup and type",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			diskPath := ""
			if e.cfg.Destination == config.DestinationLocal {
				diskPath = e.cfg.BackupDir
			}
			report, err := e.store.Usage(context.Background(), diskPath)
			if err != nil {
				return err
			}

			fmt.Printf("Total stored: %s\n", formatBytes(report.TotalBytes))
			for _, tu := range report.ByType {
				fmt.Printf("  %-12s %4d backups  %12s\n", tu.Type, tu.Count, formatBytes(tu.SizeBytes))
			}
			if report.Disk != nil {
				fmt.Printf("Destination volume: %s used of %s (%.1f%%), %s free\n",
					formatBytes(int64(report.Disk.UsedBytes)),
					formatBytes(int64(report.Disk.TotalBytes)),
					report.Disk.UsedPercent,
					formatBytes(int64(report.Disk.FreeBytes)))
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup from the catalog and destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid backup id: %w", err)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			deleted, err := e.engine.RemoveBackup(ctx, id, force)
			if err != nil {
				return err
			}
			for _, del := range deleted {
				fmt.Printf("Deleted %s\n", del)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "also delete dependent incremental backups")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete backups past the retention window now",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			runner := maintenance.New(e.cfg, e.store, e.engine, e.logger)
			n, err := runner.SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired backup(s)\n", n)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with scheduled maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openWriteEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			runner := maintenance.New(e.cfg, e.store, e.engine, e.logger)
			if err := runner.Start(); err != nil {
				return err
			}
			defer runner.Stop()

			server := api.NewServer(e.cfg, e.store, e.engine, e.tracker, e.metrics, e.logger)
			return server.Run(ctx)
		},
	}
}

func printRecord(rec *catalog.Record) {
	fmt.Printf("ID:          %s\n", rec.ID)
	fmt.Printf("Type:        %s\n", rec.Type)
	if rec.ParentID != nil {
		fmt.Printf("Parent:      %s\n", rec.ParentID)
	}
	fmt.Printf("Status:      %s\n", rec.Status)
	fmt.Printf("Started:     %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	if rec.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", rec.CompletedAt.Local().Format(time.RFC3339))
		fmt.Printf("Duration:    %s\n", rec.Duration().Round(time.Second))
	}
	if rec.SizeBytes > 0 {
		fmt.Printf("Size:        %s\n", formatBytes(rec.SizeBytes))
	}
	if rec.Error != "" {
		fmt.Printf("Error:       %s\n", rec.Error)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
