package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/localrivet/dbshift/internal/backup"
	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/config"
	"github.com/localrivet/dbshift/internal/dump"
	"github.com/localrivet/dbshift/internal/job"
	"github.com/localrivet/dbshift/internal/load"
	"github.com/localrivet/dbshift/internal/notify"
	"github.com/localrivet/dbshift/internal/restore"
	"github.com/localrivet/dbshift/internal/storage"
	"github.com/localrivet/dbshift/pkg/database"
	"github.com/localrivet/dbshift/pkg/manifest"
)

var (
	version  = "0.1.0"
	cfgFile  string
	verbose  bool
	logger   *slog.Logger
	cfg      *config.Config
	store    storage.Backend
	notifier *notify.Notifier
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "dbshift",
		Short:         "Move data between SQL databases through portable snapshots",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			store, err = newStorage(cfg)
			if err != nil {
				return fmt.Errorf("failed to create storage backend: %w", err)
			}

			notifier = notify.NewNotifier(cfg.Monitoring.WebhookURL, logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(healthCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newStorage(cfg *config.Config) (storage.Backend, error) {
	var s3Cfg *storage.S3Config
	if cfg.Storage.Backend == "s3" {
		s3Cfg = &storage.S3Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
		}
	}
	return storage.NewFactory().Create(cfg.Storage.Backend, cfg.Storage.Path, s3Cfg)
}

func snapshotEngine() *backup.Engine {
	return backup.NewEngine(cfg, store, notifier, logger)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dumpCmd() *cobra.Command {
	var tables string
	var catalogDir string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump the source database into a new snapshot",
		Long: "Dump the source database into a new snapshot on the storage backend.\n" +
			"With --catalog the catalog is written to a local directory instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var selected []dump.Table
			for _, name := range splitList(tables) {
				selected = append(selected, dump.Table{Name: name})
			}

			if catalogDir != "" {
				return dumpLocal(ctx, catalogDir, selected)
			}

			result, err := snapshotEngine().Run(ctx, selected)
			if err != nil && (result == nil || result.Manifest == nil) {
				return err
			}
			m := result.Manifest

			fmt.Printf("Snapshot %s\n", m.Status)
			fmt.Printf("  ID: %s\n", m.ID)
			fmt.Printf("  Tables: %d\n", len(m.Tables))
			fmt.Printf("  Rows: %d\n", m.Dump.Rows)
			fmt.Printf("  Size: %s\n", formatBytes(m.Dump.SizeBytes))
			fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))
			if cfg.Snapshot.VerifyAfterDump {
				fmt.Printf("  Verified: %v\n", result.Verified)
			}
			for _, t := range m.Tables {
				if t.Error != "" {
					fmt.Printf("  FAILED %s: %s\n", t.Name, t.Error)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&tables, "tables", "t", "", "comma separated tables to dump")
	cmd.Flags().StringVar(&catalogDir, "catalog", "", "write the catalog to this directory instead of publishing a snapshot")

	return cmd
}

// dumpLocal writes a catalog straight to dir; re-running it adds tables
// not yet present.
func dumpLocal(ctx context.Context, dir string, tables []dump.Table) error {
	driver, err := database.NewDriver(cfg.Source.DriverConfig(true))
	if err != nil {
		return err
	}
	if err := driver.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to source: %w", err)
	}
	defer driver.Close()

	if len(tables) == 0 {
		tables = cfg.DumpTables()
	}
	if len(tables) == 0 {
		names, err := driver.Tables(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			tables = append(tables, dump.Table{Name: n})
		}
	}

	cat, err := catalog.Create(dir)
	if err != nil {
		return err
	}
	if removed, err := cat.Sweep(); err != nil {
		return err
	} else if removed > 0 {
		logger.Info("removed partial chunk files", "count", removed)
	}

	jc := job.NewContext("dump-"+time.Now().UTC().Format("20060102_150405"), logger)
	summary, err := dump.NewEngine(driver, cat, cfg.DumpOptions(), logger).Run(ctx, jc, tables)
	if err != nil {
		return err
	}
	printSummary(summary)
	return summary.Err()
}

func loadCmd() *cobra.Command {
	var tables string
	var catalogDir string
	var dryRun bool
	var verify bool

	cmd := &cobra.Command{
		Use:   "load [snapshot-id]",
		Short: "Load a snapshot into the target database",
		Long: "Load a snapshot into the target database. Without an id the newest\n" +
			"snapshot is loaded. With --catalog a local catalog directory is loaded.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			names := splitList(tables)

			if catalogDir != "" {
				return loadLocal(ctx, catalogDir, names, dryRun, verify)
			}

			id := restore.Latest
			if len(args) == 1 {
				id = args[0]
			}

			result, err := restore.NewEngine(cfg, store, logger).Restore(ctx, restore.RestoreOptions{
				SnapshotID:     id,
				Tables:         names,
				DryRun:         dryRun,
				VerifyChecksum: verify,
			})
			if result != nil && result.Summary != nil {
				printSummary(result.Summary)
			}
			if err != nil {
				return err
			}

			if result.DryRun {
				fmt.Printf("Dry run of %s completed - no changes made\n", result.SnapshotID)
			} else {
				fmt.Printf("Load of %s into %s completed\n", result.SnapshotID, result.Target)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tables, "tables", "t", "", "comma separated tables to load")
	cmd.Flags().StringVar(&catalogDir, "catalog", "", "load a local catalog directory instead of a snapshot")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "decode every chunk without writing to the target")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify checksums before loading")

	return cmd
}

func loadLocal(ctx context.Context, dir string, names []string, dryRun, verify bool) error {
	cat, err := catalog.Load(dir)
	if err != nil {
		return err
	}
	if verify {
		if err := cat.Validate(ctx); err != nil {
			return fmt.Errorf("catalog verification failed: %w", err)
		}
	}

	opts := cfg.LoadOptions()
	opts.DryRun = opts.DryRun || dryRun

	var target load.Target
	if !opts.DryRun {
		if !cfg.Target.Configured() {
			return restore.ErrNoTarget
		}
		driver, err := database.NewDriver(cfg.Target.DriverConfig(false))
		if err != nil {
			return err
		}
		if err := driver.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to target: %w", err)
		}
		defer driver.Close()
		target = driver
	}

	jc := job.NewContext("load-"+time.Now().UTC().Format("20060102_150405"), logger)
	summary, err := load.NewEngine(target, cat, opts, logger).Run(ctx, jc, names)
	if err != nil {
		return err
	}
	printSummary(summary)
	return summary.Err()
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List published snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots, err := snapshotEngine().ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}

			if len(snapshots) == 0 {
				fmt.Println("No snapshots found")
				return nil
			}

			fmt.Printf("%-28s %-17s %-10s %-9s %7s %12s %10s\n", "ID", "DATE", "STATUS", "TYPE", "TABLES", "ROWS", "SIZE")
			for _, m := range snapshots {
				fmt.Printf("%-28s %-17s %-10s %-9s %7d %12d %10s\n",
					m.ID,
					m.Timestamp.Format("2006-01-02 15:04"),
					m.Status,
					m.Type,
					len(m.Tables),
					m.Dump.Rows,
					formatBytes(m.Dump.SizeBytes),
				)
			}
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [snapshot-id]",
		Short: "Show the tables and files of a snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := resolveSnapshot(cmd.Context(), args)
			if err != nil {
				return err
			}
			printManifest(m)
			return nil
		},
	}
}

func resolveSnapshot(ctx context.Context, args []string) (*manifest.Manifest, error) {
	engine := snapshotEngine()
	if len(args) == 0 || args[0] == restore.Latest {
		return engine.Latest(ctx)
	}
	return engine.GetSnapshot(ctx, args[0])
}

func printManifest(m *manifest.Manifest) {
	fmt.Printf("Snapshot %s\n", m.ID)
	fmt.Printf("  Taken: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Printf("  Status: %s\n", m.Status)
	fmt.Printf("  Source: %s %s (%s %s)\n", m.Source.Type, m.Source.Name, m.Source.Product, m.Source.Version)
	fmt.Printf("  Format: %s, compression %s, %d rows per chunk\n", m.Dump.Format, m.Dump.Compression, m.Dump.ChunkRows)
	fmt.Printf("  Rows: %d\n", m.Dump.Rows)
	fmt.Printf("  Size: %s\n", formatBytes(m.Dump.SizeBytes))
	fmt.Printf("  Retention: %s until %s\n", m.Retention.Policy, m.Retention.KeepUntil.Format("2006-01-02"))
	fmt.Println()
	fmt.Printf("  %-32s %12s %7s %10s\n", "TABLE", "ROWS", "CHUNKS", "SIZE")
	for _, t := range m.Tables {
		fmt.Printf("  %-32s %12d %7d %10s", t.Name, t.Rows, t.Chunks, formatBytes(t.Bytes))
		if t.Error != "" {
			fmt.Printf("  FAILED: %s", t.Error)
		}
		fmt.Println()
	}
}

func verifyCmd() *cobra.Command {
	var skipChecksums bool

	cmd := &cobra.Command{
		Use:   "verify [snapshot-id]",
		Short: "Validate snapshot integrity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := resolveSnapshot(ctx, args)
			if err != nil {
				return err
			}

			result, err := backup.NewValidator(store, logger).
				WithChecksums(!skipChecksums).
				Validate(ctx, m)
			if err != nil {
				return err
			}

			if !result.Valid {
				fmt.Printf("Snapshot %s is INVALID\n", m.ID)
				for _, e := range result.Errors {
					fmt.Printf("  - %s\n", e)
				}
				return errors.New("snapshot validation failed")
			}

			fmt.Printf("Snapshot %s is valid\n", m.ID)
			fmt.Printf("  Files checked: %d\n", result.FilesChecked)
			fmt.Printf("  Checksums: %v\n", !skipChecksums)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipChecksums, "skip-checksums", false, "only check existence and sizes")

	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete snapshots the retention policy no longer keeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := snapshotEngine().Cleanup(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Cleanup completed: %d snapshots deleted\n", count)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check snapshot freshness and storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine := snapshotEngine()

			snapshots, err := engine.ListSnapshots(ctx)
			if err != nil {
				return err
			}
			used, err := engine.StorageUsage(ctx)
			if err != nil {
				return err
			}

			status := "healthy"
			switch {
			case len(snapshots) == 0:
				status = "warning: no snapshots found"
			case time.Since(snapshots[0].Timestamp) > cfg.AlertDuration():
				status = "warning: snapshot overdue"
			case snapshots[0].Status == manifest.StatusPartial:
				status = "warning: latest snapshot is partial"
			}

			fmt.Printf("Status: %s\n", status)
			if len(snapshots) > 0 {
				fmt.Printf("Last snapshot: %s (%s)\n", snapshots[0].ID, snapshots[0].Timestamp.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("Total snapshots: %d\n", len(snapshots))
			fmt.Printf("Storage used: %s (%s)\n", formatBytes(used), store.Name())

			return nil
		},
	}
}

func printSummary(s *job.Summary) {
	fmt.Printf("%-32s %-10s %12s %7s %10s\n", "TABLE", "STATE", "ROWS", "CHUNKS", "DURATION")
	for _, r := range s.Tables() {
		fmt.Printf("%-32s %-10s %12d %7d %10s\n", r.Table, r.State, r.Rows, r.Chunks, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Printf("  error: %v\n", r.Err)
		}
	}
}

func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
