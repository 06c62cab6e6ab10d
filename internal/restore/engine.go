// Package restore fetches a published snapshot and loads it into the
// target database.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/localrivet/dbshift/internal/backup"
	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/config"
	"github.com/localrivet/dbshift/internal/job"
	"github.com/localrivet/dbshift/internal/load"
	"github.com/localrivet/dbshift/internal/storage"
	"github.com/localrivet/dbshift/pkg/database"
	"github.com/localrivet/dbshift/pkg/manifest"
)

// Latest selects the newest snapshot.
const Latest = "latest"

var (
	ErrNoTarget       = errors.New("target database is not configured")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrTableNotLoaded = errors.New("table is not loadable from this snapshot")
)

type Engine struct {
	cfg       *config.Config
	storage   storage.Backend
	logger    *slog.Logger
	retry     backup.RetryConfig
	reporters []job.Reporter
}

func NewEngine(cfg *config.Config, store storage.Backend, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		storage: store,
		logger:  logger,
		retry:   backup.DefaultRetryConfig(),
	}
}

func (e *Engine) WithRetryConfig(cfg backup.RetryConfig) *Engine {
	e.retry = cfg
	return e
}

// WithReporters adds per-table observers to every load.
func (e *Engine) WithReporters(reporters ...job.Reporter) *Engine {
	e.reporters = append(e.reporters, reporters...)
	return e
}

type RestoreOptions struct {
	SnapshotID string   // Empty or Latest for the newest snapshot
	Tables     []string // Catalog entry names; empty loads every complete table
	DryRun     bool
	// VerifyChecksum compares every downloaded file and chunk against the
	// recorded checksums before anything is loaded.
	VerifyChecksum bool
}

type RestoreResult struct {
	SnapshotID    string
	Target        string
	Tables        []string
	Summary       *job.Summary
	ChecksumValid bool
	DryRun        bool
	Duration      time.Duration
	Error         error
}

func (e *Engine) Restore(ctx context.Context, opts RestoreOptions) (*RestoreResult, error) {
	start := time.Now()
	dryRun := opts.DryRun || e.cfg.Load.DryRun
	result := &RestoreResult{SnapshotID: opts.SnapshotID, DryRun: dryRun}
	fail := func(err error) (*RestoreResult, error) {
		result.Error = err
		result.Duration = time.Since(start)
		e.logger.Error("restore failed", "snapshot_id", result.SnapshotID, "error", err)
		return result, err
	}

	if !dryRun && !e.cfg.Target.Configured() {
		return fail(ErrNoTarget)
	}

	m, err := e.resolve(ctx, opts.SnapshotID)
	if err != nil {
		return fail(err)
	}
	result.SnapshotID = m.ID

	tables, err := e.selectTables(m, opts.Tables)
	if err != nil {
		return fail(err)
	}
	result.Tables = tables

	e.logger.Info("starting restore",
		"snapshot_id", m.ID,
		"tables", len(tables),
		"dry_run", dryRun,
	)

	workDir, err := os.MkdirTemp(e.cfg.Snapshot.WorkDir, "dbshift-restore-")
	if err != nil {
		return fail(fmt.Errorf("failed to create temp directory: %w", err))
	}
	defer os.RemoveAll(workDir)

	root := filepath.Join(workDir, "catalog")
	verify := opts.VerifyChecksum || e.cfg.Snapshot.VerifyChecksum
	if err := e.fetch(ctx, m, root, verify); err != nil {
		return fail(err)
	}

	cat, err := catalog.Load(root)
	if err != nil {
		return fail(err)
	}

	if verify {
		if err := verifyCatalog(ctx, cat, tables); err != nil {
			e.logger.Error("CRITICAL: snapshot verification failed", "snapshot_id", m.ID, "error", err)
			return fail(fmt.Errorf("%w: %w", ErrChecksum, err))
		}
		result.ChecksumValid = true
		e.logger.Info("checksums verified successfully", "snapshot_id", m.ID)
	}

	loadOpts := e.cfg.LoadOptions()
	loadOpts.DryRun = dryRun

	var target load.Target
	if !dryRun {
		driver, err := database.NewDriver(e.cfg.Target.DriverConfig(false))
		if err != nil {
			return fail(fmt.Errorf("failed to create database driver: %w", err))
		}
		_, err = backup.WithRetry(ctx, e.retry, e.logger, "connect target", func() (struct{}, error) {
			return struct{}{}, driver.Connect(ctx)
		})
		if err != nil {
			return fail(fmt.Errorf("failed to connect to target database: %w", err))
		}
		defer driver.Close()
		target = driver
		result.Target = driver.Type()
	}

	jc := job.NewContext("load-"+m.ID, e.logger, e.reporters...)
	summary, err := load.NewEngine(target, cat, loadOpts, e.logger).Run(ctx, jc, tables)
	result.Summary = summary
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return fail(fmt.Errorf("load failed: %w", err))
	}
	result.Duration = time.Since(start)

	if !summary.OK() {
		result.Error = summary.Err()
		e.logger.Warn("restore finished with failed tables",
			"snapshot_id", m.ID,
			"failed", len(summary.Failed()),
			"error", result.Error,
		)
		return result, result.Error
	}

	e.logger.Info("restore completed",
		"snapshot_id", m.ID,
		"tables", len(tables),
		"rows", summary.Rows(),
		"duration", result.Duration,
		"dry_run", dryRun,
	)

	return result, nil
}

// resolve reads the manifest of id, or of the newest snapshot.
func (e *Engine) resolve(ctx context.Context, id string) (*manifest.Manifest, error) {
	if id != "" && id != Latest {
		return e.readManifest(ctx, id)
	}

	files, err := e.storage.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var newest *manifest.Manifest
	for _, f := range files {
		sid, ok := manifest.IDFromMetaKey(f.Path)
		if !ok {
			continue
		}
		m, err := e.readManifest(ctx, sid)
		if err != nil {
			e.logger.Warn("failed to read manifest", "path", f.Path, "error", err)
			continue
		}
		if newest == nil || m.Timestamp.After(newest.Timestamp) {
			newest = m
		}
	}
	if newest == nil {
		return nil, backup.ErrNotFound
	}
	return newest, nil
}

func (e *Engine) readManifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	r, err := e.storage.Read(ctx, manifest.MetaKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %s", backup.ErrNotFound, id)
		}
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return manifest.Parse(data)
}

// selectTables defaults to every table the snapshot holds completely and
// refuses tables whose dump failed.
func (e *Engine) selectTables(m *manifest.Manifest, requested []string) ([]string, error) {
	loadable := m.Loadable()
	if failed := m.Failed(); len(failed) > 0 {
		e.logger.Warn("snapshot is partial", "snapshot_id", m.ID, "failed_tables", failed)
	}
	if len(requested) == 0 {
		if len(loadable) == 0 {
			return nil, fmt.Errorf("snapshot %s has no loadable tables", m.ID)
		}
		return loadable, nil
	}
	for _, name := range requested {
		if !slices.Contains(loadable, name) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotLoaded, name)
		}
	}
	return requested, nil
}

// fetch downloads the snapshot files into root, keeping their names
// relative to the snapshot prefix.
func (e *Engine) fetch(ctx context.Context, m *manifest.Manifest, root string, verify bool) error {
	prefix := m.Prefix()
	for _, f := range m.Files {
		name, ok := strings.CutPrefix(f.Path, prefix)
		if !ok || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("file %s is outside snapshot %s", f.Path, m.ID)
		}
		local := filepath.Join(root, name)

		_, err := backup.WithRetry(ctx, e.retry, e.logger, "download "+f.Path, func() (int64, error) {
			return storage.GetFile(ctx, e.storage, f.Path, local)
		})
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", f.Path, err)
		}

		if !verify || f.Checksum == "" {
			continue
		}
		sum, err := manifest.FileChecksum(local)
		if err != nil {
			return err
		}
		if sum != f.Checksum {
			return fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksum, f.Path, f.Checksum, sum)
		}
	}
	return nil
}

// verifyCatalog runs the catalog's own chunk checks and keeps only the
// problems of tables about to be loaded.
func verifyCatalog(ctx context.Context, cat *catalog.Catalog, tables []string) error {
	err := cat.Validate(ctx)
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return err
	}
	var relevant []error
	for _, e := range joined.Unwrap() {
		var ce *catalog.ChunkError
		if errors.As(e, &ce) && !slices.Contains(tables, ce.Name) {
			continue
		}
		relevant = append(relevant, e)
	}
	return errors.Join(relevant...)
}
