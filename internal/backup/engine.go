// Package backup turns dump jobs into published snapshots: it dumps the
// source into a local catalog, uploads the chunk files and index to the
// storage backend and records a manifest next to them.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/config"
	"github.com/localrivet/dbshift/internal/dump"
	"github.com/localrivet/dbshift/internal/job"
	"github.com/localrivet/dbshift/internal/metrics"
	"github.com/localrivet/dbshift/internal/notify"
	"github.com/localrivet/dbshift/internal/rotation"
	"github.com/localrivet/dbshift/internal/storage"
	"github.com/localrivet/dbshift/pkg/database"
	"github.com/localrivet/dbshift/pkg/manifest"
)

var (
	ErrRunning  = errors.New("a snapshot is already running")
	ErrNotFound = errors.New("snapshot not found")
	// ErrPartial is returned when the snapshot was published but some
	// tables failed to dump.
	ErrPartial = errors.New("snapshot is partial")
)

type Engine struct {
	cfg      *config.Config
	storage  storage.Backend
	rotator  *rotation.GFSRotator
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	retry    RetryConfig

	running sync.Mutex

	mu         sync.RWMutex
	lastRun    time.Time
	lastError  error
	lastResult *Result
}

func NewEngine(cfg *config.Config, store storage.Backend, notifier *notify.Notifier, logger *slog.Logger) *Engine {
	policy := rotation.NewPolicy(
		cfg.Retention.Daily,
		cfg.Retention.Weekly,
		cfg.Retention.Monthly,
		cfg.Retention.MaxAgeDays,
	)

	return &Engine{
		cfg:      cfg,
		storage:  store,
		rotator:  rotation.NewGFSRotator(policy),
		notifier: notifier,
		logger:   logger,
		retry:    DefaultRetryConfig(),
	}
}

func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) WithRetryConfig(cfg RetryConfig) *Engine {
	e.retry = cfg
	return e
}

type Result struct {
	ID          string
	Timestamp   time.Time
	Manifest    *manifest.Manifest
	Summary     *job.Summary
	Duration    time.Duration
	Verified    bool  // True if the published files were re-read and matched
	VerifyError error // Non-nil if verification failed
	Error       error
}

// Run dumps tables into a new snapshot. With no tables it dumps the
// configured tables, or every table the source reports.
func (e *Engine) Run(ctx context.Context, tables []dump.Table) (*Result, error) {
	if !e.running.TryLock() {
		return nil, ErrRunning
	}
	defer e.running.Unlock()

	start := time.Now()
	id, err := e.newID(ctx, start)
	if err != nil {
		return nil, err
	}

	result := &Result{ID: id, Timestamp: start}
	fail := func(err error) (*Result, error) {
		result.Error = err
		result.Duration = time.Since(start)
		e.handleError(result)
		return result, err
	}

	e.logger.Info("starting snapshot", "id", id, "source", e.cfg.Source.Type)

	driver, err := database.NewDriver(e.cfg.Source.DriverConfig(true))
	if err != nil {
		return fail(fmt.Errorf("failed to create database driver: %w", err))
	}
	_, err = WithRetry(ctx, e.retry, e.logger, "connect", func() (struct{}, error) {
		return struct{}{}, driver.Connect(ctx)
	})
	if err != nil {
		return fail(fmt.Errorf("failed to connect to database: %w", err))
	}
	defer driver.Close()

	if len(tables) == 0 {
		tables = e.cfg.DumpTables()
	}
	if len(tables) == 0 {
		names, err := driver.Tables(ctx)
		if err != nil {
			return fail(err)
		}
		for _, n := range names {
			tables = append(tables, dump.Table{Name: n})
		}
	}
	if len(tables) == 0 {
		return fail(errors.New("source has no tables"))
	}

	workDir, err := os.MkdirTemp(e.cfg.Snapshot.WorkDir, "dbshift-"+id+"-")
	if err != nil {
		return fail(fmt.Errorf("failed to create work directory: %w", err))
	}
	defer os.RemoveAll(workDir)

	cat, err := catalog.Create(filepath.Join(workDir, "catalog"))
	if err != nil {
		return fail(err)
	}

	var reporters []job.Reporter
	if e.metrics != nil {
		reporters = append(reporters, e.metrics)
	}
	if e.notifier != nil {
		reporters = append(reporters, e.notifier.Reporter(id))
	}
	jc := job.NewContext(id, e.logger, reporters...)

	opts := e.cfg.DumpOptions()
	summary, err := dump.NewEngine(driver, cat, opts, e.logger).Run(ctx, jc, tables)
	result.Summary = summary
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return fail(fmt.Errorf("dump failed: %w", err))
	}
	if len(summary.Failed()) == len(summary.Tables()) {
		return fail(fmt.Errorf("every table failed: %w", summary.Err()))
	}

	m := manifest.New(id, start)
	m.Source = manifest.SourceInfo{
		Type: driver.Type(),
		Name: e.cfg.Source.Name,
		Host: e.cfg.Source.Host,
	}
	if e.cfg.Source.IsSQLite() {
		m.Source.Name = e.cfg.Source.Path
		m.Source.Host = "local"
	}
	if sig, err := driver.Signature(ctx); err == nil {
		m.Source.Product = sig.ProductName
		m.Source.Version = sig.ProductVersion
	}
	m.Dump = manifest.DumpInfo{
		Format:      opts.Format,
		Compression: opts.Compression,
		ChunkRows:   opts.ChunkRows,
		ChunkBytes:  opts.ChunkBytes,
	}
	for _, r := range summary.Tables() {
		ti := manifest.TableInfo{Name: r.Table, Rows: r.Rows, Chunks: r.Chunks, Bytes: r.Bytes}
		if r.Err != nil {
			ti.Error = r.Err.Error()
		}
		m.AddTable(ti)
	}

	if err := e.publish(ctx, cat, m); err != nil {
		e.discard(id)
		return fail(fmt.Errorf("failed to publish snapshot: %w", err))
	}

	keepUntil, tier := e.rotator.Retention(start)
	m.SetRetention(keepUntil, tier)
	m.Type = tier
	m.Dump.DurationSeconds = time.Since(start).Seconds()

	// The manifest goes last; a snapshot without one is not listed.
	if err := e.writeManifest(ctx, m); err != nil {
		e.discard(id)
		return fail(fmt.Errorf("failed to write manifest: %w", err))
	}
	result.Manifest = m

	if e.cfg.Snapshot.VerifyAfterDump {
		e.logger.Info("verifying snapshot", "id", id)
		vr, err := NewValidator(e.storage, e.logger).Validate(ctx, m)
		switch {
		case err != nil:
			result.VerifyError = err
		case !vr.Valid:
			result.VerifyError = vr.Err()
		}
		if result.VerifyError != nil {
			e.logger.Error("snapshot verification FAILED", "id", id, "error", result.VerifyError)
			e.notifier.NotifyFailure(id, fmt.Errorf("snapshot verification failed: %w", result.VerifyError))
		} else {
			result.Verified = true
			e.logger.Info("snapshot verified successfully", "id", id)
		}
	}

	result.Duration = time.Since(start)
	if !summary.OK() {
		result.Error = fmt.Errorf("%w: %w", ErrPartial, summary.Err())
	}

	e.mu.Lock()
	e.lastRun = start
	e.lastError = result.Error
	e.lastResult = result
	e.mu.Unlock()

	e.logger.Info("snapshot completed",
		"id", id,
		"status", m.Status,
		"tables", len(m.Tables),
		"rows", m.Dump.Rows,
		"size", m.Dump.SizeBytes,
		"duration", result.Duration,
		"type", m.Type,
		"verified", result.Verified,
	)

	if e.metrics != nil {
		if result.Error != nil {
			e.metrics.RecordSnapshotFailure()
		} else {
			e.metrics.RecordSnapshotSuccess(result.Duration, m.Dump.SizeBytes)
		}
		e.refreshUsage(ctx)
	}
	e.notifier.NotifyCompleted(m, result.Duration)

	return result, result.Error
}

// newID derives the snapshot id from the start time and appends a counter
// when that id is already taken.
func (e *Engine) newID(ctx context.Context, start time.Time) (string, error) {
	base := manifest.GenerateID(start)
	id := base
	for i := 2; ; i++ {
		exists, err := e.storage.Exists(ctx, manifest.MetaKey(id))
		if err != nil {
			return "", err
		}
		if !exists {
			files, err := e.storage.List(ctx, manifest.Prefix(id))
			if err != nil {
				return "", err
			}
			if len(files) == 0 {
				return id, nil
			}
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// publish uploads every catalog file, the index last.
func (e *Engine) publish(ctx context.Context, cat *catalog.Catalog, m *manifest.Manifest) error {
	for _, name := range cat.Files() {
		local := filepath.Join(cat.Root(), name)
		key := m.Prefix() + name

		sum, err := manifest.FileChecksum(local)
		if err != nil {
			return err
		}
		size, err := WithRetry(ctx, e.retry, e.logger, "upload "+key, func() (int64, error) {
			return storage.PutFile(ctx, e.storage, key, local)
		})
		if err != nil {
			return err
		}
		m.AddFile(key, size, sum)
	}
	return nil
}

func (e *Engine) writeManifest(ctx context.Context, m *manifest.Manifest) error {
	data, err := m.ToJSON()
	if err != nil {
		return err
	}
	_, err = WithRetry(ctx, e.retry, e.logger, "write manifest", func() (struct{}, error) {
		return struct{}{}, e.storage.Write(ctx, manifest.MetaKey(m.ID), bytes.NewReader(data), int64(len(data)))
	})
	return err
}

// discard removes whatever was uploaded for a snapshot that failed.
func (e *Engine) discard(id string) {
	ctx := context.Background()
	if err := e.storage.Delete(ctx, manifest.MetaKey(id)); err != nil {
		e.logger.Warn("failed to delete manifest", "id", id, "error", err)
	}
	if _, err := storage.DeletePrefix(ctx, e.storage, manifest.Prefix(id)); err != nil {
		e.logger.Warn("failed to delete snapshot files", "id", id, "error", err)
	}
}

func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	e.logger.Info("running snapshot cleanup")

	snapshots, err := e.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}

	expired := e.rotator.Expired(snapshots, time.Now())

	deletedCount := 0
	for _, s := range expired {
		e.logger.Info("deleting expired snapshot", "id", s.ID, "timestamp", s.Timestamp)
		if err := e.Delete(ctx, s.ID); err != nil {
			e.logger.Warn("failed to delete snapshot", "id", s.ID, "error", err)
			continue
		}
		deletedCount++
	}

	e.logger.Info("cleanup completed", "deleted", deletedCount)
	if e.metrics != nil {
		e.refreshUsage(ctx)
	}

	return deletedCount, nil
}

// Delete removes the manifest first so a half-deleted snapshot is never
// listed, then its files.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.storage.Delete(ctx, manifest.MetaKey(id)); err != nil {
		return err
	}
	_, err := storage.DeletePrefix(ctx, e.storage, manifest.Prefix(id))
	return err
}

// ListSnapshots returns every readable manifest, newest first.
func (e *Engine) ListSnapshots(ctx context.Context) ([]*manifest.Manifest, error) {
	files, err := e.storage.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var snapshots []*manifest.Manifest

	for _, file := range files {
		id, ok := manifest.IDFromMetaKey(file.Path)
		if !ok {
			continue
		}

		m, err := e.GetSnapshot(ctx, id)
		if err != nil {
			e.logger.Warn("failed to read manifest", "path", file.Path, "error", err)
			continue
		}
		snapshots = append(snapshots, m)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})

	return snapshots, nil
}

func (e *Engine) GetSnapshot(ctx context.Context, id string) (*manifest.Manifest, error) {
	reader, err := e.storage.Read(ctx, manifest.MetaKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return manifest.Parse(data)
}

// Latest returns the newest snapshot, or ErrNotFound.
func (e *Engine) Latest(ctx context.Context) (*manifest.Manifest, error) {
	snapshots, err := e.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, ErrNotFound
	}
	return snapshots[0], nil
}

func (e *Engine) StorageUsage(ctx context.Context) (int64, error) {
	return storage.Usage(ctx, e.storage, "")
}

func (e *Engine) refreshUsage(ctx context.Context) {
	used, err := e.StorageUsage(ctx)
	if err != nil {
		e.logger.Warn("failed to compute storage usage", "error", err)
		return
	}
	e.metrics.SetStorageUsed(used)
}

func (e *Engine) Storage() storage.Backend {
	return e.storage
}

func (e *Engine) LastRun() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRun
}

func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

func (e *Engine) LastResult() *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// Running reports whether a snapshot is in progress.
func (e *Engine) Running() bool {
	if e.running.TryLock() {
		e.running.Unlock()
		return false
	}
	return true
}

func (e *Engine) handleError(result *Result) {
	e.mu.Lock()
	e.lastError = result.Error
	e.lastResult = result
	e.mu.Unlock()

	e.logger.Error("snapshot failed", "id", result.ID, "error", result.Error)

	if e.metrics != nil {
		e.metrics.RecordSnapshotFailure()
	}
	e.notifier.NotifyFailure(result.ID, result.Error)
}
