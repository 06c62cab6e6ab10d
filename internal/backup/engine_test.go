package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/config"
	"github.com/localrivet/dbshift/internal/dump"
	"github.com/localrivet/dbshift/internal/storage"
	"github.com/localrivet/dbshift/pkg/database"
	"github.com/localrivet/dbshift/pkg/manifest"
)

// newSourceDB creates a small SQLite database with two tables.
func newSourceDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "source.db")

	d, err := database.NewSQLiteDriver(database.Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	conn, err := d.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Release(conn)

	stmts := []string{
		"CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
		"CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER, total REAL)",
	}
	for i := 1; i <= 5; i++ {
		stmts = append(stmts,
			fmt.Sprintf("INSERT INTO customers (id, name) VALUES (%d, 'customer-%d')", i, i),
			fmt.Sprintf("INSERT INTO orders (id, customer_id, total) VALUES (%d, %d, %d.5)", i, i, i*10),
		)
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return path
}

func testConfig(t *testing.T, sourcePath string) *config.Config {
	return &config.Config{
		Source: config.DatabaseConfig{Type: "sqlite", Path: sourcePath},
		Dump: config.DumpConfig{
			Format:      "csv",
			Compression: catalog.CompressionGzip,
			ChunkRows:   2,
			Workers:     2,
		},
		Retention: config.RetentionConfig{Daily: 7, Weekly: 4, Monthly: 6},
		Snapshot:  config.SnapshotConfig{WorkDir: t.TempDir()},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(cfg, store, nil, testLogger()).WithRetryConfig(fastRetry()), store
}

func TestEngine_Run(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	engine, store := newTestEngine(t, cfg)

	result, err := engine.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	m := result.Manifest
	if m == nil {
		t.Fatal("Run() returned no manifest")
	}
	if m.Status != manifest.StatusCompleted {
		t.Errorf("Status = %q, want %q", m.Status, manifest.StatusCompleted)
	}
	if len(m.Tables) != 2 {
		t.Errorf("Tables = %d, want 2", len(m.Tables))
	}
	if m.Dump.Rows != 10 {
		t.Errorf("Rows = %d, want 10", m.Dump.Rows)
	}
	if m.Source.Type != "sqlite" || m.Source.Product != database.ProductSQLite {
		t.Errorf("Source = %+v", m.Source)
	}
	if m.Dump.Compression != catalog.CompressionGzip {
		t.Errorf("Compression = %q", m.Dump.Compression)
	}

	// 5 rows at 2 per chunk is 3 chunks per table, plus the index
	if len(m.Files) != 7 {
		t.Errorf("Files = %d, want 7", len(m.Files))
	}
	if last := m.Files[len(m.Files)-1].Path; last != m.Prefix()+catalog.IndexFile {
		t.Errorf("last file = %q, want the index", last)
	}
	for _, f := range m.Files {
		size, err := store.Size(ctx, f.Path)
		if err != nil {
			t.Fatalf("Size(%s) error = %v", f.Path, err)
		}
		if size != f.Size {
			t.Errorf("%s: size = %d, manifest says %d", f.Path, size, f.Size)
		}
	}

	exists, err := store.Exists(ctx, manifest.MetaKey(result.ID))
	if err != nil || !exists {
		t.Errorf("manifest not written: exists=%v err=%v", exists, err)
	}

	got, err := engine.GetSnapshot(ctx, result.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if got.Dump.Rows != m.Dump.Rows {
		t.Errorf("GetSnapshot() rows = %d, want %d", got.Dump.Rows, m.Dump.Rows)
	}

	list, err := engine.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != result.ID {
		t.Errorf("ListSnapshots() = %v", list)
	}

	if engine.LastRun().IsZero() {
		t.Error("LastRun() should be set")
	}
	if engine.LastError() != nil {
		t.Errorf("LastError() = %v", engine.LastError())
	}
	if engine.LastResult() != result {
		t.Error("LastResult() should be the returned result")
	}
	if engine.Running() {
		t.Error("Running() should be false after Run returns")
	}
}

func TestEngine_Run_SelectedTables(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	cfg.Dump.ChunkRows = 100
	engine, _ := newTestEngine(t, cfg)

	result, err := engine.Run(ctx, []dump.Table{
		{Name: "big_orders", Query: "SELECT id, total FROM orders WHERE total > 30"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Manifest.Tables) != 1 {
		t.Fatalf("Tables = %v", result.Manifest.Tables)
	}
	if tbl := result.Manifest.Tables[0]; tbl.Name != "big_orders" || tbl.Rows != 3 {
		t.Errorf("table = %+v, want big_orders with 3 rows", tbl)
	}
}

func TestEngine_Run_Partial(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	cfg.Tables = []config.TableConfig{{Name: "customers"}, {Name: "ghost"}}
	engine, _ := newTestEngine(t, cfg)

	result, err := engine.Run(ctx, nil)
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("Run() error = %v, want ErrPartial", err)
	}
	m := result.Manifest
	if m == nil {
		t.Fatal("partial snapshot should still be published")
	}
	if m.Status != manifest.StatusPartial {
		t.Errorf("Status = %q, want partial", m.Status)
	}
	if failed := m.Failed(); len(failed) != 1 || failed[0] != "ghost" {
		t.Errorf("Failed() = %v, want [ghost]", failed)
	}
	if loadable := m.Loadable(); len(loadable) != 1 || loadable[0] != "customers" {
		t.Errorf("Loadable() = %v, want [customers]", loadable)
	}
	if _, err := engine.GetSnapshot(ctx, result.ID); err != nil {
		t.Errorf("GetSnapshot() error = %v", err)
	}
}

func TestEngine_Run_AllTablesFail(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	engine, store := newTestEngine(t, cfg)

	result, err := engine.Run(ctx, []dump.Table{{Name: "ghost"}, {Name: "phantom"}})
	if err == nil {
		t.Fatal("Run() should fail when every table fails")
	}
	if errors.Is(err, ErrPartial) {
		t.Errorf("Run() error = %v, should not be partial", err)
	}
	if result.Manifest != nil {
		t.Error("nothing should be published")
	}
	files, _ := store.List(ctx, "")
	if len(files) != 0 {
		t.Errorf("storage has %d files, want 0", len(files))
	}
	if engine.LastError() == nil {
		t.Error("LastError() should be set")
	}
}

func TestEngine_Run_SourceMissing(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.db"))
	engine, _ := newTestEngine(t, cfg)

	_, err := engine.Run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "failed to connect") {
		t.Errorf("Run() error = %v, want connect failure", err)
	}
}

func TestEngine_Run_AlreadyRunning(t *testing.T) {
	cfg := testConfig(t, newSourceDB(t))
	engine, _ := newTestEngine(t, cfg)

	engine.running.Lock()
	defer engine.running.Unlock()

	if !engine.Running() {
		t.Error("Running() should be true")
	}
	if _, err := engine.Run(context.Background(), nil); !errors.Is(err, ErrRunning) {
		t.Errorf("Run() error = %v, want ErrRunning", err)
	}
}

func TestEngine_Run_Verify(t *testing.T) {
	cfg := testConfig(t, newSourceDB(t))
	cfg.Snapshot.VerifyAfterDump = true
	engine, _ := newTestEngine(t, cfg)

	result, err := engine.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Verified || result.VerifyError != nil {
		t.Errorf("Verified = %v, VerifyError = %v", result.Verified, result.VerifyError)
	}
}

func TestEngine_NewID(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	engine, store := newTestEngine(t, cfg)

	ts := time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC)
	base := manifest.GenerateID(ts)

	id, err := engine.newID(ctx, ts)
	if err != nil {
		t.Fatal(err)
	}
	if id != base {
		t.Errorf("newID() = %q, want %q", id, base)
	}

	put(t, store, manifest.MetaKey(base), "{}")
	put(t, store, manifest.Prefix(base+"_2")+catalog.IndexFile, "")

	id, err = engine.newID(ctx, ts)
	if err != nil {
		t.Fatal(err)
	}
	if id != base+"_3" {
		t.Errorf("newID() = %q, want %q", id, base+"_3")
	}
}

func put(t *testing.T, store storage.Backend, key, data string) {
	t.Helper()
	if err := store.Write(context.Background(), key, strings.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Write(%s) error = %v", key, err)
	}
}

func seedSnapshot(t *testing.T, store storage.Backend, ts time.Time, status string) *manifest.Manifest {
	t.Helper()
	m := manifest.New(manifest.GenerateID(ts), ts)
	m.Status = status
	put(t, store, m.Prefix()+catalog.IndexFile, "index")
	m.AddFile(m.Prefix()+catalog.IndexFile, 5, "")
	data, err := m.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(context.Background(), manifest.MetaKey(m.ID), bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEngine_Cleanup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	cfg.Retention = config.RetentionConfig{Daily: 1}
	engine, store := newTestEngine(t, cfg)

	now := time.Now().UTC()
	newest := seedSnapshot(t, store, now.Add(-1*time.Hour), manifest.StatusCompleted)
	older := seedSnapshot(t, store, now.Add(-25*time.Hour), manifest.StatusCompleted)
	oldest := seedSnapshot(t, store, now.Add(-49*time.Hour), manifest.StatusPartial)

	deleted, err := engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("Cleanup() deleted = %d, want 2", deleted)
	}

	list, err := engine.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != newest.ID {
		t.Errorf("remaining = %v, want only %s", list, newest.ID)
	}
	for _, m := range []*manifest.Manifest{older, oldest} {
		files, _ := store.List(ctx, m.Prefix())
		if len(files) != 0 {
			t.Errorf("%s: %d files left behind", m.ID, len(files))
		}
	}
}

func TestEngine_ListSnapshots_NewestFirst(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	engine, store := newTestEngine(t, cfg)

	base := time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seedSnapshot(t, store, base.AddDate(0, 0, i), manifest.StatusCompleted)
	}
	put(t, store, "stray.meta.json", "not json")

	list, err := engine.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("ListSnapshots() = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if !list[i-1].Timestamp.After(list[i].Timestamp) {
			t.Errorf("snapshots not sorted newest first: %s before %s", list[i-1].ID, list[i].ID)
		}
	}

	latest, err := engine.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != list[0].ID {
		t.Errorf("Latest() = %s, want %s", latest.ID, list[0].ID)
	}
}

func TestEngine_GetSnapshot_NotFound(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	engine, _ := newTestEngine(t, cfg)

	for _, id := range []string{"snap_19990101_000000", "../etc"} {
		if _, err := engine.GetSnapshot(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSnapshot(%q) error = %v, want ErrNotFound", id, err)
		}
	}
	if _, err := engine.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest() error = %v, want ErrNotFound", err)
	}
}

func TestEngine_Delete(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newSourceDB(t))
	engine, store := newTestEngine(t, cfg)

	m := seedSnapshot(t, store, time.Now(), manifest.StatusCompleted)
	if err := engine.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	files, _ := store.List(ctx, "")
	if len(files) != 0 {
		t.Errorf("storage has %v after delete", files)
	}
}
