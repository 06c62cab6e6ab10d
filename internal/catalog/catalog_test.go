package catalog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeChunk(t *testing.T, c *Catalog, name, body string, attrs map[string]string, final bool) Entry {
	t.Helper()
	w, err := c.NewEntry(name, "csv", attrs)
	if err != nil {
		t.Fatalf("NewEntry(%s) error: %v", name, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if final {
		w.SetAttribute(AttrFinal, "true")
	}
	e, err := w.Commit(int64(strings.Count(body, "\n")))
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	return e
}

func TestChunkFileName(t *testing.T) {
	tests := []struct {
		name string
		id   int
		want string
	}{
		{"users", 0, "users.000000.chunk"},
		{"public.users", 12, "public.users.000012.chunk"},
		{"dbo.Order Details", 3, "dbo.Order%20Details.000003.chunk"},
		{"a/b", 1, "a%2Fb.000001.chunk"},
	}
	for _, tt := range tests {
		if got := ChunkFileName(tt.name, tt.id); got != tt.want {
			t.Errorf("ChunkFileName(%q, %d) = %q, want %q", tt.name, tt.id, got, tt.want)
		}
	}
}

func TestCreate_MissingRootCreatedOnFirstEntry(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "catalog")

	c, err := Create(root)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatal("Create() should not touch the filesystem")
	}

	writeChunk(t, c, "users", "a\nb\n", nil, true)

	if _, err := os.Stat(filepath.Join(root, IndexFile)); err != nil {
		t.Errorf("index not written: %v", err)
	}
}

func TestCreate_RootIsFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "stray")
	if err := os.WriteFile(root, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Create(root)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Create() error = %v, want ErrUnavailable", err)
	}
	if _, err := Load(root); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Load() error = %v, want ErrUnavailable", err)
	}
}

func TestChunkIDsAreContiguous(t *testing.T) {
	c, _ := Create(t.TempDir())

	writeChunk(t, c, "users", "1\n", nil, false)
	if got := c.Chunks("users"); len(got) != 0 {
		t.Fatalf("staged chunk visible before the final chunk: %+v", got)
	}
	writeChunk(t, c, "orders", "1\n", nil, true)
	writeChunk(t, c, "users", "2\n", nil, true)

	chunks := c.Chunks("users")
	if len(chunks) != 2 || chunks[0].ChunkID != 0 || chunks[1].ChunkID != 1 {
		t.Fatalf("Chunks(users) = %+v", chunks)
	}
	if got := c.Names(); len(got) != 2 || got[0] != "orders" || got[1] != "users" {
		t.Errorf("Names() = %v", got)
	}
	if got := c.Rows("users"); got != 2 {
		t.Errorf("Rows(users) = %d, want 2", got)
	}
	if !c.Complete("users") || c.Complete("missing") {
		t.Error("Complete() mismatch")
	}
}

func TestDiscardDropsStagedChunks(t *testing.T) {
	root := t.TempDir()
	c, _ := Create(root)

	writeChunk(t, c, "users", "1\n", nil, false)
	writeChunk(t, c, "users", "2\n", nil, false)
	if err := c.Discard("users"); err != nil {
		t.Fatalf("Discard() error: %v", err)
	}

	files, _ := os.ReadDir(root)
	for _, f := range files {
		if strings.HasSuffix(f.Name(), chunkSuffix) {
			t.Errorf("leftover %s", f.Name())
		}
	}
	if e := writeChunk(t, c, "users", "3\n", nil, true); e.ChunkID != 0 {
		t.Errorf("ChunkID after Discard = %d, want 0", e.ChunkID)
	}
	if got := c.Chunks("users"); len(got) != 1 {
		t.Errorf("Chunks() = %+v, want only the new chunk", got)
	}
}

func TestAbortNeverIndexes(t *testing.T) {
	root := t.TempDir()
	c, _ := Create(root)

	w, err := c.NewEntry("users", "csv", nil)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "partial rows\n")
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	if n := len(c.Entries()); n != 0 {
		t.Fatalf("Entries() has %d entries after abort", n)
	}
	files, _ := os.ReadDir(root)
	for _, f := range files {
		if strings.HasSuffix(f.Name(), partialSuffix) || strings.HasSuffix(f.Name(), chunkSuffix) {
			t.Errorf("leftover file %s", f.Name())
		}
	}

	// the id is reused by the next writer
	e := writeChunk(t, c, "users", "1\n", nil, true)
	if e.ChunkID != 0 {
		t.Errorf("ChunkID = %d, want 0", e.ChunkID)
	}
}

func TestOnePendingChunkPerName(t *testing.T) {
	c, _ := Create(t.TempDir())

	w, err := c.NewEntry("users", "csv", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.NewEntry("users", "csv", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("second NewEntry() error = %v, want ErrBusy", err)
	}
	if _, err := c.NewEntry("orders", "csv", nil); err != nil {
		t.Errorf("NewEntry(orders) error: %v", err)
	}
	w.Abort()
}

func TestLoadRoundTrip(t *testing.T) {
	for _, comp := range []string{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(comp, func(t *testing.T) {
			root := t.TempDir()
			c, _ := Create(root)
			body := strings.Repeat("id,name\n1,alice\n", 100)
			writeChunk(t, c, "users", body, map[string]string{AttrCompression: comp, "delimiter": ","}, true)

			loaded, err := Load(root)
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			entries := loaded.Entries()
			if len(entries) != 1 {
				t.Fatalf("Entries() = %d, want 1", len(entries))
			}
			e := entries[0]
			if e.Attributes["delimiter"] != "," || e.Format != "csv" || !e.Final() {
				t.Errorf("entry = %+v", e)
			}

			r, err := loaded.OpenChunk(e)
			if err != nil {
				t.Fatalf("OpenChunk() error: %v", err)
			}
			defer r.Close()
			got, _ := io.ReadAll(r)
			if string(got) != body {
				t.Errorf("chunk content mismatch (%d bytes)", len(got))
			}

			if err := loaded.Validate(context.Background()); err != nil {
				t.Errorf("Validate() error: %v", err)
			}
			if _, err := loaded.NewEntry("users", "csv", nil); !errors.Is(err, ErrReadOnly) {
				t.Errorf("NewEntry() on loaded catalog error = %v, want ErrReadOnly", err)
			}
		})
	}
}

func TestLoad_IgnoresUnknownFields(t *testing.T) {
	root := t.TempDir()
	line := `{"name":"users","chunk_id":0,"format":"csv","row_count":2,"future":"x","attributes":{"final":"true","other":"y"}}` + "\n"
	os.WriteFile(filepath.Join(root, IndexFile), []byte(line), 0644)

	c, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if e := c.Entries()[0]; e.RowCount != 2 || e.Attributes["other"] != "y" {
		t.Errorf("entry = %+v", e)
	}
}

func TestLoad_MissingIndex(t *testing.T) {
	if _, err := Load(t.TempDir()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Load() error = %v, want ErrUnavailable", err)
	}
}

func TestCreate_ContinuesExistingIndex(t *testing.T) {
	root := t.TempDir()
	c, _ := Create(root)
	writeChunk(t, c, "users", "1\n", nil, true)
	writeChunk(t, c, "orders", "1\n", nil, false)

	again, err := Create(root)
	if err != nil {
		t.Fatal(err)
	}
	if got := again.Names(); len(got) != 1 || got[0] != "users" {
		t.Fatalf("Names() = %v, want [users]", got)
	}
	// staged chunks of the earlier process were never indexed
	e := writeChunk(t, again, "orders", "2\n", nil, true)
	if e.ChunkID != 0 {
		t.Errorf("ChunkID = %d, want 0", e.ChunkID)
	}
}

func appendIndexLine(t *testing.T, root, line string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(root, IndexFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatal(err)
	}
}

func TestReadIndex_TornLastLine(t *testing.T) {
	root := t.TempDir()
	c, _ := Create(root)
	writeChunk(t, c, "users", "1\n", nil, true)
	appendIndexLine(t, root, `{"name":"orders","chunk_id":0,"form`)

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := loaded.Names(); len(got) != 1 || got[0] != "users" {
		t.Fatalf("Names() = %v", got)
	}

	again, err := Create(root)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	writeChunk(t, again, "orders", "1\n", nil, true)

	reloaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load() after append error: %v", err)
	}
	if got := reloaded.Names(); len(got) != 2 || got[1] != "orders" {
		t.Errorf("Names() = %v, want [users orders]", got)
	}
}

func TestReadIndex_UnterminatedLastLine(t *testing.T) {
	root := t.TempDir()
	appendIndexLine(t, root, `{"name":"users","chunk_id":0,"format":"csv","attributes":{"final":"true"}}`)

	c, err := Create(root)
	if err != nil {
		t.Fatal(err)
	}
	writeChunk(t, c, "orders", "1\n", nil, true)

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := loaded.Names(); len(got) != 2 {
		t.Errorf("Names() = %v, want both entries", got)
	}
}

func TestReadIndex_CorruptLineIsUnavailable(t *testing.T) {
	root := t.TempDir()
	appendIndexLine(t, root, "not json\n"+`{"name":"users","chunk_id":0}`+"\n")

	if _, err := Load(root); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Load() error = %v, want ErrUnavailable", err)
	}
}

func TestReset(t *testing.T) {
	root := t.TempDir()
	c, _ := Create(root)
	writeChunk(t, c, "users", "1\n", nil, true)
	appendIndexLine(t, root, `{"name":"orders","chunk_id":0,"format":"csv"}`+"\n")
	os.WriteFile(filepath.Join(root, ChunkFileName("orders", 0)), []byte("x"), 0644)

	c, _ = Create(root)
	if err := c.Reset("users"); err == nil {
		t.Error("Reset() of a complete entry should fail")
	}
	if err := c.Reset("orders"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ChunkFileName("orders", 0))); !os.IsNotExist(err) {
		t.Error("reset chunk file not removed")
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.Names(); len(got) != 1 || got[0] != "users" {
		t.Errorf("Names() = %v, want [users]", got)
	}
}

func TestValidate_DetectsDamage(t *testing.T) {
	root := t.TempDir()
	c, _ := Create(root)
	e := writeChunk(t, c, "users", "1\n2\n", nil, true)
	appendIndexLine(t, root, `{"name":"orders","chunk_id":0,"format":"csv"}`+"\n")

	os.WriteFile(filepath.Join(root, e.FileName()), []byte("1\n3\n"), 0644)

	c, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Validate(context.Background())
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "users chunk 0: checksum") {
		t.Errorf("missing checksum problem in %q", msg)
	}
	if !strings.Contains(msg, "orders chunk 0: last chunk is not marked final") {
		t.Errorf("missing final problem in %q", msg)
	}

	os.Remove(filepath.Join(root, e.FileName()))
	if err := c.Validate(context.Background()); err == nil || !strings.Contains(err.Error(), "file missing") {
		t.Errorf("Validate() error = %v, want file missing", err)
	}
}

func TestSweep(t *testing.T) {
	root := t.TempDir()
	c, _ := Create(root)

	indexed := writeChunk(t, c, "items", "1\n", nil, true)
	staged := writeChunk(t, c, "events", "1\n", nil, false)

	active, err := c.NewEntry("users", "csv", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer active.Abort()

	stale := filepath.Join(root, ChunkFileName("orders", 0)+partialSuffix)
	os.WriteFile(stale, []byte("x"), 0644)
	orphan := filepath.Join(root, ChunkFileName("orders", 1))
	os.WriteFile(orphan, []byte("x"), 0644)

	n, err := c.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep() removed %d, want 2", n)
	}
	for _, gone := range []string{stale, orphan} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("%s not removed", filepath.Base(gone))
		}
	}
	for _, kept := range []string{active.path, filepath.Join(root, indexed.FileName()), filepath.Join(root, staged.FileName())} {
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("%s removed: %v", filepath.Base(kept), err)
		}
	}
}

func TestFiles(t *testing.T) {
	c, _ := Create(t.TempDir())
	writeChunk(t, c, "users", "1\n", nil, true)

	files := c.Files()
	if len(files) != 2 || files[0] != "users.000000.chunk" || files[1] != IndexFile {
		t.Errorf("Files() = %v", files)
	}
}
