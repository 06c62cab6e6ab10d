package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	ts := time.Date(2024, 3, 5, 2, 0, 0, 0, time.FixedZone("x", 3600))
	m := New("snap-001", ts)

	if m.ID != "snap-001" {
		t.Errorf("ID = %v, want snap-001", m.ID)
	}
	if m.Timestamp.Location() != time.UTC || !m.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v in UTC", m.Timestamp, ts)
	}
	if m.Type != "daily" {
		t.Errorf("Type = %v, want daily", m.Type)
	}
	if m.Status != StatusCompleted {
		t.Errorf("Status = %v, want completed", m.Status)
	}
}

func TestManifest_AddTableAndFile(t *testing.T) {
	m := New("snap-001", time.Now())

	m.AddTable(TableInfo{Name: "orders", Rows: 100, Chunks: 1, Bytes: 4096})
	if m.Status != StatusCompleted {
		t.Errorf("Status = %v, want completed", m.Status)
	}
	m.AddTable(TableInfo{Name: "geo", Error: "unsupported type"})
	m.AddTable(TableInfo{Name: "users", Rows: 5})

	if m.Status != StatusPartial {
		t.Errorf("Status = %v, want partial", m.Status)
	}
	if m.Dump.Rows != 105 {
		t.Errorf("Dump.Rows = %v, want 105", m.Dump.Rows)
	}
	if got := m.Failed(); len(got) != 1 || got[0] != "geo" {
		t.Errorf("Failed() = %v, want [geo]", got)
	}
	if got := m.Loadable(); len(got) != 2 || got[0] != "orders" || got[1] != "users" {
		t.Errorf("Loadable() = %v, want [orders users]", got)
	}

	m.AddFile("snap-001/orders.000000.chunk", 300, "00000000000000aa")
	m.AddFile("snap-001/catalog.jsonl", 200, "00000000000000bb")
	if m.Dump.SizeBytes != 500 {
		t.Errorf("Dump.SizeBytes = %v, want 500", m.Dump.SizeBytes)
	}
	if len(m.Files) != 2 || m.Files[1].Path != "snap-001/catalog.jsonl" {
		t.Errorf("Files = %v", m.Files)
	}
}

func TestManifest_RoundTrip(t *testing.T) {
	m := New("snap_20240101_020000", time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC))
	m.Source = SourceInfo{Type: "mysql", Name: "shop", Host: "db", Product: "MariaDB", Version: "10.11.6-MariaDB"}
	m.Dump.Format = "csv"
	m.Dump.Compression = "zstd"
	m.Dump.ChunkRows = 10000
	m.AddTable(TableInfo{Name: "orders", Rows: 10050, Chunks: 2, Bytes: 1 << 20})
	m.AddFile("snap_20240101_020000/orders.000000.chunk", 900, "0123456789abcdef")
	m.SetRetention(time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC), "monthly")

	data, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error: %v", err)
	}
	for _, want := range []string{`"status": "completed"`, `"product": "MariaDB"`, `"chunk_rows": 10000`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("ToJSON() missing %s", want)
		}
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.ID != m.ID || !got.Timestamp.Equal(m.Timestamp) {
		t.Errorf("Parse() = %v at %v", got.ID, got.Timestamp)
	}
	if got.Source != m.Source {
		t.Errorf("Source = %+v, want %+v", got.Source, m.Source)
	}
	if len(got.Tables) != 1 || got.Tables[0] != m.Tables[0] {
		t.Errorf("Tables = %+v", got.Tables)
	}
	if len(got.Files) != 1 || got.Files[0] != m.Files[0] {
		t.Errorf("Files = %+v", got.Files)
	}
	if got.Retention.Policy != "monthly" {
		t.Errorf("Retention.Policy = %v, want monthly", got.Retention.Policy)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("Parse() should error on invalid JSON")
	}
	if _, err := Parse([]byte(`{"status":"completed"}`)); err == nil {
		t.Error("Parse() should error without an id")
	}
}

func TestKeys(t *testing.T) {
	if MetaKey("snap_1") != "snap_1.meta.json" {
		t.Errorf("MetaKey() = %v", MetaKey("snap_1"))
	}
	if Prefix("snap_1") != "snap_1/" {
		t.Errorf("Prefix() = %v", Prefix("snap_1"))
	}

	tests := []struct {
		key    string
		wantID string
		wantOK bool
	}{
		{"snap_1.meta.json", "snap_1", true},
		{"snap_1/catalog.jsonl", "", false},
		{"snap_1/x.meta.json", "", false},
		{"notes.txt", "", false},
	}
	for _, tt := range tests {
		id, ok := IDFromMetaKey(tt.key)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("IDFromMetaKey(%q) = %q, %v, want %q, %v", tt.key, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestGenerateID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC)
	if got := GenerateID(ts); got != "snap_20240115_143045" {
		t.Errorf("GenerateID() = %v, want snap_20240115_143045", got)
	}
	if GenerateID(ts) == GenerateID(ts.Add(time.Second)) {
		t.Error("GenerateID() should differ for different times")
	}
}

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	os.WriteFile(a, []byte("hello"), 0644)
	os.WriteFile(b, []byte("hello!"), 0644)

	sumA, err := FileChecksum(a)
	if err != nil {
		t.Fatalf("FileChecksum() error: %v", err)
	}
	if len(sumA) != 16 {
		t.Errorf("checksum %q should be 16 hex digits", sumA)
	}
	again, _ := FileChecksum(a)
	if again != sumA {
		t.Error("FileChecksum() should be stable")
	}
	sumB, _ := FileChecksum(b)
	if sumB == sumA {
		t.Error("different content should hash differently")
	}

	if _, err := FileChecksum(filepath.Join(dir, "missing")); err == nil {
		t.Error("FileChecksum() should error for a missing file")
	}
}
