package backup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/storage"
	"github.com/localrivet/dbshift/pkg/manifest"
)

const (
	chunkKey  = "snap_20240305_020000/orders.000000.csv"
	chunkData = "id,total\n1,10.5\n2,20.5\n"
)

// validSnapshot writes one chunk and an index and returns a manifest
// describing them.
func validSnapshot(t *testing.T) (*storage.LocalStorage, *manifest.Manifest) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	m := manifest.New("snap_20240305_020000", time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC))
	files := map[string]string{
		chunkKey:                       chunkData,
		m.Prefix() + catalog.IndexFile: `{"name":"orders"}` + "\n",
	}
	for _, key := range []string{chunkKey, m.Prefix() + catalog.IndexFile} {
		data := files[key]
		put(t, store, key, data)
		sum, err := manifest.Checksum(strings.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		m.AddFile(key, int64(len(data)), sum)
	}
	return store, m
}

func TestValidator_Valid(t *testing.T) {
	store, m := validSnapshot(t)

	result, err := NewValidator(store, testLogger()).Validate(context.Background(), m)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("Validate() Valid = false, errors = %v", result.Errors)
	}
	if result.FilesChecked != 2 {
		t.Errorf("FilesChecked = %d, want 2", result.FilesChecked)
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v, want nil", result.Err())
	}
}

func TestValidator_NoFiles(t *testing.T) {
	store, _ := validSnapshot(t)
	m := manifest.New("snap_empty", time.Now())

	result, err := NewValidator(store, testLogger()).Validate(context.Background(), m)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid {
		t.Error("Validate() Valid = true, want false for no files")
	}
	if result.Err() == nil || !strings.Contains(result.Err().Error(), "no files") {
		t.Errorf("Err() = %v", result.Err())
	}
}

func TestValidator_MissingIndex(t *testing.T) {
	store, m := validSnapshot(t)
	m.Files = m.Files[:1]

	result, err := NewValidator(store, testLogger()).Validate(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("Validate() should fail without the catalog index")
	}
}

func TestValidator_FileOutsideSnapshot(t *testing.T) {
	store, m := validSnapshot(t)
	put(t, store, "other/file.csv", "x")
	m.AddFile("other/file.csv", 1, "")

	result, err := NewValidator(store, testLogger()).Validate(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("Validate() should reject files outside the snapshot prefix")
	}
}

func TestValidator_MissingFile(t *testing.T) {
	store, m := validSnapshot(t)
	if err := store.Delete(context.Background(), chunkKey); err != nil {
		t.Fatal(err)
	}

	result, err := NewValidator(store, testLogger()).Validate(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("Validate() should fail for a missing file")
	}
	if len(result.Missing) != 1 || result.Missing[0] != chunkKey {
		t.Errorf("Missing = %v, want [%s]", result.Missing, chunkKey)
	}
}

func TestValidator_SizeMismatch(t *testing.T) {
	store, m := validSnapshot(t)
	put(t, store, chunkKey, chunkData+"3,30.5\n")

	result, err := NewValidator(store, testLogger()).Validate(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.SizeMismatch) != 1 {
		t.Errorf("SizeMismatch = %v, want one entry", result.SizeMismatch)
	}
	if len(result.BadChecksum) != 0 {
		t.Error("a size mismatch should not also be checksummed")
	}
}

func TestValidator_ChecksumMismatch(t *testing.T) {
	store, m := validSnapshot(t)
	// same length, different content
	put(t, store, chunkKey, strings.Replace(chunkData, "10.5", "99.5", 1))

	result, err := NewValidator(store, testLogger()).Validate(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Error("Validate() should fail on a checksum mismatch")
	}
	if len(result.BadChecksum) != 1 || result.BadChecksum[0] != chunkKey {
		t.Errorf("BadChecksum = %v", result.BadChecksum)
	}

	// without checksums the same snapshot passes
	result, err = NewValidator(store, testLogger()).WithChecksums(false).Validate(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("Validate() without checksums: errors = %v", result.Errors)
	}
}

func TestValidator_ContextCanceled(t *testing.T) {
	store, m := validSnapshot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewValidator(store, testLogger()).Validate(ctx, m); err == nil {
		t.Error("Validate() should return the context error")
	}
}
