// Package manifest describes a published snapshot: which tables it holds,
// which files make it up and how long it is kept.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

const (
	StatusCompleted = "completed"
	// StatusPartial marks a snapshot where some tables failed to dump.
	StatusPartial = "partial"

	metaSuffix = ".meta.json"
)

type Manifest struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      string        `json:"type"`
	Status    string        `json:"status"`
	Source    SourceInfo    `json:"source"`
	Dump      DumpInfo      `json:"dump"`
	Tables    []TableInfo   `json:"tables"`
	Files     []FileInfo    `json:"files"`
	Retention RetentionInfo `json:"retention"`
}

type SourceInfo struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Host    string `json:"host"`
	Product string `json:"product"`
	Version string `json:"version"`
}

type DumpInfo struct {
	Format          string  `json:"format"`
	Compression     string  `json:"compression"`
	ChunkRows       int64   `json:"chunk_rows"`
	ChunkBytes      int64   `json:"chunk_bytes,omitempty"`
	Rows            int64   `json:"rows"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type TableInfo struct {
	Name   string `json:"name"`
	Rows   int64  `json:"rows"`
	Chunks int    `json:"chunks"`
	Bytes  int64  `json:"bytes"`
	Error  string `json:"error,omitempty"`
}

// FileInfo is one stored file, keyed relative to the backend root.
type FileInfo struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type RetentionInfo struct {
	KeepUntil time.Time `json:"keep_until"`
	Policy    string    `json:"policy"`
}

func New(id string, ts time.Time) *Manifest {
	return &Manifest{
		ID:        id,
		Timestamp: ts.UTC(),
		Type:      "daily",
		Status:    StatusCompleted,
		Tables:    make([]TableInfo, 0),
		Files:     make([]FileInfo, 0),
	}
}

func (m *Manifest) SetRetention(keepUntil time.Time, policy string) {
	m.Retention.KeepUntil = keepUntil
	m.Retention.Policy = policy
}

func (m *Manifest) AddFile(path string, size int64, checksum string) {
	m.Files = append(m.Files, FileInfo{Path: path, Size: size, Checksum: checksum})
	m.Dump.SizeBytes += size
}

func (m *Manifest) AddTable(t TableInfo) {
	m.Tables = append(m.Tables, t)
	m.Dump.Rows += t.Rows
	if t.Error != "" {
		m.Status = StatusPartial
	}
}

// Failed lists the tables that did not dump.
func (m *Manifest) Failed() []string {
	var out []string
	for _, t := range m.Tables {
		if t.Error != "" {
			out = append(out, t.Name)
		}
	}
	return out
}

// Loadable lists the tables the snapshot can restore.
func (m *Manifest) Loadable() []string {
	var out []string
	for _, t := range m.Tables {
		if t.Error == "" {
			out = append(out, t.Name)
		}
	}
	return out
}

// Prefix is the key prefix of the snapshot's chunk files and index.
func (m *Manifest) Prefix() string {
	return Prefix(m.ID)
}

func (m *Manifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("failed to parse manifest: missing id")
	}
	return &m, nil
}

func Prefix(id string) string {
	return id + "/"
}

func MetaKey(id string) string {
	return id + metaSuffix
}

// IDFromMetaKey returns the snapshot id of a manifest key, or false.
func IDFromMetaKey(key string) (string, bool) {
	if strings.Contains(key, "/") || !strings.HasSuffix(key, metaSuffix) {
		return "", false
	}
	return strings.TrimSuffix(key, metaSuffix), true
}

func GenerateID(ts time.Time) string {
	return fmt.Sprintf("snap_%s", ts.UTC().Format("20060102_150405"))
}

// Checksum hashes r the same way the catalog hashes chunk files.
func Checksum(r io.Reader) (string, error) {
	h := xxh3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	sum, err := Checksum(f)
	if err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return sum, nil
}
