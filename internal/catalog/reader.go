package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/xxh3"
)

// OpenChunk returns the decompressed content of a committed chunk.
func (c *Catalog) OpenChunk(e Entry) (io.ReadCloser, error) {
	path := filepath.Join(c.root, e.FileName())
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Op: "open chunk", Path: path, Err: ErrNotFound}
		}
		return nil, &Error{Op: "open chunk", Path: path, Err: err}
	}

	r, err := decompressor(e.Attributes[AttrCompression], f)
	if err != nil {
		f.Close()
		return nil, &Error{Op: "open chunk", Path: path, Err: err}
	}
	return &chunkReader{ReadCloser: r, file: f}, nil
}

type chunkReader struct {
	io.ReadCloser
	file *os.File
}

func (r *chunkReader) Close() error {
	err := r.ReadCloser.Close()
	if ferr := r.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// ChunkError describes one problem found by Validate.
type ChunkError struct {
	Name    string
	ChunkID int
	Reason  string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s chunk %d: %s", e.Name, e.ChunkID, e.Reason)
}

// Validate checks that every entry's chunk ids run from 0 without gaps,
// end with a final chunk, and that every chunk file has the recorded size
// and checksum. All problems are returned joined.
func (c *Catalog) Validate(ctx context.Context) error {
	var errs []error
	for _, name := range c.Names() {
		chunks := c.Chunks(name)
		for i, e := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.ChunkID != i {
				errs = append(errs, &ChunkError{Name: name, ChunkID: i, Reason: "missing from index"})
				break
			}
			if err := c.verifyChunk(e); err != nil {
				errs = append(errs, err)
			}
		}
		if last := chunks[len(chunks)-1]; !last.Final() {
			errs = append(errs, &ChunkError{Name: name, ChunkID: last.ChunkID, Reason: "last chunk is not marked final"})
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) verifyChunk(e Entry) error {
	path := filepath.Join(c.root, e.FileName())
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ChunkError{Name: e.Name, ChunkID: e.ChunkID, Reason: "file missing"}
		}
		return &ChunkError{Name: e.Name, ChunkID: e.ChunkID, Reason: err.Error()}
	}
	defer f.Close()

	h := xxh3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return &ChunkError{Name: e.Name, ChunkID: e.ChunkID, Reason: err.Error()}
	}
	if n != e.Size {
		return &ChunkError{Name: e.Name, ChunkID: e.ChunkID,
			Reason: fmt.Sprintf("size %d, expected %d", n, e.Size)}
	}
	if sum := fmt.Sprintf("%016x", h.Sum64()); sum != e.Checksum {
		return &ChunkError{Name: e.Name, ChunkID: e.ChunkID,
			Reason: fmt.Sprintf("checksum %s, expected %s", sum, e.Checksum)}
	}
	return nil
}

// Sweep removes partial chunk files and chunk files no index line names,
// both left behind by an interrupted dump. Chunks currently being written
// or staged are left alone.
func (c *Catalog) Sweep() (int, error) {
	if c.readOnly {
		return 0, ErrReadOnly
	}
	dir, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &Error{Op: "sweep", Path: c.root, Err: err}
	}

	c.mu.Lock()
	active := make(map[string]bool)
	for name := range c.pending {
		active[escapeName(name)+"."] = true
	}
	known := make(map[string]bool)
	for _, e := range c.entries {
		known[e.FileName()] = true
	}
	for _, staged := range c.staged {
		for _, e := range staged {
			known[e.FileName()] = true
		}
	}
	c.mu.Unlock()

	removed := 0
	for _, d := range dir {
		if d.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(d.Name(), partialSuffix):
			if isActive(d.Name(), active) {
				continue
			}
		case strings.HasSuffix(d.Name(), chunkSuffix):
			if known[d.Name()] || isActive(d.Name(), active) {
				continue
			}
		default:
			continue
		}
		if err := os.Remove(filepath.Join(c.root, d.Name())); err != nil && !os.IsNotExist(err) {
			return removed, &Error{Op: "sweep", Path: d.Name(), Err: err}
		}
		removed++
	}
	return removed, nil
}

// isActive matches "<escaped>.<id>.chunk.partial" against the pending
// name prefixes.
func isActive(file string, prefixes map[string]bool) bool {
	base := strings.TrimSuffix(strings.TrimSuffix(file, partialSuffix), chunkSuffix)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return prefixes[base[:i+1]]
	}
	return false
}
