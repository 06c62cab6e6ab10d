package catalog

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/xxh3"
)

// ChunkWriter receives the encoded bytes of one chunk. Exactly one of
// Commit or Abort ends it.
type ChunkWriter struct {
	cat   *Catalog
	entry Entry
	path  string

	file *os.File
	sum  *xxh3.Hasher
	comp io.WriteCloser
	out  io.Writer

	size    int64
	written int64
	done    bool
}

// NewEntry starts the next chunk of name. attrs are recorded on the entry;
// the compression attribute selects how the chunk file is compressed.
func (c *Catalog) NewEntry(name, format string, attrs map[string]string) (*ChunkWriter, error) {
	if c.readOnly {
		return nil, ErrReadOnly
	}
	if err := c.Prepare(); err != nil {
		return nil, err
	}

	id, err := c.reserve(name)
	if err != nil {
		return nil, err
	}

	w := &ChunkWriter{
		cat: c,
		entry: Entry{
			Name:       name,
			ChunkID:    id,
			Format:     format,
			Attributes: maps.Clone(attrs),
		},
		sum: xxh3.New(),
	}
	if w.entry.Attributes == nil {
		w.entry.Attributes = make(map[string]string)
	}
	w.path = filepath.Join(c.root, w.entry.FileName()+partialSuffix)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		c.release(name)
		return nil, &Error{Op: "create chunk", Path: w.path, Err: err}
	}
	w.file = f

	sink := io.MultiWriter(fileCounter{w}, w.sum)
	comp, err := compressor(w.entry.Attributes[AttrCompression], sink)
	if err != nil {
		f.Close()
		os.Remove(w.path)
		c.release(name)
		return nil, err
	}
	w.comp = comp
	w.out = sink
	if comp != nil {
		w.out = comp
	}
	return w, nil
}

type fileCounter struct{ w *ChunkWriter }

func (f fileCounter) Write(p []byte) (int, error) {
	n, err := f.w.file.Write(p)
	f.w.size += int64(n)
	return n, err
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("chunk %s/%d already finished", w.entry.Name, w.entry.ChunkID)
	}
	n, err := w.out.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *ChunkWriter) Name() string {
	return w.entry.Name
}

func (w *ChunkWriter) ChunkID() int {
	return w.entry.ChunkID
}

// Written returns the number of uncompressed bytes accepted so far.
func (w *ChunkWriter) Written() int64 {
	return w.written
}

// SetAttribute adds an attribute before the entry is committed.
func (w *ChunkWriter) SetAttribute(key, value string) {
	w.entry.Attributes[key] = value
}

// Commit syncs the chunk and moves it to its final name. A chunk without
// the final attribute is staged; committing the final chunk indexes it with
// every staged chunk of its name. On error the chunk is discarded and never
// indexed.
func (w *ChunkWriter) Commit(rows int64) (Entry, error) {
	if w.done {
		return Entry{}, fmt.Errorf("chunk %s/%d already finished", w.entry.Name, w.entry.ChunkID)
	}

	if err := w.finish(); err != nil {
		w.discard()
		return Entry{}, err
	}

	final := filepath.Join(w.cat.root, w.entry.FileName())
	if err := os.Rename(w.path, final); err != nil {
		w.discard()
		return Entry{}, &Error{Op: "commit chunk", Path: final, Err: err}
	}

	w.entry.RowCount = rows
	w.entry.Size = w.size
	w.entry.Checksum = fmt.Sprintf("%016x", w.sum.Sum64())
	w.entry.CreatedAt = time.Now().UTC()

	if err := w.cat.commit(w.entry); err != nil {
		os.Remove(final)
		w.cat.release(w.entry.Name)
		w.done = true
		return Entry{}, err
	}
	w.done = true
	return w.entry, nil
}

func (w *ChunkWriter) finish() error {
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			w.file.Close()
			return &Error{Op: "compress chunk", Path: w.path, Err: err}
		}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return &Error{Op: "sync chunk", Path: w.path, Err: err}
	}
	if err := w.file.Close(); err != nil {
		return &Error{Op: "close chunk", Path: w.path, Err: err}
	}
	return nil
}

// Abort closes and removes the partial chunk. The chunk id stays free for
// the next writer of the same name.
func (w *ChunkWriter) Abort() error {
	if w.done {
		return nil
	}
	if w.comp != nil {
		w.comp.Close()
	}
	w.file.Close()
	return w.discard()
}

func (w *ChunkWriter) discard() error {
	w.done = true
	w.cat.release(w.entry.Name)
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "abort chunk", Path: w.path, Err: err}
	}
	return nil
}
