// Package catalog stores dumped chunks on disk and indexes them.
//
// A catalog is a directory holding catalog.jsonl, one JSON object per
// committed chunk, plus one file per chunk named after its entry name and
// chunk id. A chunk is written to a .partial file and renamed when its
// writer commits. The chunks of a name are staged until its final chunk
// commits and are then indexed together, so the index only ever names
// complete tables.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	IndexFile     = "catalog.jsonl"
	chunkSuffix   = ".chunk"
	partialSuffix = ".partial"
)

// Attribute keys the catalog itself writes or reads.
const (
	AttrCompression = "compression"
	AttrFinal       = "final"
)

var (
	ErrUnavailable = errors.New("catalog unavailable")
	ErrReadOnly    = errors.New("catalog is read only")
	ErrBusy        = errors.New("entry already has a chunk in progress")
	ErrNotFound    = errors.New("entry not found")
)

// Error ties a catalog failure to the path it happened on.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return "catalog " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Entry is one committed chunk.
type Entry struct {
	Name       string            `json:"name"`
	ChunkID    int               `json:"chunk_id"`
	Format     string            `json:"format"`
	RowCount   int64             `json:"row_count"`
	Size       int64             `json:"size"`
	Checksum   string            `json:"checksum"`
	CreatedAt  time.Time         `json:"created_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (e Entry) FileName() string {
	return ChunkFileName(e.Name, e.ChunkID)
}

// Final reports whether the entry is the last chunk of its name.
func (e Entry) Final() bool {
	return e.Attributes[AttrFinal] == "true"
}

// ChunkFileName derives the on-disk name of a chunk, e.g.
// "public.users.000003.chunk".
func ChunkFileName(name string, chunkID int) string {
	return fmt.Sprintf("%s.%06d%s", escapeName(name), chunkID, chunkSuffix)
}

// escapeName keeps letters, digits, '.', '_' and '-' and percent-encodes
// every other byte, so any table name maps to one flat file name.
func escapeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

type Catalog struct {
	root     string
	readOnly bool

	mu      sync.Mutex
	entries []Entry
	next    map[string]int
	pending map[string]bool
	staged  map[string][]Entry

	// tail is the length of an unterminated last index line. A line that
	// did not parse is cut off before the next append; one that did gets
	// its newline.
	tail     int64
	tailTorn bool
}

// Create opens root for writing. The directory is created on the first
// NewEntry; a root occupied by anything but a directory is rejected here.
// Entries already indexed under root are kept. Chunks staged by an earlier
// process were never indexed and are written again from id 0.
func Create(root string) (*Catalog, error) {
	c := &Catalog{
		root:    root,
		next:    make(map[string]int),
		pending: make(map[string]bool),
		staged:  make(map[string][]Entry),
	}

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, &Error{Op: "create", Path: root, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	case !info.IsDir():
		return nil, &Error{Op: "create", Path: root, Err: fmt.Errorf("%w: not a directory", ErrUnavailable)}
	}

	if err := c.readIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load opens an existing catalog read only.
func Load(root string) (*Catalog, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &Error{Op: "load", Path: root, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
	if !info.IsDir() {
		return nil, &Error{Op: "load", Path: root, Err: fmt.Errorf("%w: not a directory", ErrUnavailable)}
	}

	c := &Catalog{root: root, readOnly: true, next: make(map[string]int)}
	if _, err := os.Stat(c.indexPath()); err != nil {
		return nil, &Error{Op: "load", Path: c.indexPath(), Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
	if err := c.readIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Root() string {
	return c.root
}

func (c *Catalog) indexPath() string {
	return filepath.Join(c.root, IndexFile)
}

func (c *Catalog) readIndex() error {
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &Error{Op: "read index", Path: c.indexPath(), Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}

	lines := strings.Split(string(data), "\n")
	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// An unterminated last line is an append cut short by a crash.
			if n == len(lines)-1 {
				c.tail, c.tailTorn = int64(len(lines[n])), true
				break
			}
			return &Error{Op: "read index", Path: c.indexPath(),
				Err: fmt.Errorf("%w: line %d: %v", ErrUnavailable, n+1, err)}
		}
		if n == len(lines)-1 {
			c.tail = int64(len(lines[n]))
		}
		c.entries = append(c.entries, e)
		if e.ChunkID >= c.next[e.Name] {
			c.next[e.Name] = e.ChunkID + 1
		}
	}
	return nil
}

// Entries returns every committed entry in index order.
func (c *Catalog) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Names returns the entry names in order of first appearance.
func (c *Catalog) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	var names []string
	for _, e := range c.entries {
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}
	return names
}

// Chunks returns the entries of name ordered by chunk id.
func (c *Catalog) Chunks(name string) []Entry {
	c.mu.Lock()
	var out []Entry
	for _, e := range c.entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

// Rows sums the row counts of name's chunks.
func (c *Catalog) Rows(name string) int64 {
	var n int64
	for _, e := range c.Chunks(name) {
		n += e.RowCount
	}
	return n
}

// Files lists the index and every chunk file, relative to the root.
func (c *Catalog) Files() []string {
	entries := c.Entries()
	files := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		files = append(files, e.FileName())
	}
	return append(files, IndexFile)
}

// Prepare creates the root directory if needed.
func (c *Catalog) Prepare() error {
	if c.readOnly {
		return ErrReadOnly
	}
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return &Error{Op: "prepare", Path: c.root, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
	info, err := os.Stat(c.root)
	if err != nil {
		return &Error{Op: "prepare", Path: c.root, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
	if !info.IsDir() {
		return &Error{Op: "prepare", Path: c.root, Err: fmt.Errorf("%w: not a directory", ErrUnavailable)}
	}
	return nil
}

// reserve hands out the next chunk id of name. Only one chunk per name may
// be in progress.
func (c *Catalog) reserve(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[name] {
		return 0, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	c.pending[name] = true
	return c.next[name], nil
}

func (c *Catalog) release(name string) {
	c.mu.Lock()
	delete(c.pending, name)
	c.mu.Unlock()
}

// commit records e. A non-final chunk is staged; the final chunk appends
// every staged chunk of its name and itself to the index in one write.
func (c *Catalog) commit(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, e.Name)

	if !e.Final() {
		c.staged[e.Name] = append(c.staged[e.Name], e)
		c.next[e.Name] = e.ChunkID + 1
		return nil
	}

	batch := append(append([]Entry(nil), c.staged[e.Name]...), e)
	var buf []byte
	for _, b := range batch {
		line, err := json.Marshal(b)
		if err != nil {
			return err
		}
		buf = append(append(buf, line...), '\n')
	}
	if err := c.appendIndex(buf); err != nil {
		return err
	}

	c.entries = append(c.entries, batch...)
	delete(c.staged, e.Name)
	c.next[e.Name] = e.ChunkID + 1
	return nil
}

func (c *Catalog) appendIndex(buf []byte) error {
	path := c.indexPath()
	if c.tail > 0 {
		if c.tailTorn {
			info, err := os.Stat(path)
			if err != nil {
				return &Error{Op: "append index", Path: path, Err: err}
			}
			if err := os.Truncate(path, info.Size()-c.tail); err != nil {
				return &Error{Op: "append index", Path: path, Err: err}
			}
		} else {
			buf = append([]byte{'\n'}, buf...)
		}
		c.tail, c.tailTorn = 0, false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return &Error{Op: "append index", Path: path, Err: err}
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return &Error{Op: "append index", Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &Error{Op: "append index", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &Error{Op: "append index", Path: path, Err: err}
	}
	return nil
}

// Complete reports whether name has an indexed final chunk.
func (c *Catalog) Complete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Name == name && e.Final() {
			return true
		}
	}
	return false
}

// Discard drops the staged chunks of name and removes their files. The
// next chunk of name starts again after its indexed chunks.
func (c *Catalog) Discard(name string) error {
	c.mu.Lock()
	staged := c.staged[name]
	delete(c.staged, name)
	c.next[name] = c.indexedNext(name)
	c.mu.Unlock()

	var errs []error
	for _, e := range staged {
		path := filepath.Join(c.root, e.FileName())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, &Error{Op: "discard chunk", Path: path, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Reset removes an unfinished name from the index, e.g. chunks left by an
// index append that was cut short. A complete name is never reset.
func (c *Catalog) Reset(name string) error {
	if c.readOnly {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[name] || len(c.staged[name]) > 0 {
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}

	var keep, drop []Entry
	for _, e := range c.entries {
		if e.Name != name {
			keep = append(keep, e)
			continue
		}
		if e.Final() {
			return fmt.Errorf("reset %s: entry is complete", name)
		}
		drop = append(drop, e)
	}
	if len(drop) == 0 {
		return nil
	}

	var buf []byte
	for _, e := range keep {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf = append(append(buf, line...), '\n')
	}
	path := c.indexPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return &Error{Op: "rewrite index", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &Error{Op: "rewrite index", Path: path, Err: err}
	}
	c.tail, c.tailTorn = 0, false

	c.entries = keep
	delete(c.next, name)
	for _, e := range drop {
		os.Remove(filepath.Join(c.root, e.FileName()))
	}
	return nil
}

// indexedNext is the id after the last indexed chunk of name. c.mu is held.
func (c *Catalog) indexedNext(name string) int {
	next := 0
	for _, e := range c.entries {
		if e.Name == name && e.ChunkID >= next {
			next = e.ChunkID + 1
		}
	}
	return next
}
