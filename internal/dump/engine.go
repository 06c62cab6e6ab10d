// Package dump streams tables from a source database into a catalog.
package dump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/job"
	"github.com/localrivet/dbshift/pkg/adapter"
	"github.com/localrivet/dbshift/pkg/capability"
	"github.com/localrivet/dbshift/pkg/codec"
	"github.com/localrivet/dbshift/pkg/dialect"
	"github.com/localrivet/dbshift/pkg/value"
)

const (
	DefaultFormat    = "csv"
	DefaultChunkRows = 10000
)

// Attribute keys written on every entry besides the codec options.
const (
	AttrSourceProduct = "source.product"
	AttrSourceVersion = "source.version"
	AttrIdentity      = "identity."
)

// ErrAlreadyDumped rejects a table the catalog already holds completely.
var ErrAlreadyDumped = errors.New("table already present in catalog")

// Source hands out connections to the database being dumped.
// database.Driver satisfies it.
type Source interface {
	Conn(ctx context.Context) (*sql.Conn, error)
	Release(conn *sql.Conn) error
	Signature(ctx context.Context) (capability.Signature, error)
}

type Options struct {
	Format      string
	Codec       codec.Options
	Compression string
	// ChunkRows and ChunkBytes bound a chunk; zero disables the byte bound.
	ChunkRows  int64
	ChunkBytes int64
	Workers    int
}

// Table is one unit of work. Query overrides the default SELECT of every
// column of Name.
type Table struct {
	Name  string
	Query string
}

type Engine struct {
	source   Source
	catalog  *catalog.Catalog
	formats  *codec.Registry
	adapters *capability.Resolver[*adapter.Set]
	dialects *capability.Resolver[dialect.Dialect]
	opts     Options
	logger   *slog.Logger
}

func NewEngine(source Source, cat *catalog.Catalog, opts Options, logger *slog.Logger) *Engine {
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = DefaultChunkRows
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:   source,
		catalog:  cat,
		formats:  codec.Default(),
		adapters: adapter.Resolver(),
		dialects: dialect.Resolver(),
		opts:     opts,
		logger:   logger,
	}
}

func (e *Engine) WithFormats(r *codec.Registry) *Engine {
	e.formats = r
	return e
}

func (e *Engine) WithAdapters(r *capability.Resolver[*adapter.Set]) *Engine {
	e.adapters = r
	return e
}

func (e *Engine) WithDialects(r *capability.Resolver[dialect.Dialect]) *Engine {
	e.dialects = r
	return e
}

// capabilities are resolved once per run from the live signature.
type capabilities struct {
	sig      capability.Signature
	set      *adapter.Set
	dialect  dialect.Dialect
	format   codec.Format
	resolved error
}

// Run dumps every table. Table failures are recorded on the summary and do
// not stop the other tables; the returned error is only set when the run
// itself could not proceed.
func (e *Engine) Run(ctx context.Context, jc *job.Context, tables []Table) (*job.Summary, error) {
	summary := jc.Start(job.OpDump)
	defer func() { summary.Finished = time.Now() }()

	if !catalog.ValidCompression(e.opts.Compression) {
		return summary, fmt.Errorf("unsupported compression %q", e.opts.Compression)
	}
	format, err := e.formats.Lookup(e.opts.Format)
	if err != nil {
		return summary, err
	}
	if err := e.catalog.Prepare(); err != nil {
		return summary, err
	}

	sig, err := e.source.Signature(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to read source signature: %w", err)
	}
	caps := &capabilities{sig: sig, format: format}
	caps.set, caps.resolved = e.adapters.Resolve(sig)
	if caps.resolved == nil {
		caps.dialect, caps.resolved = e.dialects.ResolveOrDefault(sig, dialect.ANSI{})
	}

	jc.Logger.Info("dump started",
		"source", sig.String(),
		"tables", len(tables),
		"format", format.Name(),
		"workers", e.opts.Workers,
	)

	byName := make(map[string]Table, len(tables))
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		if _, dup := byName[t.Name]; dup {
			continue
		}
		byName[t.Name] = t
		names = append(names, t.Name)
	}

	err = jc.RunTables(ctx, summary, job.OpDump, e.opts.Workers, names, func(ctx context.Context, name string) (job.TableResult, error) {
		return e.dumpTable(ctx, jc, caps, byName[name])
	})
	if err != nil {
		return summary, err
	}

	jc.Logger.Info("dump finished", "tables", len(names), "failed", len(summary.Failed()), "rows", summary.Rows())
	return summary, nil
}

// dumpTable returns the table result and, separately, an error only when
// the catalog itself became unusable.
func (e *Engine) dumpTable(ctx context.Context, jc *job.Context, caps *capabilities, t Table) (job.TableResult, error) {
	start := time.Now()
	res := job.TableResult{Op: job.OpDump, Table: t.Name, State: job.Pending}
	logger := jc.Logger.With("table", t.Name)

	fail := func(err error) (job.TableResult, error) {
		res.State = job.Failed
		res.Err = err
		res.Duration = time.Since(start)
		if errors.Is(err, catalog.ErrUnavailable) {
			return res, err
		}
		return res, nil
	}

	if caps.resolved != nil {
		return fail(caps.resolved)
	}
	if e.catalog.Complete(t.Name) {
		return fail(fmt.Errorf("%w: %s", ErrAlreadyDumped, t.Name))
	}
	if prior := e.catalog.Chunks(t.Name); len(prior) > 0 {
		logger.Warn("dropping unfinished chunks from an earlier dump", "chunks", len(prior))
		if err := e.catalog.Reset(t.Name); err != nil {
			return fail(err)
		}
	}
	defer func() {
		if res.State != job.Failed {
			return
		}
		if err := e.catalog.Discard(t.Name); err != nil {
			logger.Warn("failed to discard staged chunks", "error", err)
		}
	}()

	res.State = job.OpeningCursor
	conn, err := e.source.Conn(ctx)
	if err != nil {
		return fail(err)
	}
	defer e.source.Release(conn)

	attrs := e.attributes(caps, t)
	if t.Query == "" {
		ident, err := caps.dialect.IdentityColumns(ctx, conn, t.Name)
		if err != nil {
			logger.Warn("failed to read identity columns", "error", err)
		}
		for col, mode := range ident {
			jc.SetIdentity(t.Name, col, string(mode))
			attrs[AttrIdentity+col] = string(mode)
		}
	}

	query := t.Query
	if query == "" {
		query = "SELECT * FROM " + caps.dialect.QuoteIdent(t.Name)
	}
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return fail(fmt.Errorf("failed to query %s: %w", t.Name, err))
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return fail(fmt.Errorf("failed to read column types: %w", err))
	}
	cols := make([]value.Column, len(types))
	readers := make([]adapter.ReadFunc, len(types))
	for i, ct := range types {
		cols[i] = caps.set.Describe(ct)
		if readers[i], err = caps.set.Reader(cols[i]); err != nil {
			return fail(err)
		}
	}

	s := &stream{
		engine: e,
		format: caps.format,
		name:   t.Name,
		cols:   cols,
		attrs:  attrs,
	}
	defer s.abort()

	res.State = job.Streaming
	if err := s.open(); err != nil {
		return fail(err)
	}

	raw := make(scanRow, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	row := make([]value.Value, len(cols))

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := rows.Scan(dest...); err != nil {
			return fail(fmt.Errorf("failed to scan row %d: %w", res.Rows+1, err))
		}
		for i, read := range readers {
			v, err := read(raw, i)
			if err != nil {
				return fail(fmt.Errorf("column %s row %d: %w", cols[i].Name, res.Rows+1, err))
			}
			row[i] = v
		}

		if s.full(e.opts) {
			res.State = job.ChunkRotating
			if err := s.rotate(); err != nil {
				return fail(err)
			}
			res.State = job.Streaming
			logger.Debug("chunk rotated", "chunks", s.committed, "rows", res.Rows)
		}
		if err := s.enc.WriteRow(row); err != nil {
			return fail(err)
		}
		s.rows++
		res.Rows++
	}
	if err := rows.Err(); err != nil {
		return fail(fmt.Errorf("failed to read rows: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if err := s.commit(true); err != nil {
		return fail(err)
	}

	res.State = job.Completed
	res.Chunks = s.committed
	res.Bytes = s.bytes
	res.Duration = time.Since(start)
	return res, nil
}

func (e *Engine) attributes(caps *capabilities, t Table) map[string]string {
	opts := e.opts.Codec
	if opts.Table == "" {
		opts.Table = t.Name
	}
	attrs := opts.Attributes()
	attrs[catalog.AttrCompression] = e.opts.Compression
	if attrs[catalog.AttrCompression] == "" {
		attrs[catalog.AttrCompression] = catalog.CompressionNone
	}
	attrs[AttrSourceProduct] = caps.sig.ProductName
	if caps.sig.ProductVersion != "" {
		attrs[AttrSourceVersion] = caps.sig.ProductVersion
	}
	return attrs
}

type scanRow []any

func (r scanRow) Value(pos int) any { return r[pos] }

// stream owns the chunk being written for one table.
type stream struct {
	engine *Engine
	format codec.Format
	name   string
	cols   []value.Column
	attrs  map[string]string

	w         *catalog.ChunkWriter
	enc       codec.Encoder
	rows      int64
	committed int
	bytes     int64
}

func (s *stream) open() error {
	w, err := s.engine.catalog.NewEntry(s.name, s.format.Name(), s.attrs)
	if err != nil {
		return err
	}
	enc, err := s.format.NewEncoder(w, codec.OptionsFromAttributes(s.attrs))
	if err != nil {
		w.Abort()
		return err
	}
	if err := enc.WriteHeader(s.cols); err != nil {
		w.Abort()
		return err
	}
	s.w, s.enc, s.rows = w, enc, 0
	return nil
}

// full reports whether the next row must go to a new chunk.
func (s *stream) full(opts Options) bool {
	if s.rows == 0 {
		return false
	}
	if s.rows >= opts.ChunkRows {
		return true
	}
	return opts.ChunkBytes > 0 && s.w.Written() >= opts.ChunkBytes
}

func (s *stream) rotate() error {
	if err := s.commit(false); err != nil {
		return err
	}
	return s.open()
}

func (s *stream) commit(final bool) error {
	if err := s.enc.Close(); err != nil {
		return err
	}
	if final {
		s.w.SetAttribute(catalog.AttrFinal, "true")
	}
	written := s.w.Written()
	if _, err := s.w.Commit(s.rows); err != nil {
		s.w = nil
		return err
	}
	s.w = nil
	s.committed++
	s.bytes += written
	return nil
}

// abort discards the chunk still open after a failure.
func (s *stream) abort() {
	if s.w != nil {
		s.w.Abort()
		s.w = nil
	}
}
