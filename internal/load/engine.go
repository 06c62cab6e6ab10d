// Package load replays a catalog into a target database.
package load

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/job"
	"github.com/localrivet/dbshift/pkg/adapter"
	"github.com/localrivet/dbshift/pkg/capability"
	"github.com/localrivet/dbshift/pkg/codec"
	"github.com/localrivet/dbshift/pkg/dialect"
	"github.com/localrivet/dbshift/pkg/value"
)

const DefaultBatchSize = 1000

const attrIdentity = "identity."

var (
	ErrLoadConflict = errors.New("load conflict")
	ErrIncomplete   = errors.New("catalog entry is incomplete")
	ErrColumn       = errors.New("column not found in target table")
)

// ConflictError is a constraint violation the conflict policy did not
// absorb.
type ConflictError struct {
	Table string
	Chunk int
	Row   int64
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s chunk %d row %d: %v", e.Table, e.Chunk, e.Row, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrLoadConflict, e.Err}
}

// Target hands out connections to the database being loaded.
// database.Driver satisfies it.
type Target interface {
	Conn(ctx context.Context) (*sql.Conn, error)
	Release(conn *sql.Conn) error
	Signature(ctx context.Context) (capability.Signature, error)
}

type Options struct {
	Policy dialect.ConflictPolicy
	// Policies and Keys override Policy and the target primary key per
	// catalog entry name.
	Policies map[string]dialect.ConflictPolicy
	Keys     map[string][]string
	// Rename maps catalog entry names to target table names.
	Rename    map[string]string
	BatchSize int
	Workers   int
	// DryRun decodes every chunk without touching the target.
	DryRun bool
}

type Engine struct {
	target   Target
	catalog  *catalog.Catalog
	formats  *codec.Registry
	adapters *capability.Resolver[*adapter.Set]
	dialects *capability.Resolver[dialect.Dialect]
	opts     Options
	logger   *slog.Logger
}

func NewEngine(target Target, cat *catalog.Catalog, opts Options, logger *slog.Logger) *Engine {
	if opts.Policy == "" {
		opts.Policy = dialect.Insert
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		target:   target,
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

type capabilities struct {
	set      *adapter.Set
	dialect  dialect.Dialect
	resolved error
}

// Run loads the named entries, or every entry of the catalog when names is
// empty. Table failures are recorded on the summary.
func (e *Engine) Run(ctx context.Context, jc *job.Context, names []string) (*job.Summary, error) {
	summary := jc.Start(job.OpLoad)
	defer func() { summary.Finished = time.Now() }()

	if len(names) == 0 {
		names = e.catalog.Names()
	}

	caps := &capabilities{}
	if !e.opts.DryRun {
		sig, err := e.target.Signature(ctx)
		if err != nil {
			return summary, fmt.Errorf("failed to read target signature: %w", err)
		}
		caps.set, caps.resolved = e.adapters.Resolve(sig)
		if caps.resolved == nil {
			caps.dialect, caps.resolved = e.dialects.ResolveOrDefault(sig, dialect.ANSI{})
		}
		jc.Logger.Info("load started", "target", sig.String(), "tables", len(names), "workers", e.opts.Workers)
	} else {
		jc.Logger.Info("load dry run started", "tables", len(names))
	}

	err := jc.RunTables(ctx, summary, job.OpLoad, e.opts.Workers, names, func(ctx context.Context, name string) (job.TableResult, error) {
		return e.loadTable(ctx, jc, caps, name), nil
	})
	if err != nil {
		return summary, err
	}

	jc.Logger.Info("load finished", "tables", len(names), "failed", len(summary.Failed()), "rows", summary.Rows())
	return summary, nil
}

func (e *Engine) policy(name string) dialect.ConflictPolicy {
	if p, ok := e.opts.Policies[name]; ok && p != "" {
		return p
	}
	return e.opts.Policy
}

func (e *Engine) tableName(name string) string {
	if t, ok := e.opts.Rename[name]; ok && t != "" {
		return t
	}
	return name
}

// chunks returns the entries of name after checking they form a complete
// sequence.
func (e *Engine) chunks(name string) ([]catalog.Entry, error) {
	chunks := e.catalog.Chunks(name)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, name)
	}
	for i, c := range chunks {
		if c.ChunkID != i {
			return nil, fmt.Errorf("%w: %s is missing chunk %d", ErrIncomplete, name, i)
		}
	}
	if !chunks[len(chunks)-1].Final() {
		return nil, fmt.Errorf("%w: %s has no final chunk", ErrIncomplete, name)
	}
	return chunks, nil
}

func (e *Engine) loadTable(ctx context.Context, jc *job.Context, caps *capabilities, name string) job.TableResult {
	start := time.Now()
	res := job.TableResult{Op: job.OpLoad, Table: name, State: job.Pending}
	logger := jc.Logger.With("table", name)

	var sink *tableSink
	fail := func(err error) job.TableResult {
		if sink != nil {
			res.Rows = sink.committed
		}
		res.State = job.Failed
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	if caps.resolved != nil {
		return fail(caps.resolved)
	}
	chunks, err := e.chunks(name)
	if err != nil {
		return fail(err)
	}
	for k, v := range chunks[0].Attributes {
		if col, ok := strings.CutPrefix(k, attrIdentity); ok {
			jc.SetIdentity(name, col, v)
		}
	}

	format, err := e.formats.Lookup(chunks[0].Format)
	if err != nil {
		return fail(err)
	}

	res.State = job.OpeningCursor
	first, err := e.openChunk(format, chunks[0])
	if err != nil {
		return fail(err)
	}
	defer first.Close()
	cols := first.cols

	if !e.opts.DryRun {
		conn, err := e.target.Conn(ctx)
		if err != nil {
			return fail(err)
		}
		defer e.target.Release(conn)

		sink, err = e.prepare(ctx, jc, caps, conn, name, cols)
		if err != nil {
			return fail(err)
		}
		defer func() {
			if err := sink.close(); err != nil {
				logger.Warn("failed to restore identity columns", "error", err)
			}
		}()
	}

	res.State = job.Streaming
	for _, entry := range chunks {
		r := first
		if entry.ChunkID > 0 {
			if r, err = e.openChunk(format, entry); err != nil {
				return fail(err)
			}
			if !value.SameLayout(cols, r.cols) {
				r.Close()
				return fail(&codec.Error{Format: format.Name(), Op: "read header",
					Err: fmt.Errorf("chunk %d header %v does not match chunk 0 header %v", entry.ChunkID, r.cols, cols)})
			}
		}

		n, err := e.loadChunk(ctx, sink, r, entry)
		res.Rows += n
		if entry.ChunkID > 0 {
			r.Close()
		}
		if err != nil {
			return fail(err)
		}
		res.Chunks++
		logger.Debug("chunk loaded", "chunk", entry.ChunkID, "rows", n)
	}

	res.State = job.Completed
	res.Duration = time.Since(start)
	return res
}

type chunkReader struct {
	io.Closer
	dec  codec.Decoder
	cols []value.Column
}

func (e *Engine) openChunk(format codec.Format, entry catalog.Entry) (*chunkReader, error) {
	rc, err := e.catalog.OpenChunk(entry)
	if err != nil {
		return nil, err
	}
	dec, err := format.NewDecoder(rc, codec.OptionsFromAttributes(entry.Attributes))
	if err != nil {
		rc.Close()
		return nil, err
	}
	cols, err := dec.ReadHeader()
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &chunkReader{Closer: rc, dec: dec, cols: cols}, nil
}

func (e *Engine) loadChunk(ctx context.Context, sink *tableSink, r *chunkReader, entry catalog.Entry) (int64, error) {
	var rows int64
	for {
		if err := ctx.Err(); err != nil {
			sink.rollback()
			return rows, err
		}
		row, err := r.dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			sink.rollback()
			return rows, err
		}
		if sink != nil {
			if err := sink.insert(ctx, entry.ChunkID, rows+1, row); err != nil {
				sink.rollback()
				return rows, err
			}
			if sink.pending >= e.opts.BatchSize {
				if err := sink.flush(); err != nil {
					return rows, err
				}
			}
		}
		rows++
	}
	if err := sink.flush(); err != nil {
		return rows, err
	}
	return rows, nil
}
