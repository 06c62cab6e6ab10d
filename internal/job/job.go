// Package job carries the state shared by the tables of one dump or load
// run: identity metadata, per-table results and progress reporting.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Op string

const (
	OpDump Op = "dump"
	OpLoad Op = "load"
)

// State is the progress of one table.
type State int

const (
	Pending State = iota
	OpeningCursor
	Streaming
	ChunkRotating
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case OpeningCursor:
		return "opening_cursor"
	case Streaming:
		return "streaming"
	case ChunkRotating:
		return "chunk_rotating"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type TableResult struct {
	Op       Op
	Table    string
	State    State
	Rows     int64
	Chunks   int
	Bytes    int64
	Duration time.Duration
	Err      error
}

func (r TableResult) OK() bool {
	return r.State == Completed
}

// Summary collects the table results of a run.
type Summary struct {
	ID       string
	Op       Op
	Started  time.Time
	Finished time.Time

	mu     sync.Mutex
	tables []TableResult
}

func (s *Summary) add(r TableResult) {
	s.mu.Lock()
	s.tables = append(s.tables, r)
	s.mu.Unlock()
}

// Tables returns the results sorted by table name.
func (s *Summary) Tables() []TableResult {
	s.mu.Lock()
	out := make([]TableResult, len(s.tables))
	copy(out, s.tables)
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

func (s *Summary) Table(name string) (TableResult, bool) {
	for _, r := range s.Tables() {
		if r.Table == name {
			return r, true
		}
	}
	return TableResult{}, false
}

func (s *Summary) Failed() []TableResult {
	var out []TableResult
	for _, r := range s.Tables() {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

func (s *Summary) OK() bool {
	return len(s.Failed()) == 0
}

func (s *Summary) Rows() int64 {
	var n int64
	for _, r := range s.Tables() {
		n += r.Rows
	}
	return n
}

// Err joins the error of every failed table, or returns nil.
func (s *Summary) Err() error {
	var errs []error
	for _, r := range s.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", r.Table, r.Err))
	}
	return errors.Join(errs...)
}

// Context is owned by one run and discarded when it ends.
type Context struct {
	ID       string
	Logger   *slog.Logger
	Reporter Reporter

	mu       sync.Mutex
	identity map[string]map[string]string
}

func NewContext(id string, logger *slog.Logger, reporters ...Reporter) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	rep := Reporter(NewLogReporter(logger))
	if len(reporters) > 0 {
		rep = Multi(append([]Reporter{rep}, reporters...)...)
	}
	return &Context{
		ID:       id,
		Logger:   logger.With("job", id),
		Reporter: rep,
		identity: make(map[string]map[string]string),
	}
}

// SetIdentity records how a column of table generates values.
func (c *Context) SetIdentity(table, column, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity[table] == nil {
		c.identity[table] = make(map[string]string)
	}
	c.identity[table][column] = mode
}

// Identity returns the recorded identity columns of table.
func (c *Context) Identity(table string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.identity[table]))
	for k, v := range c.identity[table] {
		out[k] = v
	}
	return out
}

// Start creates the summary of a run.
func (c *Context) Start(op Op) *Summary {
	return &Summary{ID: c.ID, Op: op, Started: time.Now()}
}

// Begin reports a table as started.
func (c *Context) Begin(op Op, table string) {
	c.Reporter.TableStarted(op, table)
}

// Finish records r on s and reports it.
func (c *Context) Finish(s *Summary, r TableResult) {
	s.add(r)
	if r.OK() {
		c.Reporter.TableSucceeded(r)
	} else {
		c.Reporter.TableFailed(r)
	}
}

// RunTables runs fn for every table through ForEach and records each
// result on s. A table that never starts, because ctx ended or another
// table failed fatally, is recorded as failed with that cause.
func (c *Context) RunTables(ctx context.Context, s *Summary, op Op, limit int, tables []string,
	fn func(ctx context.Context, table string) (TableResult, error)) error {
	var mu sync.Mutex
	started := make(map[string]bool, len(tables))

	err := ForEach(ctx, limit, tables, func(ctx context.Context, table string) error {
		if ctx.Err() != nil {
			return nil
		}
		mu.Lock()
		started[table] = true
		mu.Unlock()

		c.Begin(op, table)
		r, fatal := fn(ctx, table)
		c.Finish(s, r)
		return fatal
	})

	cause := err
	if cause == nil {
		cause = ctx.Err()
	}
	for _, t := range tables {
		if started[t] {
			continue
		}
		started[t] = true
		c.Finish(s, TableResult{Op: op, Table: t, State: Failed, Err: fmt.Errorf("not started: %w", cause)})
	}
	return err
}

// ForEach runs fn for every item with at most limit running at once. Table
// failures belong in the summary; an error returned by fn is fatal for the
// whole run and cancels the items not yet started.
func ForEach(ctx context.Context, limit int, items []string, fn func(ctx context.Context, item string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}
