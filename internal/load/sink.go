package load

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/localrivet/dbshift/internal/job"
	"github.com/localrivet/dbshift/pkg/adapter"
	"github.com/localrivet/dbshift/pkg/dialect"
	"github.com/localrivet/dbshift/pkg/value"
)

// args collects the bound values of one row.
type args []any

func (a args) Bind(pos int, arg any) { a[pos] = arg }

// tableSink inserts decoded rows into one target table through a single
// prepared statement, committing every batch in its own transaction.
type tableSink struct {
	conn    *sql.Conn
	table   string
	dialect dialect.Dialect
	stmt    *sql.Stmt
	cols    []value.Column
	writers []adapter.WriteFunc
	args    args
	after   []string

	tx        *sql.Tx
	txStmt    *sql.Stmt
	pending   int
	committed int64
}

func (e *Engine) prepare(ctx context.Context, jc *job.Context, caps *capabilities, conn *sql.Conn, name string, cols []value.Column) (*tableSink, error) {
	table := e.tableName(name)
	dia := caps.dialect

	target, err := describeTarget(ctx, conn, caps.set, dia, table)
	if err != nil {
		return nil, err
	}

	s := &tableSink{
		conn:    conn,
		table:   table,
		dialect: dia,
		cols:    make([]value.Column, len(cols)),
		writers: make([]adapter.WriteFunc, len(cols)),
		args:    make(args, len(cols)),
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		tc, ok := target[strings.ToLower(c.Name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumn, table, c.Name)
		}
		s.cols[i] = tc
		names[i] = tc.Name
		if s.writers[i], err = caps.set.Writer(tc); err != nil {
			return nil, err
		}
	}

	policy := e.policy(name)
	var keys []string
	if policy != dialect.Insert {
		keys = e.opts.Keys[name]
		if len(keys) == 0 {
			if keys, err = dia.PrimaryKey(ctx, conn, table); err != nil {
				return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
			}
		}
	}
	query, err := dia.InsertStatement(table, names, keys, policy)
	if err != nil {
		return nil, fmt.Errorf("%s with policy %s: %w", table, policy, err)
	}

	ident, err := dia.IdentityColumns(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	overridden := OverrideColumns(names, jc.Identity(name), ident)
	if len(overridden) > 0 {
		ov := dia.IdentityOverride(table, overridden)
		s.after = ov.After
		for _, q := range ov.Before {
			if _, err := conn.ExecContext(ctx, q); err != nil {
				s.close()
				return nil, fmt.Errorf("identity override on %s: %w", table, err)
			}
		}
		if !ov.Empty() {
			jc.Logger.Info("identity override active", "table", table, "columns", slices.Sorted(maps.Keys(overridden)))
		}
	}

	if s.stmt, err = conn.PrepareContext(ctx, query); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}
	return s, nil
}

// OverrideColumns picks the loaded identity columns that need an override,
// mapped to their target mode. A column qualifies when the target rejects
// explicit values for it, or when the source recorded it as always
// generated and the target generates it too. Recorded names match
// case-insensitively.
func OverrideColumns(loaded []string, recorded map[string]string, target map[string]dialect.IdentityMode) map[string]dialect.IdentityMode {
	always := make(map[string]bool, len(recorded))
	for c, mode := range recorded {
		if mode == string(dialect.IdentityAlways) {
			always[strings.ToLower(c)] = true
		}
	}
	out := make(map[string]dialect.IdentityMode)
	for _, c := range loaded {
		mode, ok := target[c]
		switch {
		case !ok:
		case mode == dialect.IdentityAlways, always[strings.ToLower(c)]:
			out[c] = mode
		}
	}
	return out
}

func describeTarget(ctx context.Context, conn *sql.Conn, set *adapter.Set, dia dialect.Dialect, table string) (map[string]value.Column, error) {
	rows, err := conn.QueryContext(ctx, "SELECT * FROM "+dia.QuoteIdent(table)+" WHERE 1 = 0")
	if err != nil {
		return nil, fmt.Errorf("failed to describe target table %s: %w", table, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to describe target table %s: %w", table, err)
	}
	out := make(map[string]value.Column, len(types))
	for _, ct := range types {
		c := set.Describe(ct)
		out[strings.ToLower(c.Name)] = c
	}
	return out, rows.Err()
}

func (s *tableSink) insert(ctx context.Context, chunk int, row int64, vals []value.Value) error {
	if s.tx == nil {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		s.tx = tx
		s.txStmt = tx.StmtContext(ctx, s.stmt)
	}

	for i, w := range s.writers {
		v, err := coerce(vals[i], s.cols[i].Code)
		if err == nil {
			err = w(s.args, i, v)
		}
		if err != nil {
			return fmt.Errorf("%s chunk %d row %d column %s: %w", s.table, chunk, row, s.cols[i].Name, err)
		}
	}
	if _, err := s.txStmt.ExecContext(ctx, s.args...); err != nil {
		if s.dialect.IsConflict(err) {
			return &ConflictError{Table: s.table, Chunk: chunk, Row: row, Err: err}
		}
		return fmt.Errorf("%s chunk %d row %d: %w", s.table, chunk, row, err)
	}
	s.pending++
	return nil
}

func (s *tableSink) flush() error {
	if s == nil || s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx, s.txStmt = nil, nil
	if err != nil {
		s.pending = 0
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	s.committed += int64(s.pending)
	s.pending = 0
	return nil
}

func (s *tableSink) rollback() {
	if s == nil || s.tx == nil {
		return
	}
	s.tx.Rollback()
	s.tx, s.txStmt = nil, nil
	s.pending = 0
}

// close releases the statement and runs the identity restore statements,
// which must run even when the load failed.
func (s *tableSink) close() error {
	s.rollback()
	if s.stmt != nil {
		s.stmt.Close()
	}
	ctx := context.Background()
	var first error
	for _, q := range s.after {
		if _, err := s.conn.ExecContext(ctx, q); err != nil && first == nil {
			first = fmt.Errorf("%s: %w", q, err)
		}
	}
	return first
}

// coerce converts v to the payload kind of the target type code when the
// source used a different kind, e.g. an integer stored in a TEXT column.
func coerce(v value.Value, code int) (value.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	want := value.KindFor(code)
	if v.Kind() == want {
		return v, nil
	}
	switch {
	case want == value.KindText:
		return value.Text(code, v.AsString()), nil
	case want == value.KindBytes && v.Kind() == value.KindText:
		return value.Bytes(code, []byte(v.Str())), nil
	}
	p, err := value.Parse(code, v.AsString())
	if err != nil {
		return v, fmt.Errorf("cannot convert %s value to %s: %w", v.Kind(), want, err)
	}
	return p, nil
}
