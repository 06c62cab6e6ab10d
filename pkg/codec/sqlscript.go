package codec

import (
	"encoding/hex"
	"io"
	"math"
	"strings"

	"github.com/localrivet/dbshift/pkg/sqltype"
	"github.com/localrivet/dbshift/pkg/value"
)

// SQL writes one INSERT statement per row. It has no decoder.
type SQL struct{}

func (SQL) Name() string { return "sql" }

func (SQL) NewEncoder(w io.Writer, opts Options) (Encoder, error) {
	return &sqlEncoder{w: w, opts: opts.withDefaults()}, nil
}

func (SQL) NewDecoder(io.Reader, Options) (Decoder, error) {
	return nil, &Error{Format: "sql", Op: "open", Err: ErrWriteOnly}
}

type sqlEncoder struct {
	w      io.Writer
	opts   Options
	cols   []value.Column
	prefix string
	state  state
	rows   int64
	buf    strings.Builder
}

// WriteHeader fixes the target table and column list for every statement.
func (e *sqlEncoder) WriteHeader(cols []value.Column) error {
	if e.state != stateInit {
		return &Error{Format: "sql", Op: "write header", Err: errHeaderWritten}
	}
	e.cols = cols

	table := e.opts.Table
	if table == "" {
		table = "data"
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}
	e.prefix = "INSERT INTO " + quoteQualified(table) + " (" + strings.Join(names, ", ") + ") VALUES ("
	e.state = stateRows
	return nil
}

func (e *sqlEncoder) WriteRow(row []value.Value) error {
	if err := checkWrite(e.state, e.cols, row); err != nil {
		return &Error{Format: "sql", Op: "write", Row: e.rows + 1, Err: err}
	}

	e.buf.Reset()
	e.buf.WriteString(e.prefix)
	for i, v := range row {
		if i > 0 {
			e.buf.WriteString(", ")
		}
		e.buf.WriteString(literal(e.cols[i], v))
	}
	e.buf.WriteString(")")
	e.buf.WriteString(e.opts.StatementSeparator)
	e.buf.WriteString(e.opts.LineSeparator)

	if _, err := io.WriteString(e.w, e.buf.String()); err != nil {
		return &Error{Format: "sql", Op: "write", Row: e.rows + 1, Err: err}
	}
	e.rows++
	return nil
}

func (e *sqlEncoder) Close() error {
	e.state = stateClosed
	return nil
}

// literal renders numeric type codes unquoted and everything else as a
// quoted string. Binary values use the X'..' form.
func literal(col value.Column, v value.Value) string {
	if v.IsNull() {
		return "NULL"
	}
	if v.Kind() == value.KindBytes {
		return "X'" + hex.EncodeToString(v.Raw()) + "'"
	}
	s := v.AsString()
	if sqltype.IsNumeric(col.Code) && !nonFinite(v) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func nonFinite(v value.Value) bool {
	return v.Kind() == value.KindFloat && (math.IsNaN(v.Float64()) || math.IsInf(v.Float64(), 0))
}

func quoteIdent(name string) string {
	if isPlainIdent(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
