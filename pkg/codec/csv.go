package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/localrivet/dbshift/pkg/sqltype"
	"github.com/localrivet/dbshift/pkg/value"
)

// CSV is the delimited text format. Fields are quoted only when they
// contain the delimiter, the quote character or a line break. A null is a
// zero length unquoted field; an empty string is a doubled quote.
//
// Header cells carry the column descriptor as
// name:typeCode:typeName:precision:scale:nullable. A bare name is read as a
// nullable VARCHAR column.
type CSV struct{}

func (CSV) Name() string { return "csv" }

func (CSV) NewEncoder(w io.Writer, opts Options) (Encoder, error) {
	opts = opts.withDefaults()
	bin, err := LookupBinaryEncoding(opts.BinaryEncoding)
	if err != nil {
		return nil, &Error{Format: "csv", Op: "open", Err: err}
	}
	return &csvEncoder{w: w, opts: opts, bin: bin}, nil
}

func (CSV) NewDecoder(r io.Reader, opts Options) (Decoder, error) {
	opts = opts.withDefaults()
	bin, err := LookupBinaryEncoding(opts.BinaryEncoding)
	if err != nil {
		return nil, &Error{Format: "csv", Op: "open", Err: err}
	}
	return &csvDecoder{r: bufio.NewReader(r), opts: opts, bin: bin}, nil
}

type csvEncoder struct {
	w     io.Writer
	opts  Options
	bin   BinaryEncoding
	cols  []value.Column
	state state
	rows  int64
	buf   strings.Builder
}

func (e *csvEncoder) WriteHeader(cols []value.Column) error {
	if e.state != stateInit {
		return &Error{Format: "csv", Op: "write header", Err: errHeaderWritten}
	}
	e.cols = cols

	e.buf.Reset()
	for i, c := range cols {
		if i > 0 {
			e.buf.WriteRune(e.opts.Delimiter)
		}
		e.writeField(headerCell(c), false)
	}
	e.buf.WriteString(e.opts.LineSeparator)
	if _, err := io.WriteString(e.w, e.buf.String()); err != nil {
		return &Error{Format: "csv", Op: "write header", Err: err}
	}
	e.state = stateRows
	return nil
}

func (e *csvEncoder) WriteRow(row []value.Value) error {
	if err := checkWrite(e.state, e.cols, row); err != nil {
		return &Error{Format: "csv", Op: "write", Row: e.rows + 1, Err: err}
	}

	e.buf.Reset()
	for i, v := range row {
		if i > 0 {
			e.buf.WriteRune(e.opts.Delimiter)
		}
		switch {
		case v.IsNull():
		case v.Kind() == value.KindBytes:
			e.writeField(e.bin.Encode(v.Raw()), true)
		default:
			e.writeField(v.AsString(), true)
		}
	}
	e.buf.WriteString(e.opts.LineSeparator)

	if _, err := io.WriteString(e.w, e.buf.String()); err != nil {
		return &Error{Format: "csv", Op: "write", Row: e.rows + 1, Err: err}
	}
	e.rows++
	return nil
}

func (e *csvEncoder) Close() error {
	e.state = stateClosed
	return nil
}

// writeField appends s, quoting it if needed. Empty non-null strings are
// always quoted when emptyQuoted is set.
func (e *csvEncoder) writeField(s string, emptyQuoted bool) {
	if s == "" {
		if emptyQuoted {
			e.buf.WriteRune(e.opts.Quote)
			e.buf.WriteRune(e.opts.Quote)
		}
		return
	}
	if !e.needsQuote(s) {
		e.buf.WriteString(s)
		return
	}

	// bytes that are not valid UTF-8 are copied through unchanged
	q, esc := e.opts.Quote, e.opts.Escape
	e.buf.WriteRune(q)
	for i := 0; i < len(s); {
		r, n := utf8.DecodeRuneInString(s[i:])
		if n > 1 || r != utf8.RuneError {
			if r == q || r == esc {
				e.buf.WriteRune(esc)
			}
		}
		e.buf.WriteString(s[i : i+n])
		i += n
	}
	e.buf.WriteRune(q)
}

func (e *csvEncoder) needsQuote(s string) bool {
	if strings.ContainsRune(s, e.opts.Delimiter) || strings.ContainsRune(s, e.opts.Quote) {
		return true
	}
	if strings.ContainsAny(s, "\r\n") {
		return true
	}
	first := []rune(e.opts.LineSeparator)[0]
	return strings.ContainsRune(s, first)
}

func headerCell(c value.Column) string {
	return strings.Join([]string{
		c.Name,
		strconv.Itoa(c.Code),
		c.TypeName,
		strconv.Itoa(c.Precision),
		strconv.Itoa(c.Scale),
		strconv.FormatBool(c.Nullable),
	}, ":")
}

// parseHeaderCell reads the descriptor from the right so that column names
// may themselves contain colons.
func parseHeaderCell(cell string) value.Column {
	parts := strings.Split(cell, ":")
	if len(parts) < 6 {
		return value.Column{Name: cell, Code: sqltype.VarChar, Nullable: true}
	}

	n := len(parts)
	code, err1 := strconv.Atoi(parts[n-5])
	precision, err2 := strconv.Atoi(parts[n-3])
	scale, err3 := strconv.Atoi(parts[n-2])
	nullable, err4 := strconv.ParseBool(parts[n-1])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return value.Column{Name: cell, Code: sqltype.VarChar, Nullable: true}
	}
	return value.Column{
		Name:      strings.Join(parts[:n-5], ":"),
		Code:      code,
		TypeName:  parts[n-4],
		Precision: precision,
		Scale:     scale,
		Nullable:  nullable,
	}
}

type csvField struct {
	text   string
	quoted bool
}

type csvDecoder struct {
	r     *bufio.Reader
	opts  Options
	bin   BinaryEncoding
	cols  []value.Column
	state state
	line  int64
	rows  int64
}

func (d *csvDecoder) ReadHeader() ([]value.Column, error) {
	if d.state != stateInit {
		return d.cols, nil
	}
	fields, err := d.readRecord()
	if err == io.EOF {
		return nil, &Error{Format: "csv", Op: "read header", Err: io.ErrUnexpectedEOF}
	}
	if err != nil {
		return nil, &Error{Format: "csv", Op: "read header", Err: err}
	}

	cols := make([]value.Column, len(fields))
	for i, f := range fields {
		cols[i] = parseHeaderCell(f.text)
	}
	d.cols = cols
	d.state = stateRows
	return cols, nil
}

func (d *csvDecoder) Next() ([]value.Value, error) {
	switch d.state {
	case stateInit:
		return nil, &Error{Format: "csv", Op: "read", Err: errHeaderUnread}
	case stateClosed:
		return nil, io.EOF
	}

	fields, err := d.readRecord()
	if err == io.EOF {
		d.state = stateClosed
		return nil, io.EOF
	}
	if err != nil {
		return nil, &Error{Format: "csv", Op: "read", Row: d.rows + 1, Err: err}
	}
	if len(fields) != len(d.cols) {
		return nil, &Error{Format: "csv", Op: "read", Row: d.rows + 1,
			Err: fmt.Errorf("line %d has %d fields, header has %d", d.line, len(fields), len(d.cols))}
	}

	row := make([]value.Value, len(fields))
	for i, f := range fields {
		v, err := d.decodeField(d.cols[i], f)
		if err != nil {
			return nil, &Error{Format: "csv", Op: "read", Row: d.rows + 1,
				Err: fmt.Errorf("column %q: %w", d.cols[i].Name, err)}
		}
		row[i] = v
	}
	d.rows++
	return row, nil
}

func (d *csvDecoder) decodeField(col value.Column, f csvField) (value.Value, error) {
	if !f.quoted && f.text == "" {
		return value.Null(col.Code), nil
	}
	if value.KindFor(col.Code) == value.KindBytes {
		b, err := d.bin.Decode(f.text)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bytes(col.Code, b), nil
	}
	return value.Parse(col.Code, f.text)
}

// readRecord scans one record. It returns io.EOF only when no input is left.
func (d *csvDecoder) readRecord() ([]csvField, error) {
	var (
		fields   []csvField
		buf      strings.Builder
		quoted   bool
		inQuotes bool
		started  bool
	)
	q, esc, delim := d.opts.Quote, d.opts.Escape, d.opts.Delimiter
	sep := d.opts.LineSeparator

	d.line++
	for {
		c, err := d.readChar()
		if errors.Is(err, io.EOF) {
			if inQuotes {
				return nil, fmt.Errorf("line %d: unterminated quoted field", d.line)
			}
			if !started {
				return nil, io.EOF
			}
			return append(fields, csvField{buf.String(), quoted}), nil
		}
		if err != nil {
			return nil, err
		}
		started = true
		r := c.r

		if inQuotes {
			switch {
			case r == esc && esc != q:
				next, err := d.readChar()
				if err != nil {
					return nil, fmt.Errorf("line %d: unterminated escape", d.line)
				}
				next.writeTo(&buf)
			case r == q && esc == q:
				if next, err := d.readChar(); err == nil {
					if next.r == q {
						buf.WriteRune(q)
						continue
					}
					d.unreadChar(next)
				}
				inQuotes = false
			case r == q:
				inQuotes = false
			default:
				c.writeTo(&buf)
			}
			continue
		}

		switch {
		case r == q && !quoted && buf.Len() == 0:
			quoted, inQuotes = true, true
		case r == delim:
			fields = append(fields, csvField{buf.String(), quoted})
			buf.Reset()
			quoted = false
		case d.atSeparator(r, sep):
			return append(fields, csvField{buf.String(), quoted}), nil
		default:
			c.writeTo(&buf)
		}
	}
}

// csvChar is one decoded rune, or a single byte that does not start valid
// UTF-8. A raw byte has r set to -1 so it never matches a delimiter, quote
// or separator.
type csvChar struct {
	r   rune
	raw byte
}

func (c csvChar) writeTo(b *strings.Builder) {
	if c.r < 0 {
		b.WriteByte(c.raw)
		return
	}
	b.WriteRune(c.r)
}

func (d *csvDecoder) readChar() (csvChar, error) {
	r, n, err := d.r.ReadRune()
	if err != nil {
		return csvChar{}, err
	}
	if r == utf8.RuneError && n == 1 {
		d.r.UnreadRune()
		b, err := d.r.ReadByte()
		return csvChar{r: -1, raw: b}, err
	}
	return csvChar{r: r}, nil
}

func (d *csvDecoder) unreadChar(c csvChar) {
	if c.r < 0 {
		d.r.UnreadByte()
		return
	}
	d.r.UnreadRune()
}

// atSeparator reports whether r starts the line separator, consuming the
// rest of it when it does.
func (d *csvDecoder) atSeparator(r rune, sep string) bool {
	first := []rune(sep)[0]
	if r != first {
		return false
	}
	rest := sep[len(string(first)):]
	if rest == "" {
		return true
	}
	peek, err := d.r.Peek(len(rest))
	if err != nil || string(peek) != rest {
		return false
	}
	d.r.Discard(len(rest))
	return true
}
