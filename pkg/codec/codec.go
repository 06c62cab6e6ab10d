// Package codec serializes rows of values to and from chunk files.
//
// Four formats are registered by default: "csv" (delimited text), "xml"
// (tagged markup), "msgpack" (binary document) and "sql" (INSERT script,
// write only).
package codec

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/localrivet/dbshift/pkg/value"
)

var (
	ErrCodec         = errors.New("codec error")
	ErrWriteOnly     = errors.New("format is write only")
	ErrUnknownFormat = errors.New("unknown format")
)

// Error reports a codec failure. It matches both ErrCodec and the
// underlying cause with errors.Is.
type Error struct {
	Format string
	Op     string
	Row    int64
	Err    error
}

func (e *Error) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("%s: %s row %d: %v", e.Format, e.Op, e.Row, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Format, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrCodec, e.Err}
}

// Encoder writes one chunk. WriteHeader must be called once before any row.
// Close flushes buffered output but does not close the underlying writer.
type Encoder interface {
	WriteHeader(cols []value.Column) error
	WriteRow(row []value.Value) error
	Close() error
}

// Decoder reads one chunk. Next returns io.EOF after the last row.
type Decoder interface {
	ReadHeader() ([]value.Column, error)
	Next() ([]value.Value, error)
}

type Format interface {
	Name() string
	NewEncoder(w io.Writer, opts Options) (Encoder, error)
	NewDecoder(r io.Reader, opts Options) (Decoder, error)
}

type Registry struct {
	mu      sync.RWMutex
	formats map[string]Format
}

func NewRegistry() *Registry {
	return &Registry{formats: make(map[string]Format)}
}

// Default returns a registry holding the built in formats.
func Default() *Registry {
	r := NewRegistry()
	r.Register(CSV{})
	r.Register(XML{})
	r.Register(MsgPack{})
	r.Register(SQL{})
	return r
}

func (r *Registry) Register(f Format) {
	r.mu.Lock()
	r.formats[f.Name()] = f
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formats[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	return f, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.formats))
	for name := range r.formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options configures encoders and decoders. Zero fields take defaults.
// Options round trip through catalog entry attributes so a chunk can be
// decoded with the settings it was written with.
type Options struct {
	Delimiter          rune
	Quote              rune
	Escape             rune
	LineSeparator      string
	BinaryEncoding     string
	Table              string
	StatementSeparator string
}

const (
	AttrDelimiter          = "delimiter"
	AttrQuote              = "quote"
	AttrEscape             = "escape"
	AttrLineSeparator      = "line_separator"
	AttrBinaryEncoding     = "binary_encoding"
	AttrTable              = "table"
	AttrStatementSeparator = "statement_separator"
)

// PlatformLineSeparator is the line separator of the host OS.
func PlatformLineSeparator() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

func (o Options) withDefaults() Options {
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.Quote == 0 {
		o.Quote = '"'
	}
	if o.Escape == 0 {
		o.Escape = '\\'
	}
	if o.LineSeparator == "" {
		o.LineSeparator = PlatformLineSeparator()
	}
	if o.BinaryEncoding == "" {
		o.BinaryEncoding = "hex"
	}
	if o.StatementSeparator == "" {
		o.StatementSeparator = ";"
	}
	return o
}

// Attributes renders the effective options, defaults included.
func (o Options) Attributes() map[string]string {
	o = o.withDefaults()
	attrs := map[string]string{
		AttrDelimiter:          string(o.Delimiter),
		AttrQuote:              string(o.Quote),
		AttrEscape:             string(o.Escape),
		AttrLineSeparator:      strconv.Quote(o.LineSeparator),
		AttrBinaryEncoding:     o.BinaryEncoding,
		AttrStatementSeparator: o.StatementSeparator,
	}
	if o.Table != "" {
		attrs[AttrTable] = o.Table
	}
	return attrs
}

// OptionsFromAttributes is the inverse of Attributes. Unknown keys are
// ignored.
func OptionsFromAttributes(attrs map[string]string) Options {
	var o Options
	if r, _ := utf8.DecodeRuneInString(attrs[AttrDelimiter]); r != utf8.RuneError {
		o.Delimiter = r
	}
	if r, _ := utf8.DecodeRuneInString(attrs[AttrQuote]); r != utf8.RuneError {
		o.Quote = r
	}
	if r, _ := utf8.DecodeRuneInString(attrs[AttrEscape]); r != utf8.RuneError {
		o.Escape = r
	}
	if s, ok := attrs[AttrLineSeparator]; ok {
		if unq, err := strconv.Unquote(s); err == nil {
			o.LineSeparator = unq
		} else {
			o.LineSeparator = s
		}
	}
	o.BinaryEncoding = attrs[AttrBinaryEncoding]
	o.Table = attrs[AttrTable]
	o.StatementSeparator = attrs[AttrStatementSeparator]
	return o
}

type state uint8

const (
	stateInit state = iota
	stateRows
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateRows:
		return "rows"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errHeaderWritten = errors.New("header already written")
	errNoHeader      = errors.New("header not written")
	errClosed        = errors.New("encoder closed")
	errHeaderUnread  = errors.New("header not read")
)

// checkWrite validates a WriteRow call against the encoder state.
func checkWrite(st state, cols []value.Column, row []value.Value) error {
	switch st {
	case stateInit:
		return errNoHeader
	case stateClosed:
		return errClosed
	}
	if len(row) != len(cols) {
		return fmt.Errorf("row has %d values, header has %d columns", len(row), len(cols))
	}
	return nil
}
