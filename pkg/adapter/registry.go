// Package adapter converts between the driver representation of a column
// and value.Value, in both directions.
package adapter

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/localrivet/dbshift/pkg/sqltype"
	"github.com/localrivet/dbshift/pkg/value"
)

var ErrUnsupportedType = errors.New("unsupported type")

// UnsupportedTypeError names the column whose type has no adapter.
type UnsupportedTypeError struct {
	Column string
	Code   int
	Name   string
}

func (e *UnsupportedTypeError) Error() string {
	name := e.Name
	if name == "" {
		name = sqltype.NameOf(e.Code)
	}
	return fmt.Sprintf("column %q: no adapter for %s (%d)", e.Column, name, e.Code)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return ErrUnsupportedType
}

// Cursor exposes the current row of an open result set as raw driver values.
type Cursor interface {
	Value(pos int) any
}

// Statement collects bind arguments for one execution.
type Statement interface {
	Bind(pos int, arg any)
}

type ReadFunc func(cur Cursor, pos int) (value.Value, error)

type WriteFunc func(stmt Statement, pos int, v value.Value) error

type key struct {
	code int
	name string
}

// Registry holds readers and writers keyed by type code and, optionally,
// by engine type name. An empty name registers the code wide default.
type Registry struct {
	mu      sync.RWMutex
	readers map[key]ReadFunc
	writers map[key]WriteFunc
}

func NewRegistry() *Registry {
	return &Registry{
		readers: make(map[key]ReadFunc),
		writers: make(map[key]WriteFunc),
	}
}

func (r *Registry) RegisterReader(code int, typeName string, fn ReadFunc) {
	r.mu.Lock()
	r.readers[key{code, strings.ToUpper(typeName)}] = fn
	r.mu.Unlock()
}

func (r *Registry) RegisterWriter(code int, typeName string, fn WriteFunc) {
	r.mu.Lock()
	r.writers[key{code, strings.ToUpper(typeName)}] = fn
	r.mu.Unlock()
}

// Reader returns the reader for desc, trying (code, name) then (code, *).
func (r *Registry) Reader(desc value.Column) (ReadFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.readers[key{desc.Code, strings.ToUpper(desc.TypeName)}]; ok {
		return fn, nil
	}
	if fn, ok := r.readers[key{desc.Code, ""}]; ok {
		return fn, nil
	}
	return nil, &UnsupportedTypeError{Column: desc.Name, Code: desc.Code, Name: desc.TypeName}
}

// Writer returns the writer for desc. Null values never reach the typed
// writer; they bind the null representation of desc's type code.
func (r *Registry) Writer(desc value.Column) (WriteFunc, error) {
	r.mu.RLock()
	fn, ok := r.writers[key{desc.Code, strings.ToUpper(desc.TypeName)}]
	if !ok {
		fn, ok = r.writers[key{desc.Code, ""}]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, &UnsupportedTypeError{Column: desc.Name, Code: desc.Code, Name: desc.TypeName}
	}

	null := NullFor(desc.Code)
	return func(stmt Statement, pos int, v value.Value) error {
		if v.IsNull() {
			stmt.Bind(pos, null)
			return nil
		}
		return fn(stmt, pos, v)
	}, nil
}

// Clone copies the registry so engine sets can override entries.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := NewRegistry()
	for k, fn := range r.readers {
		c.readers[k] = fn
	}
	for k, fn := range r.writers {
		c.writers[k] = fn
	}
	return c
}

// NullFor returns the typed null bound for a type code.
func NullFor(code int) any {
	switch value.KindFor(code) {
	case value.KindInt:
		return sql.NullInt64{}
	case value.KindFloat:
		return sql.NullFloat64{}
	case value.KindBool:
		return sql.NullBool{}
	case value.KindTime:
		return sql.NullTime{}
	case value.KindBytes:
		return []byte(nil)
	}
	return sql.NullString{}
}
