// Package value is the engine independent representation of column data
// moving between cursors, codecs and statements.
package value

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/localrivet/dbshift/pkg/sqltype"
)

type Kind uint8

const (
	KindText Kind = iota
	KindInt
	KindFloat
	KindBytes
	KindDecimal
	KindTime
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	case KindDecimal:
		return "decimal"
	case KindTime:
		return "time"
	case KindBool:
		return "bool"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// KindFor returns the payload kind used for a type code.
func KindFor(code int) Kind {
	switch {
	case sqltype.IsInteger(code):
		return KindInt
	case sqltype.IsFloat(code):
		return KindFloat
	case sqltype.IsExactNumeric(code):
		return KindDecimal
	case sqltype.IsBinary(code):
		return KindBytes
	case sqltype.IsTemporal(code):
		return KindTime
	case sqltype.IsBoolean(code):
		return KindBool
	}
	return KindText
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05.999999999"
)

// Value is one typed, nullable column value. A null value carries no payload.
type Value struct {
	code int
	null bool
	kind Kind

	s  string
	i  int64
	f  float64
	b  []byte
	t  time.Time
	ok bool
}

func Null(code int) Value {
	return Value{code: code, null: true, kind: KindFor(code)}
}

func Text(code int, s string) Value {
	return Value{code: code, kind: KindText, s: s}
}

func Int(code int, i int64) Value {
	return Value{code: code, kind: KindInt, i: i}
}

func Float(code int, f float64) Value {
	return Value{code: code, kind: KindFloat, f: f}
}

func Bytes(code int, b []byte) Value {
	return Value{code: code, kind: KindBytes, b: b}
}

// Decimal holds an exact numeric in its textual form.
func Decimal(code int, s string) Value {
	return Value{code: code, kind: KindDecimal, s: s}
}

func Time(code int, t time.Time) Value {
	return Value{code: code, kind: KindTime, t: t}
}

func Bool(code int, b bool) Value {
	return Value{code: code, kind: KindBool, ok: b}
}

func (v Value) Code() int    { return v.code }
func (v Value) IsNull() bool { return v.null }
func (v Value) Kind() Kind   { return v.kind }

func (v Value) Str() string      { return v.s }
func (v Value) Int64() int64     { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Raw() []byte      { return v.b }
func (v Value) Time() time.Time  { return v.t }
func (v Value) Bool() bool       { return v.ok }

// AsString renders a non-null value losslessly. Binary payloads are
// rendered as lowercase hex. Null renders as the empty string.
func (v Value) AsString() string {
	if v.null {
		return ""
	}
	switch v.kind {
	case KindText, KindDecimal:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBytes:
		return hex.EncodeToString(v.b)
	case KindTime:
		switch v.code {
		case sqltype.Date:
			return v.t.Format(dateLayout)
		case sqltype.Time:
			return v.t.Format(timeLayout)
		}
		return v.t.Format(time.RFC3339Nano)
	case KindBool:
		return strconv.FormatBool(v.ok)
	}
	return ""
}

func (v Value) String() string {
	if v.null {
		return "NULL"
	}
	return v.AsString()
}

// Open streams text and binary payloads. Other kinds stream their AsString
// form.
func (v Value) Open() io.Reader {
	switch {
	case v.null:
		return strings.NewReader("")
	case v.kind == KindBytes:
		return bytes.NewReader(v.b)
	}
	return strings.NewReader(v.AsString())
}

// Parse is the inverse of AsString for the kind implied by code. Binary
// payloads are decoded from hex.
func Parse(code int, s string) (Value, error) {
	switch KindFor(code) {
	case KindInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid integer %q: %w", s, err)
		}
		return Int(code, i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float %q: %w", s, err)
		}
		return Float(code, f), nil
	case KindDecimal:
		if _, ok := new(big.Rat).SetString(s); !ok {
			return Value{}, fmt.Errorf("invalid decimal %q", s)
		}
		return Decimal(code, s), nil
	case KindBytes:
		b, err := hex.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid hex payload: %w", err)
		}
		return Bytes(code, b), nil
	case KindTime:
		t, err := ParseTime(code, s)
		if err != nil {
			return Value{}, err
		}
		return Time(code, t), nil
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("invalid boolean %q: %w", s, err)
		}
		return Bool(code, b), nil
	}
	return Text(code, s), nil
}

// ParseTime accepts the layouts AsString produces, plus a few common
// engine renderings of timestamps.
func ParseTime(code int, s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"}
	switch code {
	case sqltype.Date:
		layouts = append([]string{dateLayout}, layouts...)
	case sqltype.Time:
		layouts = append([]string{timeLayout}, layouts...)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid temporal %q", s)
}

// Equal compares values under each kind's canonical equality: decimals by
// numeric value, times by instant.
func Equal(a, b Value) bool {
	if a.null || b.null {
		return a.null == b.null
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindText:
		return a.s == b.s
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindBytes:
		return bytes.Equal(a.b, b.b)
	case KindDecimal:
		ra, okA := new(big.Rat).SetString(a.s)
		rb, okB := new(big.Rat).SetString(b.s)
		if !okA || !okB {
			return a.s == b.s
		}
		return ra.Cmp(rb) == 0
	case KindTime:
		return a.t.Equal(b.t)
	case KindBool:
		return a.ok == b.ok
	}
	return false
}

// EqualRows compares two rows positionally.
func EqualRows(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
