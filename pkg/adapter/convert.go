package adapter

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/localrivet/dbshift/pkg/sqltype"
	"github.com/localrivet/dbshift/pkg/value"
)

// unsupportedCodes have no portable representation.
var unsupportedCodes = map[int]bool{
	sqltype.Array:      true,
	sqltype.Struct:     true,
	sqltype.Ref:        true,
	sqltype.RefCursor:  true,
	sqltype.JavaObject: true,
	sqltype.Distinct:   true,
	sqltype.Null:       true,
}

var standardCodes = []int{
	sqltype.Bit, sqltype.TinyInt, sqltype.SmallInt, sqltype.Integer, sqltype.BigInt,
	sqltype.Float, sqltype.Real, sqltype.Double, sqltype.Numeric, sqltype.Decimal,
	sqltype.Char, sqltype.VarChar, sqltype.LongVarChar, sqltype.NChar, sqltype.NVarChar,
	sqltype.LongNVarChar, sqltype.Clob, sqltype.NClob, sqltype.SQLXML, sqltype.RowID,
	sqltype.DataLink, sqltype.Other,
	sqltype.Date, sqltype.Time, sqltype.Timestamp, sqltype.TimeWithTimezone, sqltype.TimestampWithTimezone,
	sqltype.Binary, sqltype.VarBinary, sqltype.LongVarBinary, sqltype.Blob,
	sqltype.Boolean,
}

// Standard returns a registry with readers and writers for every portable
// standard type code.
func Standard() *Registry {
	r := NewRegistry()
	for _, code := range standardCodes {
		if unsupportedCodes[code] {
			continue
		}
		r.RegisterReader(code, "", readerFor(code))
		r.RegisterWriter(code, "", writerFor(code))
	}
	return r
}

func readerFor(code int) ReadFunc {
	var conv func(code int, raw any) (value.Value, error)
	switch value.KindFor(code) {
	case value.KindInt:
		conv = toInt
	case value.KindFloat:
		conv = toFloat
	case value.KindDecimal:
		conv = toDecimal
	case value.KindBytes:
		conv = toBytes
	case value.KindTime:
		conv = toTime
	case value.KindBool:
		conv = toBool
	default:
		conv = toText
	}
	return func(cur Cursor, pos int) (value.Value, error) {
		raw := cur.Value(pos)
		if raw == nil {
			return value.Null(code), nil
		}
		return conv(code, raw)
	}
}

func writerFor(code int) WriteFunc {
	switch value.KindFor(code) {
	case value.KindInt:
		return func(stmt Statement, pos int, v value.Value) error {
			stmt.Bind(pos, v.Int64())
			return nil
		}
	case value.KindFloat:
		return func(stmt Statement, pos int, v value.Value) error {
			stmt.Bind(pos, v.Float64())
			return nil
		}
	case value.KindBytes:
		return func(stmt Statement, pos int, v value.Value) error {
			b := v.Raw()
			if b == nil {
				// a nil slice binds NULL in most drivers
				b = []byte{}
			}
			stmt.Bind(pos, b)
			return nil
		}
	case value.KindTime:
		return func(stmt Statement, pos int, v value.Value) error {
			stmt.Bind(pos, v.Time())
			return nil
		}
	case value.KindBool:
		return func(stmt Statement, pos int, v value.Value) error {
			stmt.Bind(pos, v.Bool())
			return nil
		}
	}
	return func(stmt Statement, pos int, v value.Value) error {
		stmt.Bind(pos, v.AsString())
		return nil
	}
}

func unexpected(code int, raw any) error {
	return fmt.Errorf("cannot convert %T to %s", raw, sqltype.NameOf(code))
}

func toInt(code int, raw any) (value.Value, error) {
	switch x := raw.(type) {
	case int64:
		return value.Int(code, x), nil
	case int32:
		return value.Int(code, int64(x)), nil
	case int:
		return value.Int(code, int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return value.Value{}, fmt.Errorf("integer %d overflows int64", x)
		}
		return value.Int(code, int64(x)), nil
	case bool:
		if x {
			return value.Int(code, 1), nil
		}
		return value.Int(code, 0), nil
	case float64:
		if x != math.Trunc(x) {
			return value.Value{}, fmt.Errorf("non integral value %v for %s", x, sqltype.NameOf(code))
		}
		return value.Int(code, int64(x)), nil
	case []byte:
		return parseInt(code, string(x))
	case string:
		return parseInt(code, x)
	}
	return value.Value{}, unexpected(code, raw)
}

func parseInt(code int, s string) (value.Value, error) {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return value.Value{}, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return value.Int(code, i), nil
}

// bigEndian decodes a BIT(n) payload of at most 64 bits.
func bigEndian(code int, b []byte) (value.Value, error) {
	if len(b) > 8 {
		return value.Value{}, fmt.Errorf("bit value of %d bytes overflows int64", len(b))
	}
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	if n > math.MaxInt64 {
		return value.Value{}, fmt.Errorf("bit value %d overflows int64", n)
	}
	return value.Int(code, int64(n)), nil
}

func toFloat(code int, raw any) (value.Value, error) {
	switch x := raw.(type) {
	case float64:
		return value.Float(code, x), nil
	case float32:
		return value.Float(code, float64(x)), nil
	case int64:
		return value.Float(code, float64(x)), nil
	case []byte:
		return value.Parse(code, string(x))
	case string:
		return value.Parse(code, x)
	}
	return value.Value{}, unexpected(code, raw)
}

func toDecimal(code int, raw any) (value.Value, error) {
	switch x := raw.(type) {
	case []byte:
		return value.Parse(code, string(x))
	case string:
		return value.Parse(code, x)
	case int64:
		return value.Decimal(code, strconv.FormatInt(x, 10)), nil
	case float64:
		return value.Decimal(code, strconv.FormatFloat(x, 'f', -1, 64)), nil
	case *big.Rat:
		s, ok := terminatingDecimal(x)
		if !ok {
			return value.Value{}, fmt.Errorf("%s has no finite decimal form", x.RatString())
		}
		return value.Decimal(code, s), nil
	}
	return value.Value{}, unexpected(code, raw)
}

// terminatingDecimal renders x with exactly as many fraction digits as it
// needs. That count is the larger power of 2 or 5 in the reduced
// denominator; any other prime factor makes the expansion infinite.
func terminatingDecimal(x *big.Rat) (string, bool) {
	d := new(big.Int).Set(x.Denom())
	digits := 0
	for _, p := range []int64{2, 5} {
		prime, q, r := big.NewInt(p), new(big.Int), new(big.Int)
		n := 0
		for {
			q.QuoRem(d, prime, r)
			if r.Sign() != 0 {
				break
			}
			d.Set(q)
			n++
		}
		digits = max(digits, n)
	}
	if !d.IsInt64() || d.Int64() != 1 {
		return "", false
	}
	return x.FloatString(digits), true
}

func toText(code int, raw any) (value.Value, error) {
	switch x := raw.(type) {
	case string:
		return value.Text(code, x), nil
	case []byte:
		return value.Text(code, string(x)), nil
	case int64:
		return value.Text(code, strconv.FormatInt(x, 10)), nil
	case float64:
		return value.Text(code, strconv.FormatFloat(x, 'g', -1, 64)), nil
	case bool:
		return value.Text(code, strconv.FormatBool(x)), nil
	case time.Time:
		return value.Text(code, x.Format(time.RFC3339Nano)), nil
	}
	return value.Text(code, fmt.Sprint(raw)), nil
}

func toBytes(code int, raw any) (value.Value, error) {
	switch x := raw.(type) {
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return value.Bytes(code, b), nil
	case string:
		return value.Bytes(code, []byte(x)), nil
	}
	return value.Value{}, unexpected(code, raw)
}

func toTime(code int, raw any) (value.Value, error) {
	switch x := raw.(type) {
	case time.Time:
		return value.Time(code, x), nil
	case []byte:
		t, err := value.ParseTime(code, string(x))
		if err != nil {
			return value.Value{}, err
		}
		return value.Time(code, t), nil
	case string:
		t, err := value.ParseTime(code, x)
		if err != nil {
			return value.Value{}, err
		}
		return value.Time(code, t), nil
	case int64:
		return value.Time(code, time.Unix(x, 0).UTC()), nil
	}
	return value.Value{}, unexpected(code, raw)
}

func toBool(code int, raw any) (value.Value, error) {
	switch x := raw.(type) {
	case bool:
		return value.Bool(code, x), nil
	case int64:
		return value.Bool(code, x != 0), nil
	case []byte:
		return parseBool(code, string(x))
	case string:
		return parseBool(code, x)
	}
	return value.Value{}, unexpected(code, raw)
}

func parseBool(code int, s string) (value.Value, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on", "\x01":
		return value.Bool(code, true), nil
	case "0", "f", "false", "n", "no", "off", "\x00":
		return value.Bool(code, false), nil
	}
	return value.Value{}, fmt.Errorf("invalid boolean %q", s)
}
