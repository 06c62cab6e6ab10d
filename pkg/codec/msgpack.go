package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinylib/msgp/msgp"

	"github.com/localrivet/dbshift/pkg/value"
)

const msgpackVersion = 1

// MsgPack is the binary document format: a header map carrying the column
// list, one array per row, and a nil end marker. Nulls are MessagePack nil.
// Temporal and decimal values travel in their text form.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }

func (MsgPack) NewEncoder(w io.Writer, opts Options) (Encoder, error) {
	return &msgpackEncoder{w: msgp.NewWriter(w)}, nil
}

func (MsgPack) NewDecoder(r io.Reader, opts Options) (Decoder, error) {
	return &msgpackDecoder{r: msgp.NewReader(r)}, nil
}

type msgpackEncoder struct {
	w     *msgp.Writer
	cols  []value.Column
	state state
	rows  int64
}

func (e *msgpackEncoder) WriteHeader(cols []value.Column) error {
	if e.state != stateInit {
		return &Error{Format: "msgpack", Op: "write header", Err: errHeaderWritten}
	}
	e.cols = cols
	if err := e.writeHeader(cols); err != nil {
		return &Error{Format: "msgpack", Op: "write header", Err: err}
	}
	e.state = stateRows
	return nil
}

func (e *msgpackEncoder) writeHeader(cols []value.Column) error {
	w := e.w
	if err := w.WriteMapHeader(2); err != nil {
		return err
	}
	if err := w.WriteString("version"); err != nil {
		return err
	}
	if err := w.WriteInt(msgpackVersion); err != nil {
		return err
	}
	if err := w.WriteString("columns"); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(cols))); err != nil {
		return err
	}
	for _, c := range cols {
		if err := w.WriteMapHeader(6); err != nil {
			return err
		}
		fields := []struct {
			key string
			fn  func() error
		}{
			{"name", func() error { return w.WriteString(c.Name) }},
			{"type_code", func() error { return w.WriteInt(c.Code) }},
			{"type_name", func() error { return w.WriteString(c.TypeName) }},
			{"precision", func() error { return w.WriteInt(c.Precision) }},
			{"scale", func() error { return w.WriteInt(c.Scale) }},
			{"nullable", func() error { return w.WriteBool(c.Nullable) }},
		}
		for _, f := range fields {
			if err := w.WriteString(f.key); err != nil {
				return err
			}
			if err := f.fn(); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func (e *msgpackEncoder) WriteRow(row []value.Value) error {
	if err := checkWrite(e.state, e.cols, row); err != nil {
		return &Error{Format: "msgpack", Op: "write", Row: e.rows + 1, Err: err}
	}
	if err := e.writeRow(row); err != nil {
		return &Error{Format: "msgpack", Op: "write", Row: e.rows + 1, Err: err}
	}
	e.rows++
	return nil
}

func (e *msgpackEncoder) writeRow(row []value.Value) error {
	w := e.w
	if err := w.WriteArrayHeader(uint32(len(row))); err != nil {
		return err
	}
	for _, v := range row {
		var err error
		switch {
		case v.IsNull():
			err = w.WriteNil()
		case v.Kind() == value.KindInt:
			err = w.WriteInt64(v.Int64())
		case v.Kind() == value.KindFloat:
			err = w.WriteFloat64(v.Float64())
		case v.Kind() == value.KindBytes:
			err = w.WriteBytes(v.Raw())
		case v.Kind() == value.KindBool:
			err = w.WriteBool(v.Bool())
		default:
			err = w.WriteString(v.AsString())
		}
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

func (e *msgpackEncoder) Close() error {
	if e.state != stateRows {
		e.state = stateClosed
		return nil
	}
	e.state = stateClosed
	if err := e.w.WriteNil(); err != nil {
		return &Error{Format: "msgpack", Op: "close", Err: err}
	}
	if err := e.w.Flush(); err != nil {
		return &Error{Format: "msgpack", Op: "close", Err: err}
	}
	return nil
}

type msgpackDecoder struct {
	r     *msgp.Reader
	cols  []value.Column
	state state
	rows  int64
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("truncated stream: %w", io.ErrUnexpectedEOF)
	}
	return err
}

func (d *msgpackDecoder) ReadHeader() ([]value.Column, error) {
	if d.state != stateInit {
		return d.cols, nil
	}
	cols, err := d.readHeader()
	if err != nil {
		return nil, &Error{Format: "msgpack", Op: "read header", Err: truncated(err)}
	}
	d.cols = cols
	d.state = stateRows
	return cols, nil
}

func (d *msgpackDecoder) readHeader() ([]value.Column, error) {
	n, err := d.r.ReadMapHeader()
	if err != nil {
		return nil, err
	}

	var cols []value.Column
	for i := uint32(0); i < n; i++ {
		key, err := d.r.ReadString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "version":
			v, err := d.r.ReadInt()
			if err != nil {
				return nil, err
			}
			if v > msgpackVersion {
				return nil, fmt.Errorf("unsupported version %d", v)
			}
		case "columns":
			if cols, err = d.readColumns(); err != nil {
				return nil, err
			}
		default:
			if err := d.r.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return cols, nil
}

func (d *msgpackDecoder) readColumns() ([]value.Column, error) {
	n, err := d.r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	cols := make([]value.Column, n)
	for i := range cols {
		fields, err := d.r.ReadMapHeader()
		if err != nil {
			return nil, err
		}
		c := &cols[i]
		for j := uint32(0); j < fields; j++ {
			key, err := d.r.ReadString()
			if err != nil {
				return nil, err
			}
			switch key {
			case "name":
				c.Name, err = d.r.ReadString()
			case "type_code":
				c.Code, err = d.r.ReadInt()
			case "type_name":
				c.TypeName, err = d.r.ReadString()
			case "precision":
				c.Precision, err = d.r.ReadInt()
			case "scale":
				c.Scale, err = d.r.ReadInt()
			case "nullable":
				c.Nullable, err = d.r.ReadBool()
			default:
				err = d.r.Skip()
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return cols, nil
}

func (d *msgpackDecoder) Next() ([]value.Value, error) {
	switch d.state {
	case stateInit:
		return nil, &Error{Format: "msgpack", Op: "read", Err: errHeaderUnread}
	case stateClosed:
		return nil, io.EOF
	}

	typ, err := d.r.NextType()
	if err != nil {
		return nil, &Error{Format: "msgpack", Op: "read", Row: d.rows + 1, Err: truncated(err)}
	}
	if typ == msgp.NilType {
		if err := d.r.ReadNil(); err != nil {
			return nil, &Error{Format: "msgpack", Op: "read", Row: d.rows + 1, Err: err}
		}
		d.state = stateClosed
		return nil, io.EOF
	}

	row, err := d.readRow()
	if err != nil {
		return nil, &Error{Format: "msgpack", Op: "read", Row: d.rows + 1, Err: truncated(err)}
	}
	d.rows++
	return row, nil
}

func (d *msgpackDecoder) readRow() ([]value.Value, error) {
	n, err := d.r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	if int(n) != len(d.cols) {
		return nil, fmt.Errorf("row has %d values, header has %d columns", n, len(d.cols))
	}

	row := make([]value.Value, n)
	for i, col := range d.cols {
		if d.r.IsNil() {
			if err := d.r.ReadNil(); err != nil {
				return nil, err
			}
			row[i] = value.Null(col.Code)
			continue
		}
		v, err := d.readValue(col)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func (d *msgpackDecoder) readValue(col value.Column) (value.Value, error) {
	switch value.KindFor(col.Code) {
	case value.KindInt:
		i, err := d.r.ReadInt64()
		return value.Int(col.Code, i), err
	case value.KindFloat:
		f, err := d.r.ReadFloat64()
		return value.Float(col.Code, f), err
	case value.KindBytes:
		b, err := d.r.ReadBytes(nil)
		return value.Bytes(col.Code, b), err
	case value.KindBool:
		b, err := d.r.ReadBool()
		return value.Bool(col.Code, b), err
	}
	s, err := d.r.ReadString()
	if err != nil {
		return value.Value{}, err
	}
	return value.Parse(col.Code, s)
}
