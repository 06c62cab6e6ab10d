package codec

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/localrivet/dbshift/pkg/value"
)

// XML is the tagged markup format:
//
//	<table binary-encoding="hex">
//	  <columns>
//	    <column name="id" type-code="4" type-name="INTEGER" precision="10" scale="0" nullable="false"/>
//	  </columns>
//	  <row><v>1</v><v nil="true"/></row>
//	</table>
//
// Text that cannot be represented in XML 1.0 is stored base64 encoded with
// enc="base64".
type XML struct{}

func (XML) Name() string { return "xml" }

func (XML) NewEncoder(w io.Writer, opts Options) (Encoder, error) {
	opts = opts.withDefaults()
	bin, err := LookupBinaryEncoding(opts.BinaryEncoding)
	if err != nil {
		return nil, &Error{Format: "xml", Op: "open", Err: err}
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return &xmlEncoder{enc: enc, bin: bin}, nil
}

func (XML) NewDecoder(r io.Reader, opts Options) (Decoder, error) {
	opts = opts.withDefaults()
	bin, err := LookupBinaryEncoding(opts.BinaryEncoding)
	if err != nil {
		return nil, &Error{Format: "xml", Op: "open", Err: err}
	}
	return &xmlDecoder{dec: xml.NewDecoder(r), bin: bin}, nil
}

var (
	nameTable   = xml.Name{Local: "table"}
	nameColumns = xml.Name{Local: "columns"}
	nameColumn  = xml.Name{Local: "column"}
	nameRow     = xml.Name{Local: "row"}
	nameV       = xml.Name{Local: "v"}
)

type xmlEncoder struct {
	enc   *xml.Encoder
	bin   BinaryEncoding
	cols  []value.Column
	state state
	rows  int64
}

func (e *xmlEncoder) WriteHeader(cols []value.Column) error {
	if e.state != stateInit {
		return &Error{Format: "xml", Op: "write header", Err: errHeaderWritten}
	}
	e.cols = cols

	tokens := []xml.Token{
		xml.StartElement{Name: nameTable, Attr: []xml.Attr{{Name: xml.Name{Local: "binary-encoding"}, Value: e.bin.Name()}}},
		xml.StartElement{Name: nameColumns},
	}
	for _, c := range cols {
		tokens = append(tokens,
			xml.StartElement{Name: nameColumn, Attr: []xml.Attr{
				{Name: xml.Name{Local: "name"}, Value: c.Name},
				{Name: xml.Name{Local: "type-code"}, Value: strconv.Itoa(c.Code)},
				{Name: xml.Name{Local: "type-name"}, Value: c.TypeName},
				{Name: xml.Name{Local: "precision"}, Value: strconv.Itoa(c.Precision)},
				{Name: xml.Name{Local: "scale"}, Value: strconv.Itoa(c.Scale)},
				{Name: xml.Name{Local: "nullable"}, Value: strconv.FormatBool(c.Nullable)},
			}},
			xml.EndElement{Name: nameColumn},
		)
	}
	tokens = append(tokens, xml.EndElement{Name: nameColumns})

	if err := e.encode(tokens); err != nil {
		return &Error{Format: "xml", Op: "write header", Err: err}
	}
	e.state = stateRows
	return nil
}

func (e *xmlEncoder) WriteRow(row []value.Value) error {
	if err := checkWrite(e.state, e.cols, row); err != nil {
		return &Error{Format: "xml", Op: "write", Row: e.rows + 1, Err: err}
	}

	tokens := []xml.Token{xml.StartElement{Name: nameRow}}
	for _, v := range row {
		start := xml.StartElement{Name: nameV}
		var text string
		switch {
		case v.IsNull():
			start.Attr = []xml.Attr{{Name: xml.Name{Local: "nil"}, Value: "true"}}
		case v.Kind() == value.KindBytes:
			text = e.bin.Encode(v.Raw())
		default:
			text = v.AsString()
			if !validXMLText(text) {
				start.Attr = []xml.Attr{{Name: xml.Name{Local: "enc"}, Value: "base64"}}
				text = base64.StdEncoding.EncodeToString([]byte(text))
			}
		}
		tokens = append(tokens, start)
		if text != "" {
			tokens = append(tokens, xml.CharData(text))
		}
		tokens = append(tokens, start.End())
	}
	tokens = append(tokens, xml.EndElement{Name: nameRow})

	if err := e.encode(tokens); err != nil {
		return &Error{Format: "xml", Op: "write", Row: e.rows + 1, Err: err}
	}
	e.rows++
	return nil
}

func (e *xmlEncoder) Close() error {
	if e.state != stateRows {
		e.state = stateClosed
		return nil
	}
	e.state = stateClosed
	if err := e.encode([]xml.Token{xml.EndElement{Name: nameTable}}); err != nil {
		return &Error{Format: "xml", Op: "close", Err: err}
	}
	return nil
}

func (e *xmlEncoder) encode(tokens []xml.Token) error {
	for _, t := range tokens {
		if err := e.enc.EncodeToken(t); err != nil {
			return err
		}
	}
	return e.enc.Flush()
}

func validXMLText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		switch {
		case r == 0x09 || r == 0x0A || r == 0x0D:
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= 0x10FFFF:
		default:
			return false
		}
	}
	return true
}

type xmlDecoder struct {
	dec   *xml.Decoder
	bin   BinaryEncoding
	cols  []value.Column
	state state
	rows  int64
}

// element returns the next start or end element, skipping whitespace,
// comments and processing instructions.
func (d *xmlDecoder) element() (xml.Token, error) {
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement, xml.EndElement:
			return t, nil
		case xml.CharData:
			if strings.TrimSpace(string(t)) != "" {
				return nil, fmt.Errorf("unexpected text %q", string(t))
			}
		}
	}
}

func (d *xmlDecoder) ReadHeader() ([]value.Column, error) {
	if d.state != stateInit {
		return d.cols, nil
	}
	cols, err := d.readHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &Error{Format: "xml", Op: "read header", Err: err}
	}
	d.cols = cols
	d.state = stateRows
	return cols, nil
}

func (d *xmlDecoder) readHeader() ([]value.Column, error) {
	tok, err := d.element()
	if err != nil {
		return nil, err
	}
	root, ok := tok.(xml.StartElement)
	if !ok || root.Name != nameTable {
		return nil, fmt.Errorf("expected <table>, got %v", tok)
	}
	if name := attr(root, "binary-encoding"); name != "" {
		if d.bin, err = LookupBinaryEncoding(name); err != nil {
			return nil, err
		}
	}

	tok, err = d.element()
	if err != nil {
		return nil, err
	}
	if start, ok := tok.(xml.StartElement); !ok || start.Name != nameColumns {
		return nil, fmt.Errorf("expected <columns>, got %v", tok)
	}

	var cols []value.Column
	for {
		tok, err := d.element()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name == nameColumns {
				return cols, nil
			}
		case xml.StartElement:
			if t.Name != nameColumn {
				return nil, fmt.Errorf("unexpected <%s> in <columns>", t.Name.Local)
			}
			col, err := parseColumnElement(t)
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
		}
	}
}

func parseColumnElement(t xml.StartElement) (value.Column, error) {
	col := value.Column{Name: attr(t, "name"), TypeName: attr(t, "type-name")}
	var err error
	if col.Code, err = strconv.Atoi(attr(t, "type-code")); err != nil {
		return col, fmt.Errorf("column %q: invalid type-code: %w", col.Name, err)
	}
	col.Precision, _ = strconv.Atoi(attr(t, "precision"))
	col.Scale, _ = strconv.Atoi(attr(t, "scale"))
	col.Nullable, _ = strconv.ParseBool(attr(t, "nullable"))
	return col, nil
}

func (d *xmlDecoder) Next() ([]value.Value, error) {
	switch d.state {
	case stateInit:
		return nil, &Error{Format: "xml", Op: "read", Err: errHeaderUnread}
	case stateClosed:
		return nil, io.EOF
	}

	tok, err := d.element()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("missing </table>: %w", io.ErrUnexpectedEOF)
		}
		return nil, &Error{Format: "xml", Op: "read", Row: d.rows + 1, Err: err}
	}
	switch t := tok.(type) {
	case xml.EndElement:
		if t.Name == nameTable {
			d.state = stateClosed
			return nil, io.EOF
		}
		return nil, &Error{Format: "xml", Op: "read", Row: d.rows + 1, Err: fmt.Errorf("unexpected </%s>", t.Name.Local)}
	case xml.StartElement:
		if t.Name != nameRow {
			return nil, &Error{Format: "xml", Op: "read", Row: d.rows + 1, Err: fmt.Errorf("unexpected <%s>", t.Name.Local)}
		}
	}

	row, err := d.readRow()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &Error{Format: "xml", Op: "read", Row: d.rows + 1, Err: err}
	}
	d.rows++
	return row, nil
}

func (d *xmlDecoder) readRow() ([]value.Value, error) {
	row := make([]value.Value, 0, len(d.cols))
	for {
		tok, err := d.element()
		if err != nil {
			return nil, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name != nameRow {
				return nil, fmt.Errorf("unexpected </%s>", end.Name.Local)
			}
			if len(row) != len(d.cols) {
				return nil, fmt.Errorf("row has %d values, header has %d columns", len(row), len(d.cols))
			}
			return row, nil
		}

		start := tok.(xml.StartElement)
		if start.Name != nameV {
			return nil, fmt.Errorf("unexpected <%s> in <row>", start.Name.Local)
		}
		if len(row) >= len(d.cols) {
			return nil, fmt.Errorf("row has more than %d values", len(d.cols))
		}
		col := d.cols[len(row)]

		var text strings.Builder
		for {
			tok, err := d.dec.Token()
			if err != nil {
				return nil, err
			}
			if cd, ok := tok.(xml.CharData); ok {
				text.Write(cd)
				continue
			}
			if _, ok := tok.(xml.EndElement); ok {
				break
			}
			return nil, fmt.Errorf("column %q: unexpected markup in value", col.Name)
		}

		v, err := d.decodeValue(col, start, text.String())
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		row = append(row, v)
	}
}

func (d *xmlDecoder) decodeValue(col value.Column, start xml.StartElement, text string) (value.Value, error) {
	if attr(start, "nil") == "true" {
		return value.Null(col.Code), nil
	}
	if value.KindFor(col.Code) == value.KindBytes {
		b, err := d.bin.Decode(text)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bytes(col.Code, b), nil
	}
	if attr(start, "enc") == "base64" {
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return value.Value{}, err
		}
		text = string(b)
	}
	return value.Parse(col.Code, text)
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
