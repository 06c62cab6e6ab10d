package codec

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// BinaryEncoding renders binary payloads inside text formats.
type BinaryEncoding interface {
	Name() string
	Encode(b []byte) string
	Decode(s string) ([]byte, error)
}

type hexEncoding struct{}

func (hexEncoding) Name() string                    { return "hex" }
func (hexEncoding) Encode(b []byte) string          { return hex.EncodeToString(b) }
func (hexEncoding) Decode(s string) ([]byte, error) { return hex.DecodeString(s) }

type base64Encoding struct{}

func (base64Encoding) Name() string           { return "base64" }
func (base64Encoding) Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
func (base64Encoding) Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func LookupBinaryEncoding(name string) (BinaryEncoding, error) {
	switch name {
	case "", "hex":
		return hexEncoding{}, nil
	case "base64":
		return base64Encoding{}, nil
	}
	return nil, fmt.Errorf("unknown binary encoding %q", name)
}
